// internal/service/inventory/domain/saga.go
package domain

import (
	"fmt"
	"time"

	"stockpilot/internal/pkg/clock"
)

// SagaState 是库存参与方本地记录的 saga 状态。
// 取值封闭，所有流转必须走 TransitionTo，不接受任意字符串。
type SagaState string

const (
	SagaStatePending     SagaState = "PENDING"     // 收到订单事件，预留进行中
	SagaStateReserved    SagaState = "RESERVED"    // 库存已预留，等待下游回应
	SagaStateFailed      SagaState = "FAILED"      // 预留失败（库存不足），未扣减任何数量
	SagaStateCompensated SagaState = "COMPENSATED" // 预留已通过补偿退回
	SagaStateCompleted   SagaState = "COMPLETED"   // 下游全部成功，预留坐实
)

// 显式的流转表。不在表里的流转一律拒绝，
// 乱序到达的事件靠这张表挡在状态机之外。
var sagaTransitions = map[SagaState][]SagaState{
	SagaStatePending:  {SagaStateReserved, SagaStateFailed},
	SagaStateReserved: {SagaStateCompensated, SagaStateCompleted},
}

// CanTransitionTo 判断 next 是否是合法的下一个状态。
func (s SagaState) CanTransitionTo(next SagaState) bool {
	for _, allowed := range sagaTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal 判断该状态之后是否不再有流转。
func (s SagaState) IsTerminal() bool {
	return len(sagaTransitions[s]) == 0
}

// ReservedItem 记录某个 saga 对单个商品的累计占用量。
type ReservedItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// SagaRecord 是参与方的本地 saga 账目。行项在预留时落库，
// 补偿和超时处理都以这里的记录为准，不依赖原始事件重新投递。
type SagaRecord struct {
	SagaID    string
	OrderID   string
	State     SagaState
	Items     []ReservedItem
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewSagaRecord 以 Pending 状态开始一条 saga 账目。
func NewSagaRecord(sagaID, orderID string, items []ReservedItem, clk clock.Clock) *SagaRecord {
	now := clk.Now()
	return &SagaRecord{
		SagaID:    sagaID,
		OrderID:   orderID,
		State:     SagaStatePending,
		Items:     items,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo 执行一次状态流转，非法流转返回 ErrInvalidTransition。
func (r *SagaRecord) TransitionTo(next SagaState, clk clock.Clock) error {
	if !r.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, next)
	}
	r.State = next
	r.UpdatedAt = clk.Now()
	return nil
}
