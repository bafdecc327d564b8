// internal/service/inventory/domain/repository.go
package domain

import "context"

// ReservationOutcome / ReleaseOutcome 是账本原子操作的业务结果。
// 基础设施故障走 error 通道，业务结果走这里。
type ReservationOutcome string

const (
	ReservationReserved  ReservationOutcome = "RESERVED"
	ReservationFailed    ReservationOutcome = "FAILED"
	ReservationDuplicate ReservationOutcome = "DUPLICATE"
)

type ReleaseOutcome string

const (
	ReleaseReleased  ReleaseOutcome = "RELEASED"
	ReleaseNoop      ReleaseOutcome = "NOOP"
	ReleaseDuplicate ReleaseOutcome = "DUPLICATE"
)

// ReservationCommand 描述一次全有或全无的多商品预留。
// Items 必须已按商品合并过需求量（同一商品多行累加）。
type ReservationCommand struct {
	EventID string // 触发事件的 ID，幂等标记与扣减同一事务落库
	SagaID  string
	OrderID string
	Items   []ReservedItem
}

// ReservationResult 携带预留的业务结果。
// Duplicate 时附带已记录的 saga 账目，仅供调用方观测和记日志，
// 重复投递一律确认了事，不产生任何副作用或事件。
type ReservationResult struct {
	Outcome        ReservationOutcome
	FailedProducts []string // Outcome 为 Failed 时，库存不足的商品
	Saga           *SagaRecord
}

// ReleaseCommand 描述一次补偿退回。退回的行项以 saga 账目为准，
// 不信任请求事件里携带的行项。
type ReleaseCommand struct {
	EventID string
	SagaID  string
}

type ReleaseResult struct {
	Outcome ReleaseOutcome
	Saga    *SagaRecord
}

type CompletionOutcome string

const (
	CompletionCompleted CompletionOutcome = "COMPLETED"
	CompletionNoop      CompletionOutcome = "NOOP"
	CompletionDuplicate CompletionOutcome = "DUPLICATE"
)

// InventoryRepository 是库存账本契约。实现必须保证：
//
//   - Reserve/Release 的幂等标记、saga 流转和数量变更在同一个
//     原子单元内生效，崩溃不会造成丢失或重复的扣减；
//   - 多商品变更全有或全无，其他事务看不到中间计数；
//   - 单行变更以 Version 做乐观守卫，冲突在实现内部有界重试，
//     耗尽后返回 ErrConcurrencyExhausted；
//   - 数量永不为负。
type InventoryRepository interface {
	// 商品目录操作
	ListActive(ctx context.Context) ([]*Product, error)
	GetByID(ctx context.Context, id string) (*Product, *ProductStock, error)
	Add(ctx context.Context, product *Product, initialStock int) error
	Update(ctx context.Context, product *Product) error
	SoftDelete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)
	GetStock(ctx context.Context, productID string) (*ProductStock, error)

	// saga 账目
	GetSaga(ctx context.Context, sagaID string) (*SagaRecord, error)

	// 原子预留：要么全部扣减，要么一个都不动
	Reserve(ctx context.Context, cmd ReservationCommand) (*ReservationResult, error)

	// 原子退回：补偿路径，同样全有或全无
	Release(ctx context.Context, cmd ReleaseCommand) (*ReleaseResult, error)

	// 下游全部成功后的终结流转，没有库存副作用
	CompleteSaga(ctx context.Context, eventID, sagaID string) (CompletionOutcome, error)
}
