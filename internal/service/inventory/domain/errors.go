// internal/service/inventory/domain/errors.go
package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrStockNotFound   = errors.New("stock record not found")
	ErrSagaNotFound    = errors.New("saga record not found")

	// ErrDuplicateEvent 不是故障：同一个事件 ID 的重复投递，
	// 确认即可，绝不重复执行副作用。
	ErrDuplicateEvent = errors.New("event already processed")

	// ErrInvalidTransition 表示事件乱序到达时被状态机拒绝。
	ErrInvalidTransition = errors.New("invalid saga state transition")

	// ErrConcurrencyExhausted 表示乐观锁冲突重试耗尽，
	// 视为基础设施故障，消息转入死信。
	ErrConcurrencyExhausted = errors.New("optimistic concurrency retries exhausted")
)

// InsufficientStockError 是预期中的业务结果，不是基础设施错误：
// 永远通过失败事件对外表达，绝不重试预留。
type InsufficientStockError struct {
	ProductIDs []string
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for products: %s", strings.Join(e.ProductIDs, ", "))
}
