// internal/service/inventory/port/deadline.go
package port

import (
	"context"
	"time"
)

// DeadlineScheduler 记录每个 saga 的应答期限。预留成功后登记，
// saga 到达终态后撤销；到期未撤销的 saga 由超时监视器发出合成超时事件。
// 它兜住了"库存被废弃订单无限占用"的问题。
type DeadlineScheduler interface {
	Schedule(ctx context.Context, sagaID, orderID string, deadline time.Time) error
	Cancel(ctx context.Context, sagaID string) error
}
