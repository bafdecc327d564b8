// internal/service/inventory/port/publisher.go
package port

import (
	"context"

	"stockpilot/internal/events"
)

// EventPublisher 是库存参与方的出站事件端口，由基础设施层实现。
// 事件按类型发往各自的主题，消息 Key 用 sagaId 保证分区亲和。
type EventPublisher interface {
	PublishStockReserved(ctx context.Context, ev *events.StockReserved) error
	PublishStockReservationFailed(ctx context.Context, ev *events.StockReservationFailed) error
	PublishStockReleased(ctx context.Context, ev *events.StockReleased) error

	Close() error
}
