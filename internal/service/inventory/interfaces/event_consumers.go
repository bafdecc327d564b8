// internal/service/inventory/interfaces/event_consumers.go
package interfaces

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"stockpilot/internal/events"
	"stockpilot/internal/pkg/mq"
	"stockpilot/internal/service/inventory/application"
)

// ConsumerSet 把库存参与方订阅的四个主题聚在一起启停。
type ConsumerSet struct {
	consumers []*Consumer
}

// NewConsumerSet 为每个订阅主题创建消费循环并绑定应用服务。
func NewConsumerSet(brokers []string, app *application.InventoryApplicationService, workers, maxDeliveryRetries int) *ConsumerSet {
	return &ConsumerSet{consumers: []*Consumer{
		newConsumer(brokers, mq.TopicOrderCreated, workers, maxDeliveryRetries,
			func(ctx context.Context, msg kafka.Message) error {
				var ev events.OrderCreated
				if err := decode(msg, &ev); err != nil {
					return err
				}
				return app.HandleOrderCreated(ctx, &ev)
			}),
		newConsumer(brokers, mq.TopicStockReleaseRequested, workers, maxDeliveryRetries,
			func(ctx context.Context, msg kafka.Message) error {
				var ev events.StockReleaseRequested
				if err := decode(msg, &ev); err != nil {
					return err
				}
				return app.HandleStockReleaseRequested(ctx, &ev)
			}),
		newConsumer(brokers, mq.TopicSagaTimeoutExpired, workers, maxDeliveryRetries,
			func(ctx context.Context, msg kafka.Message) error {
				var ev events.SagaTimeoutExpired
				if err := decode(msg, &ev); err != nil {
					return err
				}
				return app.HandleSagaTimeout(ctx, &ev)
			}),
		newConsumer(brokers, mq.TopicOrderCompleted, workers, maxDeliveryRetries,
			func(ctx context.Context, msg kafka.Message) error {
				var ev events.OrderCompleted
				if err := decode(msg, &ev); err != nil {
					return err
				}
				return app.HandleOrderCompleted(ctx, &ev)
			}),
	}}
}

// Run 并发运行所有消费循环，任何一个出错就整体退出。
func (s *ConsumerSet) Run(ctx context.Context) error {
	errCh := make(chan error, len(s.consumers))
	for _, c := range s.consumers {
		go func(c *Consumer) { errCh <- c.Run(ctx) }(c)
	}
	var firstErr error
	for range s.consumers {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close 释放所有 reader 和失败处理器。
func (s *ConsumerSet) Close() error {
	var firstErr error
	for _, c := range s.consumers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// decode 反序列化事件载荷。坏载荷不可能靠重试修好，直接标记永久失败。
func decode(msg kafka.Message, out interface{}) error {
	if err := json.Unmarshal(msg.Value, out); err != nil {
		return mq.Permanent(errors.Wrapf(err, "malformed payload on %s", msg.Topic))
	}
	return nil
}
