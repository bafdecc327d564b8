// internal/service/inventory/infrastructure/kafka_publisher.go
package infrastructure

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"stockpilot/internal/events"
	"stockpilot/internal/pkg/logger"
	"stockpilot/internal/pkg/mq"
)

// KafkaEventPublisher 把参与方的结果事件写到各自的主题。
// 消息 Key 统一是 sagaId，同一个 saga 的事件落同一分区。
type KafkaEventPublisher struct {
	reservedWriter *kafka.Writer
	failedWriter   *kafka.Writer
	releasedWriter *kafka.Writer
}

func NewKafkaEventPublisher(brokers []string) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		reservedWriter: mq.NewKafkaWriter(brokers, mq.TopicStockReserved),
		failedWriter:   mq.NewKafkaWriter(brokers, mq.TopicStockReservationFailed),
		releasedWriter: mq.NewKafkaWriter(brokers, mq.TopicStockReleased),
	}
}

func (p *KafkaEventPublisher) PublishStockReserved(ctx context.Context, ev *events.StockReserved) error {
	return p.publish(ctx, p.reservedWriter, ev.SagaID, ev)
}

func (p *KafkaEventPublisher) PublishStockReservationFailed(ctx context.Context, ev *events.StockReservationFailed) error {
	return p.publish(ctx, p.failedWriter, ev.SagaID, ev)
}

func (p *KafkaEventPublisher) PublishStockReleased(ctx context.Context, ev *events.StockReleased) error {
	return p.publish(ctx, p.releasedWriter, ev.SagaID, ev)
}

func (p *KafkaEventPublisher) publish(ctx context.Context, writer *kafka.Writer, sagaID string, ev interface{}) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal outbound event")
	}
	if err := mq.ProduceMessage(ctx, writer, []byte(sagaID), payload); err != nil {
		return errors.Wrapf(err, "publish to %s", writer.Topic)
	}
	logger.Ctx(ctx).Debug().Str("topic", writer.Topic).Str("saga_id", sagaID).Msg("Event published")
	return nil
}

func (p *KafkaEventPublisher) Close() error {
	var firstErr error
	for _, w := range []*kafka.Writer{p.reservedWriter, p.failedWriter, p.releasedWriter} {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
