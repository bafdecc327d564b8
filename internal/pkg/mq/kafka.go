// internal/pkg/mq/kafka.go
package mq

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// 事件按类型划分主题；消息 Key 统一使用 sagaId，
// 让同一个 saga 的事件尽量落在同一分区（尽力而为的有序性）。
const (
	TopicOrderCreated           = "order-created"
	TopicStockReserved          = "stock-reserved"
	TopicStockReservationFailed = "stock-reservation-failed"
	TopicStockReleaseRequested  = "stock-release-requested"
	TopicStockReleased          = "stock-released"
	TopicSagaTimeoutExpired     = "saga-timeout-expired"
	TopicOrderCompleted         = "order-completed"
)

// DLTSuffix 拼接在原主题后面，构成死信主题名。
const DLTSuffix = ".DLT"

// NewKafkaReader 为给定主题和消费组创建一个 Reader。
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // 手动提交
		MaxWait:        500 * time.Millisecond,
	})
}

// NewKafkaWriter 创建一个指向单一主题的 Writer。
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{}, // 按 Key(sagaId) 哈希，保证分区亲和
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// ProduceMessage 发送一条消息，并把当前追踪上下文注入消息头。
func ProduceMessage(ctx context.Context, writer *kafka.Writer, key, value []byte) error {
	msg := kafka.Message{
		Key:   key,
		Value: value,
	}
	InjectTraceContext(ctx, &msg.Headers)
	return writer.WriteMessages(ctx, msg)
}
