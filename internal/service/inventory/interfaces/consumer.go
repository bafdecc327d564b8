// internal/service/inventory/interfaces/consumer.go
package interfaces

import (
	"context"
	"errors"
	"io"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"stockpilot/internal/pkg/logger"
	"stockpilot/internal/pkg/metrics"
	"stockpilot/internal/pkg/mq"
)

// GroupID 是库存参与方所有消费者共用的消费组。
const GroupID = "inventory-service"

// Consumer 是一个主题的消费循环：拉取 -> 处理 -> 失败接管 -> 提交。
// 每个 worker 持有自己的 Reader，消费组把分区摊到各个 Reader 上；
// 一个分区任一时刻只属于一个 Reader，单个 Reader 内严格是
// 取一条、处理完、提交一条，位移提交永远不会越过未处理的消息。
// 无论处理成败，位移都会提交；失败副本由 FailureHandler 负责
// 重新入队或转入死信，broker 的至少一次语义不会把消息弄丢。
type Consumer struct {
	topic    string
	readers  []*kafka.Reader
	failures *mq.FailureHandler
	handle   func(ctx context.Context, msg kafka.Message) error
}

func newConsumer(brokers []string, topic string, workers, maxDeliveryRetries int,
	handle func(ctx context.Context, msg kafka.Message) error) *Consumer {
	if workers < 1 {
		workers = 1
	}
	readers := make([]*kafka.Reader, 0, workers)
	for i := 0; i < workers; i++ {
		readers = append(readers, mq.NewKafkaReader(brokers, topic, GroupID))
	}
	return &Consumer{
		topic:    topic,
		readers:  readers,
		failures: mq.NewFailureHandler(brokers, topic, maxDeliveryRetries),
		handle:   handle,
	}
}

// Run 为每个 Reader 启动一个消费循环，阻塞到 ctx 取消。
func (c *Consumer) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().
		Str("topic", c.topic).
		Int("workers", len(c.readers)).
		Msg("✅ Consumer started")

	g, ctx := errgroup.WithContext(ctx)
	for _, reader := range c.readers {
		reader := reader
		g.Go(func() error { return c.loop(ctx, reader) })
	}
	err := g.Wait()

	logger.Ctx(context.Background()).Info().Str("topic", c.topic).Msg("🛑 Consumer stopped")
	return err
}

func (c *Consumer) loop(ctx context.Context, reader *kafka.Reader) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		metrics.EventsConsumed.WithLabelValues(c.topic).Inc()
		msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)

		if procErr := c.handle(msgCtx, msg); procErr != nil {
			c.failures.Handle(msgCtx, msg, procErr)
		}

		// 提交必须用外层 ctx：消息已被接管，不能因为取消而重复消费
		if err := reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Ctx(msgCtx).Error().Err(err).
				Str("topic", c.topic).
				Int64("offset", msg.Offset).
				Msg("Failed to commit offset")
		}
	}
}

// Close 释放所有 reader 和失败处理器。
func (c *Consumer) Close() error {
	var firstErr error
	for _, reader := range c.readers {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.failures.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
