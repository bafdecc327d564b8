// internal/service/inventory/interfaces/dlt_handler.go
package interfaces

import (
	"context"
	"errors"
	"io"

	"github.com/segmentio/kafka-go"

	"stockpilot/internal/pkg/logger"
	"stockpilot/internal/pkg/mq"
)

// DLTMonitor 订阅所有死信主题并打出结构化的排障日志。
// 死信的处置（修数据、手工重放）是人工流程，这里只负责让它被看见。
type DLTMonitor struct {
	readers []*kafka.Reader
}

func NewDLTMonitor(brokers []string) *DLTMonitor {
	topics := []string{
		mq.TopicOrderCreated + mq.DLTSuffix,
		mq.TopicStockReleaseRequested + mq.DLTSuffix,
		mq.TopicSagaTimeoutExpired + mq.DLTSuffix,
		mq.TopicOrderCompleted + mq.DLTSuffix,
	}
	readers := make([]*kafka.Reader, 0, len(topics))
	for _, t := range topics {
		readers = append(readers, mq.NewKafkaReader(brokers, t, GroupID+"-dlt"))
	}
	return &DLTMonitor{readers: readers}
}

func (m *DLTMonitor) Run(ctx context.Context) {
	for _, r := range m.readers {
		go m.watch(ctx, r)
	}
}

func (m *DLTMonitor) watch(ctx context.Context, reader *kafka.Reader) {
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			logger.Ctx(ctx).Error().Err(err).Msg("DLT reader error")
			continue
		}

		ev := logger.Ctx(ctx).Error().
			Str("dlt_topic", msg.Topic).
			Str("key", string(msg.Key)).
			Int64("offset", msg.Offset)
		for _, h := range msg.Headers {
			switch h.Key {
			case mq.HeaderOriginalTopic, mq.HeaderOriginalPartition, mq.HeaderOriginalOffset,
				mq.HeaderExceptionFqcn, mq.HeaderExceptionMessage, mq.HeaderRetryCount:
				ev = ev.Str(h.Key, string(h.Value))
			}
		}
		ev.Msg("🚨 Dead letter received, manual intervention required")
	}
}

func (m *DLTMonitor) Close() error {
	var firstErr error
	for _, r := range m.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
