// internal/pkg/mq/failure.go
package mq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"stockpilot/internal/pkg/logger"
	"stockpilot/internal/pkg/metrics"
)

// 死信消息头，记录消息来源和失败原因，供 DLT 消费者排障。
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionFqcn     = "x-exception-type"
	HeaderExceptionMessage  = "x-exception-message"
	HeaderRetryCount        = "x-retry-count"
)

// permanentError 标记一个不可重试的处理失败（校验错误、乐观锁重试耗尽等），
// FailureHandler 看到它会跳过重试直接进死信。
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 将 err 包装为不可重试错误。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断 err 是否被标记为不可重试。
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// FailureHandler 统一处理消费失败：瞬时错误指数退避后重新入队，
// 超过最大次数或遇到永久性错误时转入死信主题。消息本身总是会被提交，
// 失败的副本由这里负责接管，绝不丢弃。
type FailureHandler struct {
	topic       string
	retryWriter *kafka.Writer // 写回原主题
	dltWriter   *kafka.Writer // 写入 <topic>.DLT
	maxRetries  int
	baseBackoff time.Duration
}

// NewFailureHandler 为某个消费主题创建失败处理器。
func NewFailureHandler(brokers []string, topic string, maxRetries int) *FailureHandler {
	return &FailureHandler{
		topic:       topic,
		retryWriter: NewKafkaWriter(brokers, topic),
		dltWriter:   NewKafkaWriter(brokers, topic+DLTSuffix),
		maxRetries:  maxRetries,
		baseBackoff: 200 * time.Millisecond,
	}
}

// Handle 根据错误类型和已重试次数决定消息去向。
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, procErr error) {
	if IsPermanent(procErr) {
		h.forwardToDLT(ctx, msg, procErr)
		return
	}

	retries := h.retryCount(msg)
	if retries >= h.maxRetries {
		h.forwardToDLT(ctx, msg, fmt.Errorf("retries exhausted after %d attempts: %w", retries, procErr))
		return
	}

	// 指数退避：200ms, 400ms, 800ms ...
	backoff := h.baseBackoff << uint(retries)
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return
	}

	requeue := kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: withHeader(msg.Headers, HeaderRetryCount, strconv.Itoa(retries+1)),
	}
	InjectTraceContext(ctx, &requeue.Headers)
	if err := h.retryWriter.WriteMessages(ctx, requeue); err != nil {
		// 重新入队失败只能走死信，不能让消息消失
		logger.Ctx(ctx).Error().Err(err).Str("topic", h.topic).Msg("Failed to requeue message, forwarding to DLT")
		h.forwardToDLT(ctx, msg, procErr)
	}
}

func (h *FailureHandler) forwardToDLT(ctx context.Context, msg kafka.Message, procErr error) {
	dltMsg := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(msg.Headers,
			kafka.Header{Key: HeaderOriginalTopic, Value: []byte(h.topic)},
			kafka.Header{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
			kafka.Header{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
			kafka.Header{Key: HeaderExceptionFqcn, Value: []byte(fmt.Sprintf("%T", procErr))},
			kafka.Header{Key: HeaderExceptionMessage, Value: []byte(procErr.Error())},
		),
	}
	if err := h.dltWriter.WriteMessages(ctx, dltMsg); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("topic", h.topic).
			Str("key", string(msg.Key)).
			Msg("🚨 CRITICAL: failed to forward message to DLT, message may be lost")
		return
	}
	metrics.DeadLetters.WithLabelValues(h.topic).Inc()
	logger.Ctx(ctx).Warn().
		Str("topic", h.topic).
		Str("key", string(msg.Key)).
		Err(procErr).
		Msg("Message forwarded to DLT")
}

// Close 释放底层 writer。
func (h *FailureHandler) Close() error {
	if err := h.retryWriter.Close(); err != nil {
		return err
	}
	return h.dltWriter.Close()
}

func (h *FailureHandler) retryCount(msg kafka.Message) int {
	for _, hd := range msg.Headers {
		if hd.Key == HeaderRetryCount {
			if n, err := strconv.Atoi(string(hd.Value)); err == nil {
				return n
			}
		}
	}
	return 0
}

func withHeader(headers []kafka.Header, key, value string) []kafka.Header {
	out := make([]kafka.Header, 0, len(headers)+1)
	for _, h := range headers {
		if h.Key == key {
			continue
		}
		out = append(out, h)
	}
	return append(out, kafka.Header{Key: key, Value: []byte(value)})
}
