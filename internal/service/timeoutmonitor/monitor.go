// internal/service/timeoutmonitor/monitor.go
package timeoutmonitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"stockpilot/internal/events"
	"stockpilot/internal/pkg/clock"
	"stockpilot/internal/pkg/logger"
	"stockpilot/internal/pkg/metrics"
	"stockpilot/internal/pkg/mq"
	"stockpilot/internal/pkg/redis"
	"stockpilot/internal/service/inventory/infrastructure"
)

// SourceName 写入监视器发出的每个合成超时事件。
const SourceName = "saga-timeout-monitor"

const popScriptName = "pop_due_deadlines"

// popScript 原子地摘取到期的 saga：从有序集合删除成员，
// 连带取出并删除对应的 orderId。原子性保证多个监视器实例
// 不会对同一个 saga 发出两份超时事件。
const popScript = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #due == 0 then
    return {}
end
redis.call('ZREM', KEYS[1], unpack(due))
local out = {}
for _, sagaId in ipairs(due) do
    local orderId = redis.call('HGET', KEYS[2], sagaId) or ''
    redis.call('HDEL', KEYS[2], sagaId)
    out[#out + 1] = sagaId
    out[#out + 1] = orderId
end
return out
`

// 单次轮询最多摘取的到期 saga 数，防止积压时一口吃撑。
const popBatchLimit = 128

// Monitor 轮询期限集合，把到期未撤销的 saga 变成 SagaTimeoutExpired
// 事件发回 Kafka。它不直接碰库存：补偿仍由库存参与方的消费循环执行，
// 超时只是又一个携带自身 EventID 的入站事件，幂等机制照常生效。
type Monitor struct {
	client       *redis.Client
	deadlines    *infrastructure.RedisDeadlineScheduler
	writer       *kafka.Writer
	clk          clock.Clock
	pollInterval time.Duration
}

func NewMonitor(client *redis.Client, brokers []string, clk clock.Clock, pollInterval time.Duration) (*Monitor, error) {
	if err := client.LoadScriptFromContent(popScriptName, popScript); err != nil {
		return nil, err
	}
	return &Monitor{
		client:       client,
		deadlines:    infrastructure.NewRedisDeadlineScheduler(client),
		writer:       mq.NewKafkaWriter(brokers, mq.TopicSagaTimeoutExpired),
		clk:          clk,
		pollInterval: pollInterval,
	}, nil
}

// Run 阻塞轮询直到 ctx 取消。
func (m *Monitor) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().
		Dur("poll_interval", m.pollInterval).
		Msg("✅ Saga timeout monitor started")

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Ctx(context.Background()).Info().Msg("🛑 Saga timeout monitor stopped")
			return nil
		case <-ticker.C:
			if err := m.sweep(ctx); err != nil {
				// 单次轮询失败不退出，下一个 tick 再试
				logger.Ctx(ctx).Error().Err(err).Msg("Deadline sweep failed")
			}
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) error {
	now := m.clk.Now().UnixMilli()
	raw, err := m.client.RunScript(ctx, popScriptName,
		[]string{infrastructure.DeadlineZSetKey, infrastructure.DeadlineOrderHashKey},
		now, popBatchLimit)
	if err != nil {
		return errors.Wrap(err, "pop due deadlines")
	}

	pairs, ok := raw.([]interface{})
	if !ok || len(pairs) == 0 {
		return nil
	}

	for i := 0; i+1 < len(pairs); i += 2 {
		sagaID, _ := pairs[i].(string)
		orderID, _ := pairs[i+1].(string)
		if sagaID == "" {
			continue
		}
		if err := m.publishTimeout(ctx, sagaID, orderID); err != nil {
			// 发布失败意味着这个 saga 的期限已经被摘掉却没有信号。
			// 重新登记一个立即到期的成员，下个 tick 再试
			logger.Ctx(ctx).Error().Err(err).Str("saga_id", sagaID).Msg("Failed to publish timeout, re-registering deadline")
			if rerr := m.reRegister(ctx, sagaID, orderID); rerr != nil {
				logger.Ctx(ctx).Error().Err(rerr).Str("saga_id", sagaID).Msg("🚨 CRITICAL: lost saga deadline")
			}
		}
	}
	return nil
}

func (m *Monitor) publishTimeout(ctx context.Context, sagaID, orderID string) error {
	ev := &events.SagaTimeoutExpired{
		Envelope: events.NewEnvelope(SourceName, sagaID, events.SagaTimeoutExpiredVersion, m.clk),
		OrderID:  orderID,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal timeout event")
	}
	if err := mq.ProduceMessage(ctx, m.writer, []byte(sagaID), payload); err != nil {
		return errors.Wrap(err, "publish timeout event")
	}

	metrics.SagaTimeouts.Inc()
	logger.Ctx(ctx).Warn().
		Str("saga_id", sagaID).
		Str("order_id", orderID).
		Msg("Saga deadline expired, timeout event emitted")
	return nil
}

func (m *Monitor) reRegister(ctx context.Context, sagaID, orderID string) error {
	return m.deadlines.Schedule(ctx, sagaID, orderID, m.clk.Now())
}

// Close 释放 Kafka writer。
func (m *Monitor) Close() error {
	return m.writer.Close()
}
