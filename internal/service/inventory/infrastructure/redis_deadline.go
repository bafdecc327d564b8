// internal/service/inventory/infrastructure/redis_deadline.go
package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"stockpilot/internal/pkg/logger"
	"stockpilot/internal/pkg/redis"
)

// Redis 里的期限登记：
//   - DeadlineZSetKey: member=sagaId, score=到期时间(unix 毫秒)
//   - DeadlineOrderHashKey: sagaId -> orderId，监视器发超时事件时要用
//
// 两个结构用事务管道一起写，保证登记/撤销的原子性。
const (
	DeadlineZSetKey      = "saga:deadlines"
	DeadlineOrderHashKey = "saga:deadline_orders"
)

// RedisDeadlineScheduler 把 saga 应答期限登记到 Redis 有序集合。
// 超时监视器轮询这个集合，把到期的 saga 变成合成超时事件。
type RedisDeadlineScheduler struct {
	client *redis.Client
}

func NewRedisDeadlineScheduler(client *redis.Client) *RedisDeadlineScheduler {
	return &RedisDeadlineScheduler{client: client}
}

func (s *RedisDeadlineScheduler) Schedule(ctx context.Context, sagaID, orderID string, deadline time.Time) error {
	rdb := s.client.GetClient()
	_, err := rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAdd(ctx, DeadlineZSetKey, goredis.Z{
			Score:  float64(deadline.UnixMilli()),
			Member: sagaID,
		})
		pipe.HSet(ctx, DeadlineOrderHashKey, sagaID, orderID)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "schedule deadline for saga %s", sagaID)
	}
	logger.Ctx(ctx).Debug().
		Str("saga_id", sagaID).
		Time("deadline", deadline).
		Msg("Saga deadline scheduled")
	return nil
}

func (s *RedisDeadlineScheduler) Cancel(ctx context.Context, sagaID string) error {
	rdb := s.client.GetClient()
	_, err := rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, DeadlineZSetKey, sagaID)
		pipe.HDel(ctx, DeadlineOrderHashKey, sagaID)
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "cancel deadline for saga %s", sagaID)
	}
	return nil
}
