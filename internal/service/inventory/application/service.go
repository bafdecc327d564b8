// internal/service/inventory/application/service.go
package application

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockpilot/internal/events"
	"stockpilot/internal/pkg/clock"
	"stockpilot/internal/pkg/logger"
	"stockpilot/internal/pkg/metrics"
	"stockpilot/internal/pkg/mq"
	"stockpilot/internal/service/inventory/domain"
	"stockpilot/internal/service/inventory/port"
)

// SourceName 写入本参与方发出的每个事件的 Source 字段。
const SourceName = "inventory-service"

// InventoryApplicationService 编排库存参与方的全部业务流程：
// 预留、补偿、超时和终结。每个入口都由消费者适配器驱动，
// 并且假设同一 saga 的事件可能并发、乱序、重复到达。
type InventoryApplicationService struct {
	repo      domain.InventoryRepository
	publisher port.EventPublisher
	deadlines port.DeadlineScheduler
	clk       clock.Clock
	tracer    trace.Tracer

	sagaTimeout time.Duration
}

func NewInventoryApplicationService(
	repo domain.InventoryRepository,
	publisher port.EventPublisher,
	deadlines port.DeadlineScheduler,
	clk clock.Clock,
	tracer trace.Tracer,
	sagaTimeout time.Duration,
) *InventoryApplicationService {
	return &InventoryApplicationService{
		repo:        repo,
		publisher:   publisher,
		deadlines:   deadlines,
		clk:         clk,
		tracer:      tracer,
		sagaTimeout: sagaTimeout,
	}
}

// HandleOrderCreated 是 saga 的入口：校验 -> 幂等预留 -> 发结果事件。
// 校验失败是死信，不进状态机；库存不足是业务结果，用失败事件表达。
func (s *InventoryApplicationService) HandleOrderCreated(ctx context.Context, ev *events.OrderCreated) error {
	ctx, span := s.tracer.Start(ctx, "app.HandleOrderCreated", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("saga.id", ev.SagaID),
		attribute.String("order.id", ev.OrderID),
	)

	if err := ev.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "order created event rejected by validation")
		logger.Ctx(ctx).Warn().Err(err).Str("event_id", ev.EventID).Msg("Invalid OrderCreated event, routing to DLT")
		return mq.Permanent(err)
	}

	// 同一商品拆成多行时需求量累加，之后按商品 ID 排序，
	// 保证并发事务以一致的顺序触碰库存行
	demand := ev.CombinedDemand()
	items := make([]domain.ReservedItem, 0, len(demand))
	for productID, quantity := range demand {
		items = append(items, domain.ReservedItem{ProductID: productID, Quantity: quantity})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })

	result, err := s.repo.Reserve(ctx, domain.ReservationCommand{
		EventID: ev.EventID,
		SagaID:  ev.SagaID,
		OrderID: ev.OrderID,
		Items:   items,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reservation failed with infrastructure error")
		if errors.Is(err, domain.ErrConcurrencyExhausted) || errors.Is(err, domain.ErrProductNotFound) || errors.Is(err, domain.ErrStockNotFound) {
			return mq.Permanent(err)
		}
		return err
	}

	switch result.Outcome {
	case domain.ReservationReserved:
		metrics.Reservations.WithLabelValues("reserved").Inc()
		span.AddEvent("All items reserved")
		logger.Ctx(ctx).Info().Str("saga_id", ev.SagaID).Str("order_id", ev.OrderID).Msg("Stock reserved for order")

		if err := s.deadlines.Schedule(ctx, ev.SagaID, ev.OrderID, s.clk.Now().Add(s.sagaTimeout)); err != nil {
			// 期限没登记成功不应让主流程失败：预留已落库，
			// 只是失去了超时兜底，记下来供告警
			span.RecordError(err)
			logger.Ctx(ctx).Error().Err(err).Str("saga_id", ev.SagaID).Msg("Failed to schedule saga deadline")
		}

		reserved := &events.StockReserved{
			Envelope: events.NewEnvelope(SourceName, ev.SagaID, events.StockReservedVersion, s.clk),
			OrderID:  ev.OrderID,
		}
		return s.publisher.PublishStockReserved(ctx, reserved)

	case domain.ReservationFailed:
		metrics.Reservations.WithLabelValues("failed").Inc()
		span.AddEvent("Reservation failed: insufficient stock",
			trace.WithAttributes(attribute.StringSlice("products", result.FailedProducts)))
		logger.Ctx(ctx).Info().
			Str("saga_id", ev.SagaID).
			Strs("products", result.FailedProducts).
			Msg("Insufficient stock, emitting failure event")

		failed := &events.StockReservationFailed{
			Envelope:   events.NewEnvelope(SourceName, ev.SagaID, events.StockReservationFailedVersion, s.clk),
			OrderID:    ev.OrderID,
			ProductIDs: result.FailedProducts,
			Reason:     "insufficient stock",
		}
		return s.publisher.PublishStockReservationFailed(ctx, failed)

	case domain.ReservationDuplicate:
		metrics.Reservations.WithLabelValues("duplicate").Inc()
		metrics.DuplicateEvents.WithLabelValues(mq.TopicOrderCreated).Inc()
		span.AddEvent("Duplicate delivery acknowledged")
		// 副作用和结果事件都已经在第一次投递时发生过，
		// 这里确认即可，不再发任何事件
		le := logger.Ctx(ctx).Debug().Str("saga_id", ev.SagaID).Str("event_id", ev.EventID)
		if result.Saga != nil {
			le = le.Str("recorded_state", string(result.Saga.State))
		}
		le.Msg("Duplicate OrderCreated acknowledged without side effects")
		return nil
	}
	return nil
}

// HandleStockReleaseRequested 处理下游失败后的补偿请求。
// 退回的行项以本地 saga 账目为准，不信任事件携带的行项。
func (s *InventoryApplicationService) HandleStockReleaseRequested(ctx context.Context, ev *events.StockReleaseRequested) error {
	ctx, span := s.tracer.Start(ctx, "app.HandleStockReleaseRequested", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.String("saga.id", ev.SagaID))

	if err := ev.Envelope.Validate(); err != nil {
		span.RecordError(err)
		return mq.Permanent(err)
	}
	if err := ev.EnsureVersion(events.StockReleaseRequestedVersion); err != nil {
		span.RecordError(err)
		return mq.Permanent(err)
	}

	return s.release(ctx, span, ev.EventID, ev.SagaID, "downstream failure")
}

// HandleSagaTimeout 处理监视器发来的合成超时信号：已预留的 saga
// 走补偿，其余状态确认即可。超时本身不是错误，是设计内的补偿触发器。
func (s *InventoryApplicationService) HandleSagaTimeout(ctx context.Context, ev *events.SagaTimeoutExpired) error {
	ctx, span := s.tracer.Start(ctx, "app.HandleSagaTimeout", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.String("saga.id", ev.SagaID))

	if err := ev.Envelope.Validate(); err != nil {
		span.RecordError(err)
		return mq.Permanent(err)
	}

	logger.Ctx(ctx).Warn().Str("saga_id", ev.SagaID).Msg("Saga deadline expired, compensating if reserved")
	return s.release(ctx, span, ev.EventID, ev.SagaID, "saga timeout")
}

// HandleOrderCompleted 终结一条 saga：预留坐实，撤销超时期限。
func (s *InventoryApplicationService) HandleOrderCompleted(ctx context.Context, ev *events.OrderCompleted) error {
	ctx, span := s.tracer.Start(ctx, "app.HandleOrderCompleted", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.String("saga.id", ev.SagaID))

	if err := ev.Envelope.Validate(); err != nil {
		span.RecordError(err)
		return mq.Permanent(err)
	}

	outcome, err := s.repo.CompleteSaga(ctx, ev.EventID, ev.SagaID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if outcome == domain.CompletionCompleted {
		if err := s.deadlines.Cancel(ctx, ev.SagaID); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("saga_id", ev.SagaID).Msg("Failed to cancel saga deadline")
		}
		logger.Ctx(ctx).Info().Str("saga_id", ev.SagaID).Msg("Saga completed, reservation is final")
	}
	return nil
}

func (s *InventoryApplicationService) release(ctx context.Context, span trace.Span, eventID, sagaID, reason string) error {
	result, err := s.repo.Release(ctx, domain.ReleaseCommand{EventID: eventID, SagaID: sagaID})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "release failed with infrastructure error")
		if errors.Is(err, domain.ErrConcurrencyExhausted) {
			return mq.Permanent(err)
		}
		return err
	}

	switch result.Outcome {
	case domain.ReleaseReleased:
		metrics.Releases.WithLabelValues("released").Inc()
		span.AddEvent("Reservation compensated", trace.WithAttributes(attribute.String("reason", reason)))
		logger.Ctx(ctx).Info().Str("saga_id", sagaID).Str("reason", reason).Msg("Reserved stock released")

		if err := s.deadlines.Cancel(ctx, sagaID); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("saga_id", sagaID).Msg("Failed to cancel saga deadline")
		}

		released := &events.StockReleased{
			Envelope: events.NewEnvelope(SourceName, sagaID, events.StockReleasedVersion, s.clk),
			OrderID:  result.Saga.OrderID,
		}
		return s.publisher.PublishStockReleased(ctx, released)

	case domain.ReleaseNoop:
		// saga 不存在、从未预留成功或已经补偿过：确认即可。
		// 比预留先到的退回请求也落在这里，靠状态门控而不是到达顺序
		metrics.Releases.WithLabelValues("noop").Inc()
		span.AddEvent("Release acknowledged without mutation")
		return nil

	case domain.ReleaseDuplicate:
		metrics.Releases.WithLabelValues("duplicate").Inc()
		span.AddEvent("Duplicate release delivery acknowledged")
		return nil
	}
	return nil
}
