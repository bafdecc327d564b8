// internal/service/inventory/application/service_test.go
package application

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"stockpilot/internal/events"
	"stockpilot/internal/pkg/clock"
	"stockpilot/internal/pkg/mq"
	"stockpilot/internal/service/inventory/domain"
	"stockpilot/internal/service/inventory/infrastructure"
)

var testClock = clock.Fixed{T: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

type fakePublisher struct {
	mu       sync.Mutex
	reserved []*events.StockReserved
	failed   []*events.StockReservationFailed
	released []*events.StockReleased
}

func (p *fakePublisher) PublishStockReserved(ctx context.Context, ev *events.StockReserved) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reserved = append(p.reserved, ev)
	return nil
}

func (p *fakePublisher) PublishStockReservationFailed(ctx context.Context, ev *events.StockReservationFailed) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, ev)
	return nil
}

func (p *fakePublisher) PublishStockReleased(ctx context.Context, ev *events.StockReleased) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, ev)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type fakeDeadlines struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	cancelled map[string]bool
}

func newFakeDeadlines() *fakeDeadlines {
	return &fakeDeadlines{scheduled: make(map[string]time.Time), cancelled: make(map[string]bool)}
}

func (d *fakeDeadlines) Schedule(ctx context.Context, sagaID, orderID string, deadline time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scheduled[sagaID] = deadline
	return nil
}

func (d *fakeDeadlines) Cancel(ctx context.Context, sagaID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled[sagaID] = true
	return nil
}

func newTestService(t *testing.T) (*InventoryApplicationService, *infrastructure.MemoryInventoryRepository, *fakePublisher, *fakeDeadlines) {
	t.Helper()
	repo := infrastructure.NewMemoryInventoryRepository(testClock)
	pub := &fakePublisher{}
	dl := newFakeDeadlines()
	svc := NewInventoryApplicationService(repo, pub, dl, testClock,
		noop.NewTracerProvider().Tracer("test"), 2*time.Minute)
	return svc, repo, pub, dl
}

func seedProduct(t *testing.T, repo *infrastructure.MemoryInventoryRepository, id string, price float64, stock int) {
	t.Helper()
	p, err := domain.NewProduct(id, "product "+id, "", price, testClock)
	if err != nil {
		t.Fatalf("new product %s: %v", id, err)
	}
	if err := repo.Add(context.Background(), p, stock); err != nil {
		t.Fatalf("seed product %s: %v", id, err)
	}
}

func orderCreated(sagaID, orderID string, items []events.OrderItem) *events.OrderCreated {
	var total float64
	for _, item := range items {
		total += float64(item.Quantity) * item.UnitPrice
	}
	return &events.OrderCreated{
		Envelope:    events.NewEnvelope("order-gateway", sagaID, events.OrderCreatedVersion, testClock),
		OrderID:     orderID,
		UserID:      "user-1",
		Items:       items,
		TotalAmount: total,
		Status:      "PENDING",
	}
}

func mustStock(t *testing.T, repo *infrastructure.MemoryInventoryRepository, productID string) *domain.ProductStock {
	t.Helper()
	s, err := repo.GetStock(context.Background(), productID)
	if err != nil {
		t.Fatalf("get stock %s: %v", productID, err)
	}
	return s
}

func TestHandleOrderCreatedReservesStock(t *testing.T) {
	svc, repo, pub, dl := newTestService(t)
	seedProduct(t, repo, "p1", 10.0, 10)
	seedProduct(t, repo, "p2", 5.0, 3)

	ev := orderCreated("saga-1", "order-1", []events.OrderItem{
		{ProductID: "p1", Quantity: 2, UnitPrice: 10.0},
		{ProductID: "p2", Quantity: 1, UnitPrice: 5.0},
	})
	if err := svc.HandleOrderCreated(context.Background(), ev); err != nil {
		t.Fatalf("HandleOrderCreated: %v", err)
	}

	if got := mustStock(t, repo, "p1").Quantity; got != 8 {
		t.Errorf("p1 quantity = %d, want 8", got)
	}
	if got := mustStock(t, repo, "p2").Quantity; got != 2 {
		t.Errorf("p2 quantity = %d, want 2", got)
	}

	if len(pub.reserved) != 1 {
		t.Fatalf("published %d StockReserved events, want 1", len(pub.reserved))
	}
	out := pub.reserved[0]
	if out.SagaID != "saga-1" {
		t.Errorf("outcome event SagaID = %q, want saga-1 carried through unchanged", out.SagaID)
	}
	if out.OrderID != "order-1" {
		t.Errorf("outcome event OrderID = %q, want order-1", out.OrderID)
	}
	if out.EventID == ev.EventID {
		t.Error("outcome event must carry its own event id")
	}

	saga, err := repo.GetSaga(context.Background(), "saga-1")
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if saga.State != domain.SagaStateReserved {
		t.Errorf("saga state = %s, want RESERVED", saga.State)
	}

	if _, ok := dl.scheduled["saga-1"]; !ok {
		t.Error("reservation must register a saga deadline")
	}
	if want := testClock.T.Add(2 * time.Minute); !dl.scheduled["saga-1"].Equal(want) {
		t.Errorf("deadline = %v, want %v", dl.scheduled["saga-1"], want)
	}
}

func TestHandleOrderCreatedInsufficientStock(t *testing.T) {
	svc, repo, pub, dl := newTestService(t)
	seedProduct(t, repo, "p1", 10.0, 10)
	seedProduct(t, repo, "p2", 5.0, 1)

	ev := orderCreated("saga-1", "order-1", []events.OrderItem{
		{ProductID: "p1", Quantity: 2, UnitPrice: 10.0},
		{ProductID: "p2", Quantity: 5, UnitPrice: 5.0},
	})
	if err := svc.HandleOrderCreated(context.Background(), ev); err != nil {
		t.Fatalf("HandleOrderCreated: %v", err)
	}

	// 任何一项不足就一个都不扣
	if got := mustStock(t, repo, "p1").Quantity; got != 10 {
		t.Errorf("p1 quantity = %d, want untouched 10", got)
	}
	if got := mustStock(t, repo, "p2").Quantity; got != 1 {
		t.Errorf("p2 quantity = %d, want untouched 1", got)
	}

	if len(pub.failed) != 1 {
		t.Fatalf("published %d StockReservationFailed events, want 1", len(pub.failed))
	}
	failed := pub.failed[0]
	if len(failed.ProductIDs) != 1 || failed.ProductIDs[0] != "p2" {
		t.Errorf("failure event products = %v, want [p2]", failed.ProductIDs)
	}
	if failed.Reason == "" {
		t.Error("failure event must carry a reason")
	}
	if len(pub.reserved) != 0 {
		t.Errorf("published %d StockReserved events, want 0", len(pub.reserved))
	}

	saga, err := repo.GetSaga(context.Background(), "saga-1")
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if saga.State != domain.SagaStateFailed {
		t.Errorf("saga state = %s, want FAILED", saga.State)
	}
	if _, ok := dl.scheduled["saga-1"]; ok {
		t.Error("failed reservation must not register a deadline")
	}
}

func TestHandleOrderCreatedDuplicateDelivery(t *testing.T) {
	svc, repo, pub, _ := newTestService(t)
	seedProduct(t, repo, "p1", 10.0, 5)
	seedProduct(t, repo, "p2", 5.0, 3)

	ev := orderCreated("saga-1", "order-1", []events.OrderItem{
		{ProductID: "p1", Quantity: 2, UnitPrice: 10.0},
		{ProductID: "p2", Quantity: 1, UnitPrice: 5.0},
	})

	// 同一事件投递三次：副作用一次，结果事件也只发一次，
	// 后两次投递纯粹确认
	for i := 0; i < 3; i++ {
		if err := svc.HandleOrderCreated(context.Background(), ev); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	if got := mustStock(t, repo, "p1").Quantity; got != 3 {
		t.Errorf("p1 quantity = %d, want exactly one decrement to 3", got)
	}
	if got := mustStock(t, repo, "p2").Quantity; got != 2 {
		t.Errorf("p2 quantity = %d, want exactly one decrement to 2", got)
	}
	if len(pub.reserved) != 1 {
		t.Fatalf("published %d StockReserved events, want exactly 1", len(pub.reserved))
	}
	if len(pub.failed) != 0 {
		t.Errorf("published %d failure events, want 0", len(pub.failed))
	}
}

func TestDuplicateFailedReservationNotReEmitted(t *testing.T) {
	svc, repo, pub, _ := newTestService(t)
	seedProduct(t, repo, "p1", 10.0, 1)

	ev := orderCreated("saga-1", "order-1", []events.OrderItem{
		{ProductID: "p1", Quantity: 5, UnitPrice: 10.0},
	})
	for i := 0; i < 2; i++ {
		if err := svc.HandleOrderCreated(context.Background(), ev); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	if len(pub.failed) != 1 {
		t.Fatalf("published %d StockReservationFailed events, want exactly 1", len(pub.failed))
	}
	// 唯一一份失败事件必须点名问题商品
	if got := pub.failed[0].ProductIDs; len(got) != 1 || got[0] != "p1" {
		t.Errorf("failure event products = %v, want [p1]", got)
	}
}

func TestHandleStockReleaseRequestedCompensates(t *testing.T) {
	svc, repo, pub, dl := newTestService(t)
	seedProduct(t, repo, "p1", 10.0, 10)
	seedProduct(t, repo, "p2", 5.0, 3)

	order := orderCreated("saga-1", "order-1", []events.OrderItem{
		{ProductID: "p1", Quantity: 4, UnitPrice: 10.0},
		{ProductID: "p2", Quantity: 2, UnitPrice: 5.0},
	})
	if err := svc.HandleOrderCreated(context.Background(), order); err != nil {
		t.Fatalf("HandleOrderCreated: %v", err)
	}

	release := &events.StockReleaseRequested{
		Envelope: events.NewEnvelope("payment-service", "saga-1", events.StockReleaseRequestedVersion, testClock),
		OrderID:  "order-1",
	}
	if err := svc.HandleStockReleaseRequested(context.Background(), release); err != nil {
		t.Fatalf("HandleStockReleaseRequested: %v", err)
	}

	// 补偿必须恰好恢复被占用的数量
	if got := mustStock(t, repo, "p1").Quantity; got != 10 {
		t.Errorf("p1 quantity = %d, want restored 10", got)
	}
	if got := mustStock(t, repo, "p2").Quantity; got != 3 {
		t.Errorf("p2 quantity = %d, want restored 3", got)
	}

	if len(pub.released) != 1 {
		t.Fatalf("published %d StockReleased events, want 1", len(pub.released))
	}
	if !dl.cancelled["saga-1"] {
		t.Error("compensation must cancel the saga deadline")
	}

	saga, err := repo.GetSaga(context.Background(), "saga-1")
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if saga.State != domain.SagaStateCompensated {
		t.Errorf("saga state = %s, want COMPENSATED", saga.State)
	}
}

func TestHandleSagaTimeoutCompensates(t *testing.T) {
	svc, repo, pub, _ := newTestService(t)
	seedProduct(t, repo, "p1", 10.0, 5)

	order := orderCreated("saga-1", "order-1", []events.OrderItem{
		{ProductID: "p1", Quantity: 3, UnitPrice: 10.0},
	})
	if err := svc.HandleOrderCreated(context.Background(), order); err != nil {
		t.Fatalf("HandleOrderCreated: %v", err)
	}

	timeout := &events.SagaTimeoutExpired{
		Envelope: events.NewEnvelope("saga-timeout-monitor", "saga-1", events.SagaTimeoutExpiredVersion, testClock),
		OrderID:  "order-1",
	}
	if err := svc.HandleSagaTimeout(context.Background(), timeout); err != nil {
		t.Fatalf("HandleSagaTimeout: %v", err)
	}

	if got := mustStock(t, repo, "p1").Quantity; got != 5 {
		t.Errorf("p1 quantity = %d, want restored 5", got)
	}
	if len(pub.released) != 1 {
		t.Errorf("published %d StockReleased events, want 1", len(pub.released))
	}
}

func TestReleaseBeforeReserveIsNoop(t *testing.T) {
	svc, repo, pub, _ := newTestService(t)
	seedProduct(t, repo, "p1", 10.0, 5)

	// 退回请求比订单事件先到：确认掉，不碰库存
	release := &events.StockReleaseRequested{
		Envelope: events.NewEnvelope("payment-service", "saga-unknown", events.StockReleaseRequestedVersion, testClock),
		OrderID:  "order-1",
	}
	if err := svc.HandleStockReleaseRequested(context.Background(), release); err != nil {
		t.Fatalf("HandleStockReleaseRequested: %v", err)
	}

	if got := mustStock(t, repo, "p1").Quantity; got != 5 {
		t.Errorf("p1 quantity = %d, want untouched 5", got)
	}
	if len(pub.released) != 0 {
		t.Errorf("published %d StockReleased events, want 0", len(pub.released))
	}
}

func TestReleaseAfterFailedReservationIsNoop(t *testing.T) {
	svc, repo, pub, _ := newTestService(t)
	seedProduct(t, repo, "p1", 10.0, 1)

	order := orderCreated("saga-1", "order-1", []events.OrderItem{
		{ProductID: "p1", Quantity: 5, UnitPrice: 10.0},
	})
	if err := svc.HandleOrderCreated(context.Background(), order); err != nil {
		t.Fatalf("HandleOrderCreated: %v", err)
	}

	release := &events.StockReleaseRequested{
		Envelope: events.NewEnvelope("payment-service", "saga-1", events.StockReleaseRequestedVersion, testClock),
		OrderID:  "order-1",
	}
	if err := svc.HandleStockReleaseRequested(context.Background(), release); err != nil {
		t.Fatalf("HandleStockReleaseRequested: %v", err)
	}

	// 预留从未成功，没有什么可退的
	if got := mustStock(t, repo, "p1").Quantity; got != 1 {
		t.Errorf("p1 quantity = %d, want untouched 1", got)
	}
	if len(pub.released) != 0 {
		t.Errorf("published %d StockReleased events, want 0", len(pub.released))
	}
}

func TestTimeoutAfterCompletionIsNoop(t *testing.T) {
	svc, repo, pub, dl := newTestService(t)
	seedProduct(t, repo, "p1", 10.0, 5)

	order := orderCreated("saga-1", "order-1", []events.OrderItem{
		{ProductID: "p1", Quantity: 3, UnitPrice: 10.0},
	})
	if err := svc.HandleOrderCreated(context.Background(), order); err != nil {
		t.Fatalf("HandleOrderCreated: %v", err)
	}

	completed := &events.OrderCompleted{
		Envelope: events.NewEnvelope("delivery-service", "saga-1", events.OrderCompletedVersion, testClock),
		OrderID:  "order-1",
	}
	if err := svc.HandleOrderCompleted(context.Background(), completed); err != nil {
		t.Fatalf("HandleOrderCompleted: %v", err)
	}
	if !dl.cancelled["saga-1"] {
		t.Error("completion must cancel the saga deadline")
	}

	// 迟到的超时信号不能把已坐实的预留退回去
	timeout := &events.SagaTimeoutExpired{
		Envelope: events.NewEnvelope("saga-timeout-monitor", "saga-1", events.SagaTimeoutExpiredVersion, testClock),
		OrderID:  "order-1",
	}
	if err := svc.HandleSagaTimeout(context.Background(), timeout); err != nil {
		t.Fatalf("HandleSagaTimeout: %v", err)
	}

	if got := mustStock(t, repo, "p1").Quantity; got != 2 {
		t.Errorf("p1 quantity = %d, want 2 (reservation stays final)", got)
	}
	if len(pub.released) != 0 {
		t.Errorf("published %d StockReleased events, want 0", len(pub.released))
	}

	saga, err := repo.GetSaga(context.Background(), "saga-1")
	if err != nil {
		t.Fatalf("GetSaga: %v", err)
	}
	if saga.State != domain.SagaStateCompleted {
		t.Errorf("saga state = %s, want COMPLETED", saga.State)
	}
}

func TestValidationFailuresArePermanent(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*events.OrderCreated)
	}{
		{"zero quantity", func(e *events.OrderCreated) { e.Items[0].Quantity = 0 }},
		{"empty items", func(e *events.OrderCreated) { e.Items = nil; e.TotalAmount = 0 }},
		{"total mismatch", func(e *events.OrderCreated) { e.TotalAmount += 5 }},
		{"missing saga id", func(e *events.OrderCreated) { e.SagaID = "" }},
		{"unsupported version", func(e *events.OrderCreated) { e.Version = events.OrderCreatedVersion + 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, pub, _ := newTestService(t)
			seedProduct(t, repo, "p1", 10.0, 10)

			ev := orderCreated("saga-1", "order-1", []events.OrderItem{
				{ProductID: "p1", Quantity: 2, UnitPrice: 10.0},
			})
			tt.mutate(ev)

			err := svc.HandleOrderCreated(context.Background(), ev)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !mq.IsPermanent(err) {
				t.Errorf("validation error %v must be permanent (dead-letter, never retried)", err)
			}
			if got := mustStock(t, repo, "p1").Quantity; got != 10 {
				t.Errorf("p1 quantity = %d, want untouched 10", got)
			}
			if len(pub.reserved)+len(pub.failed) != 0 {
				t.Error("rejected event must not produce outcome events")
			}
		})
	}
}

func TestDuplicateProductLinesCombined(t *testing.T) {
	svc, repo, pub, _ := newTestService(t)
	seedProduct(t, repo, "p1", 10.0, 5)

	// 同一商品拆两行：2+3=5，刚好够
	order := orderCreated("saga-1", "order-1", []events.OrderItem{
		{ProductID: "p1", Quantity: 2, UnitPrice: 10.0},
		{ProductID: "p1", Quantity: 3, UnitPrice: 10.0},
	})
	if err := svc.HandleOrderCreated(context.Background(), order); err != nil {
		t.Fatalf("HandleOrderCreated: %v", err)
	}
	if got := mustStock(t, repo, "p1").Quantity; got != 0 {
		t.Errorf("p1 quantity = %d, want 0", got)
	}
	if len(pub.reserved) != 1 {
		t.Fatalf("published %d StockReserved events, want 1", len(pub.reserved))
	}

	// 2+4=6 超过库存 5：哪怕单行各自都够也必须失败
	svc2, repo2, pub2, _ := newTestService(t)
	seedProduct(t, repo2, "p1", 10.0, 5)
	order2 := orderCreated("saga-2", "order-2", []events.OrderItem{
		{ProductID: "p1", Quantity: 2, UnitPrice: 10.0},
		{ProductID: "p1", Quantity: 4, UnitPrice: 10.0},
	})
	if err := svc2.HandleOrderCreated(context.Background(), order2); err != nil {
		t.Fatalf("HandleOrderCreated: %v", err)
	}
	if got := mustStock(t, repo2, "p1").Quantity; got != 5 {
		t.Errorf("p1 quantity = %d, want untouched 5", got)
	}
	if len(pub2.failed) != 1 {
		t.Errorf("published %d failure events, want 1", len(pub2.failed))
	}
}

func TestDuplicateReleaseAcknowledged(t *testing.T) {
	svc, repo, pub, _ := newTestService(t)
	seedProduct(t, repo, "p1", 10.0, 5)

	order := orderCreated("saga-1", "order-1", []events.OrderItem{
		{ProductID: "p1", Quantity: 3, UnitPrice: 10.0},
	})
	if err := svc.HandleOrderCreated(context.Background(), order); err != nil {
		t.Fatalf("HandleOrderCreated: %v", err)
	}

	release := &events.StockReleaseRequested{
		Envelope: events.NewEnvelope("payment-service", "saga-1", events.StockReleaseRequestedVersion, testClock),
		OrderID:  "order-1",
	}
	for i := 0; i < 2; i++ {
		if err := svc.HandleStockReleaseRequested(context.Background(), release); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	// 库存只恢复一次，StockReleased 也只发一次
	if got := mustStock(t, repo, "p1").Quantity; got != 5 {
		t.Errorf("p1 quantity = %d, want 5 (single restore)", got)
	}
	if len(pub.released) != 1 {
		t.Errorf("published %d StockReleased events, want exactly 1", len(pub.released))
	}
}
