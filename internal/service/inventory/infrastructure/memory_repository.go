// internal/service/inventory/infrastructure/memory_repository.go
package infrastructure

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"stockpilot/internal/pkg/clock"
	"stockpilot/internal/service/inventory/domain"
)

// MemoryInventoryRepository 是账本契约的进程内实现，语义与
// MySQL 实现一致：幂等标记、全量扣减和 saga 流转在同一把锁下
// 一起生效，全有或全无。用于测试和本地演示。
type MemoryInventoryRepository struct {
	mu        sync.Mutex
	clk       clock.Clock
	products  map[string]*domain.Product
	stocks    map[string]*domain.ProductStock
	sagas     map[string]*domain.SagaRecord
	processed map[string]struct{}
}

func NewMemoryInventoryRepository(clk clock.Clock) *MemoryInventoryRepository {
	return &MemoryInventoryRepository{
		clk:       clk,
		products:  make(map[string]*domain.Product),
		stocks:    make(map[string]*domain.ProductStock),
		sagas:     make(map[string]*domain.SagaRecord),
		processed: make(map[string]struct{}),
	}
}

func (r *MemoryInventoryRepository) ListActive(ctx context.Context) ([]*domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Product
	for _, p := range r.products {
		if p.IsActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryInventoryRepository) GetByID(ctx context.Context, id string) (*domain.Product, *domain.ProductStock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok {
		return nil, nil, domain.ErrProductNotFound
	}
	s, ok := r.stocks[id]
	if !ok {
		return nil, nil, domain.ErrStockNotFound
	}
	cp, cs := *p, *s
	return &cp, &cs, nil
}

func (r *MemoryInventoryRepository) Add(ctx context.Context, product *domain.Product, initialStock int) error {
	if initialStock < 0 {
		return errors.New("initial stock must not be negative")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.products[product.ID]; ok {
		return errors.Errorf("product %s already exists", product.ID)
	}
	cp := *product
	r.products[product.ID] = &cp
	r.stocks[product.ID] = &domain.ProductStock{
		ProductID: product.ID,
		Quantity:  initialStock,
		UpdatedAt: r.clk.Now(),
	}
	return nil
}

func (r *MemoryInventoryRepository) Update(ctx context.Context, product *domain.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.products[product.ID]; !ok {
		return domain.ErrProductNotFound
	}
	cp := *product
	cp.UpdatedAt = r.clk.Now()
	r.products[product.ID] = &cp
	return nil
}

func (r *MemoryInventoryRepository) SoftDelete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.products[id]
	if !ok || !p.IsActive {
		return domain.ErrProductNotFound
	}
	p.IsActive = false
	p.UpdatedAt = r.clk.Now()
	return nil
}

func (r *MemoryInventoryRepository) Exists(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.products[id]
	return ok, nil
}

func (r *MemoryInventoryRepository) GetStock(ctx context.Context, productID string) (*domain.ProductStock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stocks[productID]
	if !ok {
		return nil, domain.ErrStockNotFound
	}
	cs := *s
	return &cs, nil
}

func (r *MemoryInventoryRepository) GetSaga(ctx context.Context, sagaID string) (*domain.SagaRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sagaCopyLocked(sagaID)
}

func (r *MemoryInventoryRepository) Reserve(ctx context.Context, cmd domain.ReservationCommand) (*domain.ReservationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.processed[cmd.EventID]; dup {
		saga, err := r.sagaCopyLocked(cmd.SagaID)
		if err != nil && !errors.Is(err, domain.ErrSagaNotFound) {
			return nil, err
		}
		return &domain.ReservationResult{Outcome: domain.ReservationDuplicate, Saga: saga}, nil
	}

	// 先整体校验，再整体扣减：任何一项不足就一个都不动
	var insufficient []string
	for _, item := range cmd.Items {
		s, ok := r.stocks[item.ProductID]
		if !ok {
			return nil, errors.Wrapf(domain.ErrStockNotFound, "product %s", item.ProductID)
		}
		if s.Quantity < item.Quantity {
			insufficient = append(insufficient, item.ProductID)
		}
	}

	r.processed[cmd.EventID] = struct{}{}
	now := r.clk.Now()

	if len(insufficient) > 0 {
		saga := domain.NewSagaRecord(cmd.SagaID, cmd.OrderID, cmd.Items, r.clk)
		if err := saga.TransitionTo(domain.SagaStateFailed, r.clk); err != nil {
			return nil, err
		}
		r.sagas[cmd.SagaID] = saga
		cp := *saga
		return &domain.ReservationResult{
			Outcome:        domain.ReservationFailed,
			FailedProducts: insufficient,
			Saga:           &cp,
		}, nil
	}

	for _, item := range cmd.Items {
		s := r.stocks[item.ProductID]
		s.Quantity -= item.Quantity
		s.Version++
		s.UpdatedAt = now
	}
	saga := domain.NewSagaRecord(cmd.SagaID, cmd.OrderID, cmd.Items, r.clk)
	if err := saga.TransitionTo(domain.SagaStateReserved, r.clk); err != nil {
		return nil, err
	}
	r.sagas[cmd.SagaID] = saga
	cp := *saga
	return &domain.ReservationResult{Outcome: domain.ReservationReserved, Saga: &cp}, nil
}

func (r *MemoryInventoryRepository) Release(ctx context.Context, cmd domain.ReleaseCommand) (*domain.ReleaseResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.processed[cmd.EventID]; dup {
		saga, err := r.sagaCopyLocked(cmd.SagaID)
		if err != nil && !errors.Is(err, domain.ErrSagaNotFound) {
			return nil, err
		}
		return &domain.ReleaseResult{Outcome: domain.ReleaseDuplicate, Saga: saga}, nil
	}
	r.processed[cmd.EventID] = struct{}{}

	saga, ok := r.sagas[cmd.SagaID]
	if !ok {
		return &domain.ReleaseResult{Outcome: domain.ReleaseNoop}, nil
	}
	if saga.State != domain.SagaStateReserved {
		cp := *saga
		return &domain.ReleaseResult{Outcome: domain.ReleaseNoop, Saga: &cp}, nil
	}

	now := r.clk.Now()
	for _, item := range saga.Items {
		s := r.stocks[item.ProductID]
		s.Quantity += item.Quantity
		s.Version++
		s.UpdatedAt = now
	}
	if err := saga.TransitionTo(domain.SagaStateCompensated, r.clk); err != nil {
		return nil, err
	}
	cp := *saga
	return &domain.ReleaseResult{Outcome: domain.ReleaseReleased, Saga: &cp}, nil
}

func (r *MemoryInventoryRepository) CompleteSaga(ctx context.Context, eventID, sagaID string) (domain.CompletionOutcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.processed[eventID]; dup {
		return domain.CompletionDuplicate, nil
	}
	r.processed[eventID] = struct{}{}

	saga, ok := r.sagas[sagaID]
	if !ok || saga.State != domain.SagaStateReserved {
		return domain.CompletionNoop, nil
	}
	if err := saga.TransitionTo(domain.SagaStateCompleted, r.clk); err != nil {
		return "", err
	}
	return domain.CompletionCompleted, nil
}

func (r *MemoryInventoryRepository) sagaCopyLocked(sagaID string) (*domain.SagaRecord, error) {
	saga, ok := r.sagas[sagaID]
	if !ok {
		return nil, domain.ErrSagaNotFound
	}
	cp := *saga
	cp.Items = append([]domain.ReservedItem(nil), saga.Items...)
	return &cp, nil
}
