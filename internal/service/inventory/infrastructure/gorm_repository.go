// internal/service/inventory/infrastructure/gorm_repository.go
package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"stockpilot/internal/pkg/clock"
	"stockpilot/internal/pkg/logger"
	"stockpilot/internal/pkg/metrics"
	"stockpilot/internal/service/inventory/domain"
)

// errVersionConflict 表示乐观守卫 UPDATE 影响了 0 行：
// 读到的版本号已经被并发事务推进。整个事务回滚后重试。
var errVersionConflict = errors.New("stock row version conflict")

const conflictBackoffBase = 20 * time.Millisecond

// GormInventoryRepository 是库存账本的 MySQL 实现。
//
// 原子性全靠一个事务：processed_events 插入（幂等标记）、
// product_stocks 扣减/退回（带版本守卫）、saga_records 流转
// 要么一起提交要么一起回滚。崩溃恢复后重投的事件要么撞上
// 幂等标记（副作用已生效），要么从头再来（副作用未生效）。
//
// 需要 gorm.Config{TranslateError: true}，否则主键冲突
// 不会映射成 gorm.ErrDuplicatedKey。
type GormInventoryRepository struct {
	db         *gorm.DB
	clk        clock.Clock
	maxRetries int
}

func NewGormInventoryRepository(db *gorm.DB, clk clock.Clock, maxRetries int) *GormInventoryRepository {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &GormInventoryRepository{db: db, clk: clk, maxRetries: maxRetries}
}

// AutoMigrate 建表。生产环境应换成受控的 migration 流程。
func (r *GormInventoryRepository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&ProductModel{},
		&ProductStockModel{},
		&ProcessedEventModel{},
		&SagaRecordModel{},
	)
}

func (r *GormInventoryRepository) ListActive(ctx context.Context) ([]*domain.Product, error) {
	var models []ProductModel
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Find(&models).Error; err != nil {
		return nil, errors.Wrap(err, "list active products")
	}
	products := make([]*domain.Product, 0, len(models))
	for i := range models {
		products = append(products, toDomainProduct(&models[i]))
	}
	return products, nil
}

func (r *GormInventoryRepository) GetByID(ctx context.Context, id string) (*domain.Product, *domain.ProductStock, error) {
	var pm ProductModel
	if err := r.db.WithContext(ctx).First(&pm, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, domain.ErrProductNotFound
		}
		return nil, nil, errors.Wrapf(err, "get product %s", id)
	}
	stock, err := r.GetStock(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return toDomainProduct(&pm), stock, nil
}

func (r *GormInventoryRepository) Add(ctx context.Context, product *domain.Product, initialStock int) error {
	if initialStock < 0 {
		return errors.New("initial stock must not be negative")
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(toProductModel(product)).Error; err != nil {
			return errors.Wrapf(err, "create product %s", product.ID)
		}
		stock := &ProductStockModel{
			ProductID: product.ID,
			Quantity:  initialStock,
			Version:   0,
			UpdatedAt: r.clk.Now(),
		}
		if err := tx.Create(stock).Error; err != nil {
			return errors.Wrapf(err, "create stock row for %s", product.ID)
		}
		return nil
	})
}

func (r *GormInventoryRepository) Update(ctx context.Context, product *domain.Product) error {
	product.UpdatedAt = r.clk.Now()
	res := r.db.WithContext(ctx).Model(&ProductModel{}).
		Where("id = ?", product.ID).
		Updates(map[string]interface{}{
			"name":        product.Name,
			"description": product.Description,
			"price":       product.Price,
			"is_active":   product.IsActive,
			"updated_at":  product.UpdatedAt,
		})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "update product %s", product.ID)
	}
	if res.RowsAffected == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

// SoftDelete 下架商品。已预留的库存不受影响，仍可正常补偿退回。
func (r *GormInventoryRepository) SoftDelete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&ProductModel{}).
		Where("id = ? AND is_active = ?", id, true).
		Updates(map[string]interface{}{"is_active": false, "updated_at": r.clk.Now()})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "soft delete product %s", id)
	}
	if res.RowsAffected == 0 {
		return domain.ErrProductNotFound
	}
	return nil
}

func (r *GormInventoryRepository) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&ProductModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, errors.Wrapf(err, "check product %s", id)
	}
	return count > 0, nil
}

func (r *GormInventoryRepository) GetStock(ctx context.Context, productID string) (*domain.ProductStock, error) {
	var sm ProductStockModel
	if err := r.db.WithContext(ctx).First(&sm, "product_id = ?", productID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrStockNotFound
		}
		return nil, errors.Wrapf(err, "get stock for %s", productID)
	}
	return toDomainStock(&sm), nil
}

func (r *GormInventoryRepository) GetSaga(ctx context.Context, sagaID string) (*domain.SagaRecord, error) {
	var sm SagaRecordModel
	if err := r.db.WithContext(ctx).First(&sm, "saga_id = ?", sagaID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrSagaNotFound
		}
		return nil, errors.Wrapf(err, "get saga %s", sagaID)
	}
	return toDomainSaga(&sm)
}

// Reserve 在单个事务里完成幂等标记、全量扣减和 saga 落账。
// 版本冲突回滚整个事务并带退避重试，耗尽后返回 ErrConcurrencyExhausted。
func (r *GormInventoryRepository) Reserve(ctx context.Context, cmd domain.ReservationCommand) (*domain.ReservationResult, error) {
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		result, err := r.tryReserve(ctx, cmd)
		if errors.Is(err, errVersionConflict) {
			metrics.ConcurrencyRetries.Inc()
			logger.Ctx(ctx).Debug().
				Int("attempt", attempt+1).
				Str("saga_id", cmd.SagaID).
				Msg("Reservation hit version conflict, retrying")
			if serr := sleepBackoff(ctx, attempt); serr != nil {
				return nil, serr
			}
			continue
		}
		return result, err
	}
	return nil, errors.Wrapf(domain.ErrConcurrencyExhausted, "reserve for saga %s", cmd.SagaID)
}

func (r *GormInventoryRepository) tryReserve(ctx context.Context, cmd domain.ReservationCommand) (*domain.ReservationResult, error) {
	var result *domain.ReservationResult

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dup, err := r.markProcessed(tx, cmd.EventID)
		if err != nil {
			return err
		}
		if dup {
			result = &domain.ReservationResult{Outcome: domain.ReservationDuplicate}
			return nil
		}

		// 先读一遍所有库存行，拿到版本号并判断充足性。
		// 扣减阶段用版本守卫兜住读和写之间的并发窗口
		stocks := make(map[string]*ProductStockModel, len(cmd.Items))
		var insufficient []string
		for _, item := range cmd.Items {
			var sm ProductStockModel
			if err := tx.First(&sm, "product_id = ?", item.ProductID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return errors.Wrapf(domain.ErrStockNotFound, "product %s", item.ProductID)
				}
				return errors.Wrapf(err, "read stock for %s", item.ProductID)
			}
			if sm.Quantity < item.Quantity {
				insufficient = append(insufficient, item.ProductID)
			}
			stocks[item.ProductID] = &sm
		}

		now := r.clk.Now()

		if len(insufficient) > 0 {
			// 业务性失败：不碰任何库存行，但幂等标记和 FAILED
			// 账目要一起落库，重投时才能识别为重复并直接确认
			saga, err := r.writeSaga(tx, cmd, domain.SagaStateFailed, now)
			if err != nil {
				return err
			}
			result = &domain.ReservationResult{
				Outcome:        domain.ReservationFailed,
				FailedProducts: insufficient,
				Saga:           saga,
			}
			return nil
		}

		for _, item := range cmd.Items {
			sm := stocks[item.ProductID]
			res := tx.Model(&ProductStockModel{}).
				Where("product_id = ? AND version = ? AND quantity >= ?", item.ProductID, sm.Version, item.Quantity).
				Updates(map[string]interface{}{
					"quantity":   gorm.Expr("quantity - ?", item.Quantity),
					"version":    gorm.Expr("version + 1"),
					"updated_at": now,
				})
			if res.Error != nil {
				return errors.Wrapf(res.Error, "decrement stock for %s", item.ProductID)
			}
			if res.RowsAffected == 0 {
				return errVersionConflict
			}
		}

		saga, err := r.writeSaga(tx, cmd, domain.SagaStateReserved, now)
		if err != nil {
			return err
		}
		result = &domain.ReservationResult{Outcome: domain.ReservationReserved, Saga: saga}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Outcome == domain.ReservationDuplicate {
		// 重复投递：事务外读回账目，供调用方记日志
		saga, err := r.GetSaga(ctx, cmd.SagaID)
		if err != nil && !errors.Is(err, domain.ErrSagaNotFound) {
			return nil, err
		}
		result.Saga = saga
	}
	return result, nil
}

// Release 补偿退回：幂等标记、RESERVED->COMPENSATED 流转和
// 按账目行项退回数量在同一事务生效。非 RESERVED 状态只记标记不动库存。
func (r *GormInventoryRepository) Release(ctx context.Context, cmd domain.ReleaseCommand) (*domain.ReleaseResult, error) {
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		result, err := r.tryRelease(ctx, cmd)
		if errors.Is(err, errVersionConflict) {
			metrics.ConcurrencyRetries.Inc()
			if serr := sleepBackoff(ctx, attempt); serr != nil {
				return nil, serr
			}
			continue
		}
		return result, err
	}
	return nil, errors.Wrapf(domain.ErrConcurrencyExhausted, "release for saga %s", cmd.SagaID)
}

func (r *GormInventoryRepository) tryRelease(ctx context.Context, cmd domain.ReleaseCommand) (*domain.ReleaseResult, error) {
	var result *domain.ReleaseResult

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dup, err := r.markProcessed(tx, cmd.EventID)
		if err != nil {
			return err
		}
		if dup {
			result = &domain.ReleaseResult{Outcome: domain.ReleaseDuplicate}
			return nil
		}

		var sm SagaRecordModel
		if err := tx.First(&sm, "saga_id = ?", cmd.SagaID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// 退回请求比预留先到，或 saga 根本不存在：
				// 留下幂等标记，确认掉即可
				result = &domain.ReleaseResult{Outcome: domain.ReleaseNoop}
				return nil
			}
			return errors.Wrapf(err, "read saga %s", cmd.SagaID)
		}
		saga, err := toDomainSaga(&sm)
		if err != nil {
			return err
		}

		if saga.State != domain.SagaStateReserved {
			result = &domain.ReleaseResult{Outcome: domain.ReleaseNoop, Saga: saga}
			return nil
		}

		now := r.clk.Now()
		for _, item := range saga.Items {
			var stock ProductStockModel
			if err := tx.First(&stock, "product_id = ?", item.ProductID).Error; err != nil {
				return errors.Wrapf(err, "read stock for %s", item.ProductID)
			}
			res := tx.Model(&ProductStockModel{}).
				Where("product_id = ? AND version = ?", item.ProductID, stock.Version).
				Updates(map[string]interface{}{
					"quantity":   gorm.Expr("quantity + ?", item.Quantity),
					"version":    gorm.Expr("version + 1"),
					"updated_at": now,
				})
			if res.Error != nil {
				return errors.Wrapf(res.Error, "restore stock for %s", item.ProductID)
			}
			if res.RowsAffected == 0 {
				return errVersionConflict
			}
		}

		if err := saga.TransitionTo(domain.SagaStateCompensated, r.clk); err != nil {
			return err
		}
		model, err := toSagaModel(saga)
		if err != nil {
			return err
		}
		res := tx.Model(&SagaRecordModel{}).
			Where("saga_id = ? AND state = ?", cmd.SagaID, string(domain.SagaStateReserved)).
			Updates(map[string]interface{}{"state": model.State, "updated_at": model.UpdatedAt})
		if res.Error != nil {
			return errors.Wrapf(res.Error, "transition saga %s", cmd.SagaID)
		}
		if res.RowsAffected == 0 {
			return errVersionConflict
		}

		result = &domain.ReleaseResult{Outcome: domain.ReleaseReleased, Saga: saga}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Outcome == domain.ReleaseDuplicate {
		saga, err := r.GetSaga(ctx, cmd.SagaID)
		if err != nil && !errors.Is(err, domain.ErrSagaNotFound) {
			return nil, err
		}
		result.Saga = saga
	}
	return result, nil
}

// CompleteSaga 做 RESERVED->COMPLETED 流转，没有库存副作用。
func (r *GormInventoryRepository) CompleteSaga(ctx context.Context, eventID, sagaID string) (domain.CompletionOutcome, error) {
	outcome := domain.CompletionNoop

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		dup, err := r.markProcessed(tx, eventID)
		if err != nil {
			return err
		}
		if dup {
			outcome = domain.CompletionDuplicate
			return nil
		}

		res := tx.Model(&SagaRecordModel{}).
			Where("saga_id = ? AND state = ?", sagaID, string(domain.SagaStateReserved)).
			Updates(map[string]interface{}{
				"state":      string(domain.SagaStateCompleted),
				"updated_at": r.clk.Now(),
			})
		if res.Error != nil {
			return errors.Wrapf(res.Error, "complete saga %s", sagaID)
		}
		if res.RowsAffected == 1 {
			outcome = domain.CompletionCompleted
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// markProcessed 尝试落幂等标记。返回 true 表示该事件已处理过。
func (r *GormInventoryRepository) markProcessed(tx *gorm.DB, eventID string) (bool, error) {
	err := tx.Create(&ProcessedEventModel{EventID: eventID, ProcessedAt: r.clk.Now()}).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return true, nil
		}
		return false, errors.Wrapf(err, "mark event %s processed", eventID)
	}
	return false, nil
}

func (r *GormInventoryRepository) writeSaga(tx *gorm.DB, cmd domain.ReservationCommand, state domain.SagaState, now time.Time) (*domain.SagaRecord, error) {
	saga := domain.NewSagaRecord(cmd.SagaID, cmd.OrderID, cmd.Items, r.clk)
	if err := saga.TransitionTo(state, r.clk); err != nil {
		return nil, err
	}
	model, err := toSagaModel(saga)
	if err != nil {
		return nil, err
	}
	model.CreatedAt = now
	model.UpdatedAt = now
	if err := tx.Create(model).Error; err != nil {
		return nil, errors.Wrapf(err, "create saga record %s", cmd.SagaID)
	}
	return saga, nil
}

// sleepBackoff 按指数退避等待，被取消时立刻返回。
func sleepBackoff(ctx context.Context, attempt int) error {
	d := conflictBackoffBase * (1 << attempt)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
