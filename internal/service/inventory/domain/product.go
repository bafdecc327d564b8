// internal/service/inventory/domain/product.go
package domain

import (
	"errors"
	"time"

	"stockpilot/internal/pkg/clock"
)

// Product 是商品参照实体。下架用 IsActive 标记，从不做物理删除，
// 历史订单里的行项快照不受商品后续变化影响。
type Product struct {
	ID          string
	Name        string
	Description string
	Price       float64
	IsActive    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ProductStock 与 Product 一一对应，按商品 ID 关联。
// Version 是乐观并发令牌，每次变更都会递增；Quantity 永不为负。
// 数量只能经由账本的原子操作变更，不允许直接赋值。
type ProductStock struct {
	ProductID string
	Quantity  int
	Version   int64
	UpdatedAt time.Time
}

// NewProduct 创建一个新商品。
func NewProduct(id, name, description string, price float64, clk clock.Clock) (*Product, error) {
	if id == "" || name == "" {
		return nil, errors.New("product requires an id and a name")
	}
	if price < 0 {
		return nil, errors.New("product price cannot be negative")
	}
	now := clk.Now()
	return &Product{
		ID:          id,
		Name:        name,
		Description: description,
		Price:       price,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Deactivate 软删除：只翻转标记。
func (p *Product) Deactivate(clk clock.Clock) {
	p.IsActive = false
	p.UpdatedAt = clk.Now()
}
