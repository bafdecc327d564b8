// internal/service/inventory/infrastructure/gorm_model.go
package infrastructure

import "time"

// ProductModel 对应 products 表。
type ProductModel struct {
	ID          string  `gorm:"primaryKey;size:64"`
	Name        string  `gorm:"size:200;not null"`
	Description string  `gorm:"size:500"`
	Price       float64 `gorm:"not null"`
	IsActive    bool    `gorm:"not null;default:true;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ProductModel) TableName() string { return "products" }

// ProductStockModel 对应 product_stocks 表，与商品一一对应。
// version 列是乐观并发令牌，所有 UPDATE 都带版本条件并自增。
type ProductStockModel struct {
	ProductID string `gorm:"primaryKey;size:64"`
	Quantity  int    `gorm:"not null"`
	Version   int64  `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (ProductStockModel) TableName() string { return "product_stocks" }

// ProcessedEventModel 对应 processed_events 表：幂等标记。
// 主键冲突就是"重复投递"的判定，插入和库存扣减在同一事务里。
// 记录永久保留；若要清理，保留期必须长于 broker 的最大重投窗口。
type ProcessedEventModel struct {
	EventID     string `gorm:"primaryKey;size:64"`
	ProcessedAt time.Time
}

func (ProcessedEventModel) TableName() string { return "processed_events" }

// SagaRecordModel 对应 saga_records 表：参与方的本地 saga 账目。
// items 存 JSON 快照，补偿时以这里为准。
type SagaRecordModel struct {
	SagaID    string `gorm:"primaryKey;size:64"`
	OrderID   string `gorm:"size:64;index"`
	State     string `gorm:"size:16;not null"`
	Items     string `gorm:"type:json"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SagaRecordModel) TableName() string { return "saga_records" }
