// internal/service/inventory/infrastructure/mapper.go
package infrastructure

import (
	"encoding/json"

	"github.com/pkg/errors"

	"stockpilot/internal/service/inventory/domain"
)

func toDomainProduct(m *ProductModel) *domain.Product {
	return &domain.Product{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Price:       m.Price,
		IsActive:    m.IsActive,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func toProductModel(p *domain.Product) *ProductModel {
	return &ProductModel{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
		IsActive:    p.IsActive,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func toDomainStock(m *ProductStockModel) *domain.ProductStock {
	return &domain.ProductStock{
		ProductID: m.ProductID,
		Quantity:  m.Quantity,
		Version:   m.Version,
		UpdatedAt: m.UpdatedAt,
	}
}

func toDomainSaga(m *SagaRecordModel) (*domain.SagaRecord, error) {
	var items []domain.ReservedItem
	if m.Items != "" {
		if err := json.Unmarshal([]byte(m.Items), &items); err != nil {
			return nil, errors.Wrapf(err, "corrupt items payload for saga %s", m.SagaID)
		}
	}
	return &domain.SagaRecord{
		SagaID:    m.SagaID,
		OrderID:   m.OrderID,
		State:     domain.SagaState(m.State),
		Items:     items,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}, nil
}

func toSagaModel(r *domain.SagaRecord) (*SagaRecordModel, error) {
	raw, err := json.Marshal(r.Items)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal items for saga %s", r.SagaID)
	}
	return &SagaRecordModel{
		SagaID:    r.SagaID,
		OrderID:   r.OrderID,
		State:     string(r.State),
		Items:     string(raw),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}
