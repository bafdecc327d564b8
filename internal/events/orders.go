// internal/events/orders.go
package events

import (
	"errors"
	"fmt"
	"math"
)

// OrderCreatedVersion 是 OrderCreated 的当前 schema 版本。
// v1 没有 shippingAddress 字段；v2 加入该可选字段，缺省为空串。
const OrderCreatedVersion = 2

// TotalAmountTolerance 是订单总额与行项合计允许的最大偏差。
const TotalAmountTolerance = 0.01

var (
	ErrEmptyItems          = errors.New("order must contain at least one line item")
	ErrNonPositiveQuantity = errors.New("line item quantity must be greater than zero")
	ErrTotalAmountMismatch = errors.New("total amount does not match the sum of line items")
)

// OrderItem 是下单时刻的行项快照。单价和商品名在下单时固定，
// 商品之后的改价、改名或下架都不会影响这里的值。
type OrderItem struct {
	ProductID   string  `json:"productId"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	ProductName string  `json:"productName"`
}

// OrderCreated 由上游参与方发出，是整个 saga 的起点。
type OrderCreated struct {
	Envelope

	OrderID         string      `json:"orderId"`
	UserID          string      `json:"userId"`
	Items           []OrderItem `json:"items"`
	TotalAmount     float64     `json:"totalAmount"`
	Status          string      `json:"status"`
	ShippingAddress string      `json:"shippingAddress,omitempty"`
}

// Validate 做进入状态机之前的全部校验。任何违反都是校验失败，
// 走死信而不是业务失败事件。
func (e *OrderCreated) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if err := e.EnsureVersion(OrderCreatedVersion); err != nil {
		return err
	}
	if e.OrderID == "" {
		return errors.New("order created event is missing its order id")
	}
	if len(e.Items) == 0 {
		return ErrEmptyItems
	}
	var sum float64
	for _, item := range e.Items {
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: product %s has quantity %d", ErrNonPositiveQuantity, item.ProductID, item.Quantity)
		}
		if item.ProductID == "" {
			return errors.New("line item is missing its product id")
		}
		sum += float64(item.Quantity) * item.UnitPrice
	}
	if math.Abs(sum-e.TotalAmount) > TotalAmountTolerance {
		return fmt.Errorf("%w: total %.2f, line items sum to %.2f", ErrTotalAmountMismatch, e.TotalAmount, sum)
	}
	return nil
}

// CombinedDemand 把重复出现的商品行合并成每个商品的累计需求量。
// 同一商品分在两行下单时，占用是累加的，不能各自独立判断库存。
func (e *OrderCreated) CombinedDemand() map[string]int {
	demand := make(map[string]int, len(e.Items))
	for _, item := range e.Items {
		demand[item.ProductID] += item.Quantity
	}
	return demand
}
