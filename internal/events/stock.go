// internal/events/stock.go
package events

// 库存侧事件的当前 schema 版本，都还在 v1。
const (
	StockReservedVersion          = 1
	StockReservationFailedVersion = 1
	StockReleaseRequestedVersion  = 1
	StockReleasedVersion          = 1
	SagaTimeoutExpiredVersion     = 1
	OrderCompletedVersion         = 1
)

// StockReserved 表示订单的全部行项都预留成功。
type StockReserved struct {
	Envelope

	OrderID string `json:"orderId"`
}

// StockReservationFailed 表示预留失败。既可能由库存参与方自己发出
// （库存不足），也可能由下游参与方发出（例如支付失败），后者会触发补偿。
type StockReservationFailed struct {
	Envelope

	OrderID    string   `json:"orderId"`
	ProductIDs []string `json:"productIds,omitempty"` // 库存不足时指明问题商品
	Reason     string   `json:"reason"`
}

// StockReleaseRequested 要求把某个 saga 预留的库存退回去。
type StockReleaseRequested struct {
	Envelope

	OrderID string      `json:"orderId"`
	Items   []OrderItem `json:"items,omitempty"`
}

// StockReleased 表示补偿完成，库存已恢复。
type StockReleased struct {
	Envelope

	OrderID string `json:"orderId"`
}

// SagaTimeoutExpired 是超时监视器发出的合成信号：saga 在期限内
// 没有到达终态，库存参与方收到后按失败处理并补偿。
type SagaTimeoutExpired struct {
	Envelope

	OrderID string `json:"orderId"`
}

// OrderCompleted 表示下游全部成功、saga 正常终结，预留的库存就此坐实，
// 对应的超时期限随之撤销。
type OrderCompleted struct {
	Envelope

	OrderID string `json:"orderId"`
}
