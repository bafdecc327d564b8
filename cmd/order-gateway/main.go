// cmd/order-gateway/main.go
//
// 订单网关是 saga 的上游协作者：接受下单请求，铸出 sagaId，
// 发布 OrderCreated 事件后立即返回。它不等待预留结果，
// 下游的成败通过后续事件表达。
package main

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"stockpilot/internal/events"
	"stockpilot/internal/pkg/bootstrap"
	"stockpilot/internal/pkg/clock"
	"stockpilot/internal/pkg/logger"
	"stockpilot/internal/pkg/mq"
)

const (
	serviceName = "order-gateway"
	servicePort = 8081
)

type placeOrderRequest struct {
	UserID          string             `json:"userId"`
	Items           []events.OrderItem `json:"items"`
	ShippingAddress string             `json:"shippingAddress"`
}

type placeOrderResponse struct {
	OrderID string `json:"orderId"`
	SagaID  string `json:"sagaId"`
	Status  string `json:"status"`
}

type gateway struct {
	writer *kafka.Writer
	clk    clock.Clock
}

func (g *gateway) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	// 总价由网关计算，消费端会按同样的公式复核
	var total float64
	for _, item := range req.Items {
		total += float64(item.Quantity) * item.UnitPrice
	}

	sagaID := uuid.NewString()
	ev := &events.OrderCreated{
		Envelope:        events.NewEnvelope(serviceName, sagaID, events.OrderCreatedVersion, g.clk),
		OrderID:         uuid.NewString(),
		UserID:          req.UserID,
		Items:           req.Items,
		TotalAmount:     total,
		Status:          "PENDING",
		ShippingAddress: req.ShippingAddress,
	}
	if err := ev.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		http.Error(w, "failed to encode event", http.StatusInternalServerError)
		return
	}
	if err := mq.ProduceMessage(r.Context(), g.writer, []byte(sagaID), payload); err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Str("saga_id", sagaID).Msg("Failed to publish OrderCreated")
		http.Error(w, "failed to publish order", http.StatusServiceUnavailable)
		return
	}

	logger.Ctx(r.Context()).Info().
		Str("saga_id", sagaID).
		Str("order_id", ev.OrderID).
		Msg("Order accepted, saga started")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(placeOrderResponse{OrderID: ev.OrderID, SagaID: sagaID, Status: "PENDING"})
}

func main() {
	bootstrap.Init()
	cfg := bootstrap.GetCurrentConfig()

	g := &gateway{
		writer: mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, mq.TopicOrderCreated),
		clk:    clock.System{},
	}

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        servicePort,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) {
			appCtx.Mux.HandleFunc("/orders", g.handlePlaceOrder)
		},
		OnShutdown: func(ctx context.Context) {
			if err := g.writer.Close(); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("Error closing kafka writer")
			}
		},
	})
}
