// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 各参与方共用的一组业务指标。标签约定：
//   topic   - Kafka 主题
//   outcome - reserved / failed / duplicate / released / noop
var (
	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_events_consumed_total",
		Help: "Total number of events fetched from Kafka, by topic.",
	}, []string{"topic"})

	DuplicateEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_duplicate_events_total",
		Help: "Events acknowledged without side effects because their event id was already processed.",
	}, []string{"topic"})

	Reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_stock_reservations_total",
		Help: "Stock reservation attempts by outcome.",
	}, []string{"outcome"})

	Releases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_stock_releases_total",
		Help: "Stock release (compensation) attempts by outcome.",
	}, []string{"outcome"})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_dead_letters_total",
		Help: "Messages routed to the dead letter topic, by original topic.",
	}, []string{"topic"})

	SagaTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saga_timeouts_emitted_total",
		Help: "Synthetic timeout events emitted by the saga timeout monitor.",
	})

	ConcurrencyRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saga_ledger_concurrency_retries_total",
		Help: "Optimistic concurrency conflicts that triggered a local retry of the ledger transaction.",
	})
)
