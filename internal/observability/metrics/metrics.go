// Package metrics exposes the Prometheus collectors shared by the pipeline.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ImagesAnalyzed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relief_images_analyzed_total",
		Help: "Images processed by the watchtower, labelled by result.",
	}, []string{"result"})

	AnalyzerAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relief_analyzer_attempts_total",
		Help: "Calls made to the image analyzer, including retries.",
	})

	EventsVerified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relief_events_verified_total",
		Help: "Disaster events audited, labelled by status and recommendation source.",
	}, []string{"status", "source"})

	DuplicateDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relief_duplicate_deliveries_total",
		Help: "Redelivered messages recognised as already processed, labelled by agent.",
	}, []string{"agent"})

	TransactionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relief_transaction_transitions_total",
		Help: "Transaction state machine transitions, labelled by target state.",
	}, []string{"state"})

	LedgerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relief_ledger_errors_total",
		Help: "Ledger failures, labelled by classified reason.",
	}, []string{"reason"})

	FundsDisbursed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relief_funds_disbursed_gwei_total",
		Help: "Confirmed disbursed amount in gwei.",
	})

	ConfirmationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relief_confirmation_latency_seconds",
		Help:    "Time from decision to confirmed transaction.",
		Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300, 600},
	})

	LedgerBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relief_ledger_balance_gwei",
		Help: "Last observed balance of each sending account.",
	}, []string{"account"})

	AgentRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relief_agent_restarts_total",
		Help: "Agent restarts performed by the orchestrator.",
	}, []string{"agent"})

	AgentUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relief_agent_up",
		Help: "1 when the agent is online, 0 otherwise.",
	}, []string{"agent"})

	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relief_bus_dead_letters_total",
		Help: "Messages abandoned after exhausting redelivery, labelled by topic.",
	}, []string{"topic"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relief_http_requests_total",
		Help: "HTTP requests served, labelled by handler, method and status code.",
	}, []string{"handler", "method", "code"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relief_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"handler", "method"})
)

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
