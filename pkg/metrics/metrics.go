// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// SessionsConnected tracks tenants with a live, paired session.
	SessionsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wa_sessions_connected",
			Help: "Number of tenants with a connected WhatsApp session",
		},
	)

	// SessionTransitions counts lifecycle state changes.
	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_session_transitions_total",
			Help: "WhatsApp session state transitions",
		},
		[]string{"from", "to"},
	)

	// ReconnectAttempts counts scheduled automatic reconnects.
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wa_reconnect_attempts_total",
			Help: "Automatic reconnect attempts scheduled",
		},
	)

	// MessagesTotal counts processed messages by direction and outcome.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_messages_total",
			Help: "Messages processed",
		},
		[]string{"direction", "result"},
	)

	// AIRepliesTotal counts AI replies by outcome (generated, fallback, failed).
	AIRepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_ai_replies_total",
			Help: "AI replies sent",
		},
		[]string{"result"},
	)

	// LLMDuration tracks completion latency per provider.
	LLMDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM completion duration",
			Buckets: []float64{.25, .5, 1, 2, 5, 10, 20, 30},
		},
		[]string{"provider", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// WSClients tracks connected websocket listeners.
	WSClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wa_ws_clients",
			Help: "Number of connected websocket clients",
		},
	)

	// SSEClients tracks open server-sent event streams.
	SSEClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wa_sse_clients",
			Help: "Number of open event streams",
		},
	)

	// NATSConnected is 1 while the event stream connection is up.
	NATSConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wa_nats_connected",
			Help: "Whether the NATS connection is up",
		},
	)

	// EventsPublished counts broadcast events per sink.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_events_published_total",
			Help: "Status events published",
		},
		[]string{"sink", "kind"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLM records metrics for one completion call.
func RecordLLM(provider, model, status string, duration float64, tokensIn, tokensOut int) {
	LLMDuration.WithLabelValues(provider, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordTransition records a session state change.
func RecordTransition(from, to string) {
	if from == to {
		return
	}
	SessionTransitions.WithLabelValues(from, to).Inc()
}

// RecordMessage records the outcome of processing one message.
func RecordMessage(direction, result string) {
	MessagesTotal.WithLabelValues(direction, result).Inc()
}
