package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects runtime counters for an experiment run.
//
// Metrics are registered on a private registry owned by the scheduler so
// concurrent experiments in one test binary never collide. Dashboards and
// exposition endpoints stay outside the runtime core.
type Metrics struct {
	registry *prometheus.Registry

	// ConversationsTotal counts conversations by terminal status.
	// Labels: status (completed|failed|interrupted|context_limit_reached)
	ConversationsTotal *prometheus.CounterVec

	// ProviderRequests counts provider calls.
	// Labels: provider, model, status (success|error)
	ProviderRequests *prometheus.CounterVec

	// ProviderRetries counts retry attempts after transient failures.
	// Labels: provider, reason
	ProviderRetries *prometheus.CounterVec

	// RateLimitWaits counts limiter-imposed sleeps >= the pace threshold.
	// Labels: provider
	RateLimitWaits *prometheus.CounterVec

	// RequestDuration measures provider call latency in seconds.
	// Labels: provider, model
	RequestDuration *prometheus.HistogramVec

	// TokensUsed tracks token consumption.
	// Labels: provider, model, kind (input|output|thinking)
	TokensUsed *prometheus.CounterVec

	// ActiveConversations gauges currently running conversations.
	ActiveConversations prometheus.Gauge

	// EventsEmitted counts bus emissions by event type.
	EventsEmitted *prometheus.CounterVec
}

// NewMetrics creates the metric set on a fresh private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ConversationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pidgin_conversations_total",
				Help: "Conversations reaching a terminal status",
			},
			[]string{"status"},
		),
		ProviderRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pidgin_provider_requests_total",
				Help: "Provider API calls by outcome",
			},
			[]string{"provider", "model", "status"},
		),
		ProviderRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pidgin_provider_retries_total",
				Help: "Retry attempts after transient provider failures",
			},
			[]string{"provider", "reason"},
		),
		RateLimitWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pidgin_rate_limit_waits_total",
				Help: "Rate limiter sleeps exceeding the pace threshold",
			},
			[]string{"provider"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pidgin_provider_request_duration_seconds",
				Help:    "Provider streaming call duration",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"provider", "model"},
		),
		TokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pidgin_tokens_total",
				Help: "Token consumption by kind",
			},
			[]string{"provider", "model", "kind"},
		),
		ActiveConversations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pidgin_active_conversations",
				Help: "Conversations currently running",
			},
		),
		EventsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pidgin_events_emitted_total",
				Help: "Events emitted on the bus by type",
			},
			[]string{"type"},
		),
	}

	reg.MustRegister(
		m.ConversationsTotal,
		m.ProviderRequests,
		m.ProviderRetries,
		m.RateLimitWaits,
		m.RequestDuration,
		m.TokensUsed,
		m.ActiveConversations,
		m.EventsEmitted,
	)

	return m
}

// Registry exposes the private registry for tests and optional exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
