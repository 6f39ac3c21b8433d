package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors of the admission engine.
type Metrics struct {
	decisions        *prometheus.CounterVec
	decisionDuration prometheus.Histogram
	degraded         *prometheus.CounterVec
	storeErrors      *prometheus.CounterVec
	cacheRequests    *prometheus.CounterVec
	eventsWritten    prometheus.Counter
	eventsDropped    prometheus.Counter
	eventsFailed     prometheus.Counter
	breakerState     *prometheus.GaugeVec
}

// New registers the collectors on reg. Tests pass a fresh registry so
// several instances can coexist in one process.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_decisions_total",
				Help: "Total number of admission decisions",
			},
			[]string{"result", "reason"},
		),

		decisionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "admission_decision_duration_seconds",
				Help:    "Duration of admission decisions in seconds",
				Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14), // 50µs to ~400ms
			},
		),

		degraded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_degraded_decisions_total",
				Help: "Decisions taken while a backing store was unavailable",
			},
			[]string{"store", "policy"},
		),

		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_store_errors_total",
				Help: "Errors returned by backing stores",
			},
			[]string{"store"},
		),

		cacheRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "admission_cache_requests_total",
				Help: "Cache lookups by cache and outcome",
			},
			[]string{"cache", "outcome"},
		),

		eventsWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "admission_events_written_total",
				Help: "Events persisted by the recorder",
			},
		),

		eventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "admission_events_dropped_total",
				Help: "Events dropped because the recorder buffer was full",
			},
		),

		eventsFailed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "admission_events_failed_total",
				Help: "Events lost to write failures",
			},
		),

		breakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "admission_circuit_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"breaker"},
		),
	}
}

func (m *Metrics) RecordDecision(allowed bool, reason string, took time.Duration) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	if reason == "" {
		reason = "none"
	}
	m.decisions.WithLabelValues(result, reason).Inc()
	m.decisionDuration.Observe(took.Seconds())
}

func (m *Metrics) RecordDegraded(store, policy string) {
	m.degraded.WithLabelValues(store, policy).Inc()
}

func (m *Metrics) RecordStoreError(store string) {
	m.storeErrors.WithLabelValues(store).Inc()
}

func (m *Metrics) CacheHit(name string) {
	m.cacheRequests.WithLabelValues(name, "hit").Inc()
}

func (m *Metrics) CacheMiss(name string) {
	m.cacheRequests.WithLabelValues(name, "miss").Inc()
}

func (m *Metrics) EventsWritten(n int) {
	m.eventsWritten.Add(float64(n))
}

func (m *Metrics) EventDropped() {
	m.eventsDropped.Inc()
}

func (m *Metrics) EventsFailed(n int) {
	m.eventsFailed.Add(float64(n))
}

func (m *Metrics) SetBreakerState(name string, state int) {
	m.breakerState.WithLabelValues(name).Set(float64(state))
}
