// Package metrics exposes Prometheus counters and gauges for the bot's
// internal operation: cycle cadence, signal acceptance, order outcomes,
// nonce issuance, rate-limiter waits, circuit breaker state, and WS
// reconnects. It carries no account or strategy data — it is a scrape
// endpoint for operators, not a dashboard.
//
// The CounterVec/GaugeVec-per-concern shape and the
// New/NewWithRegistry/MustRegister construction pattern are grounded on
// r3e-network-service_layer's infrastructure/metrics.Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric the bot records.
type Registry struct {
	CyclesTotal   prometheus.Counter
	SignalsTotal  *prometheus.CounterVec // label: outcome (accepted, rejected_confidence, deduped)
	OrdersTotal   *prometheus.CounterVec // labels: outcome (submitted, rejected), reason
	NonceIssued   prometheus.Counter
	NonceRecovered prometheus.Counter
	RateLimitWait prometheus.Histogram
	BreakerState  *prometheus.GaugeVec // label: resource; value 0=closed 1=half_open 2=open
	WSReconnects  *prometheus.CounterVec // label: stream (public, private_token_refresh)
	LastHeartbeat prometheus.Gauge       // unix seconds of the last completed cycle
}

// New creates a Registry registered against the default Prometheus
// registerer.
func New() *Registry {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Registry against a custom registerer, useful
// in tests to avoid colliding with the process-wide default registry.
func NewWithRegistry(registerer prometheus.Registerer) *Registry {
	r := &Registry{
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "krakenbot_cycles_total",
			Help: "Total number of orchestrator cycles completed.",
		}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "krakenbot_signals_total",
			Help: "Strategy signals by outcome.",
		}, []string{"outcome"}),
		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "krakenbot_orders_total",
			Help: "Orders by outcome and reason.",
		}, []string{"outcome", "reason"}),
		NonceIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "krakenbot_nonce_issued_total",
			Help: "Total nonces issued.",
		}),
		NonceRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "krakenbot_nonce_recovered_total",
			Help: "Total nonce jump recoveries.",
		}),
		RateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "krakenbot_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limiter permit.",
			Buckets: []float64{0, .01, .05, .1, .25, .5, 1, 2, 5, 10},
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "krakenbot_breaker_state",
			Help: "Circuit breaker state per resource (0=closed, 1=half_open, 2=open).",
		}, []string{"resource"}),
		WSReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "krakenbot_ws_reconnects_total",
			Help: "WebSocket reconnects by stream.",
		}, []string{"stream"}),
		LastHeartbeat: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "krakenbot_last_heartbeat_unixtime",
			Help: "Unix timestamp of the last completed orchestrator cycle.",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			r.CyclesTotal,
			r.SignalsTotal,
			r.OrdersTotal,
			r.NonceIssued,
			r.NonceRecovered,
			r.RateLimitWait,
			r.BreakerState,
			r.WSReconnects,
			r.LastHeartbeat,
		)
	}

	return r
}

// Heartbeat records the completion of one orchestrator cycle.
func (r *Registry) Heartbeat() {
	r.CyclesTotal.Inc()
	r.LastHeartbeat.Set(float64(time.Now().Unix()))
}

// Signal records a strategy signal's disposition.
func (r *Registry) Signal(outcome string) {
	r.SignalsTotal.WithLabelValues(outcome).Inc()
}

// Order records an order's outcome and, for a rejection, its reason.
func (r *Registry) Order(outcome, reason string) {
	r.OrdersTotal.WithLabelValues(outcome, reason).Inc()
}

// Nonce records a nonce issuance, and optionally a recovery.
func (r *Registry) Nonce(recovered bool) {
	r.NonceIssued.Inc()
	if recovered {
		r.NonceRecovered.Inc()
	}
}

// RateLimitWaited records time spent blocked on a rate limiter permit.
func (r *Registry) RateLimitWaited(d time.Duration) {
	r.RateLimitWait.Observe(d.Seconds())
}

// Breaker records a resource's current circuit breaker state.
func (r *Registry) Breaker(resource string, stateValue float64) {
	r.BreakerState.WithLabelValues(resource).Set(stateValue)
}

// WSReconnect records a forced or natural reconnect on one stream.
func (r *Registry) WSReconnect(stream string) {
	r.WSReconnects.WithLabelValues(stream).Inc()
}
