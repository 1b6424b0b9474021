// Package breaker implements the Circuit Breaker (C11): a per-resource
// Closed/Open/HalfOpen state machine protecting calls to the exchange.
//
// The state-and-timer shape is grounded on internal/risk/manager.go's
// kill switch (killSwitchActive/killSwitchUntil, a clearExpiredKillSwitch
// check run on a timer), generalized from one global kill switch to many
// independently tripped resources, each with its own rolling failure
// window and cooldown.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"krakenbot/internal/config"
)

// State is one of the three circuit breaker states.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

const failureWindow = 60 * time.Second

type resourceState struct {
	mu sync.Mutex

	state     State
	openedAt  time.Time
	failures  []time.Time // timestamps within the rolling window
	threshold int
	cooldown  time.Duration
}

// Breaker tracks independent circuit breakers by resource name (e.g.
// "orders", "rate_limit").
type Breaker struct {
	mu        sync.Mutex
	resources map[string]*resourceState
	cfg       config.CircuitBreakerConfig

	emergencyBypass bool
	logger          *slog.Logger
}

// New creates a Breaker using cfg for per-resource threshold/cooldown
// tuning (falling back to the package defaults for unconfigured resources).
func New(cfg config.CircuitBreakerConfig, logger *slog.Logger) *Breaker {
	return &Breaker{
		resources: make(map[string]*resourceState),
		cfg:       cfg,
		logger:    logger.With("component", "circuit_breaker"),
	}
}

func (b *Breaker) resourceFor(name string) *resourceState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if rs, ok := b.resources[name]; ok {
		return rs
	}

	tuning := b.cfg.ForResource(name)
	rs := &resourceState{
		state:     Closed,
		threshold: tuning.Threshold,
		cooldown:  tuning.Cooldown(),
	}
	b.resources[name] = rs
	return rs
}

// SetEmergencyBypass sets the global bypass flag. When enabled, CanExecute
// always returns true regardless of any resource's state. Every toggle is
// logged for audit.
func (b *Breaker) SetEmergencyBypass(enabled bool) {
	b.mu.Lock()
	b.emergencyBypass = enabled
	b.mu.Unlock()
	b.logger.Warn("emergency bypass toggled", "enabled", enabled)
}

// CanExecute reports whether a call against resource should proceed.
func (b *Breaker) CanExecute(resource string) bool {
	b.mu.Lock()
	bypass := b.emergencyBypass
	b.mu.Unlock()
	if bypass {
		return true
	}

	rs := b.resourceFor(resource)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	switch rs.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if time.Since(rs.openedAt) >= rs.cooldown {
			rs.state = HalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// OnSuccess records a successful call against resource.
func (b *Breaker) OnSuccess(resource string) {
	rs := b.resourceFor(resource)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.state = Closed
	rs.failures = nil
}

// OnFailure records a failed call against resource, tripping the breaker
// open if the rolling-window failure count reaches the threshold (Closed
// path) or immediately on any failure while HalfOpen.
func (b *Breaker) OnFailure(resource string) {
	rs := b.resourceFor(resource)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	now := time.Now()

	if rs.state == HalfOpen {
		rs.state = Open
		rs.openedAt = now
		rs.failures = nil
		return
	}

	rs.failures = appendWithinWindow(rs.failures, now, failureWindow)
	if len(rs.failures) >= rs.threshold {
		rs.state = Open
		rs.openedAt = now
		rs.failures = nil
	}
}

// State returns resource's current state for observability.
func (b *Breaker) State(resource string) State {
	rs := b.resourceFor(resource)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state
}

func appendWithinWindow(failures []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := failures[:0]
	for _, f := range failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	return append(kept, now)
}
