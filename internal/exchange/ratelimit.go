// ratelimit.go implements Kraken's per-tier counter-with-decay rate model
// (C2). Authenticated calls increment a counter by a per-endpoint cost; the
// counter decays continuously; a call is admitted only if the post-increment
// value would not exceed the tier's max_counter.
//
// This generalizes the teacher's continuous-refill TokenBucket: instead of
// tokens draining to zero and refilling, a counter rises with each call and
// decays back down — same continuous-time arithmetic, opposite sign.
package exchange

import (
	"context"
	"math"
	"sync"
	"time"

	"krakenbot/internal/metrics"
	"krakenbot/pkg/types"
)

// TierParams holds a tier's max_counter and decay_per_sec. Defaults reflect
// Kraken's 2025 ratios; operators should keep these configurable since
// Kraken adjusts them periodically.
type TierParams struct {
	MaxCounter  float64
	DecayPerSec float64
}

// defaultTierParams are the package defaults for each tier.
var defaultTierParams = map[types.Tier]TierParams{
	types.TierStarter:      {MaxCounter: 15, DecayPerSec: 0.33},
	types.TierIntermediate: {MaxCounter: 20, DecayPerSec: 0.5},
	types.TierPro:          {MaxCounter: 20, DecayPerSec: 3.75},
}

// EndpointCost assigns a counter cost to each endpoint category. Unknown
// endpoints default to defaultEndpointCost (conservative, per spec's open
// question on exhaustive per-endpoint costs).
var EndpointCost = map[string]float64{
	"AddOrder":     1,
	"CancelOrder":  1,
	"CancelAll":    1,
	"AmendOrder":   1,
	"Balance":      2,
	"TradeBalance": 2,
	"OpenOrders":   2,
	"ClosedOrders": 2,
	"Ledgers":      2,
	"TradesHistory": 2,
	"QueryOrders":  1,
	"QueryTrades":  1,
}

const defaultEndpointCost = 2

// Permit is returned by Acquire and passed back to Release.
type Permit struct {
	endpoint string
	cost     float64
}

// Outcome describes how a permitted call resolved, for Release's
// informational backoff.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeServerRateLimited
)

// LimiterStatus is a snapshot of the limiter's current counter state.
type LimiterStatus struct {
	Counter    float64
	MaxCounter float64
	Tier       types.Tier
}

// counterState is the Rate Counter entity: {counter, decay_per_sec,
// max_counter, last_tick}.
type counterState struct {
	mu         sync.Mutex
	counter    float64
	params     TierParams
	lastTick   time.Time
	penaltyUntil time.Time // extra backoff window imposed by Release on a server rate-limit outcome
}

// RateLimiter admits or delays authenticated calls per the account's tier
// counter/decay rules, with per-endpoint cost.
type RateLimiter struct {
	tier  types.Tier
	state *counterState

	// FIFO fairness: callers queue on this channel-backed ticket so waiters
	// are served in arrival order instead of racing each other on the mutex.
	queue chan struct{}

	metrics *metrics.Registry
}

// SetMetrics wires a metrics registry so every Acquire call's wait time is
// observed. Optional; a nil registry (the default) disables recording.
func (rl *RateLimiter) SetMetrics(reg *metrics.Registry) {
	rl.metrics = reg
}

// NewRateLimiter creates a limiter for the given tier using the package
// default parameters.
func NewRateLimiter(tier types.Tier) *RateLimiter {
	return NewRateLimiterWithParams(tier, defaultTierParams[tier])
}

// NewRateLimiterWithParams creates a limiter with explicit tuning,
// overriding the package defaults for a tier.
func NewRateLimiterWithParams(tier types.Tier, params TierParams) *RateLimiter {
	return &RateLimiter{
		tier: tier,
		state: &counterState{
			params:   params,
			lastTick: time.Now(),
		},
		queue: make(chan struct{}, 1),
	}
}

func costFor(endpoint string, costHint float64) float64 {
	if costHint > 0 {
		return costHint
	}
	if c, ok := EndpointCost[endpoint]; ok {
		return c
	}
	return defaultEndpointCost
}

// Acquire blocks until the counter would permit the call, then admits it
// and returns a Permit carrying the admitted cost. Cancellation at sleep is
// honored immediately and releases the queue slot.
func (rl *RateLimiter) Acquire(ctx context.Context, endpoint string, costHint float64) (Permit, error) {
	cost := costFor(endpoint, costHint)

	// FIFO queue: take a ticket, release it on return so the next waiter's
	// Acquire call (blocked trying to send) proceeds in arrival order.
	select {
	case rl.queue <- struct{}{}:
	case <-ctx.Done():
		return Permit{}, ctx.Err()
	}
	defer func() { <-rl.queue }()

	var waited time.Duration
	for {
		st := rl.state
		st.mu.Lock()
		now := time.Now()

		if now.Before(st.penaltyUntil) {
			wait := st.penaltyUntil.Sub(now)
			st.mu.Unlock()
			if err := sleepCtx(ctx, wait); err != nil {
				return Permit{}, err
			}
			waited += wait
			continue
		}

		elapsed := now.Sub(st.lastTick).Seconds()
		st.counter = math.Max(0, st.counter-st.params.DecayPerSec*elapsed)
		st.lastTick = now

		if st.counter+cost <= st.params.MaxCounter {
			st.counter += cost
			st.mu.Unlock()
			if rl.metrics != nil {
				rl.metrics.RateLimitWaited(waited)
			}
			return Permit{endpoint: endpoint, cost: cost}, nil
		}

		waitSec := (st.counter + cost - st.params.MaxCounter) / st.params.DecayPerSec
		wait := time.Duration(math.Ceil(waitSec*1000)) * time.Millisecond
		st.mu.Unlock()

		if err := sleepCtx(ctx, wait); err != nil {
			return Permit{}, err
		}
		waited += wait
	}
}

// Release is informational; on a server-reported rate limit, it imposes an
// additional 45s backoff window on top of the counter's own decay.
func (rl *RateLimiter) Release(permit Permit, outcome Outcome) {
	if outcome != OutcomeServerRateLimited {
		return
	}
	rl.state.mu.Lock()
	rl.state.penaltyUntil = time.Now().Add(45 * time.Second)
	rl.state.mu.Unlock()
}

// Snapshot returns the limiter's current state for observability.
func (rl *RateLimiter) Snapshot() LimiterStatus {
	rl.state.mu.Lock()
	defer rl.state.mu.Unlock()

	elapsed := time.Since(rl.state.lastTick).Seconds()
	counter := math.Max(0, rl.state.counter-rl.state.params.DecayPerSec*elapsed)

	return LimiterStatus{
		Counter:    counter,
		MaxCounter: rl.state.params.MaxCounter,
		Tier:       rl.tier,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
