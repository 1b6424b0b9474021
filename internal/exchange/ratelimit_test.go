package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"krakenbot/internal/metrics"
	"krakenbot/pkg/types"
)

func TestNewRateLimiterStartsAtZeroCounter(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(types.TierStarter)
	snap := rl.Snapshot()
	if snap.Counter != 0 {
		t.Errorf("counter = %v, want 0", snap.Counter)
	}
}

func TestAcquireImmediateUnderMax(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiterWithParams(types.TierPro, TierParams{MaxCounter: 20, DecayPerSec: 3.75})

	for i := 0; i < 10; i++ {
		start := time.Now()
		if _, err := rl.Acquire(context.Background(), "AddOrder", 0); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Errorf("Acquire() took %v, expected immediate (call %d)", elapsed, i)
		}
	}
}

func TestAcquireNeverExceedsMaxCounter(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiterWithParams(types.TierStarter, TierParams{MaxCounter: 5, DecayPerSec: 10})

	for i := 0; i < 5; i++ {
		if _, err := rl.Acquire(context.Background(), "Balance", 1); err != nil {
			t.Fatalf("Acquire() error = %v", err)
		}
		snap := rl.Snapshot()
		if snap.Counter > snap.MaxCounter {
			t.Fatalf("counter %v exceeds max %v after admitted call", snap.Counter, snap.MaxCounter)
		}
	}
}

func TestAcquireBlocksWhenOverCapacity(t *testing.T) {
	t.Parallel()
	// Capacity 1, decay 5/s: second acquire at cost 1 must block ~ (1/5)s.
	rl := NewRateLimiterWithParams(types.TierStarter, TierParams{MaxCounter: 1, DecayPerSec: 5})

	if _, err := rl.Acquire(context.Background(), "AddOrder", 1); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if _, err := rl.Acquire(context.Background(), "AddOrder", 1); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 100*time.Millisecond {
		t.Errorf("expected blocking ~200ms, got %v", elapsed)
	}
	if elapsed > 1*time.Second {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiterWithParams(types.TierStarter, TierParams{MaxCounter: 1, DecayPerSec: 0.1})

	_, _ = rl.Acquire(context.Background(), "AddOrder", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := rl.Acquire(ctx, "AddOrder", 1)
	if err == nil {
		t.Error("expected context error, got nil")
	}
}

func TestReleaseServerRateLimitImposesExtraBackoff(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiterWithParams(types.TierStarter, TierParams{MaxCounter: 100, DecayPerSec: 100})

	permit, err := rl.Acquire(context.Background(), "AddOrder", 1)
	if err != nil {
		t.Fatal(err)
	}
	rl.Release(permit, OutcomeServerRateLimited)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = rl.Acquire(ctx, "AddOrder", 1)
	if err == nil {
		t.Fatal("expected Acquire to be blocked by penalty and hit context deadline")
	}
	if time.Since(start) < 90*time.Millisecond {
		t.Error("penalty backoff did not hold the caller")
	}
}

func TestAcquireConcurrentCallersAllEventuallyAdmitted(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiterWithParams(types.TierPro, TierParams{MaxCounter: 20, DecayPerSec: 50})

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := rl.Acquire(ctx, "Balance", 1)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Acquire() error = %v", err)
		}
	}
}

func TestSetMetricsRecordsRateLimitWait(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiterWithParams(types.TierStarter, TierParams{MaxCounter: 1, DecayPerSec: 20})
	reg := metrics.NewWithRegistry(prometheus.NewRegistry())
	rl.SetMetrics(reg)

	if _, err := rl.Acquire(context.Background(), "AddOrder", 1); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	// Second call exceeds MaxCounter and must wait out the decay.
	if _, err := rl.Acquire(context.Background(), "AddOrder", 1); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if got := testutil.CollectAndCount(reg.RateLimitWait); got != 1 {
		t.Errorf("RateLimitWait collector count = %d, want 1", got)
	}
}
