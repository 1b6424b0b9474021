package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewWithRegistry(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	if m.CyclesTotal == nil {
		t.Error("CyclesTotal should not be nil")
	}
	if m.OrdersTotal == nil {
		t.Error("OrdersTotal should not be nil")
	}
	if m.BreakerState == nil {
		t.Error("BreakerState should not be nil")
	}
}

func TestHeartbeatIncrementsCycles(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.Heartbeat()
	m.Heartbeat()

	if got := testutil.ToFloat64(m.CyclesTotal); got != 2 {
		t.Errorf("cycles total = %v, want 2", got)
	}
}

func TestSignalOrderNonceDoNotPanic(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.Signal("accepted")
	m.Signal("rejected_confidence")
	m.Order("submitted", "")
	m.Order("rejected", "min_size")
	m.Nonce(false)
	m.Nonce(true)
	m.RateLimitWaited(50 * time.Millisecond)
	m.Breaker("orders", 2)
	m.WSReconnect("public")
}
