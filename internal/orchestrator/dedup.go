package orchestrator

import (
	"sync"
	"time"

	"krakenbot/pkg/types"
)

// signalDedup suppresses repeated symbol+side signals within a cool-down
// window. Its single-timestamp-per-key eviction is a narrowed form of
// internal/strategy/flow_tracker.go's rolling-fill-window eviction,
// generalized from a list of recent fills to one last-accepted instant per
// key, since dedup only ever needs to know "how long ago," not the full
// history.
type signalDedup struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

func newSignalDedup(window time.Duration) *signalDedup {
	return &signalDedup{window: window, last: make(map[string]time.Time)}
}

// Allow reports whether a symbol+side signal may proceed, and records the
// acceptance if so.
func (d *signalDedup) Allow(symbol string, side types.Side) bool {
	key := symbol + ":" + string(side)

	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.last[key]; ok && time.Since(last) < d.window {
		return false
	}
	d.last[key] = time.Now()
	return true
}
