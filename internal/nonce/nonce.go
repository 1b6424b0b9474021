// Package nonce implements the monotonic nonce authority (C1): it hands out
// strictly increasing 64-bit integers compatible with Kraken's nonce
// expectation (millisecond UNIX epoch, monotonically increasing across
// process restarts for the same API key), persists the last issued value,
// and recovers from server-side "invalid nonce" rejections.
//
// Persistence uses the same write-temp-then-rename pattern the rest of the
// core uses for crash-safe state (see internal/store), so a killed process
// never leaves the nonce file half-written.
package nonce

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"krakenbot/internal/metrics"
)

// recoveryBufferMs is added to the floor when recovering from an
// "invalid nonce" rejection — a safety margin against clock skew between
// our clock and Kraken's.
const recoveryBufferMs = 60_000

// Record is the persisted nonce state: {"last_issued": u64, "updated_at": ms}.
type Record struct {
	LastIssued uint64 `json:"last_issued"`
	UpdatedAt  int64  `json:"updated_at"`
}

// Status reports the authority's operating state.
type Status struct {
	LastIssued    uint64
	IssuedCount   uint64
	RecoveryCount uint64
	Degraded      bool // true if the last persistence attempt failed
}

// Authority hands out strictly increasing nonces for one API key and
// persists the last issued value atomically.
type Authority struct {
	mu sync.Mutex

	path          string
	lastIssued    uint64
	issuedCount   uint64
	recoveryCount uint64
	degraded      bool

	logger  *slog.Logger
	nowFn   func() time.Time // overridable for tests
	metrics *metrics.Registry
}

// SetMetrics wires a metrics registry so every issued or recovered nonce is
// recorded. Optional; a nil registry (the default) disables recording.
func (a *Authority) SetMetrics(reg *metrics.Registry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.metrics = reg
}

// New creates an Authority backed by path, loading any existing record.
// If the file is missing or corrupt, the floor is set to now (a safe
// choice per spec: a missing nonce file never reuses a historical value).
func New(path string, logger *slog.Logger) (*Authority, error) {
	a := &Authority{
		path:   path,
		logger: logger.With("component", "nonce"),
		nowFn:  time.Now,
	}

	if err := a.load(); err != nil {
		a.logger.Warn("nonce file missing or corrupt, starting from current time", "error", err)
		a.lastIssued = uint64(a.nowFn().UnixMilli())
	}

	return a, nil
}

func (a *Authority) load() error {
	data, err := os.ReadFile(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return fmt.Errorf("read nonce file: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("unmarshal nonce file: %w", err)
	}

	a.lastIssued = rec.LastIssued
	return nil
}

// Next returns a value strictly greater than any previously returned value
// from this or any prior process instance using the same key.
func (a *Authority) Next() uint64 {
	return a.next(false)
}

// RecoverFromInvalid jumps the internal floor forward by a safety buffer
// and returns the next nonce. Call this when the exchange rejects a request
// with an "invalid nonce" error.
func (a *Authority) RecoverFromInvalid() uint64 {
	a.mu.Lock()
	a.lastIssued += recoveryBufferMs
	a.recoveryCount++
	a.mu.Unlock()

	return a.next(true)
}

func (a *Authority) next(recovered bool) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := uint64(a.nowFn().UnixMilli())
	candidate := now
	if a.lastIssued+1 > candidate {
		candidate = a.lastIssued + 1
	}

	a.lastIssued = candidate
	a.issuedCount++

	if err := a.persistLocked(); err != nil {
		a.degraded = true
		a.logger.Warn("nonce persistence failed, continuing in-memory", "error", err)
	} else {
		a.degraded = false
	}

	if a.metrics != nil {
		a.metrics.Nonce(recovered)
	}

	return candidate
}

// Status exposes the last issued nonce, issued count, recovery count, and
// degraded flag.
func (a *Authority) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	return Status{
		LastIssued:    a.lastIssued,
		IssuedCount:   a.issuedCount,
		RecoveryCount: a.recoveryCount,
		Degraded:      a.degraded,
	}
}

// persistLocked writes the nonce record atomically. Caller holds a.mu.
func (a *Authority) persistLocked() error {
	rec := Record{
		LastIssued: a.lastIssued,
		UpdatedAt:  a.nowFn().UnixMilli(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal nonce record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("create nonce dir: %w", err)
	}

	tmp := a.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write nonce file: %w", err)
	}
	return os.Rename(tmp, a.path)
}
