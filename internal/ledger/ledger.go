// Package ledger implements the Balance Ledger (C8): the authoritative
// in-process view of per-asset free/locked/total balances.
//
// Writes are serialized by a single mutex, matching the teacher's
// Inventory (internal/strategy/inventory.go) — a per-entity RWMutex guarding
// a small in-memory struct, snapshotted on read. Staleness tracking follows
// internal/market/book.go's updated-timestamp pattern, generalized from one
// book to one cache timestamp per asset.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"krakenbot/pkg/types"
)

// PrivateCaller is the subset of the REST client the ledger needs for its
// force-refresh fallback.
type PrivateCaller interface {
	PostPrivate(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error)
}

type entry struct {
	balance   types.Balance
	updatedAt time.Time
}

// Ledger is the in-process Balance Ledger. Exactly one Ledger mutates
// Balance entries for the process; every other component holds a read-only
// view through Get/GetAll.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]entry

	client PrivateCaller
	logger *slog.Logger

	refreshMu   sync.Mutex
	refreshing  bool
	refreshDone chan struct{}

	wsDegraded bool
}

// New creates an empty Ledger backed by client for force-refresh fallback.
func New(client PrivateCaller, logger *slog.Logger) *Ledger {
	return &Ledger{
		entries: make(map[string]entry),
		client:  client,
		logger:  logger.With("component", "balance_ledger"),
	}
}

// Get returns the cached balance for asset and whether it was found.
func (l *Ledger) Get(asset string) (types.Balance, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[asset]
	return e.balance, ok
}

// GetAll returns a snapshot of every tracked balance.
func (l *Ledger) GetAll() map[string]types.Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]types.Balance, len(l.entries))
	for asset, e := range l.entries {
		out[asset] = e.balance
	}
	return out
}

// IsStale reports whether asset's entry is older than maxAge, or unknown.
func (l *Ledger) IsStale(asset string, maxAge time.Duration) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[asset]
	if !ok {
		return true
	}
	return time.Since(e.updatedAt) > maxAge
}

// SetWSDegraded records whether the private WS balances channel is considered
// unhealthy. The flag is only stored; no Ledger method reads it.
func (l *Ledger) SetWSDegraded(degraded bool) {
	l.mu.Lock()
	l.wsDegraded = degraded
	l.mu.Unlock()
}

// ApplySnapshot replaces the full set of balances wholesale, e.g. from a
// REST response.
func (l *Ledger) ApplySnapshot(balances []types.Balance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for _, b := range balances {
		b.UpdatedAt = now
		l.entries[b.Asset] = entry{balance: b, updatedAt: now}
	}
}

// ApplyDelta normalizes Kraken's raw WS balances frame per spec: free =
// balance - hold_trade, locked = hold_trade, total = balance. Negative
// results are clamped to zero with a warning, since a negative balance is a
// protocol-violation indicator rather than a legitimate state.
func (l *Ledger) ApplyDelta(data []types.WSBalanceData) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for _, d := range data {
		free := d.Balance.Sub(d.HoldTrade)
		locked := d.HoldTrade
		total := d.Balance

		if free.IsNegative() {
			l.logger.Warn("ledger delta produced negative free balance, clamping to zero",
				"asset", d.Asset, "free", free.String())
			free = decimal.Zero
		}
		if locked.IsNegative() {
			l.logger.Warn("ledger delta produced negative locked balance, clamping to zero",
				"asset", d.Asset, "locked", locked.String())
			locked = decimal.Zero
		}
		if total.IsNegative() {
			total = decimal.Zero
		}

		l.entries[d.Asset] = entry{
			balance: types.Balance{
				Asset: d.Asset, Free: free, Locked: locked, Total: total, UpdatedAt: now,
			},
			updatedAt: now,
		}
	}
}

// ForceRefresh fetches the full balance set via REST (Kraken's BalanceEx
// endpoint, which reports hold_trade per asset like the WS feed does).
// Concurrent callers while a refresh is already in flight block on the same
// call instead of issuing duplicate REST requests.
func (l *Ledger) ForceRefresh(ctx context.Context) error {
	l.refreshMu.Lock()
	if l.refreshing {
		done := l.refreshDone
		l.refreshMu.Unlock()
		<-done
		return nil
	}
	l.refreshing = true
	l.refreshDone = make(chan struct{})
	l.refreshMu.Unlock()

	defer func() {
		l.refreshMu.Lock()
		l.refreshing = false
		close(l.refreshDone)
		l.refreshMu.Unlock()
	}()

	raw, err := l.client.PostPrivate(ctx, "BalanceEx", nil)
	if err != nil {
		return fmt.Errorf("force refresh balances: %w", err)
	}

	var resp map[string]struct {
		Balance   string `json:"balance"`
		HoldTrade string `json:"hold_trade"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("unmarshal balance response: %w", err)
	}

	balances := make([]types.Balance, 0, len(resp))
	for asset, v := range resp {
		bal, _ := decimal.NewFromString(v.Balance)
		hold, _ := decimal.NewFromString(v.HoldTrade)
		free := bal.Sub(hold)
		if free.IsNegative() {
			free = decimal.Zero
		}
		balances = append(balances, types.Balance{
			Asset: asset, Free: free, Locked: hold, Total: bal,
		})
	}

	l.ApplySnapshot(balances)
	return nil
}
