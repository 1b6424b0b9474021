// Package position implements the Position Tracker (C9): consumes
// execution events and mutates per-symbol positions with size-weighted
// average entry price accumulation and realized P&L on reducing fills.
//
// The accumulation formulas and mutex-guarded mutation style are grounded
// on internal/strategy/inventory.go's Inventory, generalized from the
// Polymarket YES/NO dual-token case to a single decimal.Decimal quantity
// per symbol. Persistence follows internal/store's generalized atomic
// write-temp-then-rename Store.
package position

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"krakenbot/internal/store"
	"krakenbot/pkg/types"
)

const positionsFile = "positions"

// BalanceReader is the subset of the Balance Ledger the tracker needs for
// startup reconciliation.
type BalanceReader interface {
	GetAll() map[string]types.Balance
}

// Tracker maintains every symbol's position and persists the full map to
// disk after every mutation.
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]types.Position

	store  *store.Store
	logger *slog.Logger
}

// New creates a Tracker backed by s for persistence.
func New(s *store.Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		positions: make(map[string]types.Position),
		store:     s,
		logger:    logger.With("component", "position_tracker"),
	}
}

// Load restores the positions map from disk, if present.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var loaded map[string]types.Position
	ok, err := t.store.Load(positionsFile, &loaded)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	if ok {
		t.positions = loaded
	}
	return nil
}

// ReconcileAgainstBalances closes any loaded open position whose base asset
// has no positive total in the balance snapshot: its quantity is zeroed and
// a warning is logged. No reconciliation note is stored on the position.
// cmd/bot's startup path calls Load only and does not call this method.
func (t *Tracker) ReconcileAgainstBalances(balances BalanceReader) {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := balances.GetAll()
	for symbol, pos := range t.positions {
		if !pos.IsOpen() {
			continue
		}
		base := baseAsset(symbol)
		bal, ok := snapshot[base]
		if !ok || bal.Total.LessThanOrEqual(decimal.Zero) {
			t.logger.Warn("reconciliation: disk position has no matching exchange balance, closing",
				"symbol", symbol, "quantity", pos.Quantity.String())
			pos.Quantity = decimal.Zero
			pos.LastUpdate = time.Now()
			t.positions[symbol] = pos
		}
	}
	t.persistLocked()
}

// Get returns the current position for symbol, or the zero-value Position
// if none has been recorded.
func (t *Tracker) Get(symbol string) types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.positions[symbol]
}

// GetAll returns a snapshot of every tracked position.
func (t *Tracker) GetAll() map[string]types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]types.Position, len(t.positions))
	for k, v := range t.positions {
		out[k] = v
	}
	return out
}

// OnExecution applies a fill to the symbol's position per the accumulation
// and realized-P&L formulas, then persists the updated map.
func (t *Tracker) OnExecution(symbol string, side types.Side, qty, price, fee decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos := t.positions[symbol]
	pos.Symbol = symbol
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now()
	}

	if side == types.Buy {
		pos = applyBuy(pos, qty, price)
	} else {
		pos = applySell(pos, qty, price)
	}

	pos.RealizedPnL = pos.RealizedPnL.Sub(fee)
	pos.LastUpdate = time.Now()

	t.positions[symbol] = pos
	if err := t.persistLocked(); err != nil {
		t.logger.Error("persist positions after execution", "error", err, "symbol", symbol)
	}
}

// applyBuy grows the position: Q' = Q + q, P' = (Q*P + q*p) / Q'.
func applyBuy(pos types.Position, qty, price decimal.Decimal) types.Position {
	newQty := pos.Quantity.Add(qty)
	if newQty.IsZero() {
		pos.Quantity = decimal.Zero
		pos.AvgEntryPrice = decimal.Zero
		return pos
	}
	totalCost := pos.AvgEntryPrice.Mul(pos.Quantity).Add(price.Mul(qty))
	pos.AvgEntryPrice = totalCost.Div(newQty)
	pos.Quantity = newQty
	return pos
}

// applySell reduces the position: realized P&L = q * (p - P), Q' = Q - q.
// A sell larger than the open quantity is treated as closing the full
// position at the realized rate for the held quantity only; the excess is
// not tracked as a short (symbol exposure outside the long side is a
// strategy-level decision, not something this tracker infers).
func applySell(pos types.Position, qty, price decimal.Decimal) types.Position {
	sellQty := qty
	if sellQty.GreaterThan(pos.Quantity) {
		sellQty = pos.Quantity
	}

	if sellQty.GreaterThan(decimal.Zero) {
		pnl := price.Sub(pos.AvgEntryPrice).Mul(sellQty)
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
	}

	pos.Quantity = pos.Quantity.Sub(sellQty)
	if pos.Quantity.LessThanOrEqual(decimal.Zero) {
		pos.Quantity = decimal.Zero
		pos.AvgEntryPrice = decimal.Zero
	}
	return pos
}

func (t *Tracker) persistLocked() error {
	return t.store.Save(positionsFile, t.positions)
}

// baseAsset extracts the base currency from a "BASE/QUOTE" symbol.
func baseAsset(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' {
			return symbol[:i]
		}
	}
	return symbol
}
