// Package minsize implements the Minimum-Size Learner (C10): it records
// per-symbol minimum order constraints observed from exchange rejections,
// and suggests compliant order quantities.
//
// The observe-then-rank pipeline shape is grounded on
// internal/market/scanner.go's style: pure functions over a small set of
// per-symbol records, no network calls in the core logic. Persistence
// reuses internal/store's generalized atomic-write Store.
package minsize

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"krakenbot/internal/store"
	"krakenbot/pkg/types"
)

const minsizeFile = "minsize"

// blacklistFailureThreshold and blacklistNotionalMultiple together gate
// is_blacklisted per spec.md §4.9's defaults.
const (
	blacklistFailureThreshold = 10
	blacklistNotionalMultiple = 3
)

// safetyMargin is added on top of an observed rejection's attempted
// quantity/notional when raising a learned minimum.
var safetyMargin = decimal.NewFromFloat(1.02)

// record is the learned state for one symbol.
type record struct {
	MinQuantity  decimal.Decimal `json:"min_quantity"`
	MinNotional  decimal.Decimal `json:"min_notional"`
	FailureCount int             `json:"failure_count"`
}

// Learner tracks learned minimum-size constraints per symbol.
type Learner struct {
	mu      sync.RWMutex
	records map[string]record

	store  *store.Store
	logger *slog.Logger
}

// New creates a Learner backed by s for persistence.
func New(s *store.Store, logger *slog.Logger) *Learner {
	return &Learner{
		records: make(map[string]record),
		store:   s,
		logger:  logger.With("component", "minsize_learner"),
	}
}

// Load restores learned minimums from disk, if present.
func (l *Learner) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var loaded map[string]record
	ok, err := l.store.Load(minsizeFile, &loaded)
	if err != nil {
		return fmt.Errorf("load minsize records: %w", err)
	}
	if ok {
		l.records = loaded
	}
	return nil
}

// RecordRejection raises the learned minimum for symbol from a
// MinSizeViolation rejection. attemptedQty/attemptedNotional are what was
// submitted; the recorded minimum is raised to at least that value plus a
// safety margin, and never lowered.
func (l *Learner) RecordRejection(symbol string, attemptedQty, attemptedNotional decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.records[symbol]
	rec.FailureCount++

	withMargin := attemptedQty.Mul(safetyMargin)
	if withMargin.GreaterThan(rec.MinQuantity) {
		rec.MinQuantity = withMargin
	}

	notionalWithMargin := attemptedNotional.Mul(safetyMargin)
	if notionalWithMargin.GreaterThan(rec.MinNotional) {
		rec.MinNotional = notionalWithMargin
	}

	l.records[symbol] = rec
	l.logger.Warn("learned a new minimum from a rejection",
		"symbol", symbol, "min_quantity", rec.MinQuantity.String(), "min_notional", rec.MinNotional.String())

	if err := l.persistLocked(); err != nil {
		l.logger.Error("persist minsize records", "error", err, "symbol", symbol)
	}
}

// SuggestQuantity returns a quantity for symbol that satisfies both the
// exchange-reported minimums and any learned minimums, targeting
// intendedNotional and rounded up to the symbol's lot step.
func (l *Learner) SuggestQuantity(symbol types.Symbol, intendedNotional decimal.Decimal, price decimal.Decimal) decimal.Decimal {
	l.mu.RLock()
	rec := l.records[symbol.Pair()]
	l.mu.RUnlock()

	qty := symbol.MinQuantity
	if rec.MinQuantity.GreaterThan(qty) {
		qty = rec.MinQuantity
	}

	if !price.IsZero() {
		byNotional := intendedNotional.Div(price)
		if byNotional.GreaterThan(qty) {
			qty = byNotional
		}

		minNotional := symbol.MinNotional
		if rec.MinNotional.GreaterThan(minNotional) {
			minNotional = rec.MinNotional
		}
		byMinNotional := minNotional.Div(price)
		if byMinNotional.GreaterThan(qty) {
			qty = byMinNotional
		}
	}

	return symbol.RoundQuantityUp(qty)
}

// IsBlacklisted reports whether symbol's failure count exceeds the
// threshold and its learned minimum notional exceeds
// blacklistNotionalMultiple times the intended notional — i.e. trading
// this symbol at the intended size is unlikely to ever succeed.
func (l *Learner) IsBlacklisted(symbol string, intendedNotional decimal.Decimal) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[symbol]
	if !ok {
		return false
	}
	if rec.FailureCount <= blacklistFailureThreshold {
		return false
	}
	ceiling := intendedNotional.Mul(decimal.NewFromInt(blacklistNotionalMultiple))
	return rec.MinNotional.GreaterThan(ceiling)
}

func (l *Learner) persistLocked() error {
	return l.store.Save(minsizeFile, l.records)
}
