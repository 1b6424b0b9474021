package orchestrator

import (
	"context"

	"krakenbot/pkg/types"
)

// SymbolSnapshot is one symbol's point-in-time view: latest known ticker and
// current position. A ticker with Source set came from a successful
// GetTicker call; when that call fails, only Symbol is set. No separate
// freshness flag is carried.
type SymbolSnapshot struct {
	Symbol   string
	Ticker   types.Ticker
	Position types.Position
}

// StatusSnapshot is a full point-in-time view across every traded symbol,
// for a caller (CLI or dashboard, out of scope here) to poll without this
// package rendering anything itself. Mirrors the teacher's
// Engine.GetMarketsSnapshot() shape, generalized from per-market slots to
// per-symbol entries.
type StatusSnapshot struct {
	Symbols          map[string]SymbolSnapshot
	KillSwitchActive bool
	BreakerStates    map[string]string
}

// GetSnapshot returns a StatusSnapshot built from the orchestrator's last
// known per-symbol state. Tickers come from the feed's GetTicker, which
// serves its cache when fresh and otherwise may make a REST call.
func (o *Orchestrator) GetSnapshot(ctx context.Context) StatusSnapshot {
	positions := o.positions.GetAll()

	symbols := make(map[string]SymbolSnapshot, len(o.cfg.Trading.TradePairs))
	for _, symbol := range o.cfg.Trading.TradePairs {
		t, err := o.feed.GetTicker(ctx, symbol)
		if err != nil {
			t = types.Ticker{Symbol: symbol}
		}
		symbols[symbol] = SymbolSnapshot{
			Symbol:   symbol,
			Ticker:   t,
			Position: positions[symbol],
		}
	}

	breakers := map[string]string{
		"orders":             string(o.breaker.State("orders")),
		"rate_limit_breaker": string(o.breaker.State("rate_limit_breaker")),
	}

	return StatusSnapshot{
		Symbols:          symbols,
		KillSwitchActive: o.risk.IsKillSwitchActive(),
		BreakerStates:    breakers,
	}
}
