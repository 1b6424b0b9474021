package orchestrator

import (
	"context"

	"github.com/shopspring/decimal"

	"krakenbot/pkg/types"
)

// Signal is one trading opinion emitted by a Strategy for one cycle.
// Confidence is normalized to 0..1; a Strategy may also hand back values on
// a 0..100 scale, which the orchestrator normalizes before the acceptance
// check.
type Signal struct {
	Symbol         string
	Side           types.Side
	Confidence     decimal.Decimal
	SuggestedPrice *decimal.Decimal
}

// StrategyInput is the read-only market/account view handed to a Strategy
// each cycle.
type StrategyInput struct {
	Tickers   map[string]types.Ticker
	Balances  map[string]types.Balance
	Positions map[string]types.Position
}

// Strategy is the external collaborator that turns market state into
// trading signals. No strategy logic (indicators, signal math) lives in
// this package — the orchestrator only calls this interface, validates
// what comes back, and routes accepted signals to order submission.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, in StrategyInput) ([]Signal, error)
}

// normalizeConfidence treats a value > 1 as a 0-100 scale input.
func normalizeConfidence(c decimal.Decimal) decimal.Decimal {
	if c.GreaterThan(decimal.NewFromInt(1)) {
		return c.Div(decimal.NewFromInt(100))
	}
	return c
}
