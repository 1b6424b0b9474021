// risk.go adapts internal/risk/manager.go's exposure/daily-loss/kill-switch
// checks from Polymarket's per-market YES/NO binary exposure to a single
// decimal-based USD exposure per Kraken symbol. The price-anchor rolling
// window for rapid-movement detection and the cooldown-gated kill switch
// are kept as-is; RemainingBudget's per-market/global minimum-of-two-
// headrooms shape becomes Allow's per-symbol/global check below.
package orchestrator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"krakenbot/internal/config"
	"krakenbot/pkg/types"
)

type priceAnchor struct {
	price     decimal.Decimal
	timestamp time.Time
}

// RiskPolicy consults position exposure, global exposure, and daily loss
// limits before a signal is allowed to reach order submission.
type RiskPolicy struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu               sync.Mutex
	killSwitchActive bool
	killSwitchUntil  time.Time
	priceAnchors     map[string]priceAnchor
}

// NewRiskPolicy creates a RiskPolicy enforcing cfg's limits.
func NewRiskPolicy(cfg config.RiskConfig, logger *slog.Logger) *RiskPolicy {
	return &RiskPolicy{
		cfg:          cfg,
		logger:       logger.With("component", "risk_policy"),
		priceAnchors: make(map[string]priceAnchor),
	}
}

// IsKillSwitchActive reports whether the kill switch is currently engaged,
// clearing it if its cooldown has elapsed.
func (r *RiskPolicy) IsKillSwitchActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.killSwitchActive {
		return false
	}
	if time.Now().After(r.killSwitchUntil) {
		r.killSwitchActive = false
		r.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

// CheckPriceMovement compares mid against the symbol's rolling-window
// anchor and trips the kill switch on a move past KillSwitchDropPct within
// KillSwitchWindowSec.
func (r *RiskPolicy) CheckPriceMovement(symbol string, mid decimal.Decimal) {
	window := time.Duration(r.cfg.KillSwitchWindowSec) * time.Second

	r.mu.Lock()
	defer r.mu.Unlock()

	anchor, ok := r.priceAnchors[symbol]
	now := time.Now()
	if !ok || now.Sub(anchor.timestamp) > window {
		r.priceAnchors[symbol] = priceAnchor{price: mid, timestamp: now}
		return
	}

	if anchor.price.IsZero() {
		return
	}

	pctChange := mid.Sub(anchor.price).Div(anchor.price).Abs()
	if pctChange.GreaterThan(decimal.NewFromFloat(r.cfg.KillSwitchDropPct)) {
		r.emitKillLocked(fmt.Sprintf("%s moved %s within %ds", symbol, pctChange.String(), r.cfg.KillSwitchWindowSec))
	}
}

// Allow checks a candidate order against per-symbol exposure, global
// exposure, and daily loss limits. currentExposure is the symbol's existing
// USD exposure (the orchestrator passes quantity * the signal's resolved
// price); globalExposure is the sum
// across every tracked symbol; dailyPnL is cumulative realized P&L.
func (r *RiskPolicy) Allow(symbol string, intendedNotional, currentExposure, globalExposure, dailyPnL decimal.Decimal) (bool, string) {
	if r.IsKillSwitchActive() {
		return false, "kill switch active"
	}

	maxPerSymbol := decimal.NewFromFloat(r.cfg.MaxPositionUSDPerSymbol)
	if currentExposure.Add(intendedNotional).GreaterThan(maxPerSymbol) {
		return false, "per-symbol exposure limit"
	}

	maxGlobal := decimal.NewFromFloat(r.cfg.MaxGlobalExposureUSD)
	if globalExposure.Add(intendedNotional).GreaterThan(maxGlobal) {
		return false, "global exposure limit"
	}

	maxLoss := decimal.NewFromFloat(r.cfg.MaxDailyLossUSD)
	if dailyPnL.Neg().GreaterThan(maxLoss) {
		r.mu.Lock()
		r.emitKillLocked(fmt.Sprintf("daily loss %s exceeds limit", dailyPnL.String()))
		r.mu.Unlock()
		return false, "daily loss limit"
	}

	return true, ""
}

func (r *RiskPolicy) emitKillLocked(reason string) {
	r.killSwitchActive = true
	r.killSwitchUntil = time.Now().Add(r.cfg.CooldownAfterKill)
	r.logger.Error("risk kill switch engaged", "reason", reason, "cooldown_until", r.killSwitchUntil)
}

// GlobalExposure sums quantity*avgEntryPrice across every open position, a
// USD-notional proxy since avg entry price is the only per-symbol price the
// tracker retains for closed-book symbols the current cycle didn't quote.
func GlobalExposure(positions map[string]types.Position) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range positions {
		total = total.Add(pos.Quantity.Mul(pos.AvgEntryPrice))
	}
	return total
}

// DailyPnL sums realized P&L across every tracked position. The tracker
// keeps no day-boundary reset, so this is cumulative-since-open rather than
// a strict trading-day figure; it still serves the daily-loss kill switch
// since realized P&L only decreases on losing exits within a session.
func DailyPnL(positions map[string]types.Position) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range positions {
		total = total.Add(pos.RealizedPnL)
	}
	return total
}
