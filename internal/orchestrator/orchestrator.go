// Package orchestrator implements the Trading Orchestrator (C13): the
// per-cycle loop that pulls ticker snapshots, invokes strategies, dedupes
// and risk-checks signals, and routes accepted ones to the Order Execution
// Engine. It also runs the WS heartbeat health check and emits a metrics
// heartbeat once per cycle.
//
// The goroutine-lifecycle shape (New → Start → background loop → Stop with
// context cancellation and a WaitGroup) is adapted from
// internal/engine/engine.go's Engine, with reconcileMarkets' scanner-driven
// dynamic market discovery replaced by the static trading.trade_pairs list:
// this orchestrator has one cycle loop instead of one goroutine per market,
// since Kraken symbols don't come and go the way Polymarket's scanner
// results do.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"krakenbot/internal/breaker"
	"krakenbot/internal/config"
	"krakenbot/internal/metrics"
	"krakenbot/pkg/types"
)

// publicHeartbeatTimeout/privateHeartbeatTimeout are the silence thresholds
// past which the health check forces recovery action on that stream.
const (
	publicHeartbeatTimeout  = 15 * time.Second
	privateHeartbeatTimeout = 30 * time.Second
)

// TickerReader is the subset of the Unified Data Feed the orchestrator
// needs to pull per-symbol snapshots.
type TickerReader interface {
	GetTicker(ctx context.Context, symbol string) (types.Ticker, error)
}

// BalanceReader is the subset of the Balance Ledger the orchestrator needs
// to hand strategies an account view.
type BalanceReader interface {
	GetAll() map[string]types.Balance
}

// PositionReader is the subset of the Position Tracker the orchestrator
// needs for both the strategy input and the risk policy's exposure checks.
type PositionReader interface {
	GetAll() map[string]types.Position
}

// QuantityAdvisor is the subset of the Minimum-Size Learner consulted
// before submission.
type QuantityAdvisor interface {
	SuggestQuantity(symbol types.Symbol, intendedNotional, price decimal.Decimal) decimal.Decimal
	IsBlacklisted(symbol string, intendedNotional decimal.Decimal) bool
}

// OrderSubmitter is the subset of the Order Execution Engine the
// orchestrator drives.
type OrderSubmitter interface {
	Submit(ctx context.Context, req types.OrderRequest) (string, error)
}

// wsHealth is the subset of a WebSocket Session the health check needs.
// Satisfied by *exchange.Session for both the public and private stream;
// ForceTokenRefresh is a no-op on a public session.
type wsHealth interface {
	LastMessageAt() time.Time
	IsConnected() bool
	ForceReconnect()
	ForceTokenRefresh(ctx context.Context) error
}

// Orchestrator drives the trading loop. Construct one per process.
type Orchestrator struct {
	cfg config.Config

	feed      TickerReader
	ledger    BalanceReader
	positions PositionReader
	minsize   QuantityAdvisor
	orders    OrderSubmitter
	breaker   *breaker.Breaker
	risk      *RiskPolicy
	dedup     *signalDedup
	metrics   *metrics.Registry

	publicWS  wsHealth
	privateWS wsHealth

	symbols    map[string]types.Symbol
	strategies []Strategy

	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps bundles every collaborator the orchestrator needs. publicWS and
// privateWS may be nil if the corresponding stream is disabled.
type Deps struct {
	Feed       TickerReader
	Ledger     BalanceReader
	Positions  PositionReader
	MinSize    QuantityAdvisor
	Orders     OrderSubmitter
	Breaker    *breaker.Breaker
	Metrics    *metrics.Registry
	PublicWS   wsHealth
	PrivateWS  wsHealth
	Symbols    map[string]types.Symbol
	Strategies []Strategy
}

// New creates an Orchestrator wired to deps, tuned by cfg.
func New(cfg config.Config, deps Deps, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		feed:       deps.Feed,
		ledger:     deps.Ledger,
		positions:  deps.Positions,
		minsize:    deps.MinSize,
		orders:     deps.Orders,
		breaker:    deps.Breaker,
		risk:       NewRiskPolicy(cfg.Risk, logger),
		dedup:      newSignalDedup(cfg.Trading.DedupWindow),
		metrics:    deps.Metrics,
		publicWS:   deps.PublicWS,
		privateWS:  deps.PrivateWS,
		symbols:    deps.Symbols,
		strategies: deps.Strategies,
		logger:     logger.With("component", "orchestrator"),
	}
}

// Start launches the cycle loop in a background goroutine. It returns
// immediately; call Stop to shut down.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runLoop()
	}()
}

// Stop cancels the cycle loop and waits for it to exit.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

func (o *Orchestrator) runLoop() {
	period := o.cfg.Trading.CyclePeriod()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.runCycle(o.ctx)
		}
	}
}

// runCycle executes the six-step iteration described in the package doc.
func (o *Orchestrator) runCycle(ctx context.Context) {
	tickers := o.collectTickers(ctx)
	balances := o.ledger.GetAll()
	positions := o.positions.GetAll()

	for symbol, t := range tickers {
		o.risk.CheckPriceMovement(symbol, t.Mid())
	}

	signals := o.collectSignals(ctx, tickers, balances, positions)

	for _, sig := range signals {
		o.processSignal(ctx, sig, tickers, positions)
	}

	o.checkStreamHealth(ctx)

	if o.metrics != nil {
		o.metrics.Heartbeat()
		o.metrics.Breaker("orders", breakerStateValue(o.breaker.State("orders")))
		o.metrics.Breaker("rate_limit_breaker", breakerStateValue(o.breaker.State("rate_limit_breaker")))
	}
}

func (o *Orchestrator) collectTickers(ctx context.Context) map[string]types.Ticker {
	out := make(map[string]types.Ticker, len(o.cfg.Trading.TradePairs))
	for _, symbol := range o.cfg.Trading.TradePairs {
		t, err := o.feed.GetTicker(ctx, symbol)
		if err != nil {
			o.logger.Warn("ticker unavailable this cycle", "symbol", symbol, "error", err)
			continue
		}
		out[symbol] = t
	}
	return out
}

func (o *Orchestrator) collectSignals(ctx context.Context, tickers map[string]types.Ticker, balances map[string]types.Balance, positions map[string]types.Position) []Signal {
	in := StrategyInput{Tickers: tickers, Balances: balances, Positions: positions}

	var signals []Signal
	for _, strat := range o.strategies {
		sigs, err := strat.Evaluate(ctx, in)
		if err != nil {
			o.logger.Warn("strategy evaluation failed", "strategy", strat.Name(), "error", err)
			continue
		}
		signals = append(signals, sigs...)
	}
	return signals
}

func (o *Orchestrator) processSignal(ctx context.Context, sig Signal, tickers map[string]types.Ticker, positions map[string]types.Position) {
	confidence := normalizeConfidence(sig.Confidence)
	minConfidence := decimal.NewFromFloat(o.cfg.Trading.NormalizedMinConfidence())
	if confidence.LessThan(minConfidence) {
		o.recordSignal("rejected_confidence")
		return
	}

	if !o.dedup.Allow(sig.Symbol, sig.Side) {
		o.recordSignal("deduped")
		return
	}
	o.recordSignal("accepted")

	symbol, ok := o.symbols[sig.Symbol]
	if !ok {
		o.logger.Warn("signal for unknown symbol, dropping", "symbol", sig.Symbol)
		return
	}

	price := resolvePrice(sig, tickers[sig.Symbol])
	if price.IsZero() {
		o.logger.Warn("no price available for signal, dropping", "symbol", sig.Symbol)
		return
	}

	intendedNotional := decimal.NewFromFloat(o.cfg.Trading.PositionSizeUSDT)

	if o.minsize.IsBlacklisted(sig.Symbol, intendedNotional) {
		o.logger.Warn("symbol blacklisted by minimum-size learner, dropping signal", "symbol", sig.Symbol)
		o.recordOrder("rejected", "blacklisted")
		return
	}

	qty := o.minsize.SuggestQuantity(symbol, intendedNotional, price)

	pos := positions[sig.Symbol]
	currentExposure := pos.Quantity.Mul(price)
	globalExposure := GlobalExposure(positions)
	dailyPnL := DailyPnL(positions)

	if allowed, reason := o.risk.Allow(sig.Symbol, intendedNotional, currentExposure, globalExposure, dailyPnL); !allowed {
		o.logger.Warn("risk policy rejected signal", "symbol", sig.Symbol, "reason", reason)
		o.recordOrder("rejected", reason)
		return
	}

	req := types.OrderRequest{
		Symbol:   sig.Symbol,
		Side:     sig.Side,
		Type:     types.OrderTypeLimit,
		Quantity: qty,
		Price:    &price,
		TIF:      types.TIFGoodTilCancelled,
	}

	if _, err := o.orders.Submit(ctx, req); err != nil {
		o.logger.Warn("order submission failed", "symbol", sig.Symbol, "error", err)
		o.recordOrder("rejected", "submit_error")
		return
	}
	o.recordOrder("submitted", "")
}

// resolvePrice prefers a strategy-suggested price and falls back to the
// cycle's ticker mid.
func resolvePrice(sig Signal, t types.Ticker) decimal.Decimal {
	if sig.SuggestedPrice != nil {
		return *sig.SuggestedPrice
	}
	return t.Mid()
}

// checkStreamHealth forces recovery action on a stream that has gone quiet
// past its threshold, per the per-stream health check.
func (o *Orchestrator) checkStreamHealth(ctx context.Context) {
	if o.publicWS != nil && streamSilentPast(o.publicWS, publicHeartbeatTimeout) {
		o.logger.Warn("public stream silent past threshold, forcing reconnect")
		o.publicWS.ForceReconnect()
		if o.metrics != nil {
			o.metrics.WSReconnect("public")
		}
	}

	if o.privateWS != nil && streamSilentPast(o.privateWS, privateHeartbeatTimeout) {
		o.logger.Warn("private stream silent past threshold, forcing token refresh")
		if err := o.privateWS.ForceTokenRefresh(ctx); err != nil {
			o.logger.Error("forced token refresh failed", "error", err)
		}
		if o.metrics != nil {
			o.metrics.WSReconnect("private_token_refresh")
		}
	}
}

func streamSilentPast(ws wsHealth, limit time.Duration) bool {
	last := ws.LastMessageAt()
	if last.IsZero() {
		return !ws.IsConnected()
	}
	return time.Since(last) > limit
}

func (o *Orchestrator) recordSignal(outcome string) {
	if o.metrics != nil {
		o.metrics.Signal(outcome)
	}
}

func (o *Orchestrator) recordOrder(outcome, reason string) {
	if o.metrics != nil {
		o.metrics.Order(outcome, reason)
	}
}

// breakerStateValue maps a breaker.State to the gauge value convention
// documented on metrics.Registry.BreakerState.
func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.Closed:
		return 0
	case breaker.HalfOpen:
		return 1
	case breaker.Open:
		return 2
	default:
		return -1
	}
}
