package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"krakenbot/internal/breaker"
	"krakenbot/internal/config"
	"krakenbot/internal/metrics"
	"krakenbot/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testMetrics() *metrics.Registry {
	return metrics.NewWithRegistry(prometheus.NewRegistry())
}

func testBreaker() *breaker.Breaker {
	return breaker.New(config.CircuitBreakerConfig{}, testLogger())
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fakeFeed struct {
	tickers map[string]types.Ticker
	err     error
}

func (f *fakeFeed) GetTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	if f.err != nil {
		return types.Ticker{}, f.err
	}
	t, ok := f.tickers[symbol]
	if !ok {
		return types.Ticker{}, fmt.Errorf("no ticker for %s", symbol)
	}
	return t, nil
}

type fakeBalances map[string]types.Balance

func (f fakeBalances) GetAll() map[string]types.Balance { return f }

type fakePositions map[string]types.Position

func (f fakePositions) GetAll() map[string]types.Position { return f }

type fakeMinsize struct {
	qty          decimal.Decimal
	blacklisted  bool
}

func (f *fakeMinsize) SuggestQuantity(symbol types.Symbol, intendedNotional, price decimal.Decimal) decimal.Decimal {
	return f.qty
}

func (f *fakeMinsize) IsBlacklisted(symbol string, intendedNotional decimal.Decimal) bool {
	return f.blacklisted
}

type fakeOrders struct {
	submitted []types.OrderRequest
	err       error
}

func (f *fakeOrders) Submit(ctx context.Context, req types.OrderRequest) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.submitted = append(f.submitted, req)
	return "test-client-id", nil
}

type fakeWS struct {
	last           time.Time
	connected      bool
	reconnects     int
	tokenRefreshes int
}

func (f *fakeWS) LastMessageAt() time.Time { return f.last }
func (f *fakeWS) IsConnected() bool        { return f.connected }
func (f *fakeWS) ForceReconnect()          { f.reconnects++ }
func (f *fakeWS) ForceTokenRefresh(ctx context.Context) error {
	f.tokenRefreshes++
	return nil
}

type fakeStrategy struct {
	signals []Signal
	err     error
}

func (f *fakeStrategy) Name() string { return "fake" }
func (f *fakeStrategy) Evaluate(ctx context.Context, in StrategyInput) ([]Signal, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.signals, nil
}

func testSymbol() types.Symbol {
	return types.Symbol{
		Base: "BTC", Quote: "USDT",
		PriceTick: dec("0.1"), LotStep: dec("0.0001"),
		MinQuantity: dec("0.0001"), MinNotional: dec("1"),
	}
}

func testConfig() config.Config {
	return config.Config{
		Trading: config.TradingConfig{
			TradePairs:       []string{"BTC/USDT"},
			PositionSizeUSDT: 100,
			MaxPositionPct:   0.5,
			MinConfidence:    0.25,
			CycleMs:          10,
			DedupWindow:      time.Minute,
		},
		Risk: config.RiskConfig{
			MaxPositionUSDPerSymbol: 10000,
			MaxGlobalExposureUSD:    50000,
			MaxDailyLossUSD:         1000,
			KillSwitchDropPct:       0.2,
			KillSwitchWindowSec:     60,
			CooldownAfterKill:       time.Minute,
		},
	}
}

func newTestOrchestrator(t *testing.T, strategies []Strategy, orders *fakeOrders) *Orchestrator {
	t.Helper()
	feed := &fakeFeed{tickers: map[string]types.Ticker{
		"BTC/USDT": {Symbol: "BTC/USDT", Bid: dec("100"), Ask: dec("101"), Last: dec("100.5")},
	}}

	deps := Deps{
		Feed:       feed,
		Ledger:     fakeBalances{},
		Positions:  fakePositions{},
		MinSize:    &fakeMinsize{qty: dec("0.01")},
		Orders:     orders,
		Breaker:    testBreaker(),
		Metrics:    testMetrics(),
		Symbols:    map[string]types.Symbol{"BTC/USDT": testSymbol()},
		Strategies: strategies,
	}

	return New(testConfig(), deps, testLogger())
}

func TestRunCycleSubmitsAcceptedSignal(t *testing.T) {
	t.Parallel()
	orders := &fakeOrders{}
	strat := &fakeStrategy{signals: []Signal{
		{Symbol: "BTC/USDT", Side: types.Buy, Confidence: dec("0.8")},
	}}
	o := newTestOrchestrator(t, []Strategy{strat}, orders)

	o.runCycle(context.Background())

	if len(orders.submitted) != 1 {
		t.Fatalf("submitted = %d orders, want 1", len(orders.submitted))
	}
	if orders.submitted[0].Symbol != "BTC/USDT" {
		t.Errorf("submitted symbol = %s, want BTC/USDT", orders.submitted[0].Symbol)
	}
}

func TestRunCycleRejectsLowConfidence(t *testing.T) {
	t.Parallel()
	orders := &fakeOrders{}
	strat := &fakeStrategy{signals: []Signal{
		{Symbol: "BTC/USDT", Side: types.Buy, Confidence: dec("0.1")},
	}}
	o := newTestOrchestrator(t, []Strategy{strat}, orders)

	o.runCycle(context.Background())

	if len(orders.submitted) != 0 {
		t.Fatalf("submitted = %d orders, want 0 for low-confidence signal", len(orders.submitted))
	}
}

func TestRunCycleNormalizesHundredScaleConfidence(t *testing.T) {
	t.Parallel()
	orders := &fakeOrders{}
	strat := &fakeStrategy{signals: []Signal{
		{Symbol: "BTC/USDT", Side: types.Buy, Confidence: dec("80")},
	}}
	o := newTestOrchestrator(t, []Strategy{strat}, orders)

	o.runCycle(context.Background())

	if len(orders.submitted) != 1 {
		t.Fatalf("submitted = %d orders, want 1 for an 80/100 confidence signal", len(orders.submitted))
	}
}

func TestRunCycleDedupSuppressesRepeatWithinWindow(t *testing.T) {
	t.Parallel()
	orders := &fakeOrders{}
	strat := &fakeStrategy{signals: []Signal{
		{Symbol: "BTC/USDT", Side: types.Buy, Confidence: dec("0.8")},
	}}
	o := newTestOrchestrator(t, []Strategy{strat}, orders)

	o.runCycle(context.Background())
	o.runCycle(context.Background())

	if len(orders.submitted) != 1 {
		t.Fatalf("submitted = %d orders across two cycles, want 1 (second should dedup)", len(orders.submitted))
	}
}

func TestRunCycleSkipsBlacklistedSymbol(t *testing.T) {
	t.Parallel()
	orders := &fakeOrders{}
	strat := &fakeStrategy{signals: []Signal{
		{Symbol: "BTC/USDT", Side: types.Buy, Confidence: dec("0.8")},
	}}
	o := newTestOrchestrator(t, []Strategy{strat}, orders)
	o.minsize = &fakeMinsize{qty: dec("0.01"), blacklisted: true}

	o.runCycle(context.Background())

	if len(orders.submitted) != 0 {
		t.Fatalf("submitted = %d orders for a blacklisted symbol, want 0", len(orders.submitted))
	}
}

func TestRunCycleSkipsUnknownSymbol(t *testing.T) {
	t.Parallel()
	orders := &fakeOrders{}
	strat := &fakeStrategy{signals: []Signal{
		{Symbol: "ETH/USDT", Side: types.Buy, Confidence: dec("0.8")},
	}}
	o := newTestOrchestrator(t, []Strategy{strat}, orders)

	o.runCycle(context.Background())

	if len(orders.submitted) != 0 {
		t.Fatalf("submitted = %d orders for an unconfigured symbol, want 0", len(orders.submitted))
	}
}

func TestCheckStreamHealthForcesPublicReconnectWhenSilent(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, nil, &fakeOrders{})
	pub := &fakeWS{last: time.Now().Add(-20 * time.Second), connected: true}
	o.publicWS = pub

	o.checkStreamHealth(context.Background())

	if pub.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1", pub.reconnects)
	}
}

func TestCheckStreamHealthLeavesHealthyPublicStreamAlone(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, nil, &fakeOrders{})
	pub := &fakeWS{last: time.Now(), connected: true}
	o.publicWS = pub

	o.checkStreamHealth(context.Background())

	if pub.reconnects != 0 {
		t.Errorf("reconnects = %d, want 0 for a healthy stream", pub.reconnects)
	}
}

func TestCheckStreamHealthForcesPrivateTokenRefreshWhenSilent(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, nil, &fakeOrders{})
	priv := &fakeWS{last: time.Now().Add(-40 * time.Second), connected: true}
	o.privateWS = priv

	o.checkStreamHealth(context.Background())

	if priv.tokenRefreshes != 1 {
		t.Errorf("tokenRefreshes = %d, want 1", priv.tokenRefreshes)
	}
}

func TestGetSnapshotReportsKillSwitchAndBreakerStates(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, nil, &fakeOrders{})

	snap := o.GetSnapshot(context.Background())

	if snap.KillSwitchActive {
		t.Error("expected kill switch inactive for a fresh orchestrator")
	}
	if _, ok := snap.Symbols["BTC/USDT"]; !ok {
		t.Error("expected BTC/USDT in snapshot symbols")
	}
	if snap.BreakerStates["orders"] != string(breaker.Closed) {
		t.Errorf("orders breaker state = %s, want closed", snap.BreakerStates["orders"])
	}
}
