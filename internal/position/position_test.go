package position

import (
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"krakenbot/internal/store"
	"krakenbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return New(s, testLogger())
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestOnExecutionBuyAccumulatesWeightedAverage(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(t)

	tr.OnExecution("BTC/USDT", types.Buy, dec("1"), dec("100"), decimal.Zero)
	tr.OnExecution("BTC/USDT", types.Buy, dec("1"), dec("200"), decimal.Zero)

	pos := tr.Get("BTC/USDT")
	if !pos.Quantity.Equal(dec("2")) {
		t.Errorf("Quantity = %s, want 2", pos.Quantity)
	}
	if !pos.AvgEntryPrice.Equal(dec("150")) {
		t.Errorf("AvgEntryPrice = %s, want 150", pos.AvgEntryPrice)
	}
}

func TestOnExecutionSellRealizesPnL(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(t)

	tr.OnExecution("ETH/USDT", types.Buy, dec("2"), dec("100"), decimal.Zero)
	tr.OnExecution("ETH/USDT", types.Sell, dec("1"), dec("150"), decimal.Zero)

	pos := tr.Get("ETH/USDT")
	if !pos.Quantity.Equal(dec("1")) {
		t.Errorf("Quantity = %s, want 1", pos.Quantity)
	}
	if !pos.RealizedPnL.Equal(dec("50")) {
		t.Errorf("RealizedPnL = %s, want 50", pos.RealizedPnL)
	}
	if !pos.AvgEntryPrice.Equal(dec("100")) {
		t.Errorf("AvgEntryPrice = %s, want 100 (unchanged by a partial sell)", pos.AvgEntryPrice)
	}
}

func TestOnExecutionSellToZeroClosesPosition(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(t)

	tr.OnExecution("SOL/USDT", types.Buy, dec("5"), dec("20"), decimal.Zero)
	tr.OnExecution("SOL/USDT", types.Sell, dec("5"), dec("25"), decimal.Zero)

	pos := tr.Get("SOL/USDT")
	if pos.IsOpen() {
		t.Error("expected position to be closed")
	}
	if !pos.RealizedPnL.Equal(dec("25")) {
		t.Errorf("RealizedPnL = %s, want 25", pos.RealizedPnL)
	}
}

func TestOnExecutionFeeReducesRealizedPnL(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(t)

	tr.OnExecution("BTC/USDT", types.Buy, dec("1"), dec("100"), decimal.Zero)
	tr.OnExecution("BTC/USDT", types.Sell, dec("1"), dec("150"), dec("5"))

	pos := tr.Get("BTC/USDT")
	if !pos.RealizedPnL.Equal(dec("45")) {
		t.Errorf("RealizedPnL = %s, want 45 (50 - 5 fee)", pos.RealizedPnL)
	}
}

func TestPositionsPersistAcrossTrackers(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s1, err := store.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	tr1 := New(s1, testLogger())
	tr1.OnExecution("BTC/USDT", types.Buy, dec("1"), dec("100"), decimal.Zero)

	s2, err := store.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	tr2 := New(s2, testLogger())
	if err := tr2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	pos := tr2.Get("BTC/USDT")
	if !pos.Quantity.Equal(dec("1")) {
		t.Errorf("Quantity after reload = %s, want 1", pos.Quantity)
	}
}

type fakeBalances struct {
	balances map[string]types.Balance
}

func (f fakeBalances) GetAll() map[string]types.Balance { return f.balances }

func TestReconcileAgainstBalancesClosesUnbackedPositions(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(t)
	tr.OnExecution("BTC/USDT", types.Buy, dec("1"), dec("100"), decimal.Zero)

	tr.ReconcileAgainstBalances(fakeBalances{balances: map[string]types.Balance{}})

	pos := tr.Get("BTC/USDT")
	if pos.IsOpen() {
		t.Error("expected position to be closed after reconciliation against empty balances")
	}
}

func TestReconcileAgainstBalancesKeepsBackedPositions(t *testing.T) {
	t.Parallel()
	tr := newTestTracker(t)
	tr.OnExecution("BTC/USDT", types.Buy, dec("1"), dec("100"), decimal.Zero)

	tr.ReconcileAgainstBalances(fakeBalances{balances: map[string]types.Balance{
		"BTC": {Asset: "BTC", Total: dec("1")},
	}})

	pos := tr.Get("BTC/USDT")
	if !pos.IsOpen() {
		t.Error("expected position to remain open when balance backs it")
	}
}
