package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"krakenbot/internal/ledger"
	"krakenbot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeREST struct {
	calls    int
	response json.RawMessage
}

func (f *fakeREST) GetPublic(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	f.calls++
	return f.response, nil
}

type fakePrivate struct{}

func (fakePrivate) PostPrivate(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func TestGetTickerServesFreshCache(t *testing.T) {
	t.Parallel()
	rest := &fakeREST{}
	f := New(rest, ledger.New(fakePrivate{}, testLogger()), testLogger())

	f.ApplyTicker(true, []types.WSTickerData{{
		Symbol: "BTC/USD",
		Bid:    decimal.NewFromFloat(100),
		Ask:    decimal.NewFromFloat(101),
		Last:   decimal.NewFromFloat(100.5),
	}})

	ticker, err := f.GetTicker(context.Background(), "BTC/USD")
	if err != nil {
		t.Fatalf("GetTicker: %v", err)
	}
	if ticker.Source != "ws" {
		t.Errorf("Source = %q, want ws", ticker.Source)
	}
	if rest.calls != 0 {
		t.Errorf("expected no REST fallback for fresh cache, got %d calls", rest.calls)
	}
}

func TestGetTickerFallsBackToRESTWhenStale(t *testing.T) {
	t.Parallel()
	rest := &fakeREST{response: json.RawMessage(`{"XBTUSD":{"a":["101.0"],"b":["100.0"],"c":["100.5"]}}`)}
	f := New(rest, ledger.New(fakePrivate{}, testLogger()), testLogger())

	f.mu.Lock()
	f.tickers["BTC/USD"] = tickerEntry{
		ticker:    types.Ticker{Symbol: "BTC/USD", Source: "ws"},
		updatedAt: time.Now().Add(-10 * time.Second),
	}
	f.mu.Unlock()

	ticker, err := f.GetTicker(context.Background(), "BTC/USD")
	if err != nil {
		t.Fatalf("GetTicker: %v", err)
	}
	if ticker.Source != "rest" {
		t.Errorf("Source = %q, want rest", ticker.Source)
	}
	if rest.calls != 1 {
		t.Errorf("expected exactly one REST fallback call, got %d", rest.calls)
	}
}

func TestGetTickerFetchesFromRESTWhenUncached(t *testing.T) {
	t.Parallel()
	rest := &fakeREST{response: json.RawMessage(`{"ETHUSD":{"a":["2001.0"],"b":["2000.0"],"c":["2000.5"]}}`)}
	f := New(rest, ledger.New(fakePrivate{}, testLogger()), testLogger())

	ticker, err := f.GetTicker(context.Background(), "ETH/USD")
	if err != nil {
		t.Fatalf("GetTicker: %v", err)
	}
	if ticker.Symbol != "ETH/USD" {
		t.Errorf("Symbol = %q, want ETH/USD", ticker.Symbol)
	}
	if rest.calls != 1 {
		t.Errorf("calls = %d, want 1", rest.calls)
	}
}

func TestGetBalanceDelegatesToLedger(t *testing.T) {
	t.Parallel()
	f := New(&fakeREST{}, ledger.New(fakePrivate{}, testLogger()), testLogger())

	f.led.ApplySnapshot([]types.Balance{{Asset: "USDT", Free: decimal.NewFromInt(1)}})

	bal, err := f.GetBalance(context.Background(), "USDT")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if bal.Asset != "USDT" {
		t.Errorf("Asset = %q, want USDT", bal.Asset)
	}
}

func TestSubscribeTickerDeliversMatchingSymbol(t *testing.T) {
	t.Parallel()
	f := New(&fakeREST{}, ledger.New(fakePrivate{}, testLogger()), testLogger())

	got := make(chan types.Ticker, 1)
	sub, err := f.Subscribe("ticker", "BTC/USD", func(payload any) {
		got <- payload.(types.Ticker)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	f.ApplyTicker(false, []types.WSTickerData{
		{Symbol: "ETH/USD", Bid: decimal.NewFromFloat(10), Ask: decimal.NewFromFloat(11), Last: decimal.NewFromFloat(10.5)},
		{Symbol: "BTC/USD", Bid: decimal.NewFromFloat(100), Ask: decimal.NewFromFloat(101), Last: decimal.NewFromFloat(100.5)},
	})

	select {
	case ticker := <-got:
		if ticker.Symbol != "BTC/USD" {
			t.Errorf("Symbol = %q, want BTC/USD", ticker.Symbol)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed ticker")
	}
}

func TestSubscribeCancelStopsDelivery(t *testing.T) {
	t.Parallel()
	f := New(&fakeREST{}, ledger.New(fakePrivate{}, testLogger()), testLogger())

	got := make(chan struct{}, 8)
	sub, err := f.Subscribe("ticker", "", func(payload any) { got <- struct{}{} })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	f.ApplyTicker(false, []types.WSTickerData{{Symbol: "BTC/USD"}})
	<-got

	sub.Cancel()
	f.ApplyTicker(false, []types.WSTickerData{{Symbol: "BTC/USD"}})

	select {
	case <-got:
		t.Fatal("handler invoked after Cancel")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeUnknownChannelErrors(t *testing.T) {
	t.Parallel()
	f := New(&fakeREST{}, ledger.New(fakePrivate{}, testLogger()), testLogger())

	if _, err := f.Subscribe("book", "BTC/USD", func(any) {}); err == nil {
		t.Fatal("expected error for unsupported channel")
	}
}

func TestApplyBalanceUpdatesLedgerAndSubscribers(t *testing.T) {
	t.Parallel()
	f := New(&fakeREST{}, ledger.New(fakePrivate{}, testLogger()), testLogger())

	got := make(chan types.WSBalanceData, 1)
	sub, err := f.Subscribe("balance", "USDT", func(payload any) {
		got <- payload.(types.WSBalanceData)
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Cancel()

	f.ApplyBalance([]types.WSBalanceData{{Asset: "USDT", Balance: decimal.NewFromFloat(10), HoldTrade: decimal.NewFromFloat(1)}})

	bal, ok := f.led.Get("USDT")
	if !ok {
		t.Fatal("expected ledger entry after ApplyBalance")
	}
	if !bal.Free.Equal(decimal.NewFromFloat(9)) {
		t.Errorf("Free = %s, want 9", bal.Free)
	}

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for balance subscriber")
	}
}

func TestKrakenWirePairStripsSeparator(t *testing.T) {
	t.Parallel()
	if got := krakenWirePair("BTC/USD"); got != "BTCUSD" {
		t.Errorf("krakenWirePair = %q, want BTCUSD", got)
	}
}
