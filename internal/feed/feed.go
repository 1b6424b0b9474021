// Package feed implements the Unified Data Feed (C7): a single read
// interface over WebSocket-pushed and REST-polled market/account data.
//
// Staleness tracking is grounded on internal/market/book.go's
// updated-timestamp-plus-IsStale pattern, generalized from one order book
// per market to one ticker cache entry per symbol. Balance reads are
// delegated to the Balance Ledger (internal/ledger), which is the sole
// owner of balance state; the feed only decides when a read is stale
// enough to force a ledger refresh.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"krakenbot/internal/ledger"
	"krakenbot/pkg/types"
)

// tickerStaleAfter is the threshold past which get_ticker falls back to
// REST instead of serving the WS cache.
const tickerStaleAfter = 5 * time.Second

// wsDegradedAfter is the threshold since the last message on a subscribed
// channel past which the feed considers that channel's WS path degraded
// and routes reads to REST until recovery.
const wsDegradedAfter = 15 * time.Second

// subscriberBufferSize bounds how many undelivered events a single
// subscription holds before the channel's overflow policy kicks in.
const subscriberBufferSize = 64

// PublicCaller is the subset of the REST client the feed needs for its
// ticker fallback.
type PublicCaller interface {
	GetPublic(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error)
}

type tickerEntry struct {
	ticker    types.Ticker
	updatedAt time.Time
}

// subscriber is one live Subscribe call. ticker delivery drops the oldest
// buffered event on overflow so a slow consumer never stalls quote
// publication; balance and execution delivery never drops, so a slow
// consumer applies backpressure instead of silently losing account state.
type subscriber struct {
	channel string
	symbol  string
	ch      chan any
	stop    chan struct{}
	drop    bool
}

// Subscription is a live feed subscription returned by Subscribe. Cancel
// stops delivery and releases the subscriber's goroutine and buffer.
type Subscription struct {
	cancel func()
}

// Cancel unregisters the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.cancel()
}

// Feed is the Unified Data Feed. Construct one per process; wire its
// Apply* methods as a Router's channel handlers.
type Feed struct {
	mu      sync.RWMutex
	tickers map[string]tickerEntry

	lastTickerMsg time.Time

	subMu   sync.Mutex
	subs    map[uint64]*subscriber
	nextSub uint64

	rest   PublicCaller
	led    *ledger.Ledger
	logger *slog.Logger
}

// New creates a Feed backed by rest for ticker REST fallback and led for
// balance reads.
func New(rest PublicCaller, led *ledger.Ledger, logger *slog.Logger) *Feed {
	return &Feed{
		tickers: make(map[string]tickerEntry),
		subs:    make(map[uint64]*subscriber),
		rest:    rest,
		led:     led,
		logger:  logger.With("component", "data_feed"),
	}
}

// Subscribe registers handler to receive every event the feed publishes on
// channel, optionally filtered to symbol ("" matches every symbol on that
// channel). Supported channels are "ticker", "balance", and "executions".
// Handler runs on a dedicated goroutine per subscription, so a slow
// handler only delays its own delivery, never other subscribers or the
// feed's Apply* callers. The returned Subscription's Cancel stops delivery.
func (f *Feed) Subscribe(channel, symbol string, handler func(payload any)) (*Subscription, error) {
	switch channel {
	case "ticker", "balance", "executions":
	default:
		return nil, fmt.Errorf("subscribe: unsupported channel %q", channel)
	}

	sub := &subscriber{
		channel: channel,
		symbol:  symbol,
		ch:      make(chan any, subscriberBufferSize),
		stop:    make(chan struct{}),
		drop:    channel == "ticker",
	}

	f.subMu.Lock()
	f.nextSub++
	id := f.nextSub
	f.subs[id] = sub
	f.subMu.Unlock()

	go func() {
		for {
			select {
			case payload := <-sub.ch:
				handler(payload)
			case <-sub.stop:
				return
			}
		}
	}()

	var once sync.Once
	return &Subscription{cancel: func() {
		once.Do(func() {
			f.subMu.Lock()
			delete(f.subs, id)
			f.subMu.Unlock()
			close(sub.stop)
		})
	}}, nil
}

// publish fans payload out to every live subscriber registered for channel
// and symbol. Subscribers are snapshotted under subMu and delivered to
// without it held, so a blocking (never-drop) send to one slow subscriber
// cannot stall registration, cancellation, or delivery to others.
func (f *Feed) publish(channel, symbol string, payload any) {
	f.subMu.Lock()
	var targets []*subscriber
	for _, sub := range f.subs {
		if sub.channel == channel && (sub.symbol == "" || sub.symbol == symbol) {
			targets = append(targets, sub)
		}
	}
	f.subMu.Unlock()

	for _, sub := range targets {
		if sub.drop {
			select {
			case sub.ch <- payload:
			default:
				select {
				case <-sub.ch:
				default:
				}
				select {
				case sub.ch <- payload:
				default:
				}
			}
			continue
		}
		select {
		case sub.ch <- payload:
		case <-sub.stop:
		}
	}
}

// ApplyTicker updates the ticker cache from a routed WS ticker frame.
func (f *Feed) ApplyTicker(snapshot bool, data []types.WSTickerData) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	f.lastTickerMsg = now
	for _, d := range data {
		t := types.Ticker{
			Symbol: d.Symbol, Bid: d.Bid,
			Ask: d.Ask, Last: d.Last,
			UpdatedAt: now, Source: "ws",
		}
		f.tickers[d.Symbol] = tickerEntry{ticker: t, updatedAt: now}
		f.publish("ticker", d.Symbol, t)
	}
}

// ApplyBalance applies a routed WS balance delta to the ledger and fans it
// out to any live "balance" subscribers.
func (f *Feed) ApplyBalance(data []types.WSBalanceData) {
	f.led.ApplyDelta(data)
	for _, d := range data {
		f.publish("balance", d.Asset, d)
	}
}

// ApplyExecution fans a routed WS execution report out to any live
// "executions" subscribers. The Order Execution Engine remains the
// authoritative consumer of executions for fill accounting; this is an
// additional read-only broadcast for other subscribers.
func (f *Feed) ApplyExecution(data []types.WSExecutionData) {
	for _, d := range data {
		f.publish("executions", d.Symbol, d)
	}
}

// tickerChannelDegraded reports whether the ticker WS channel has gone
// quiet long enough to be considered unhealthy. Caller holds no lock.
func (f *Feed) tickerChannelDegraded() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.lastTickerMsg.IsZero() {
		return true
	}
	return time.Since(f.lastTickerMsg) > wsDegradedAfter
}

// GetTicker returns the current ticker for symbol, preferring the WS cache
// and falling back to REST when the cached entry is stale beyond
// tickerStaleAfter.
func (f *Feed) GetTicker(ctx context.Context, symbol string) (types.Ticker, error) {
	f.mu.RLock()
	entry, ok := f.tickers[symbol]
	f.mu.RUnlock()

	if ok && time.Since(entry.updatedAt) <= tickerStaleAfter {
		return entry.ticker, nil
	}

	return f.refreshTickerFromREST(ctx, symbol)
}

func (f *Feed) refreshTickerFromREST(ctx context.Context, symbol string) (types.Ticker, error) {
	params := url.Values{"pair": {krakenWirePair(symbol)}}
	raw, err := f.rest.GetPublic(ctx, "Ticker", params)
	if err != nil {
		return types.Ticker{}, fmt.Errorf("fetch ticker %s: %w", symbol, err)
	}

	var resp map[string]struct {
		Ask []string `json:"a"`
		Bid []string `json:"b"`
		Lst []string `json:"c"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return types.Ticker{}, fmt.Errorf("unmarshal ticker response: %w", err)
	}

	for _, v := range resp {
		bid, _ := decimal.NewFromString(first(v.Bid))
		ask, _ := decimal.NewFromString(first(v.Ask))
		last, _ := decimal.NewFromString(first(v.Lst))

		t := types.Ticker{Symbol: symbol, Bid: bid, Ask: ask, Last: last, UpdatedAt: time.Now(), Source: "rest"}

		f.mu.Lock()
		f.tickers[symbol] = tickerEntry{ticker: t, updatedAt: t.UpdatedAt}
		f.mu.Unlock()

		return t, nil
	}

	return types.Ticker{}, fmt.Errorf("ticker response for %s had no entries", symbol)
}

// GetBalance returns the current balance for asset, consulting the ledger
// and forcing a REST refresh through it if the entry is missing or stale
// while the WS balances channel is considered degraded.
func (f *Feed) GetBalance(ctx context.Context, asset string) (types.Balance, error) {
	if bal, ok := f.led.Get(asset); ok && !f.led.IsStale(asset, wsDegradedAfter) {
		return bal, nil
	}

	if err := f.led.ForceRefresh(ctx); err != nil {
		return types.Balance{}, fmt.Errorf("refresh balance for %s: %w", asset, err)
	}

	bal, ok := f.led.Get(asset)
	if !ok {
		return types.Balance{}, fmt.Errorf("no balance entry for asset %s after refresh", asset)
	}
	return bal, nil
}

func first(vals []string) string {
	if len(vals) == 0 {
		return "0"
	}
	return vals[0]
}

// krakenWirePair converts a "BASE/QUOTE" symbol to Kraken's REST pair
// query form, which omits the separator (e.g. "XBTUSD").
func krakenWirePair(symbol string) string {
	out := make([]byte, 0, len(symbol))
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' {
			continue
		}
		out = append(out, symbol[i])
	}
	return string(out)
}
