// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — symbols, orders,
// balances, positions, and normalized WebSocket/REST payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: Buy or Sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType enumerates the supported order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// TimeInForce controls how long a resting order stays on the book.
type TimeInForce string

const (
	TIFGoodTilCancelled TimeInForce = "GTC"
	TIFImmediateOrCancel TimeInForce = "IOC"
)

// OrderStatus enumerates the order lifecycle. Transitions are monotone:
// Pending -> Open -> (PartiallyFilled)* -> Filled | Cancelled | Rejected | Expired.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejected        OrderStatus = "rejected"
	OrderExpired         OrderStatus = "expired"
)

// IsTerminal reports whether the status ends the order's lifecycle.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	default:
		return false
	}
}

// Tier is the exchange's classification of an account; it determines the
// rate limiter's counter/decay parameters.
type Tier string

const (
	TierStarter      Tier = "starter"
	TierIntermediate Tier = "intermediate"
	TierPro          Tier = "pro"
)

// ExecType enumerates the kinds of execution events emitted for an order.
type ExecType string

const (
	ExecTrade   ExecType = "trade"
	ExecCancel  ExecType = "cancel"
	ExecExpire  ExecType = "expire"
	ExecReplace ExecType = "replace"
)

// ————————————————————————————————————————————————————————————————————————
// Symbol metadata
// ————————————————————————————————————————————————————————————————————————

// Symbol describes a tradeable pair and its trading constraints. Immutable
// after first learned/fetched.
type Symbol struct {
	Base        string          // e.g. "BTC"
	Quote       string          // e.g. "USDT"
	PriceTick   decimal.Decimal // minimum price increment
	LotStep     decimal.Decimal // minimum quantity increment
	MinQuantity decimal.Decimal // exchange-reported minimum order quantity
	MinNotional decimal.Decimal // exchange-reported minimum order notional
}

// Pair returns the Kraken wire-format pair, e.g. "BTC/USDT".
func (s Symbol) Pair() string {
	return s.Base + "/" + s.Quote
}

// RoundPriceDown rounds a price down to the nearest PriceTick.
func (s Symbol) RoundPriceDown(price decimal.Decimal) decimal.Decimal {
	return roundStepDown(price, s.PriceTick)
}

// RoundQuantityUp rounds a quantity up to the nearest LotStep.
func (s Symbol) RoundQuantityUp(qty decimal.Decimal) decimal.Decimal {
	return roundStepUp(qty, s.LotStep)
}

func roundStepDown(val, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return val
	}
	units := val.Div(step).Floor()
	return units.Mul(step)
}

func roundStepUp(val, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return val
	}
	units := val.Div(step).Ceil()
	return units.Mul(step)
}

// ————————————————————————————————————————————————————————————————————————
// Balances and positions
// ————————————————————————————————————————————————————————————————————————

// Balance is a single asset's ledger entry. Invariant: Total == Free + Locked,
// all three non-negative.
type Balance struct {
	Asset     string
	Free      decimal.Decimal
	Locked    decimal.Decimal
	Total     decimal.Decimal
	UpdatedAt time.Time
}

// Position is a per-symbol open position. Invariant: Quantity >= 0; closed
// when Quantity == 0. AvgEntryPrice is size-weighted across accumulating
// fills.
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	RealizedPnL   decimal.Decimal
	OpenedAt      time.Time
	LastUpdate    time.Time
}

// IsOpen reports whether the position currently carries quantity.
func (p Position) IsOpen() bool {
	return p.Quantity.GreaterThan(decimal.Zero)
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is what a caller submits to the Order Execution Engine.
type OrderRequest struct {
	ClientID   string
	Symbol     string
	Side       Side
	Type       OrderType
	Quantity   decimal.Decimal
	Price      *decimal.Decimal
	Stop       *decimal.Decimal
	TIF        TimeInForce
	PostOnly   bool
	ReduceOnly bool
}

// Order is the full lifecycle record for a submitted order.
type Order struct {
	ClientID     string
	ExchangeID   string
	Symbol       string
	Side         Side
	Type         OrderType
	Quantity     decimal.Decimal
	Price        *decimal.Decimal
	Stop         *decimal.Decimal
	TIF          TimeInForce
	PostOnly     bool
	ReduceOnly   bool
	Status       OrderStatus
	FilledQty    decimal.Decimal
	RemainingQty decimal.Decimal
	AvgFillPrice decimal.Decimal
	Fees         decimal.Decimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Error        string
	RetryCount   int
}

// ExecutionEvent is an append-only record of something happening to an order.
type ExecutionEvent struct {
	OrderRef string
	ExecType ExecType
	Qty      decimal.Decimal
	Price    decimal.Decimal
	Fee      decimal.Decimal
	TS       time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Ticker is the unified top-of-book view for a symbol.
type Ticker struct {
	Symbol    string
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	UpdatedAt time.Time
	Source    string // "ws" or "rest"
}

// Mid returns the midpoint of bid/ask.
func (t Ticker) Mid() decimal.Decimal {
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// PriceLevel is a single bid or ask level in an order book.
type PriceLevel struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// BookSnapshot is a point-in-time view of one symbol's order book.
type BookSnapshot struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket v2 envelopes
// ————————————————————————————————————————————————————————————————————————
// Kraken's v2 WebSocket API emits two distinct shapes over the same
// connection: channel-tagged data frames and method-tagged RPC responses.
// Both are modeled here so the router can parse either without error.

// WSEnvelope is the minimal shape needed to decide how to route a frame.
// Exactly one of Channel / Method is populated for any given frame.
type WSEnvelope struct {
	Channel string `json:"channel,omitempty"`
	Type    string `json:"type,omitempty"` // "snapshot" or "update" for data frames
	Method  string `json:"method,omitempty"`
}

// WSSubscribeRequest is the outbound subscribe/unsubscribe RPC.
type WSSubscribeRequest struct {
	Method string              `json:"method"` // "subscribe" or "unsubscribe"
	Params WSSubscribeParams   `json:"params"`
	ReqID  int64               `json:"req_id"`
}

// WSSubscribeParams describes a subscription target.
type WSSubscribeParams struct {
	Channel string   `json:"channel"`
	Symbol  []string `json:"symbol,omitempty"`
	Token   string   `json:"token,omitempty"`
}

// WSTickerData is one element of a ticker data frame's "data" array.
type WSTickerData struct {
	Symbol string          `json:"symbol"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
}

// WSBookData is one element of a book data frame's "data" array.
type WSBookData struct {
	Symbol string `json:"symbol"`
	Bids   []struct {
		Price decimal.Decimal `json:"price"`
		Qty   decimal.Decimal `json:"qty"`
	} `json:"bids"`
	Asks []struct {
		Price decimal.Decimal `json:"price"`
		Qty   decimal.Decimal `json:"qty"`
	} `json:"asks"`
}

// WSBalanceData is one element of a balances data frame's "data" array,
// in Kraken's raw wire shape before ledger normalization.
type WSBalanceData struct {
	Asset     string          `json:"asset"`
	Balance   decimal.Decimal `json:"balance"`
	HoldTrade decimal.Decimal `json:"hold_trade"`
}

// WSExecutionData is one element of an executions data frame's "data" array.
type WSExecutionData struct {
	OrderID     string          `json:"order_id"`
	ClientOrdID string          `json:"cl_ord_id"`
	ExecType    string          `json:"exec_type"` // "pending_new", "trade", "canceled", "filled", ...
	OrderStatus string          `json:"order_status"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	LastQty     decimal.Decimal `json:"last_qty"`
	LastPrice   decimal.Decimal `json:"last_price"`
	CumQty      decimal.Decimal `json:"cum_qty"`
	LeavesQty   decimal.Decimal `json:"leaves_qty"`
	Fees        decimal.Decimal `json:"fees"`
	Timestamp   string          `json:"timestamp"`
}

// WSTradeData is one element of a trade data frame's "data" array.
type WSTradeData struct {
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	OrdType   string          `json:"ord_type"`
	TradeID   int64           `json:"trade_id"`
	Timestamp string          `json:"timestamp"`
}

// WSOHLCData is one element of an ohlc data frame's "data" array.
type WSOHLCData struct {
	Symbol        string          `json:"symbol"`
	Open          decimal.Decimal `json:"open"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Close         decimal.Decimal `json:"close"`
	Trades        int64           `json:"trades"`
	Volume        decimal.Decimal `json:"volume"`
	VWAP          decimal.Decimal `json:"vwap"`
	IntervalBegin string          `json:"interval_begin"`
	Interval      int             `json:"interval"`
	Timestamp     string          `json:"timestamp"`
}

// WSOpenOrderData is one element of an open_orders data frame's "data" array.
type WSOpenOrderData struct {
	OrderID     string          `json:"order_id"`
	ClientOrdID string          `json:"cl_ord_id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	OrderType   string          `json:"order_type"`
	OrderStatus string          `json:"order_status"`
	LimitPrice  decimal.Decimal `json:"limit_price"`
	OrderQty    decimal.Decimal `json:"order_qty"`
	CumQty      decimal.Decimal `json:"cum_qty"`
	Timestamp   string          `json:"timestamp"`
}

// WSAddOrderParams is the params payload for the add_order RPC.
type WSAddOrderParams struct {
	OrderType  string  `json:"order_type"`
	Side       string  `json:"side"`
	Symbol     string  `json:"symbol"`
	OrderQty   float64 `json:"order_qty"`
	LimitPrice float64 `json:"limit_price,omitempty"`
	PostOnly   bool    `json:"post_only,omitempty"`
	ReduceOnly bool    `json:"reduce_only,omitempty"`
	ClOrdID    string  `json:"cl_ord_id"`
	Token      string  `json:"token"`
}

// WSRPCRequest is the generic outbound RPC envelope (add_order, cancel_order,
// amend_order).
type WSRPCRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params"`
	ReqID  int64       `json:"req_id"`
}

// WSRPCResponse is the generic inbound RPC response envelope.
type WSRPCResponse struct {
	Method  string          `json:"method"`
	Success bool            `json:"success"`
	ReqID   int64           `json:"req_id"`
	Error   string          `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}
