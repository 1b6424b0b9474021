// router.go implements the Message Router (C6): a pure function from raw
// WebSocket bytes to typed, dispatched callbacks. It holds no connection
// state and performs no I/O — Session (ws.go) owns the socket and hands
// every inbound frame to a Router.
//
// Kraken v2 multiplexes two frame shapes over one connection:
//   - channel-tagged data frames:  {"channel":"ticker","type":"snapshot","data":[...]}
//   - method-tagged RPC responses: {"method":"subscribe","success":true,...}
// An unrecognized frame is logged and dropped, never treated as an error —
// new channels and methods Kraken adds later must not break the router.
package exchange

import (
	"encoding/json"
	"log/slog"

	"krakenbot/pkg/types"
)

// wireFrame is the union of every field either frame shape might carry.
type wireFrame struct {
	Channel string          `json:"channel,omitempty"`
	Type    string          `json:"type,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Method  string          `json:"method,omitempty"`
	Success *bool           `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
	ReqID   int64           `json:"req_id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Router dispatches decoded frames to registered handlers. Each handler is
// optional (nil is a no-op) so a caller only wires the channels it needs.
type Router struct {
	OnTicker      func(snapshot bool, data []types.WSTickerData)
	OnBook        func(snapshot bool, data []types.WSBookData)
	OnTrade       func(snapshot bool, data []types.WSTradeData)
	OnOHLC        func(snapshot bool, data []types.WSOHLCData)
	OnBalance     func(snapshot bool, data []types.WSBalanceData)
	OnExecution   func(data []types.WSExecutionData)
	OnOpenOrders  func(snapshot bool, data []types.WSOpenOrderData)
	OnHeartbeat   func()
	OnStatus      func(raw json.RawMessage)
	OnRPCResponse func(resp types.WSRPCResponse)

	logger *slog.Logger
}

// NewRouter creates a Router; register handler fields directly on the
// returned value before passing it to a Session.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{logger: logger.With("component", "ws_router")}
}

// Route decodes one inbound frame and dispatches it. It never returns an
// error for unrecognized shapes — those are logged and ignored per the
// router's forward-compatibility contract.
func (r *Router) Route(raw []byte) {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.logger.Warn("ignoring non-json ws frame", "data", string(raw))
		return
	}

	if frame.Method != "" {
		r.routeRPCResponse(frame)
		return
	}

	if frame.Channel == "" {
		r.logger.Warn("ignoring frame with no channel or method", "frame", frameKeys(frame))
		return
	}

	snapshot := frame.Type == "snapshot"

	switch frame.Channel {
	case "ticker":
		var data []types.WSTickerData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			r.logger.Error("unmarshal ticker frame", "error", err)
			return
		}
		if r.OnTicker != nil {
			r.OnTicker(snapshot, data)
		}

	case "book":
		var data []types.WSBookData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			r.logger.Error("unmarshal book frame", "error", err)
			return
		}
		if r.OnBook != nil {
			r.OnBook(snapshot, data)
		}

	case "trade":
		var data []types.WSTradeData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			r.logger.Error("unmarshal trade frame", "error", err)
			return
		}
		if r.OnTrade != nil {
			r.OnTrade(snapshot, data)
		}

	case "ohlc":
		var data []types.WSOHLCData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			r.logger.Error("unmarshal ohlc frame", "error", err)
			return
		}
		if r.OnOHLC != nil {
			r.OnOHLC(snapshot, data)
		}

	case "balances", "balance":
		var data []types.WSBalanceData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			r.logger.Error("unmarshal balances frame", "error", err)
			return
		}
		if r.OnBalance != nil {
			r.OnBalance(snapshot, data)
		}

	case "executions":
		var data []types.WSExecutionData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			r.logger.Error("unmarshal executions frame", "error", err)
			return
		}
		if r.OnExecution != nil {
			r.OnExecution(data)
		}

	case "open_orders":
		var data []types.WSOpenOrderData
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			r.logger.Error("unmarshal open_orders frame", "error", err)
			return
		}
		if r.OnOpenOrders != nil {
			r.OnOpenOrders(snapshot, data)
		}

	case "heartbeat":
		if r.OnHeartbeat != nil {
			r.OnHeartbeat()
		}

	case "status":
		if r.OnStatus != nil {
			r.OnStatus(frame.Data)
		}

	default:
		r.logger.Warn("unknown ws channel", "channel", frame.Channel, "frame", frameKeys(frame))
	}
}

// frameKeys renders frame's populated fields as JSON for diagnostic
// logging of envelopes the router doesn't recognize.
func frameKeys(frame wireFrame) string {
	b, err := json.Marshal(frame)
	if err != nil {
		return ""
	}
	return string(b)
}

func (r *Router) routeRPCResponse(frame wireFrame) {
	resp := types.WSRPCResponse{
		Method: frame.Method,
		ReqID:  frame.ReqID,
		Error:  frame.Error,
		Result: frame.Result,
	}
	if frame.Success != nil {
		resp.Success = *frame.Success
	}
	if r.OnRPCResponse != nil {
		r.OnRPCResponse(resp)
	}
}
