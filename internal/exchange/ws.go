// ws.go implements the WebSocket Session Manager (C5): connection
// lifecycle for one of Kraken's two v2 endpoints (public market data or
// private authenticated trading). It owns the socket, subscription list,
// and reconnect policy; every decoded frame is handed to a Router (C6) for
// parsing and dispatch.
//
// A private Session additionally carries a websocket token, minted once
// via the REST client's GetWebSocketsToken call and refreshed on a timer
// well inside Kraken's ~15 minute token lifetime.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"krakenbot/pkg/types"
)

const (
	initialReconnectWait = time.Second
	maxReconnectWait      = 60 * time.Second
	readTimeout           = 20 * time.Second // covers Kraken's ~3s heartbeat with margin
	writeTimeout          = 10 * time.Second
	tokenRefreshInterval  = 13 * time.Minute // inside Kraken's ~15min token lifetime
)

// TokenFunc mints or refreshes a private session's websocket token.
type TokenFunc func(ctx context.Context) (string, error)

// Session manages one WebSocket connection (public or private) with
// auto-reconnect, re-subscription, and token refresh.
type Session struct {
	url    string
	tokenFn TokenFunc // nil for public sessions
	router *Router

	connMu      sync.Mutex
	conn        *websocket.Conn
	token       string
	lastMessage time.Time

	subMu sync.RWMutex
	subs  map[string]types.WSSubscribeParams // keyed by channel name

	reqID  atomic.Int64
	logger *slog.Logger

	// OnReconnect, if set, is called after every successful (re)connect and
	// resubscribe, once the new connection can be considered authoritative.
	// A private session wires this to a ledger.ForceRefresh-style REST
	// snapshot so any balance/execution deltas missed during the outage are
	// reconciled. Errors are the callee's to log; OnReconnect returns nothing
	// because a reconciliation failure here must not abort the connection.
	OnReconnect func(ctx context.Context)
}

// NewPublicSession creates a Session for wss://ws.kraken.com/v2.
func NewPublicSession(url string, router *Router, logger *slog.Logger) *Session {
	return &Session{
		url:    url,
		router: router,
		subs:   make(map[string]types.WSSubscribeParams),
		logger: logger.With("component", "ws_session", "kind", "public"),
	}
}

// NewPrivateSession creates a Session for wss://ws-auth.kraken.com/v2. The
// supplied tokenFn is called once before the first connection and again on
// tokenRefreshInterval to keep the session authenticated.
func NewPrivateSession(url string, tokenFn TokenFunc, router *Router, logger *slog.Logger) *Session {
	return &Session{
		url:     url,
		tokenFn: tokenFn,
		router:  router,
		subs:    make(map[string]types.WSSubscribeParams),
		logger:  logger.With("component", "ws_session", "kind", "private"),
	}
}

// Run connects and maintains the connection with exponential backoff and
// jitter, re-subscribing to every tracked channel on each reconnect. It
// blocks until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	if s.tokenFn != nil {
		if err := s.refreshToken(ctx); err != nil {
			return fmt.Errorf("initial token fetch: %w", err)
		}
		go s.tokenRefreshLoop(ctx)
	}

	wait := initialReconnectWait
	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", wait)

		jitter := time.Duration(rand.Int63n(int64(wait) / 2))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait + jitter):
		}

		wait *= 2
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
	}
}

func (s *Session) tokenRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(tokenRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.refreshToken(ctx); err != nil {
				s.logger.Error("token refresh failed, keeping stale token", "error", err)
			}
		}
	}
}

func (s *Session) refreshToken(ctx context.Context) error {
	token, err := s.tokenFn(ctx)
	if err != nil {
		return err
	}
	s.connMu.Lock()
	s.token = token
	s.connMu.Unlock()
	return nil
}

// Subscribe adds a channel subscription and tracks it for re-subscription
// on reconnect.
func (s *Session) Subscribe(params types.WSSubscribeParams) error {
	s.subMu.Lock()
	s.subs[params.Channel] = params
	s.subMu.Unlock()

	return s.send(types.WSSubscribeRequest{
		Method: "subscribe",
		Params: s.withToken(params),
		ReqID:  s.reqID.Add(1),
	})
}

// Unsubscribe removes a channel subscription.
func (s *Session) Unsubscribe(channel string) error {
	s.subMu.Lock()
	params, ok := s.subs[channel]
	delete(s.subs, channel)
	s.subMu.Unlock()
	if !ok {
		return nil
	}

	return s.send(types.WSSubscribeRequest{
		Method: "unsubscribe",
		Params: s.withToken(params),
		ReqID:  s.reqID.Add(1),
	})
}

func (s *Session) withToken(params types.WSSubscribeParams) types.WSSubscribeParams {
	if s.tokenFn == nil {
		return params
	}
	s.connMu.Lock()
	params.Token = s.token
	s.connMu.Unlock()
	return params
}

// SendRPC sends a method-tagged request (add_order, cancel_order,
// amend_order) and returns the req_id assigned, for the caller to match
// against the Router's OnRPCResponse callback.
func (s *Session) SendRPC(method string, params interface{}) (int64, error) {
	id := s.reqID.Add(1)
	err := s.send(types.WSRPCRequest{Method: method, Params: params, ReqID: id})
	return id, err
}

// IsConnected reports whether the session currently has a live socket, for
// callers choosing between a WS-preferred and REST-fallback transport.
func (s *Session) IsConnected() bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn != nil
}

// Token returns the session's current private-channel token, empty for a
// public session. Callers sending their own method-tagged RPCs (add_order,
// cancel_order, amend_order) must attach this themselves; Subscribe/
// Unsubscribe already do it via withToken.
func (s *Session) Token() string {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.token
}

// LastMessageAt returns the time of the last frame read from the socket,
// the zero time if nothing has been read yet. The orchestrator's health
// check compares this against its silence thresholds per stream.
func (s *Session) LastMessageAt() time.Time {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.lastMessage
}

// ForceReconnect closes the current connection, if any, causing the Run
// loop's read to fail and reconnect immediately rather than waiting for a
// natural disconnect. Used when the socket is open but silent too long.
func (s *Session) ForceReconnect() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

// ForceTokenRefresh re-mints the private session's token outside the
// regular tokenRefreshInterval timer. A no-op for public sessions.
func (s *Session) ForceTokenRefresh(ctx context.Context) error {
	if s.tokenFn == nil {
		return nil
	}
	return s.refreshToken(ctx)
}

// Close closes the underlying connection, if any.
func (s *Session) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Session) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	if err := s.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}

	s.logger.Info("websocket connected", "url", s.url)

	if s.OnReconnect != nil {
		s.OnReconnect(ctx)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.connMu.Lock()
		s.lastMessage = time.Now()
		s.connMu.Unlock()

		s.router.Route(msg)
	}
}

func (s *Session) resubscribeAll() error {
	s.subMu.RLock()
	params := make([]types.WSSubscribeParams, 0, len(s.subs))
	for _, p := range s.subs {
		params = append(params, p)
	}
	s.subMu.RUnlock()

	for _, p := range params {
		req := types.WSSubscribeRequest{Method: "subscribe", Params: s.withToken(p), ReqID: s.reqID.Add(1)}
		if err := s.send(req); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) send(v interface{}) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}
