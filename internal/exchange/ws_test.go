package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"krakenbot/pkg/types"
)

var upgrader = websocket.Upgrader{}

// newEchoServer accepts one WebSocket connection, records every received
// text message, and optionally pushes frames back via the returned send
// channel.
func newEchoServer(t *testing.T) (*httptest.Server, chan []byte, func() [][]byte) {
	t.Helper()
	var mu sync.Mutex
	var received [][]byte
	send := make(chan []byte, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for msg := range send {
				conn.WriteMessage(websocket.TextMessage, msg)
			}
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			received = append(received, msg)
			mu.Unlock()
		}
	}))

	return srv, send, func() [][]byte {
		mu.Lock()
		defer mu.Unlock()
		out := make([][]byte, len(received))
		copy(out, received)
		return out
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestSessionSubscribeSendsRequest(t *testing.T) {
	t.Parallel()
	srv, _, received := newEchoServer(t)
	defer srv.Close()

	router := NewRouter(testLogger())
	session := NewPublicSession(wsURL(srv.URL), router, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go session.Run(ctx)
	waitForConnection(t, session)

	if err := session.Subscribe(types.WSSubscribeParams{Channel: "ticker", Symbol: []string{"BTC/USD"}}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(received()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	msgs := received()
	if len(msgs) == 0 {
		t.Fatal("server received no subscribe request")
	}

	var req types.WSSubscribeRequest
	if err := json.Unmarshal(msgs[0], &req); err != nil {
		t.Fatalf("unmarshal subscribe request: %v", err)
	}
	if req.Method != "subscribe" || req.Params.Channel != "ticker" {
		t.Errorf("req = %+v", req)
	}
}

func TestSessionRoutesIncomingFrameToRouter(t *testing.T) {
	t.Parallel()
	srv, send, _ := newEchoServer(t)
	defer srv.Close()

	router := NewRouter(testLogger())
	tickerCh := make(chan []types.WSTickerData, 1)
	router.OnTicker = func(snapshot bool, data []types.WSTickerData) { tickerCh <- data }

	session := NewPublicSession(wsURL(srv.URL), router, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go session.Run(ctx)
	waitForConnection(t, session)

	send <- []byte(`{"channel":"ticker","type":"snapshot","data":[{"symbol":"BTC/USD","bid":1,"ask":2,"last":1.5}]}`)

	select {
	case data := <-tickerCh:
		if len(data) != 1 || data[0].Symbol != "BTC/USD" {
			t.Errorf("data = %+v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ticker dispatch")
	}
}

func TestPrivateSessionFetchesTokenBeforeConnecting(t *testing.T) {
	t.Parallel()
	srv, _, received := newEchoServer(t)
	defer srv.Close()

	var tokenCalls int
	tokenFn := func(ctx context.Context) (string, error) {
		tokenCalls++
		return "test-token", nil
	}

	router := NewRouter(testLogger())
	session := NewPrivateSession(wsURL(srv.URL), tokenFn, router, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go session.Run(ctx)
	waitForConnection(t, session)

	if err := session.Subscribe(types.WSSubscribeParams{Channel: "executions"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(received()) == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	if tokenCalls == 0 {
		t.Fatal("expected tokenFn to be called at least once")
	}

	msgs := received()
	if len(msgs) == 0 {
		t.Fatal("server received no subscribe request")
	}
	var req types.WSSubscribeRequest
	if err := json.Unmarshal(msgs[0], &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Params.Token != "test-token" {
		t.Errorf("Params.Token = %q, want test-token", req.Params.Token)
	}
}

func TestSessionInvokesOnReconnectAfterResubscribe(t *testing.T) {
	t.Parallel()
	srv, _, _ := newEchoServer(t)
	defer srv.Close()

	router := NewRouter(testLogger())
	session := NewPublicSession(wsURL(srv.URL), router, testLogger())

	calls := make(chan struct{}, 4)
	session.OnReconnect = func(ctx context.Context) { calls <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go session.Run(ctx)
	waitForConnection(t, session)

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("OnReconnect was not called after initial connect")
	}

	session.ForceReconnect()
	waitForConnection(t, session)

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("OnReconnect was not called again after forced reconnect")
	}
}

func waitForConnection(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.connMu.Lock()
		connected := s.conn != nil
		s.connMu.Unlock()
		if connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session never connected")
}
