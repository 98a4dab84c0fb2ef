package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newWSServer starts a WebSocket MCP server. Responses to tools/call are
// delayed so concurrent requests are answered out of order.
func newWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{Subprotocols: []string{wsSubprotocol}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ws" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		writes := make(chan any, 16)
		done := make(chan struct{})
		defer close(done)
		go func() {
			for {
				select {
				case msg := <-writes:
					if err := conn.WriteJSON(msg); err != nil {
						return
					}
				case <-done:
					return
				}
			}
		}()

		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if req.ID == 0 {
				continue
			}
			switch req.Method {
			case "initialize":
				writes <- map[string]any{"jsonrpc": "2.0", "method": "notifications/message"}
				writes <- map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]any{
					"protocolVersion": protocolVersion,
					"serverInfo":      map[string]any{"name": "ws", "version": "3"},
					"capabilities":    map[string]any{"tools": map[string]any{}},
				}}
			case "tools/call":
				params := req.Params.(map[string]any)
				args := params["arguments"].(map[string]any)
				delay, _ := args["delay_ms"].(float64)
				id := req.ID
				go func() {
					time.Sleep(time.Duration(delay) * time.Millisecond)
					writes <- map[string]any{"jsonrpc": "2.0", "id": id, "result": map[string]any{
						"content": []map[string]any{{"type": "text", "text": args["tag"]}},
					}}
				}()
			case "close":
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketTransport_Initialize(t *testing.T) {
	srv := newWSServer(t)
	tr := NewWebSocketTransport(WebSocketConfig{
		URL:     wsURL(srv),
		Headers: map[string]string{"Authorization": "Bearer ws"},
	})
	defer tr.Close()

	client := NewClient("ws", tr, nil)
	if err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if name, _ := client.ServerInfo(); name != "ws" {
		t.Errorf("server name = %q", name)
	}
}

func TestWebSocketTransport_CorrelatesByID(t *testing.T) {
	srv := newWSServer(t)
	tr := NewWebSocketTransport(WebSocketConfig{
		URL:     wsURL(srv),
		Headers: map[string]string{"Authorization": "Bearer ws"},
	})
	defer tr.Close()
	client := NewClient("ws", tr, nil)

	type result struct {
		tag, out string
		err      error
	}
	results := make(chan result, 2)
	for _, c := range []struct {
		tag   string
		delay float64
	}{{"slow", 150}, {"fast", 0}} {
		go func() {
			out, err := client.CallTool(context.Background(), "echo", map[string]any{"tag": c.tag, "delay_ms": c.delay})
			results <- result{c.tag, out, err}
		}()
	}

	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("%s: %v", r.tag, r.err)
		}
		if r.out != r.tag {
			t.Errorf("call %s got response %q", r.tag, r.out)
		}
	}
}

func TestWebSocketTransport_DialRejected(t *testing.T) {
	srv := newWSServer(t)
	tr := NewWebSocketTransport(WebSocketConfig{URL: wsURL(srv)})

	_, err := tr.Send(context.Background(), NewRequest(1, "initialize", nil))
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want dial failure with status 401", err)
	}
}

func TestWebSocketTransport_ConnectionLost(t *testing.T) {
	srv := newWSServer(t)
	tr := NewWebSocketTransport(WebSocketConfig{
		URL:     wsURL(srv),
		Headers: map[string]string{"Authorization": "Bearer ws"},
	})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := tr.Send(ctx, NewRequest(1, "close", nil))
	if !errors.Is(err, errConnLost) {
		t.Fatalf("err = %v, want errConnLost", err)
	}
}

func TestWebSocketTransport_DroppedConnReleasesOnlyItsRequests(t *testing.T) {
	srv := newWSServer(t)
	tr := NewWebSocketTransport(WebSocketConfig{
		URL:     wsURL(srv),
		Headers: map[string]string{"Authorization": "Bearer ws"},
	})
	defer tr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The server never answers "hang", so the request waits on the
	// first connection.
	stuck := make(chan error, 1)
	go func() {
		_, err := tr.Send(ctx, NewRequest(1, "hang", nil))
		stuck <- err
	}()
	var first *websocket.Conn
	for first == nil {
		tr.pendingMu.Lock()
		if p, ok := tr.pending[1]; ok {
			first = p.conn
		}
		tr.pendingMu.Unlock()
		time.Sleep(time.Millisecond)
	}

	// Drop the first connection from the transport the way a failed
	// write does, then dial a second one before the old read loop ends.
	tr.connMu.Lock()
	tr.conn = nil
	tr.connMu.Unlock()
	if _, err := tr.Send(ctx, NewRequest(2, "initialize", nil)); err != nil {
		t.Fatalf("Send on second connection: %v", err)
	}
	first.Close()

	select {
	case err := <-stuck:
		if !errors.Is(err, errConnLost) {
			t.Errorf("err = %v, want errConnLost", err)
		}
	case <-ctx.Done():
		t.Fatal("request on the dropped connection was never released")
	}

	// The second connection still serves requests.
	resp, err := tr.Send(ctx, NewRequest(3, "initialize", nil))
	if err != nil || resp.ID != 3 {
		t.Errorf("Send after drop = %+v, %v", resp, err)
	}
}

func TestWebSocketTransport_SessionCountsDrops(t *testing.T) {
	srv := newWSServer(t)
	tr := NewWebSocketTransport(WebSocketConfig{
		URL:     wsURL(srv),
		Headers: map[string]string{"Authorization": "Bearer ws"},
	})
	defer tr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := tr.Send(ctx, NewRequest(1, "initialize", nil)); err != nil {
		t.Fatal(err)
	}
	if tr.Session() != 0 {
		t.Fatalf("Session = %d before any drop", tr.Session())
	}
	if _, err := tr.Send(ctx, NewRequest(2, "close", nil)); !errors.Is(err, errConnLost) {
		t.Fatalf("err = %v, want errConnLost", err)
	}
	if tr.Session() != 1 {
		t.Errorf("Session = %d after drop, want 1", tr.Session())
	}
}

func TestWebSocketTransport_NotifyFrame(t *testing.T) {
	received := make(chan Notification, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var n Notification
		_ = json.Unmarshal(data, &n)
		received <- n
	}))
	defer srv.Close()

	tr := NewWebSocketTransport(WebSocketConfig{URL: wsURL(srv)})
	defer tr.Close()
	if err := tr.Notify(context.Background(), NewNotification("notifications/initialized", nil)); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-received:
		if n.Method != "notifications/initialized" {
			t.Errorf("method = %q", n.Method)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification never arrived")
	}
}
