package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsSubprotocol is the WebSocket subprotocol MCP servers negotiate.
const wsSubprotocol = "mcp"

// errConnLost is delivered to requests still waiting when the read loop
// stops.
var errConnLost = errors.New("MCP websocket connection lost")

var noDeadline time.Time

// WebSocketConfig configures an MCP server reachable over WebSocket.
type WebSocketConfig struct {
	URL     string
	Headers map[string]string

	// Dialer overrides the default dialer. Nil uses one with large
	// buffers.
	Dialer *websocket.Dialer

	Logger *slog.Logger
}

// WebSocketTransport exchanges one JSON-RPC message per text frame.
// Responses are correlated to requests by id, so Send may be called
// concurrently. The connection is dialed on first use.
type WebSocketTransport struct {
	config WebSocketConfig
	dialer *websocket.Dialer
	logger *slog.Logger

	connMu   sync.Mutex // guards conn and serializes writes
	conn     *websocket.Conn
	readErr  error
	sessions atomic.Uint64

	pendingMu sync.Mutex
	pending   map[int64]pendingCall
}

// pendingCall is a request waiting for its response on conn.
type pendingCall struct {
	conn *websocket.Conn
	ch   chan *Response
}

// NewWebSocketTransport creates a WebSocket transport.
func NewWebSocketTransport(cfg WebSocketConfig) *WebSocketTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:           http.ProxyFromEnvironment,
			ReadBufferSize:  1024 * 1024,
			WriteBufferSize: 64 * 1024,
			Subprotocols:    []string{wsSubprotocol},
		}
	}
	return &WebSocketTransport{
		config:  cfg,
		dialer:  dialer,
		logger:  logger,
		pending: make(map[int64]pendingCall),
	}
}

// connect dials the server if there is no live connection. Caller must
// hold t.connMu.
func (t *WebSocketTransport) connect(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}

	header := http.Header{}
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	t.logger.Info("connecting to MCP websocket", "url", t.config.URL)
	conn, resp, err := t.dialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial websocket %s (status %d): %w", t.config.URL, resp.StatusCode, err)
		}
		return fmt.Errorf("dial websocket %s: %w", t.config.URL, err)
	}
	conn.SetReadLimit(maxResponseBytes)

	t.conn = conn
	t.readErr = nil
	go t.readLoop(conn)
	return nil
}

// writeJSON sends one message, dialing first when needed. When pending
// is non-nil it is registered under id on the connection the message is
// written to, before the write.
func (t *WebSocketTransport) writeJSON(ctx context.Context, v any, id int64, pending chan *Response) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if err := t.connect(ctx); err != nil {
		return err
	}
	conn := t.conn
	if pending != nil {
		t.pendingMu.Lock()
		t.pending[id] = pendingCall{conn: conn, ch: pending}
		t.pendingMu.Unlock()
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		defer conn.SetWriteDeadline(noDeadline)
	}
	if err := conn.WriteJSON(v); err != nil {
		conn.Close()
		t.conn = nil
		t.sessions.Add(1)
		return fmt.Errorf("write websocket message: %w", err)
	}
	return nil
}

// Send writes a request and waits for the frame carrying its response.
func (t *WebSocketTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	ch := make(chan *Response, 1)
	defer func() {
		t.pendingMu.Lock()
		if p, ok := t.pending[req.ID]; ok && p.ch == ch {
			delete(t.pending, req.ID)
		}
		t.pendingMu.Unlock()
	}()

	if err := t.writeJSON(ctx, req, req.ID, ch); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, t.lostErr()
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Session counts the connections dropped so far.
func (t *WebSocketTransport) Session() uint64 {
	return t.sessions.Load()
}

// Notify writes a notification frame.
func (t *WebSocketTransport) Notify(ctx context.Context, notif *Notification) error {
	return t.writeJSON(ctx, notif, 0, nil)
}

// Close sends a close frame and drops the connection.
func (t *WebSocketTransport) Close() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteMessage(websocket.CloseMessage, msg)
	err := t.conn.Close()
	t.conn = nil
	t.sessions.Add(1)
	return err
}

func (t *WebSocketTransport) lostErr() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.readErr != nil {
		return fmt.Errorf("%w: %v", errConnLost, t.readErr)
	}
	return errConnLost
}

// readLoop routes responses to requests written on conn until conn
// fails. Those still waiting are then released with a nil response;
// requests written on a newer connection are left alone.
func (t *WebSocketTransport) readLoop(conn *websocket.Conn) {
	var loopErr error
	defer func() {
		t.connMu.Lock()
		if t.conn == conn {
			t.conn = nil
			t.readErr = loopErr
			t.sessions.Add(1)
		}
		t.connMu.Unlock()

		t.pendingMu.Lock()
		for id, p := range t.pending {
			if p.conn == conn {
				p.ch <- nil
				delete(t.pending, id)
			}
		}
		t.pendingMu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Info("MCP websocket closed")
			} else {
				t.logger.Debug("MCP websocket read failed", "error", err)
			}
			loopErr = err
			return
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.Debug("skipping malformed websocket frame", "error", err)
			continue
		}
		if resp.Method != "" {
			t.logger.Debug("ignoring server-initiated MCP message", "method", resp.Method)
			continue
		}

		t.pendingMu.Lock()
		if p, ok := t.pending[resp.ID]; ok && p.conn == conn {
			p.ch <- &resp
			delete(t.pending, resp.ID)
		} else {
			t.logger.Debug("skipping unmatched MCP message", "id", resp.ID)
		}
		t.pendingMu.Unlock()
	}
}
