package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/nugget/scout/internal/httpkit"
)

// sessionHeader carries the server-assigned session id on streamable
// HTTP.
const sessionHeader = "Mcp-Session-Id"

// maxResponseBytes bounds a single HTTP response body.
const maxResponseBytes = 10 << 20

// HTTPConfig configures a streamable HTTP MCP server.
type HTTPConfig struct {
	URL string

	// Headers are sent with every request (e.g. Authorization).
	Headers map[string]string

	// Client overrides the HTTP client. Tests use it; nil builds one
	// with httpkit.
	Client *http.Client

	Logger *slog.Logger
}

// HTTPTransport posts each JSON-RPC message to the server endpoint. The
// reply arrives either as a JSON body or as a short server-sent event
// stream carrying the response.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates a streamable HTTP transport.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.Client
	if client == nil {
		// Tool calls may legitimately run for minutes; the request ctx
		// is the only deadline.
		client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithLogger(logger),
		)
	}

	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: client,
		logger:     logger,
	}
}

// post sends one JSON-RPC message and returns the raw HTTP response.
// The caller owns the body.
func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}

	if sid := httpResp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		if t.sessionID != sid {
			t.logger.Debug("MCP session assigned", "session_id", sid)
		}
		t.sessionID = sid
		t.mu.Unlock()
	}
	return httpResp, nil
}

// Send posts a request and decodes the matching response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("MCP server returned %d: %s",
			httpResp.StatusCode, httpkit.ReadErrorBody(httpResp.Body, 1<<20))
	}

	body := io.LimitReader(httpResp.Body, maxResponseBytes)
	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return readEventStream(body, req.ID)
	}

	var resp Response
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if !resp.answers(req.ID) {
		return nil, fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID)
	}
	return &resp, nil
}

// readEventStream scans server-sent events for the response to id.
// Events are separated by blank lines; their data lines are joined.
func readEventStream(r io.Reader, id int64) (*Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)

	var data strings.Builder
	flush := func() (*Response, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var resp Response
		if err := json.Unmarshal([]byte(data.String()), &resp); err != nil {
			return nil, false
		}
		return &resp, resp.answers(id)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok := flush(); ok {
				return resp, nil
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, fmt.Errorf("event stream ended without a response to request %d", id)
}

// Notify posts a notification. Servers answer 202 Accepted or 200.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	httpResp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("MCP server returned %d for notification: %s",
			httpResp.StatusCode, httpkit.ReadErrorBody(httpResp.Body, 1<<20))
	}
	return nil
}

// Close ends the session. Servers that do not track sessions have
// nothing to release.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	sid := t.sessionID
	t.sessionID = ""
	t.mu.Unlock()
	if sid == "" {
		return nil
	}

	req, err := http.NewRequest(http.MethodDelete, t.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set(sessionHeader, sid)
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("end MCP session: %w", err)
	}
	httpkit.DrainAndClose(resp.Body, 1<<20)
	return nil
}
