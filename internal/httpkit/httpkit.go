// Package httpkit builds the *http.Client behind every outbound request
// Scout makes: the Ollama chat API, the streamable HTTP MCP transport,
// and the OpenAI and Anthropic SDKs. All clients share one pooled
// transport and identify themselves with [buildinfo.UserAgent].
package httpkit

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nugget/scout/internal/buildinfo"
)

// Transport limits. There is deliberately no response header timeout:
// a local model may sit on a request for minutes before the first byte.
const (
	DialTimeout         = 10 * time.Second
	TLSHandshakeTimeout = 10 * time.Second
	IdleConnTimeout     = 90 * time.Second
	MaxIdleConnsPerHost = 4
)

// DefaultTimeout bounds a whole request unless overridden.
const DefaultTimeout = 30 * time.Second

// Shared returns the process-wide pooled transport.
var Shared = sync.OnceValue(func() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: DialTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout: TLSHandshakeTimeout,
		IdleConnTimeout:     IdleConnTimeout,
		MaxIdleConnsPerHost: MaxIdleConnsPerHost,
		ForceAttemptHTTP2:   true,
	}
})

// Option configures a client built by [NewClient].
type Option func(*options)

type options struct {
	timeout   time.Duration
	transport http.RoundTripper
	logger    *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero leaves requests
// bounded only by their context.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithTransport replaces the shared transport, typically with a fake in
// tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithLogger logs every round trip at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// NewClient returns a client on the shared transport that sets the Scout
// User-Agent on requests that carry none.
func NewClient(opts ...Option) *http.Client {
	o := options{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	base := o.transport
	if base == nil {
		base = Shared()
	}
	var rt http.RoundTripper = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("User-Agent") == "" {
			req = req.Clone(req.Context())
			req.Header.Set("User-Agent", buildinfo.UserAgent())
		}
		return base.RoundTrip(req)
	})
	if o.logger != nil {
		rt = logged(rt, o.logger)
	}
	return &http.Client{Timeout: o.timeout, Transport: rt}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// logged wraps base so each exchange produces one debug line.
func logged(base http.RoundTripper, logger *slog.Logger) http.RoundTripper {
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		start := time.Now()
		resp, err := base.RoundTrip(req)
		attrs := []any{"method", req.Method, "url", req.URL.Redacted(), "elapsed", time.Since(start)}
		if err != nil {
			logger.Debug("http request failed", append(attrs, "error", err)...)
			return nil, err
		}
		if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
			attrs = append(attrs, "mcp_session", sid)
		}
		logger.Debug("http request", append(attrs, "status", resp.StatusCode)...)
		return resp, nil
	})
}

// DrainAndClose discards up to limit bytes of rc and closes it so the
// connection can return to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of an error response body for
// use in an error message, then drains and closes it.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 4096)
	if err != nil {
		return fmt.Sprintf("(unreadable body: %v)", err)
	}
	return string(body)
}
