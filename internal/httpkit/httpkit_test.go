package httpkit

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type stubRoundTripper struct {
	resp *http.Response
	err  error
	seen *http.Request
}

func (s *stubRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	s.seen = req
	return s.resp, s.err
}

func TestNewClient_Timeout(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want time.Duration
	}{
		{"default", nil, DefaultTimeout},
		{"zero for streaming", []Option{WithTimeout(0)}, 0},
		{"explicit", []Option{WithTimeout(5 * time.Minute)}, 5 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewClient(tt.opts...).Timeout; got != tt.want {
				t.Errorf("Timeout = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewClient_SetsScoutUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	resp, err := NewClient().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	DrainAndClose(resp.Body, 1024)

	if !strings.HasPrefix(got, "scout/") {
		t.Errorf("User-Agent = %q, want scout/ prefix", got)
	}
}

func TestNewClient_KeepsCallerUserAgent(t *testing.T) {
	stub := &stubRoundTripper{resp: &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(""))}}
	req, _ := http.NewRequest(http.MethodGet, "http://ollama.invalid/api/tags", nil)
	req.Header.Set("User-Agent", "openai-go/1.12.0")

	resp, err := NewClient(WithTransport(stub)).Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if ua := stub.seen.Header.Get("User-Agent"); ua != "openai-go/1.12.0" {
		t.Errorf("User-Agent = %q, want caller's value", ua)
	}
	if req.Header.Get("User-Agent") != "openai-go/1.12.0" {
		t.Error("caller's request was modified")
	}
}

func TestNewClient_LogsExchanges(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	hdr := http.Header{}
	hdr.Set("Mcp-Session-Id", "sess-42")
	stub := &stubRoundTripper{resp: &http.Response{StatusCode: 202, Header: hdr, Body: io.NopCloser(strings.NewReader(""))}}

	resp, err := NewClient(WithTransport(stub), WithLogger(logger)).Post("http://user:pw@mcp.invalid/mcp", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	out := buf.String()
	for _, want := range []string{"status=202", "mcp_session=sess-42", "method=POST"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q: %s", want, out)
		}
	}
	if strings.Contains(out, "pw@") {
		t.Errorf("password leaked into log: %s", out)
	}
}

func TestNewClient_LogsTransportErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	stub := &stubRoundTripper{err: errors.New("connection refused")}

	_, err := NewClient(WithTransport(stub), WithLogger(logger)).Get("http://localhost:11434/api/tags")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(buf.String(), "http request failed") {
		t.Errorf("failure not logged: %s", buf.String())
	}
}

func TestShared_IsSingletonWithTimeouts(t *testing.T) {
	a, b := Shared(), Shared()
	if a != b {
		t.Error("Shared returned distinct transports")
	}
	if a.TLSHandshakeTimeout != TLSHandshakeTimeout || a.IdleConnTimeout != IdleConnTimeout {
		t.Errorf("unexpected timeouts: tls=%v idle=%v", a.TLSHandshakeTimeout, a.IdleConnTimeout)
	}
	if a.ResponseHeaderTimeout != 0 {
		t.Error("shared transport must not bound slow model responses")
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("reset by peer") }
func (failingReader) Close() error             { return nil }

func TestReadErrorBody(t *testing.T) {
	tests := []struct {
		name  string
		rc    io.ReadCloser
		limit int64
		want  string
	}{
		{"nil", nil, 512, ""},
		{"short", io.NopCloser(strings.NewReader("model not found")), 512, "model not found"},
		{"truncated", io.NopCloser(strings.NewReader(strings.Repeat("x", 100))), 10, strings.Repeat("x", 10)},
		{"unreadable", failingReader{}, 512, "(unreadable body: reset by peer)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReadErrorBody(tt.rc, tt.limit); got != tt.want {
				t.Errorf("ReadErrorBody = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDrainAndClose_Nil(t *testing.T) {
	DrainAndClose(nil, 10)
}
