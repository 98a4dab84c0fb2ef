package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/scout/internal/config"
)

// Transport carries JSON-RPC messages to one MCP server.
type Transport interface {
	// Send delivers a request and returns the response whose id matches.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify delivers a notification. No response is expected.
	Notify(ctx context.Context, notif *Notification) error

	// Close releases the connection. For stdio it stops the subprocess.
	Close() error
}

// Sessioned is implemented by transports that can replace the server
// connection underneath a [Client]: a restarted subprocess or a redialed
// socket. Session changes each time the previous connection is dropped,
// and the new server has not seen the initialize handshake.
type Sessioned interface {
	Session() uint64
}

// NewTransport builds the transport named by a server definition's
// transport tag. The definition is expected to be normalized by the
// config package; an unknown tag is an error.
func NewTransport(name string, cfg config.MCPServerConfig, logger *slog.Logger) (Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("mcp_server", name)

	switch cfg.Transport {
	case config.TransportStdio:
		return NewStdioTransport(StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.EnvList(),
			Logger:  logger,
		}), nil
	case config.TransportHTTP:
		return NewHTTPTransport(HTTPConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	case config.TransportWebSocket:
		return NewWebSocketTransport(WebSocketConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("mcp server %q: unsupported transport %q", name, cfg.Transport)
	}
}
