package mcp

import (
	"testing"

	"github.com/nugget/scout/internal/config"
)

func TestNewTransport(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.MCPServerConfig
		check   func(Transport) bool
		wantErr bool
	}{
		{
			name:  "stdio",
			cfg:   config.MCPServerConfig{Transport: config.TransportStdio, Command: "npx", Args: []string{"-y", "@jetbrains/mcp-proxy"}},
			check: func(tr Transport) bool { _, ok := tr.(*StdioTransport); return ok },
		},
		{
			name:  "streamable http",
			cfg:   config.MCPServerConfig{Transport: config.TransportHTTP, URL: "http://localhost:8080/mcp"},
			check: func(tr Transport) bool { _, ok := tr.(*HTTPTransport); return ok },
		},
		{
			name:  "websocket",
			cfg:   config.MCPServerConfig{Transport: config.TransportWebSocket, URL: "ws://localhost:9000/mcp"},
			check: func(tr Transport) bool { _, ok := tr.(*WebSocketTransport); return ok },
		},
		{
			name:    "unknown",
			cfg:     config.MCPServerConfig{Transport: "sse", URL: "http://x"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := NewTransport(tt.name, tt.cfg, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !tt.check(tr) {
				t.Errorf("NewTransport returned %T", tr)
			}
		})
	}
}

func TestNewTransport_StdioEnv(t *testing.T) {
	cfg := config.MCPServerConfig{
		Transport: config.TransportStdio,
		Command:   "npx",
		Env:       map[string]string{"IDE_PORT": "63342", "LOG_ENABLED": "true"},
	}
	tr, err := NewTransport("jetbrains", cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	env := tr.(*StdioTransport).config.Env
	if len(env) != 2 || env[0] != "IDE_PORT=63342" {
		t.Errorf("Env = %v", env)
	}
}
