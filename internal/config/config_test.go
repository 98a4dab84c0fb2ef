package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
	if errors.Is(err, ErrNoConfig) {
		t.Error("missing explicit path must not be reported as ErrNoConfig")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log_level: info\n"), 0600)
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("openai:\n  api_key: ${SCOUT_TEST_KEY}\n"), 0600)
	t.Setenv("SCOUT_TEST_KEY", "secret123")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.OpenAI.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.OpenAI.APIKey, "secret123")
	}
	if !cfg.OpenAI.Configured() {
		t.Error("OpenAI should be configured")
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Models.Default != DefaultModel {
		t.Errorf("Models.Default = %q, want %q", cfg.Models.Default, DefaultModel)
	}
	if cfg.Models.OllamaURL != DefaultOllamaURL {
		t.Errorf("OllamaURL = %q", cfg.Models.OllamaURL)
	}
	if cfg.Agent.ThreadID != "1" {
		t.Errorf("ThreadID = %q, want 1", cfg.Agent.ThreadID)
	}
	if cfg.Agent.MaxIterations != DefaultMaxIterations {
		t.Errorf("MaxIterations = %d", cfg.Agent.MaxIterations)
	}
	if cfg.Agent.Name != "Scout" {
		t.Errorf("Agent.Name = %q", cfg.Agent.Name)
	}
	if len(cfg.MCP.Servers) != 0 {
		t.Errorf("a parsed config must not inherit default servers, got %v", cfg.MCP.Servers)
	}
}

func TestParse_MCPServers(t *testing.T) {
	yml := `
mcp:
  servers:
    jetbrains:
      command: npx
      args: ["-y", "@jetbrains/mcp-proxy"]
    remote:
      url: http://localhost:8080/mcp
      headers:
        Authorization: Bearer x
    socket:
      transport: ws
      url: ws://localhost:9000/mcp
models:
  available:
    - name: gpt-4o-mini
      provider: openai
    - name: qwen3:8b
`
	cfg, err := Parse([]byte(yml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	tests := []struct {
		name      string
		transport string
	}{
		{"jetbrains", TransportStdio},
		{"remote", TransportHTTP},
		{"socket", TransportWebSocket},
	}
	for _, tt := range tests {
		s, ok := cfg.MCP.Servers[tt.name]
		if !ok {
			t.Fatalf("server %q missing", tt.name)
		}
		if s.Transport != tt.transport {
			t.Errorf("server %q transport = %q, want %q", tt.name, s.Transport, tt.transport)
		}
	}

	if got := cfg.Models.Available[1].Provider; got != "ollama" {
		t.Errorf("default provider = %q, want ollama", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad log level", "log_level: loud\n", "unknown log level"},
		{"bad log format", "log_format: xml\n", "unknown log format"},
		{"negative iterations", "agent:\n  max_iterations: -1\n", "max_iterations"},
		{"bad provider", "models:\n  available:\n    - name: x\n      provider: gemini\n", "unknown provider"},
		{"stdio without command", "mcp:\n  servers:\n    a:\n      transport: stdio\n", "requires a command"},
		{"unknown transport", "mcp:\n  servers:\n    a:\n      transport: carrier-pigeon\n      command: x\n", "unknown transport"},
		{"bad checkpoint driver", "checkpoint:\n  driver: postgres\n", "checkpoint.driver"},
		{"not yaml", "models: [\n", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseServersJSON(t *testing.T) {
	data := []byte(`{
	  "jetbrains": {
	    "command": "npx",
	    "args": ["-y", "@jetbrains/mcp-proxy"],
	    "transport": "stdio",
	    "env": {"B": "2", "A": "1"}
	  }
	}`)

	servers, err := ParseServersJSON(data)
	if err != nil {
		t.Fatalf("ParseServersJSON: %v", err)
	}
	s := servers["jetbrains"]
	if s.Command != "npx" || len(s.Args) != 2 || s.Args[1] != "@jetbrains/mcp-proxy" {
		t.Errorf("unexpected server: %+v", s)
	}
	env := s.EnvList()
	if len(env) != 2 || env[0] != "A=1" || env[1] != "B=2" {
		t.Errorf("EnvList = %v, want sorted [A=1 B=2]", env)
	}
}

func TestParseServersJSON_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"truncated", `{"jetbrains": {"command": "npx"`},
		{"null", `null`},
		{"array", `["npx"]`},
		{"server not object", `{"jetbrains": "npx"}`},
		{"missing command", `{"jetbrains": {"transport": "stdio"}}`},
		{"missing url", `{"remote": {"transport": "websocket"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseServersJSON([]byte(tt.data)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestValidateServers_Deterministic(t *testing.T) {
	servers := map[string]MCPServerConfig{
		"b": {Transport: TransportStdio},
		"a": {Transport: TransportWebSocket},
		"c": {Transport: TransportStdio},
	}
	for i := 0; i < 10; i++ {
		err := ValidateServers(servers)
		if err == nil || !strings.Contains(err.Error(), `"a"`) {
			t.Fatalf("iteration %d: err = %v, want first invalid server a", i, err)
		}
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	s, ok := cfg.MCP.Servers["jetbrains"]
	if !ok {
		t.Fatal("default config should include the jetbrains server")
	}
	if s.Transport != TransportStdio || s.Command != "npx" {
		t.Errorf("unexpected default server: %+v", s)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"INFO", slog.LevelInfo},
		{" debug ", slog.LevelDebug},
		{"trace", LevelTrace},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "text")
	logger.Log(t.Context(), LevelTrace, "wire")
	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("trace level not renamed: %s", buf.String())
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, "json")
	logger.Info("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("expected JSON output, got %s", buf.String())
	}
}
