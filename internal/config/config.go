// Package config handles Scout configuration loading.
//
// Configuration comes from a single YAML file discovered by [FindConfig].
// MCP server definitions can additionally be supplied as JSON text in the
// same shape the upstream MCP adapters use (see [ParseServersJSON]).
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// MCP transport tags accepted in server definitions.
const (
	TransportStdio     = "stdio"
	TransportHTTP      = "streamable_http"
	TransportWebSocket = "websocket"
)

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultModel         = "llama3.1:8b"
	DefaultOllamaURL     = "http://localhost:11434"
	DefaultThreadID      = "1"
	DefaultMaxIterations = 25
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/scout/config.yaml, /etc/scout/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "scout", "config.yaml"))
	}

	paths = append(paths, "/etc/scout/config.yaml")
	return paths
}

// ErrNoConfig is returned by [FindConfig] when no explicit path was given
// and none of the default locations holds a config file.
var ErrNoConfig = errors.New("no config file found")

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all Scout configuration.
type Config struct {
	Models     ModelsConfig     `yaml:"models"`
	OpenAI     OpenAIConfig     `yaml:"openai"`
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	MCP        MCPConfig        `yaml:"mcp"`
	Agent      AgentConfig      `yaml:"agent"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Console    ConsoleConfig    `yaml:"console"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"`
}

// ModelsConfig defines the default model and provider routing.
type ModelsConfig struct {
	Default     string        `yaml:"default"`
	OllamaURL   string        `yaml:"ollama_url"`
	Temperature float64       `yaml:"temperature"`
	Available   []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // ollama, openai, anthropic
}

// OpenAIConfig defines OpenAI (or OpenAI-compatible) API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether an API key is present.
func (c OpenAIConfig) Configured() bool { return c.APIKey != "" }

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool { return c.APIKey != "" }

// MCPConfig lists the MCP servers whose tools are exposed to the model.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to reach a single MCP server. Field names
// match the JSON shape accepted by [ParseServersJSON].
type MCPServerConfig struct {
	// Transport is one of stdio, streamable_http (alias http) or websocket.
	// When empty it is inferred: a command implies stdio, a URL implies
	// streamable_http.
	Transport string `yaml:"transport" json:"transport"`

	// Command and Args launch a stdio server.
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args"`

	// Env holds extra environment variables for a stdio server.
	Env map[string]string `yaml:"env" json:"env"`

	// URL and Headers address an HTTP or WebSocket server.
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers"`

	// IncludeTools, when non-empty, restricts the bridged tools to these
	// MCP names. ExcludeTools removes tools by MCP name.
	IncludeTools []string `yaml:"include_tools" json:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools" json:"exclude_tools"`
}

// EnvList renders Env as sorted KEY=VALUE pairs for exec.Cmd.
func (s MCPServerConfig) EnvList() []string {
	if len(s.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// AgentConfig tunes the conversation loop.
type AgentConfig struct {
	// Name is how the assistant introduces itself and labels replies.
	Name string `yaml:"name"`

	// ThreadID identifies the single conversation held by this process.
	ThreadID string `yaml:"thread_id"`

	// MaxIterations bounds model turns per user message.
	MaxIterations int `yaml:"max_iterations"`

	// PersonaFile replaces the built-in system prompt when set.
	PersonaFile string `yaml:"persona_file"`
}

// CheckpointConfig enables durable transcript snapshots.
type CheckpointConfig struct {
	// Path is the SQLite database file. Empty keeps snapshots in memory.
	Path string `yaml:"path"`

	// Driver selects the SQLite driver: sqlite3 (cgo, default) or sqlite
	// (pure Go).
	Driver string `yaml:"driver"`
}

// ConsoleConfig controls terminal presentation.
type ConsoleConfig struct {
	// Markdown renders replies as styled markdown when stdout is a terminal.
	Markdown bool `yaml:"markdown"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML configuration from memory.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no config file exists: a
// local Ollama model and the JetBrains IDE MCP proxy over stdio.
func Default() *Config {
	cfg := &Config{
		MCP: MCPConfig{
			Servers: map[string]MCPServerConfig{
				"jetbrains": {
					Command:   "npx",
					Args:      []string{"-y", "@jetbrains/mcp-proxy"},
					Transport: TransportStdio,
				},
			},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Models.Default == "" {
		c.Models.Default = DefaultModel
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = DefaultOllamaURL
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "ollama"
		}
	}
	if c.Agent.Name == "" {
		c.Agent.Name = "Scout"
	}
	if c.Agent.ThreadID == "" {
		c.Agent.ThreadID = DefaultThreadID
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = DefaultMaxIterations
	}
	if c.Checkpoint.Driver == "" {
		c.Checkpoint.Driver = "sqlite3"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	for name, s := range c.MCP.Servers {
		c.MCP.Servers[name] = normalizeServer(s)
	}
}

// Validate checks the configuration for values that would only fail later.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		return err
	}
	if c.Agent.MaxIterations < 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	switch c.Checkpoint.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("checkpoint.driver: unknown driver %q (valid: sqlite3, sqlite)", c.Checkpoint.Driver)
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "ollama", "openai", "anthropic":
		default:
			return fmt.Errorf("model %q: unknown provider %q (valid: ollama, openai, anthropic)", m.Name, m.Provider)
		}
	}
	return ValidateServers(c.MCP.Servers)
}

// ParseServersJSON decodes MCP server definitions from their JSON text
// form, e.g.
//
//	{"jetbrains": {"command": "npx", "args": ["-y", "@jetbrains/mcp-proxy"], "transport": "stdio"}}
//
// Malformed input and invalid definitions are rejected before any server
// is contacted.
func ParseServersJSON(data []byte) (map[string]MCPServerConfig, error) {
	var servers map[string]MCPServerConfig
	if err := json.Unmarshal(data, &servers); err != nil {
		return nil, fmt.Errorf("parse MCP server config: %w", err)
	}
	if servers == nil {
		return nil, errors.New("parse MCP server config: expected a JSON object of servers")
	}
	for name, s := range servers {
		servers[name] = normalizeServer(s)
	}
	if err := ValidateServers(servers); err != nil {
		return nil, err
	}
	return servers, nil
}

// LoadServersJSON reads and parses a JSON MCP server file.
func LoadServersJSON(path string) (map[string]MCPServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseServersJSON(data)
}

// ServerNames returns the configured server names in sorted order, the
// order in which servers are contacted.
func ServerNames(servers map[string]MCPServerConfig) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateServers checks every server definition. Errors are reported for
// the first invalid server in name order so the result is deterministic.
func ValidateServers(servers map[string]MCPServerConfig) error {
	for _, name := range ServerNames(servers) {
		if strings.TrimSpace(name) == "" {
			return errors.New("mcp server with empty name")
		}
		s := servers[name]
		switch s.Transport {
		case TransportStdio:
			if s.Command == "" {
				return fmt.Errorf("mcp server %q: stdio transport requires a command", name)
			}
		case TransportHTTP, TransportWebSocket:
			if s.URL == "" {
				return fmt.Errorf("mcp server %q: %s transport requires a url", name, s.Transport)
			}
		case "":
			return fmt.Errorf("mcp server %q: transport is required when neither command nor url is set", name)
		default:
			return fmt.Errorf("mcp server %q: unknown transport %q (valid: %s, %s, %s)",
				name, s.Transport, TransportStdio, TransportHTTP, TransportWebSocket)
		}
	}
	return nil
}

// normalizeServer resolves transport aliases and infers a missing tag.
func normalizeServer(s MCPServerConfig) MCPServerConfig {
	s.Transport = strings.ToLower(strings.TrimSpace(s.Transport))
	switch s.Transport {
	case "http", "streamable-http":
		s.Transport = TransportHTTP
	case "ws":
		s.Transport = TransportWebSocket
	case "":
		switch {
		case s.Command != "":
			s.Transport = TransportStdio
		case s.URL != "":
			s.Transport = TransportHTTP
		}
	}
	return s
}
