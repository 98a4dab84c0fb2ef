package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/nugget/scout/internal/config"
	"github.com/nugget/scout/internal/runloop"
	"github.com/nugget/scout/internal/tools"
)

// sanitizeRe matches characters that are not lowercase alphanumeric or underscore.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// ProviderError reports an MCP server that could not be reached or
// failed its handshake while tools were being loaded.
type ProviderError struct {
	Server string
	Err    error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("mcp server %q unreachable: %v", e.Server, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// DialFunc builds the transport for one configured server.
type DialFunc func(name string, cfg config.MCPServerConfig, logger *slog.Logger) (Transport, error)

// LoadOptions tunes [LoadTools].
type LoadOptions struct {
	// ConnectTimeout bounds the handshake and catalog listing of each
	// server. Zero means no limit.
	ConnectTimeout time.Duration

	// Dial overrides transport construction. Nil uses [NewTransport].
	Dial DialFunc

	Logger *slog.Logger
}

// Toolset is the result of a load: the registry handed to the model and
// the live clients behind it.
type Toolset struct {
	Registry *tools.Registry

	clients []*Client
	logger  *slog.Logger
}

// Servers returns the names of the servers that contributed tools, in
// contact order.
func (ts *Toolset) Servers() []string {
	out := make([]string, len(ts.clients))
	for i, c := range ts.clients {
		out[i] = c.Name()
	}
	return out
}

// Clients returns the live server clients in contact order.
func (ts *Toolset) Clients() []*Client {
	out := make([]*Client, len(ts.clients))
	copy(out, ts.clients)
	return out
}

// Close shuts down every connected server.
func (ts *Toolset) Close() error {
	var errs []error
	for _, c := range ts.clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.Name(), err))
		}
	}
	ts.clients = nil
	return errors.Join(errs...)
}

// LoadTools connects to every configured server, in name order, and
// registers its tools.
//
// Definitions are validated before any server is contacted; an invalid
// one fails the whole load. After that the load is partial: a server
// that cannot be reached contributes a *ProviderError to the returned
// error and is skipped, and a catalog entry that cannot be invoked is
// dropped with a warning. The returned Toolset is non-nil whenever
// validation passed, even if every server failed.
//
// Tools keep their MCP names. When two servers publish the same name the
// first server contacted keeps it and later ones are registered as
// mcp_<server>_<tool>.
func LoadTools(ctx context.Context, servers map[string]config.MCPServerConfig, opts LoadOptions) (*Toolset, error) {
	if err := config.ValidateServers(servers); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dial := opts.Dial
	if dial == nil {
		dial = NewTransport
	}

	ts := &Toolset{Registry: tools.NewRegistry(), logger: logger}
	var errs []error

	for _, name := range config.ServerNames(servers) {
		cfg := servers[name]

		transport, err := dial(name, cfg, logger)
		if err != nil {
			errs = append(errs, &ProviderError{Server: name, Err: err})
			continue
		}
		client := NewClient(name, transport, logger)

		defs, err := discover(ctx, client, opts.ConnectTimeout)
		if err != nil {
			logger.Warn("MCP server unavailable, continuing without its tools",
				"server", name, "transport", cfg.Transport, "error", err)
			_ = client.Close()
			errs = append(errs, &ProviderError{Server: name, Err: err})
			continue
		}

		n := register(ts.Registry, client, defs, cfg.IncludeTools, cfg.ExcludeTools, logger)
		logger.Debug("bridged MCP server", "server", name, "tools", n)
		ts.clients = append(ts.clients, client)
	}

	logger.Info("loaded tools", "count", ts.Registry.Len(), "names", ts.Registry.Names())
	return ts, errors.Join(errs...)
}

// discover runs the handshake and catalog listing as one bridged op.
func discover(ctx context.Context, client *Client, timeout time.Duration) ([]ToolDefinition, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return runloop.Call(ctx, func(ctx context.Context) ([]ToolDefinition, error) {
		if err := client.Initialize(ctx); err != nil {
			return nil, err
		}
		return client.ListTools(ctx)
	})
}

// register adds one server's tools to the registry and returns how many
// were added.
func register(reg *tools.Registry, client *Client, defs []ToolDefinition, include, exclude []string, logger *slog.Logger) int {
	server := client.Name()
	includeSet := toSet(include)
	excludeSet := toSet(exclude)

	count := 0
	for _, td := range defs {
		if len(includeSet) > 0 {
			if !includeSet[td.Name] {
				continue
			}
		} else if excludeSet[td.Name] {
			continue
		}

		tool := bridgeTool(client, td.Name, td)
		if !tool.Invocable() {
			logger.Warn("skipping tool without a usable invocation handle",
				"server", server, "tool", td.Name)
			continue
		}

		if prev := reg.Get(tool.Name); prev != nil {
			namespaced := ToolName(server, td.Name)
			if reg.Get(namespaced) != nil {
				logger.Warn("skipping duplicate tool",
					"server", server, "tool", td.Name, "kept_from", prev.Source)
				continue
			}
			logger.Warn("tool name already registered, namespacing",
				"server", server, "tool", td.Name, "registered_as", namespaced, "kept_from", prev.Source)
			tool.Name = namespaced
		}

		reg.Register(tool)
		count++
	}
	return count
}

// ToolName builds the namespaced name used when a tool name collides
// across servers. Both parts are sanitized to lowercase alphanumerics
// and underscores.
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(mcpToolName))
}

// bridgeTool wraps an MCP tool definition as a registry tool that calls
// back into the server by its MCP name.
func bridgeTool(client *Client, name string, td ToolDefinition) *tools.Tool {
	t := &tools.Tool{
		Name:        name,
		Description: td.Description,
		Parameters:  td.InputSchema,
		Source:      client.Name(),
	}
	if td.Name == "" {
		return t
	}
	mcpName := td.Name
	t.Handler = func(ctx context.Context, args map[string]any) (string, error) {
		return client.CallTool(ctx, mcpName, args)
	}
	return t
}

// sanitize lowercases name, maps everything outside [a-z0-9_] to an
// underscore, collapses runs of underscores and trims them at the ends.
func sanitize(name string) string {
	s := sanitizeRe.ReplaceAllString(strings.ToLower(name), "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
