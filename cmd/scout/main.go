// Scout is a console assistant that lets a local chat model drive an IDE
// through MCP tool servers.
//
// Configuration is loaded from a single YAML file discovered automatically
// (see [config.DefaultSearchPaths]). Without one, Scout talks to a local
// Ollama model and the JetBrains MCP proxy.
//
// Usage:
//
//	scout [chat]            Start an interactive conversation
//	scout tools             List the tools the configured servers provide
//	scout usage             Summarize recorded token usage
//	scout init [dir]        Write an example config into dir
//	scout version           Print version and build information
//	scout -o json tools     Output the tool list as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/scout/internal/agent"
	"github.com/nugget/scout/internal/buildinfo"
	"github.com/nugget/scout/internal/checkpoint"
	"github.com/nugget/scout/internal/config"
	"github.com/nugget/scout/internal/connwatch"
	"github.com/nugget/scout/internal/console"
	"github.com/nugget/scout/internal/llm"
	"github.com/nugget/scout/internal/mcp"
	"github.com/nugget/scout/internal/prompts"
	"github.com/nugget/scout/internal/usage"

	_ "github.com/mattn/go-sqlite3" // cgo SQLite driver, "sqlite3"
	_ "modernc.org/sqlite"          // pure Go SQLite driver, "sqlite"
)

// connectTimeout bounds the handshake and catalog listing of each MCP
// server. npx may download the proxy package on first use.
const connectTimeout = 60 * time.Second

// pingTimeout bounds the startup reachability check of the model provider.
const pingTimeout = 5 * time.Second

// memoryCheckpoints is how many snapshots the in-memory saver retains.
const memoryCheckpoints = 10

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// cliOptions holds the parsed global flags.
type cliOptions struct {
	configPath string
	mcpConfig  string // JSON text or path to a JSON file
	outputFmt  string // "text" or "json"
}

// run is the real entry point. Conversation output goes to stdout, logs
// to stderr. Flags are parsed by hand so tests can call run concurrently.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts cliOptions
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-mcp-config" && i+1 < len(args):
			opts.mcpConfig = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-mcp-config="):
			opts.mcpConfig = strings.TrimPrefix(args[i], "-mcp-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "", "chat":
		return runChat(ctx, stdin, stdout, stderr, opts)
	case "tools":
		return runTools(ctx, stdout, stderr, opts)
	case "usage":
		return runUsage(ctx, stdout, stderr, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Get()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, info)
	fmt.Fprintf(w, "  %-12s %s\n", "go_version:", info.GoVersion)
	fmt.Fprintf(w, "  %-12s %s\n", "platform:", info.Platform)
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Scout - IDE assistant driving MCP tools with a local model")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: scout [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat         Start an interactive conversation (default)")
	fmt.Fprintln(w, "  tools        List the tools provided by the MCP servers")
	fmt.Fprintln(w, "  usage        Summarize token usage recorded in the checkpoint database")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>        Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -mcp-config <json>    MCP servers as JSON text or a JSON file path")
	fmt.Fprintln(w, "  -o, --output fmt      Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/scout/config.yaml, /etc/scout/config.yaml")
	return nil
}

// setup loads configuration and builds the configured logger.
func setup(stderr io.Writer, opts cliOptions) (*config.Config, *slog.Logger, error) {
	logger := config.NewLogger(stderr, slog.LevelInfo, "text")

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel) // validated by config.Validate
	logger = config.NewLogger(stderr, level, cfg.LogFormat)
	if cfgPath == "" {
		logger.Info("no config file found, using defaults")
	} else {
		logger.Debug("config loaded", "path", cfgPath)
	}

	if opts.mcpConfig != "" {
		servers, err := parseMCPConfig(opts.mcpConfig)
		if err != nil {
			return nil, nil, err
		}
		cfg.MCP.Servers = servers
	}
	return cfg, logger, nil
}

// loadConfig locates and parses the YAML configuration file. When no
// explicit path is given and nothing is found, the built-in defaults are
// used and the returned path is empty.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		return config.Default(), "", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// parseMCPConfig accepts the server map as inline JSON text or as the
// path of a JSON file.
func parseMCPConfig(v string) (map[string]config.MCPServerConfig, error) {
	if strings.HasPrefix(strings.TrimSpace(v), "{") {
		return config.ParseServersJSON([]byte(v))
	}
	servers, err := config.LoadServersJSON(v)
	if err != nil {
		return nil, fmt.Errorf("mcp config %s: %w", v, err)
	}
	return servers, nil
}

// loadTools connects to the configured servers. Unreachable servers are
// reported and skipped; only an invalid definition is fatal.
func loadTools(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*mcp.Toolset, error) {
	toolset, err := mcp.LoadTools(ctx, cfg.MCP.Servers, mcp.LoadOptions{
		ConnectTimeout: connectTimeout,
		Logger:         logger,
	})
	if toolset == nil {
		return nil, fmt.Errorf("load tools: %w", err)
	}
	if err != nil {
		logger.Warn("some MCP servers are unavailable", "error", err)
	}
	return toolset, nil
}

// runChat handles the default "chat" command: it loads tools, restores
// the last checkpoint and runs the conversation until quit, end of input,
// or SIGINT/SIGTERM.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts cliOptions) error {
	cfg, logger, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	logger.Debug("starting Scout", "version", buildinfo.Get().Version, "commit", buildinfo.Get().Commit)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	toolset, err := loadTools(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer toolset.Close()
	toolNames := toolset.Registry.Names()

	system := prompts.SystemPrompt(prompts.SystemPromptParams{Name: cfg.Agent.Name, ToolNames: toolNames})
	if cfg.Agent.PersonaFile != "" {
		system, err = prompts.LoadPersona(cfg.Agent.PersonaFile, toolNames)
		if err != nil {
			return err
		}
		logger.Info("persona loaded", "path", cfg.Agent.PersonaFile)
	}

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	checkpointer := checkpoint.NewCheckpointer(st.saver, cfg.Agent.ThreadID, logger)

	client := createLLMClient(cfg, logger)
	pingCtx, pingCancel := context.WithTimeout(ctx, pingTimeout)
	pingErr := client.Ping(pingCtx)
	pingCancel()
	if pingErr != nil {
		logger.Warn("model provider not reachable, turns will fail until it is", "model", cfg.Models.Default, "error", pingErr)
	}

	watch := connwatch.NewManager(logger)
	defer watch.Stop()
	watch.Watch(ctx, connwatch.WatcherConfig{Name: "model", Probe: client.Ping, Healthy: pingErr == nil})
	for _, c := range toolset.Clients() {
		watch.Watch(ctx, connwatch.WatcherConfig{Name: "mcp:" + c.Name(), Probe: c.Ping, Healthy: true})
	}

	agentOpts := agent.Options{
		Model:         cfg.Models.Default,
		SystemPrompt:  system,
		MaxIterations: cfg.Agent.MaxIterations,
		Checkpoints:   checkpointer,
		Logger:        logger,
	}
	if st.usage != nil {
		agentOpts.Usage = st.usage
	}
	ctrl := agent.New(client, toolset.Registry, agentOpts)
	defer ctrl.Close()

	restored, err := checkpointer.Restore(ctx)
	if err != nil {
		logger.Warn("ignoring unusable checkpoint", "error", err)
	} else if restored != nil {
		if err := ctrl.Restore(restored); err != nil {
			logger.Warn("ignoring unusable checkpoint", "error", err)
		}
	}

	ui := console.New(stdout, console.Options{Name: cfg.Agent.Name, Markdown: cfg.Console.Markdown})
	ui.Banner(toolNames)

	err = ctrl.Run(ctx, stdin, ui)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintln(stdout)
		logger.Info("interrupted, conversation saved")
		return nil
	}
	return err
}

// runTools handles the "tools" command: it prints every loaded tool and
// its schema, then disconnects.
func runTools(ctx context.Context, stdout, stderr io.Writer, opts cliOptions) error {
	cfg, logger, err := setup(stderr, opts)
	if err != nil {
		return err
	}

	toolset, err := loadTools(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer toolset.Close()

	if opts.outputFmt == "json" {
		return console.ToolsJSON(stdout, toolset.Registry.All())
	}
	ui := console.New(stdout, console.Options{Name: cfg.Agent.Name})
	ui.Notice("Available tools: [%s]", strings.Join(toolset.Registry.Names(), ", "))
	ui.ToolSchemas(toolset.Registry.All())
	return nil
}

// runUsage handles the "usage" command: totals per model and overall
// for everything recorded in the checkpoint database.
func runUsage(ctx context.Context, stdout, stderr io.Writer, opts cliOptions) error {
	cfg, _, err := setup(stderr, opts)
	if err != nil {
		return err
	}
	if cfg.Checkpoint.Path == "" {
		return errors.New("usage: no checkpoint.path configured, nothing is recorded")
	}

	st, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	end := time.Now().Add(time.Minute)
	total, err := st.usage.Summary(ctx, time.Time{}, end)
	if err != nil {
		return err
	}
	byModel, err := st.usage.SummaryByModel(ctx, time.Time{}, end)
	if err != nil {
		return err
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"total": total, "by_model": byModel})
	}

	models := make([]string, 0, len(byModel))
	for m := range byModel {
		models = append(models, m)
	}
	sort.Strings(models)

	row := func(name string, s *usage.Summary) {
		fmt.Fprintf(stdout, "%-28s %6d %12d %12d %6d %10s\n",
			name, s.Calls, s.InputTokens, s.OutputTokens, s.ToolCalls, s.Duration.Round(time.Second))
	}
	fmt.Fprintf(stdout, "%-28s %6s %12s %12s %6s %10s\n", "MODEL", "CALLS", "INPUT", "OUTPUT", "TOOLS", "TIME")
	for _, m := range models {
		row(m, byModel[m])
	}
	row("total", total)
	return nil
}

// stores holds the persistence for a session: checkpoints always, and
// usage records when a database is configured.
type stores struct {
	saver checkpoint.Saver
	usage *usage.Store
}

// openStores opens SQLite when a checkpoint path is configured and keeps
// checkpoints in process memory otherwise.
func openStores(cfg *config.Config) (*stores, error) {
	if cfg.Checkpoint.Path == "" {
		return &stores{saver: checkpoint.NewMemorySaver(memoryCheckpoints)}, nil
	}
	saver, err := checkpoint.OpenSQLite(cfg.Checkpoint.Driver, cfg.Checkpoint.Path)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	us, err := usage.NewStore(saver.DB())
	if err != nil {
		saver.Close()
		return nil, err
	}
	return &stores{saver: saver, usage: us}, nil
}

func (s *stores) Close() error { return s.saver.Close() }

// createLLMClient builds the provider router from the configuration.
// Models not explicitly routed fall through to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger, llm.WithTemperature(cfg.Models.Temperature))
	router := llm.NewRouter("ollama", ollama)
	router.Default = cfg.Models.Default

	if cfg.OpenAI.Configured() {
		router.AddProvider("openai", llm.NewOpenAIClient(llm.OpenAIOptions{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Temperature: cfg.Models.Temperature,
			Logger:      logger,
		}))
		logger.Debug("OpenAI provider configured")
	}
	if cfg.Anthropic.Configured() {
		router.AddProvider("anthropic", llm.NewAnthropicClient(llm.AnthropicOptions{
			APIKey:      cfg.Anthropic.APIKey,
			Temperature: cfg.Models.Temperature,
			Logger:      logger,
		}))
		logger.Debug("Anthropic provider configured")
	}

	for _, m := range cfg.Models.Available {
		router.Route(m.Name, m.Provider)
	}
	logger.Debug("LLM client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", router.ProviderFor(cfg.Models.Default),
		"providers", router.Providers())
	return router
}
