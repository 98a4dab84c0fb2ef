// Package agent implements the conversation loop controller: it owns the
// transcript, asks the model for the next reply, dispatches requested
// tool calls, and repeats until the model answers in plain text.
//
// The controller is a small state machine:
//
//	AwaitingUserInput ──line──▶ ModelTurn ──tool calls──▶ ToolDispatch
//	        ▲                      │  ▲                        │
//	        └────── plain reply ───┘  └──────── results ───────┘
//
// "quit" or "exit" in any letter case moves AwaitingUserInput to
// Terminated. Model and tool calls are driven through a runloop so the
// controller sees every operation as a blocking call.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/scout/internal/checkpoint"
	"github.com/nugget/scout/internal/llm"
	"github.com/nugget/scout/internal/prompts"
	"github.com/nugget/scout/internal/runloop"
	"github.com/nugget/scout/internal/tools"
	"github.com/nugget/scout/internal/usage"
)

// DefaultMaxIterations bounds model turns per user message.
const DefaultMaxIterations = 25

// State is a controller state.
type State int

const (
	AwaitingUserInput State = iota
	ModelTurn
	ToolDispatch
	Terminated
)

func (s State) String() string {
	switch s {
	case AwaitingUserInput:
		return "awaiting_user_input"
	case ModelTurn:
		return "model_turn"
	case ToolDispatch:
		return "tool_dispatch"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrIterationLimit is returned when a single user message needs more
// model turns than allowed.
var ErrIterationLimit = errors.New("iteration limit reached before the model produced a reply")

// ErrTerminated is returned when input arrives after the session ended.
var ErrTerminated = errors.New("conversation has terminated")

// ModelCallError reports a failed model invocation.
type ModelCallError struct {
	Model string
	Err   error
}

func (e *ModelCallError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *ModelCallError) Unwrap() error { return e.Err }

// Options configures a Controller.
type Options struct {
	// Model is passed to the client on every request.
	Model string

	// SystemPrompt becomes the first transcript entry.
	SystemPrompt string

	// MaxIterations bounds model turns per user message. Zero uses
	// DefaultMaxIterations.
	MaxIterations int

	// Checkpoints, when set, receives the transcript after every
	// completed turn and at shutdown.
	Checkpoints *checkpoint.Checkpointer

	// Prepare may rewrite the outbound copy of the transcript, for
	// example to drop old turns. The stored transcript is unaffected.
	// Nil sends the whole transcript.
	Prepare func([]llm.Message) []llm.Message

	// Usage, when set, receives token counts for every model call.
	Usage UsageRecorder

	Logger *slog.Logger
}

// UsageRecorder stores per-call token usage. Failures are logged.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Turn summarizes one handled input line.
type Turn struct {
	Reply      string // final assistant text, possibly empty
	ToolCalls  int    // tool calls dispatched during the turn
	Iterations int    // model turns taken

	// CodeBlocks counts code blocks in a reply that called no tool even
	// though tools were loaded: the model described the work instead of
	// doing it.
	CodeBlocks int

	Skipped bool // blank input, nothing happened
	Exit    bool // exit keyword, the controller is now Terminated
}

// Controller owns one conversation.
type Controller struct {
	client   llm.Client
	registry *tools.Registry
	model    string
	maxIter  int
	prepare  func([]llm.Message) []llm.Message
	cps      *checkpoint.Checkpointer
	usage    UsageRecorder
	logger   *slog.Logger

	loop       *runloop.Loop
	state      State
	transcript []llm.Message
}

// New creates a controller whose transcript starts with the system
// prompt. Close releases its runloop.
func New(client llm.Client, registry *tools.Registry, opts Options) *Controller {
	if registry == nil {
		registry = tools.NewRegistry()
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	system := opts.SystemPrompt
	if system == "" {
		system = prompts.SystemPrompt(prompts.SystemPromptParams{ToolNames: registry.Names()})
	}
	return &Controller{
		client:     client,
		registry:   registry,
		model:      opts.Model,
		maxIter:    maxIter,
		prepare:    opts.Prepare,
		cps:        opts.Checkpoints,
		usage:      opts.Usage,
		logger:     logger,
		loop:       runloop.New(),
		state:      AwaitingUserInput,
		transcript: []llm.Message{{Role: llm.RoleSystem, Content: system}},
	}
}

// Close stops the controller's runloop.
func (c *Controller) Close() {
	c.loop.Close()
}

// State returns the current state.
func (c *Controller) State() State { return c.state }

// Transcript returns a copy of the conversation so far.
func (c *Controller) Transcript() []llm.Message {
	out := make([]llm.Message, len(c.transcript))
	for i, m := range c.transcript {
		out[i] = m.Clone()
	}
	return out
}

// Restore replaces the conversation with a saved transcript. The saved
// system message is swapped for the current one, since the loaded tools
// may have changed since it was written.
func (c *Controller) Restore(messages []llm.Message) error {
	if len(messages) == 0 || messages[0].Role != llm.RoleSystem {
		return errors.New("restored transcript must start with a system message")
	}
	system := c.transcript[0]
	c.transcript = make([]llm.Message, 0, len(messages))
	c.transcript = append(c.transcript, system)
	for _, m := range messages[1:] {
		c.transcript = append(c.transcript, m.Clone())
	}
	return nil
}

// HandleLine processes one line of user input from AwaitingUserInput.
// A failed turn is rolled back so the transcript is exactly as it was
// before the line was read.
func (c *Controller) HandleLine(ctx context.Context, line string) (*Turn, error) {
	if c.state == Terminated {
		return nil, ErrTerminated
	}

	text := strings.TrimSpace(line)
	if text == "" {
		return &Turn{Skipped: true}, nil
	}
	if isExitKeyword(text) {
		c.terminate(ctx)
		return &Turn{Exit: true}, nil
	}

	if runloop.FromContext(ctx) == nil {
		ctx = runloop.WithLoop(ctx, c.loop)
	}

	mark := len(c.transcript)
	c.transcript = append(c.transcript, llm.Message{Role: llm.RoleUser, Content: text})

	turn, err := c.runTurn(ctx)
	if err != nil {
		clear(c.transcript[mark:])
		c.transcript = c.transcript[:mark]
		c.state = AwaitingUserInput
		c.logger.Warn("turn failed, transcript rolled back", "error", err, "transcript_len", mark)
		return nil, err
	}
	c.state = AwaitingUserInput
	c.cps.OnTurn(ctx, c.transcript)
	return turn, nil
}

func (c *Controller) terminate(ctx context.Context) {
	if c.state == Terminated {
		return
	}
	c.state = Terminated
	c.cps.OnShutdown(context.WithoutCancel(ctx), c.transcript)
	c.logger.Debug("conversation terminated", "transcript_len", len(c.transcript))
}

func isExitKeyword(text string) bool {
	return strings.EqualFold(text, "quit") || strings.EqualFold(text, "exit")
}

// runTurn alternates ModelTurn and ToolDispatch until the model replies
// without tool calls.
func (c *Controller) runTurn(ctx context.Context) (*Turn, error) {
	turn := &Turn{}
	for {
		if turn.Iterations >= c.maxIter {
			return nil, fmt.Errorf("%w (%d turns)", ErrIterationLimit, c.maxIter)
		}
		turn.Iterations++

		c.state = ModelTurn
		msg, err := c.modelTurn(ctx)
		if err != nil {
			return nil, err
		}
		c.transcript = append(c.transcript, msg)

		if len(msg.ToolCalls) == 0 {
			turn.Reply = msg.Content
			if turn.ToolCalls == 0 {
				turn.CodeBlocks = c.proseCodeBlocks(msg.Content)
			}
			return turn, nil
		}

		c.state = ToolDispatch
		for _, call := range msg.ToolCalls {
			c.transcript = append(c.transcript, c.dispatch(ctx, call))
			turn.ToolCalls++
		}
	}
}

// modelTurn asks the model for the next reply and normalizes it into an
// assistant message.
func (c *Controller) modelTurn(ctx context.Context) (llm.Message, error) {
	outbound := c.outbound()
	toolDefs := c.registry.List()

	c.logger.Debug("calling model", "model", c.model, "messages", len(outbound), "tools", len(toolDefs))
	start := time.Now()
	resp, err := runloop.Call(ctx, func(ctx context.Context) (*llm.ChatResponse, error) {
		return c.client.Chat(ctx, c.model, outbound, toolDefs)
	})
	if err != nil {
		return llm.Message{}, &ModelCallError{Model: c.model, Err: err}
	}
	if resp == nil {
		return llm.Message{}, &ModelCallError{Model: c.model, Err: errors.New("empty response")}
	}

	msg := normalizeReply(resp.Message)
	c.recordUsage(ctx, resp, len(msg.ToolCalls), time.Since(start))
	if len(msg.ToolCalls) > 0 {
		names := make([]string, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			names[i] = tc.Function.Name
		}
		c.logger.Debug("tool calls requested", "model", resp.Model, "tools", names)
	}
	c.logger.Log(ctx, llm.LevelTrace, "model reply", "content", msg.Content,
		"input_tokens", resp.InputTokens, "output_tokens", resp.OutputTokens)
	return msg, nil
}

func (c *Controller) recordUsage(ctx context.Context, resp *llm.ChatResponse, toolCalls int, elapsed time.Duration) {
	if c.usage == nil {
		return
	}
	model := resp.Model
	if model == "" {
		model = c.model
	}
	rec := usage.Record{
		ThreadID:     c.cps.ThreadID(),
		Model:        model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		ToolCalls:    toolCalls,
		Duration:     elapsed,
	}
	if err := c.usage.Record(ctx, rec); err != nil {
		c.logger.Warn("usage record failed", "error", err)
	}
}

// outbound builds the request transcript. When the newest entry is a
// user message its outbound copy carries the direct tool call
// reinforcement; the stored transcript never does.
func (c *Controller) outbound() []llm.Message {
	out := make([]llm.Message, len(c.transcript))
	copy(out, c.transcript)
	if last := len(out) - 1; last > 0 && out[last].Role == llm.RoleUser {
		m := out[last].Clone()
		m.Content += prompts.DirectToolCallReinforcement
		out[last] = m
	}
	if c.prepare != nil {
		out = c.prepare(out)
	}
	return out
}

// normalizeReply forces the assistant role and makes every tool call
// addressable by id.
func normalizeReply(m llm.Message) llm.Message {
	out := m.Clone()
	out.Role = llm.RoleAssistant
	out.ToolCallID = ""
	out.ToolName = ""
	for i := range out.ToolCalls {
		if out.ToolCalls[i].ID == "" {
			out.ToolCalls[i].ID = "call_" + uuid.NewString()
		}
		if out.ToolCalls[i].Function.Arguments == nil {
			out.ToolCalls[i].Function.Arguments = map[string]any{}
		}
	}
	return out
}

// dispatch runs one tool call and returns its result message. Failures,
// including unknown tools, become the result text so the model can react.
func (c *Controller) dispatch(ctx context.Context, call llm.ToolCall) llm.Message {
	name := call.Function.Name
	result := llm.Message{Role: llm.RoleTool, ToolCallID: call.ID, ToolName: name}

	out, err := c.invoke(ctx, name, call.Function.Arguments)
	if err != nil {
		var unavailable *tools.ErrToolUnavailable
		if errors.As(err, &unavailable) {
			c.logger.Warn("model requested unknown tool", "tool", name, "call_id", call.ID)
		} else {
			c.logger.Warn("tool call failed", "tool", name, "call_id", call.ID, "error", err)
		}
		result.Content = fmt.Sprintf("Error: %v", err)
		return result
	}

	c.logger.Debug("tool call completed", "tool", name, "call_id", call.ID, "bytes", len(out))
	result.Content = out
	return result
}

// invoke runs one tool on the session loop. A handler panic is recovered
// here and reported as a failed call.
func (c *Controller) invoke(ctx context.Context, name string, args map[string]any) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("tool handler panicked", "tool", name, "panic", p)
			err = fmt.Errorf("tool %s panicked: %v", name, p)
		}
	}()
	return runloop.Call(ctx, func(ctx context.Context) (string, error) {
		return c.registry.Execute(ctx, name, args)
	})
}
