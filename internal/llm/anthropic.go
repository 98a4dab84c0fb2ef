package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nugget/scout/internal/httpkit"
)

// defaultAnthropicMaxTokens bounds a single reply.
const defaultAnthropicMaxTokens = 4096

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	client      anthropic.Client
	temperature float64
	maxTokens   int64
	logger      *slog.Logger
}

// AnthropicOptions configures an AnthropicClient.
type AnthropicOptions struct {
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int64
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// NewAnthropicClient creates an Anthropic Messages client.
func NewAnthropicClient(opts AnthropicOptions) *AnthropicClient {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = httpkit.NewClient(httpkit.WithTimeout(5*time.Minute), httpkit.WithLogger(logger))
	}
	reqOpts := []option.RequestOption{
		option.WithHTTPClient(hc),
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(2),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicClient{
		client:      anthropic.NewClient(reqOpts...),
		temperature: opts.Temperature,
		maxTokens:   maxTokens,
		logger:      logger,
	}
}

// Chat sends a Messages API request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	system, msgs := toAnthropicMessages(messages)
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   c.maxTokens,
		Messages:    msgs,
		Temperature: anthropic.Float(c.temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		params.Tools = toAnthropicTools(tools)
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", err)
	}

	out, err := fromAnthropicMessage(msg)
	if err != nil {
		return nil, err
	}
	out.TotalDuration = time.Since(start)

	c.logger.Debug("anthropic response",
		"model", out.Model,
		"stop_reason", msg.StopReason,
		"tool_calls", len(out.Message.ToolCalls),
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"elapsed", out.TotalDuration,
	)
	return out, nil
}

// Ping lists models to check credentials and reachability.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return fmt.Errorf("anthropic ping: %w", err)
	}
	return nil
}

// toAnthropicMessages splits out the system prompt and converts the rest.
// Tool results travel as tool_result blocks in a user turn; consecutive
// results are grouped into one turn so they follow their tool_use turn.
func toAnthropicMessages(messages []Message) (string, []anthropic.MessageParam) {
	var system []string
	var out []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
		case RoleUser:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Function.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
	}
	flush()
	return strings.Join(system, "\n\n"), out
}

func toAnthropicTools(tools []map[string]any) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		if name == "" {
			continue
		}
		tool := &anthropic.ToolParam{
			Name:        name,
			InputSchema: toAnthropicSchema(fn["parameters"]),
		}
		if desc, _ := fn["description"].(string); desc != "" {
			tool.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: tool})
	}
	return out
}

// toAnthropicSchema maps a JSON schema object onto the SDK's input schema,
// carrying keys other than properties and required as extra fields.
func toAnthropicSchema(v any) anthropic.ToolInputSchemaParam {
	schema := anthropic.ToolInputSchemaParam{Properties: map[string]any{}}
	params, ok := v.(map[string]any)
	if !ok {
		return schema
	}
	extra := map[string]any{}
	for k, val := range params {
		switch k {
		case "type":
		case "properties":
			if val != nil {
				schema.Properties = val
			}
		case "required":
			schema.Required = toStrings(val)
		default:
			extra[k] = val
		}
	}
	if len(extra) > 0 {
		schema.ExtraFields = extra
	}
	return schema
}

func toStrings(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, x := range vv {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func fromAnthropicMessage(msg *anthropic.Message) (*ChatResponse, error) {
	out := &ChatResponse{
		Model:        string(msg.Model),
		CreatedAt:    time.Now(),
		Done:         true,
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		Message:      Message{Role: RoleAssistant},
	}

	var text []string
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text = append(text, b.Text)
		case anthropic.ToolUseBlock:
			args := map[string]any{}
			if len(b.Input) > 0 {
				if err := json.Unmarshal(b.Input, &args); err != nil {
					return nil, fmt.Errorf("anthropic chat: tool_use %s input: %w", b.Name, err)
				}
			}
			out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
				ID:       b.ID,
				Function: ToolCallFunction{Name: b.Name, Arguments: args},
			})
		}
	}
	out.Message.Content = strings.Join(text, "")
	fillToolCallIDs(out.Message.ToolCalls)
	return out, nil
}
