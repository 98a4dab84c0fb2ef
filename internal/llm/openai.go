package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/nugget/scout/internal/httpkit"
)

// OpenAIClient talks to the OpenAI chat completions API or any
// OpenAI-compatible endpoint.
type OpenAIClient struct {
	client      openai.Client
	temperature float64
	logger      *slog.Logger
}

// OpenAIOptions configures an OpenAIClient.
type OpenAIOptions struct {
	APIKey      string
	BaseURL     string // empty uses the OpenAI default
	Temperature float64
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// NewOpenAIClient creates an OpenAI chat client.
func NewOpenAIClient(opts OpenAIOptions) *OpenAIClient {
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
	return &OpenAIClient{
		client:      openai.NewClient(reqOpts...),
		temperature: opts.Temperature,
		logger:      logger,
	}
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    toOpenAIMessages(messages),
		Temperature: openai.Float(c.temperature),
	}
	if len(tools) > 0 {
		params.Tools = toOpenAITools(tools)
	}

	start := time.Now()
	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", err)
	}

	out, err := fromOpenAICompletion(completion)
	if err != nil {
		return nil, err
	}
	out.TotalDuration = time.Since(start)

	c.logger.Debug("openai response",
		"model", out.Model,
		"tool_calls", len(out.Message.ToolCalls),
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"elapsed", out.TotalDuration,
	)
	return out, nil
}

// Ping lists models to check credentials and reachability.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	return nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := &openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				args := tc.Function.Arguments
				if args == nil {
					args = map[string]any{}
				}
				raw, err := json.Marshal(args)
				if err != nil {
					raw = []byte("{}")
				}
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Function.Name,
						Arguments: string(raw),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: asst})
		}
	}
	return out
}

func toOpenAITools(tools []map[string]any) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		name, _ := fn["name"].(string)
		if name == "" {
			continue
		}
		def := shared.FunctionDefinitionParam{Name: name}
		if desc, _ := fn["description"].(string); desc != "" {
			def.Description = openai.String(desc)
		}
		if params, ok := fn["parameters"].(map[string]any); ok {
			def.Parameters = shared.FunctionParameters(params)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: def})
	}
	return out
}

func fromOpenAICompletion(completion *openai.ChatCompletion) (*ChatResponse, error) {
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai chat: response has no choices")
	}
	msg := completion.Choices[0].Message

	out := &ChatResponse{
		Model:        completion.Model,
		CreatedAt:    time.Unix(completion.Created, 0),
		Done:         true,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
		Message: Message{
			Role:    RoleAssistant,
			Content: msg.Content,
		},
	}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("openai chat: tool call %s arguments: %w", tc.Function.Name, err)
			}
		}
		out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
			ID:       tc.ID,
			Function: ToolCallFunction{Name: tc.Function.Name, Arguments: args},
		})
	}
	fillToolCallIDs(out.Message.ToolCalls)
	return out, nil
}
