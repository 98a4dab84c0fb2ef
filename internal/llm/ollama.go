package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/scout/internal/httpkit"
)

// DefaultOllamaURL is where a local Ollama listens unless configured.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaClient is a client for the Ollama API.
type OllamaClient struct {
	baseURL     string
	temperature float64
	httpClient  *http.Client
	logger      *slog.Logger
}

// OllamaOption configures an OllamaClient.
type OllamaOption func(*OllamaClient)

// WithOllamaHTTPClient replaces the HTTP client, mainly for tests.
func WithOllamaHTTPClient(c *http.Client) OllamaOption {
	return func(o *OllamaClient) { o.httpClient = c }
}

// WithTemperature sets the sampling temperature sent with every request.
func WithTemperature(t float64) OllamaOption {
	return func(o *OllamaClient) { o.temperature = t }
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger, opts ...OllamaOption) *OllamaClient {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		// Large local models with many tools can take minutes to answer,
		// so the request is bounded by ctx rather than a client timeout.
		c.httpClient = httpkit.NewClient(httpkit.WithTimeout(0), httpkit.WithLogger(logger))
	}
	return c
}

type ollamaChatRequest struct {
	Model    string           `json:"model"`
	Messages []ollamaMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  ollamaOptions    `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"` // Ollama sends an object, not a string
	} `json:"function"`
}

type ollamaChatResponse struct {
	Model     string        `json:"model"`
	CreatedAt string        `json:"created_at"`
	Message   ollamaMessage `json:"message"`
	Done      bool          `json:"done"`

	TotalDuration   int64 `json:"total_duration,omitempty"`
	LoadDuration    int64 `json:"load_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
	EvalDuration    int64 `json:"eval_duration,omitempty"`
}

// Chat sends a non-streaming chat request to Ollama.
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := ollamaChatRequest{
		Model:    model,
		Messages: toOllamaMessages(messages),
		Tools:    tools,
		Options:  ollamaOptions{Temperature: c.temperature},
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "ollama request", "model", model, "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var wire ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := fromOllamaResponse(&wire)
	if len(out.Message.ToolCalls) == 0 && out.Message.Content != "" {
		if parsed := parseTextToolCalls(out.Message.Content, extractToolNames(tools)); len(parsed) > 0 {
			c.logger.Debug("recovered tool calls from message text", "model", model, "count", len(parsed))
			out.Message.ToolCalls = parsed
			out.Message.Content = ""
		}
	}
	fillToolCallIDs(out.Message.ToolCalls)

	c.logger.Debug("ollama response",
		"model", out.Model,
		"tool_calls", len(out.Message.ToolCalls),
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"total", out.TotalDuration,
	)
	return out, nil
}

func toOllamaMessages(messages []Message) []ollamaMessage {
	out := make([]ollamaMessage, len(messages))
	for i, m := range messages {
		out[i] = ollamaMessage{Role: m.Role, Content: m.Content, ToolName: m.ToolName}
		for _, tc := range m.ToolCalls {
			var w ollamaToolCall
			w.ID = tc.ID
			w.Function.Name = tc.Function.Name
			w.Function.Arguments = tc.Function.Arguments
			if w.Function.Arguments == nil {
				w.Function.Arguments = map[string]any{}
			}
			out[i].ToolCalls = append(out[i].ToolCalls, w)
		}
	}
	return out
}

func fromOllamaResponse(w *ollamaChatResponse) *ChatResponse {
	out := &ChatResponse{
		Model:         w.Model,
		Done:          w.Done,
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		TotalDuration: time.Duration(w.TotalDuration),
		LoadDuration:  time.Duration(w.LoadDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
		Message: Message{
			Role:    RoleAssistant,
			Content: w.Message.Content,
		},
	}
	if t, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
		out.CreatedAt = t
	}
	for _, tc := range w.Message.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
			ID: tc.ID,
			Function: ToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out
}

// fillToolCallIDs assigns an id to every call the provider left blank so
// tool results can always be correlated.
func fillToolCallIDs(calls []ToolCall) {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + uuid.NewString()
		}
	}
}

type textToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseTextToolCalls attempts to extract tool calls from content text.
// Many local models write tool calls as JSON in the content rather than
// using the native tool_calls field. Handled formats:
//   - raw JSON object: {"name": "...", "arguments": {...}}
//   - concatenated objects: {...}{...}, trailing prose ignored
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - tagged: <tool_call>...</tool_call>
//   - tool name then object: find_file {"pattern": "*.go"}
//
// When validTools is non-empty, calls naming any other tool are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	valid := make(map[string]bool, len(validTools))
	for _, name := range validTools {
		valid[name] = true
	}
	accept := func(name string) bool {
		return name != "" && (len(valid) == 0 || valid[name])
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		content = content[start+len("<tool_call>"):]
		if end := strings.Index(content, "</tool_call>"); end != -1 {
			content = content[:end]
		}
		content = strings.TrimSpace(content)
	}

	var raw []textToolCall
	switch {
	case strings.HasPrefix(content, "["):
		if err := json.Unmarshal([]byte(content), &raw); err != nil {
			return nil
		}
	case strings.HasPrefix(content, "{"):
		dec := json.NewDecoder(strings.NewReader(content))
		for {
			var c textToolCall
			if err := dec.Decode(&c); err != nil {
				break
			}
			raw = append(raw, c)
		}
	case len(valid) > 0:
		idx := strings.Index(content, "{")
		if idx <= 0 {
			return nil
		}
		name := strings.TrimSpace(content[:idx])
		if !valid[name] {
			return nil
		}
		var args map[string]any
		if err := json.NewDecoder(strings.NewReader(content[idx:])).Decode(&args); err != nil {
			return nil
		}
		raw = append(raw, textToolCall{Name: name, Arguments: args})
	}

	var result []ToolCall
	for _, c := range raw {
		if !accept(c.Name) {
			continue
		}
		if c.Arguments == nil {
			c.Arguments = map[string]any{}
		}
		result = append(result, ToolCall{Function: ToolCallFunction{Name: c.Name, Arguments: c.Arguments}})
	}
	return result
}

// extractToolNames returns the function names from tool definitions in
// the function-calling format.
func extractToolNames(tools []map[string]any) []string {
	if len(tools) == 0 {
		return nil
	}
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		if name, ok := fn["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}

// ListModels returns the models installed in the local Ollama.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
