// Package llm provides the chat model clients Scout talks to.
//
// Every provider converts the provider-neutral [Message] transcript into its
// own wire form and back. Tool-call ids survive both directions so a
// tool result can always be correlated with the request that caused it.
package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Transcript roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one transcript entry.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for tool results
	ToolName   string     `json:"tool_name,omitempty"`    // for tool results
}

// ToolCall is a model's request to run a tool.
type ToolCall struct {
	ID       string           `json:"id,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction names the tool and carries its arguments.
type ToolCallFunction struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatResponse is the unified response from any provider. Wire format
// conversion happens at the provider boundary.
type ChatResponse struct {
	Model     string
	CreatedAt time.Time
	Message   Message
	Done      bool

	InputTokens  int
	OutputTokens int

	// Timing, when the provider reports it.
	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// Clone returns a deep copy of m. Tool-call argument maps are copied one
// level deep, which is enough to keep outbound edits off the transcript.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc
			if tc.Function.Arguments != nil {
				args := make(map[string]any, len(tc.Function.Arguments))
				for k, v := range tc.Function.Arguments {
					args[k] = v
				}
				out.ToolCalls[i].Function.Arguments = args
			}
		}
	}
	return out
}
