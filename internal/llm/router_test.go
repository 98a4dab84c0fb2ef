package llm

import (
	"context"
	"errors"
	"slices"
	"testing"
)

type namedClient struct {
	name    string
	calls   int
	pings   int
	pingErr error
}

func (n *namedClient) Chat(context.Context, string, []Message, []map[string]any) (*ChatResponse, error) {
	n.calls++
	return &ChatResponse{Model: n.name}, nil
}

func (n *namedClient) Ping(context.Context) error {
	n.pings++
	return n.pingErr
}

func TestRouter_Chat(t *testing.T) {
	ollama := &namedClient{name: "ollama"}
	openai := &namedClient{name: "openai"}

	r := NewRouter("ollama", ollama)
	r.AddProvider("openai", openai)
	r.Route("gpt-4o-mini", "openai")
	r.Route("claude-sonnet-4-5", "anthropic") // never registered

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o-mini", "openai"},
		{"llama3.1:8b", "ollama"},
		{"claude-sonnet-4-5", "ollama"},
	}
	for _, tt := range tests {
		resp, err := r.Chat(context.Background(), tt.model, nil, nil)
		if err != nil {
			t.Fatalf("%s: %v", tt.model, err)
		}
		if resp.Model != tt.want {
			t.Errorf("%s routed to %s, want %s", tt.model, resp.Model, tt.want)
		}
		if got := r.ProviderFor(tt.model); got != tt.want {
			t.Errorf("ProviderFor(%s) = %q, want %q", tt.model, got, tt.want)
		}
	}
	if got := r.Providers(); !slices.Equal(got, []string{"ollama", "openai"}) {
		t.Errorf("Providers = %v", got)
	}
}

func TestRouter_PingChecksDefaultModelProvider(t *testing.T) {
	down := errors.New("connection refused")
	ollama := &namedClient{name: "ollama", pingErr: down}
	openai := &namedClient{name: "openai"}

	r := NewRouter("ollama", ollama)
	r.AddProvider("openai", openai)
	r.Route("gpt-4o-mini", "openai")

	r.Default = "gpt-4o-mini"
	if err := r.Ping(context.Background()); err != nil {
		t.Errorf("Ping = %v, want nil from openai", err)
	}
	if ollama.pings != 0 || openai.pings != 1 {
		t.Errorf("pings ollama=%d openai=%d, want 0/1", ollama.pings, openai.pings)
	}

	r.Default = "qwen3:8b"
	if err := r.Ping(context.Background()); err != down {
		t.Errorf("Ping = %v, want fallback error unchanged", err)
	}
}

func TestRouter_NoProviders(t *testing.T) {
	r := NewRouter("ollama", nil)
	if _, err := r.Chat(context.Background(), "anything", nil, nil); err == nil {
		t.Error("expected Chat error with no providers")
	}
	if err := r.Ping(context.Background()); err == nil {
		t.Error("expected Ping error with no providers")
	}
	if r.ProviderFor("anything") != "" {
		t.Error("ProviderFor should be empty with no providers")
	}
}

func TestMessageClone_Independent(t *testing.T) {
	orig := Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Function: ToolCallFunction{Name: "x", Arguments: map[string]any{"k": "v"}}}}}
	c := orig.Clone()
	c.ToolCalls[0].Function.Arguments["k"] = "changed"
	c.ToolCalls[0].ID = "b"
	if orig.ToolCalls[0].Function.Arguments["k"] != "v" || orig.ToolCalls[0].ID != "a" {
		t.Error("Clone shares state with the original")
	}
}
