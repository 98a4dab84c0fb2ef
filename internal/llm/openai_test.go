package llm

import (
	"context"
	"net/http"
	"testing"
)

func TestToOpenAIMessages_PreservesToolCallIDs(t *testing.T) {
	msgs := toOpenAIMessages(transcriptWithToolRound())
	if len(msgs) != 5 {
		t.Fatalf("messages = %d, want 5", len(msgs))
	}
	if msgs[0].OfSystem == nil || msgs[1].OfUser == nil {
		t.Error("system and user messages should map to their roles")
	}
	asst := msgs[2].OfAssistant
	if asst == nil || len(asst.ToolCalls) != 2 {
		t.Fatalf("assistant = %+v", asst)
	}
	if asst.ToolCalls[0].ID != "toolu_abc123" || asst.ToolCalls[0].Function.Arguments != `{"pathInProject":"hello.txt"}` {
		t.Errorf("tool call = %+v", asst.ToolCalls[0])
	}
	if asst.ToolCalls[1].Function.Arguments != "{}" {
		t.Errorf("nil arguments = %q, want {}", asst.ToolCalls[1].Function.Arguments)
	}
	if msgs[3].OfTool == nil || msgs[3].OfTool.ToolCallID != "toolu_abc123" {
		t.Errorf("tool result = %+v", msgs[3].OfTool)
	}
}

func TestToOpenAITools_SkipsMalformed(t *testing.T) {
	tools := toOpenAITools([]map[string]any{
		{"type": "function", "function": map[string]any{"name": "create_file", "parameters": map[string]any{"type": "object"}}},
		{"type": "function"},
		{"type": "function", "function": map[string]any{"description": "no name"}},
	})
	if len(tools) != 1 || tools[0].Function.Name != "create_file" {
		t.Errorf("tools = %+v", tools)
	}
	if tools[0].Function.Parameters["type"] != "object" {
		t.Errorf("parameters = %v", tools[0].Function.Parameters)
	}
}

func TestOpenAIChat_RoundTrip(t *testing.T) {
	rt := &fakeTransport{body: `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"created": 1735689600,
		"model": "gpt-4o-mini",
		"choices": [{
			"index": 0,
			"finish_reason": "tool_calls",
			"message": {
				"role": "assistant",
				"content": null,
				"tool_calls": [{
					"id": "call_abc",
					"type": "function",
					"function": {"name": "create_file", "arguments": "{\"pathInProject\":\"c.txt\"}"}
				}]
			}
		}],
		"usage": {"prompt_tokens": 55, "completion_tokens": 9, "total_tokens": 64}
	}`}
	c := NewOpenAIClient(OpenAIOptions{
		APIKey:     "test-key",
		BaseURL:    "http://localhost:1234/v1/",
		HTTPClient: &http.Client{Transport: rt},
		Logger:     quietLogger(),
	})

	resp, err := c.Chat(context.Background(), "gpt-4o-mini", transcriptWithToolRound(), nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if rt.path != "/v1/chat/completions" {
		t.Errorf("path = %s", rt.path)
	}
	if _, ok := rt.got["tools"]; ok {
		t.Error("no tools should be sent when none are available")
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(resp.Message.ToolCalls))
	}
	call := resp.Message.ToolCalls[0]
	if call.ID != "call_abc" || call.Function.Arguments["pathInProject"] != "c.txt" {
		t.Errorf("call = %+v", call)
	}
	if resp.InputTokens != 55 || resp.OutputTokens != 9 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOpenAIChat_BadArguments(t *testing.T) {
	rt := &fakeTransport{body: `{"id": "x", "object": "chat.completion", "created": 1, "model": "m",
		"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {"role": "assistant", "content": "",
		"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "create_file", "arguments": "{not json"}}]}}]}`}
	c := NewOpenAIClient(OpenAIOptions{APIKey: "k", HTTPClient: &http.Client{Transport: rt}, Logger: quietLogger()})

	if _, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "x"}}, nil); err == nil {
		t.Fatal("malformed tool arguments should fail the turn")
	}
}

func TestOpenAIChat_NoChoices(t *testing.T) {
	rt := &fakeTransport{body: `{"id": "x", "object": "chat.completion", "created": 1, "model": "m", "choices": []}`}
	c := NewOpenAIClient(OpenAIOptions{APIKey: "k", HTTPClient: &http.Client{Transport: rt}, Logger: quietLogger()})

	if _, err := c.Chat(context.Background(), "m", []Message{{Role: RoleUser, Content: "x"}}, nil); err == nil {
		t.Fatal("expected error for empty choices")
	}
}
