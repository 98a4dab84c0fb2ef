package mcp

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNewRequest_OmitsNilParams(t *testing.T) {
	data, err := json.Marshal(NewRequest(7, "tools/list", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["jsonrpc"] != "2.0" || m["method"] != "tools/list" || m["id"] != float64(7) {
		t.Errorf("unexpected request encoding: %s", data)
	}
	if _, ok := m["params"]; ok {
		t.Error("params should be omitted when nil")
	}
}

func TestNotification_HasNoID(t *testing.T) {
	data, err := json.Marshal(NewNotification("notifications/initialized", nil))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := m["id"]; ok {
		t.Errorf("notification must not carry an id: %s", data)
	}
}

func TestResponse_Answers(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		id   int64
		want bool
	}{
		{"matching result", `{"jsonrpc":"2.0","id":3,"result":{}}`, 3, true},
		{"matching error", `{"jsonrpc":"2.0","id":3,"error":{"code":-32601,"message":"nope"}}`, 3, true},
		{"other id", `{"jsonrpc":"2.0","id":4,"result":{}}`, 3, false},
		{"server notification", `{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`, 0, false},
		{"server request", `{"jsonrpc":"2.0","id":3,"method":"roots/list"}`, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp Response
			if err := json.Unmarshal([]byte(tt.raw), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := resp.answers(tt.id); got != tt.want {
				t.Errorf("answers(%d) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestDecodeResult(t *testing.T) {
	resp := &Response{ID: 1, Result: json.RawMessage(`{"tools":[{"name":"create_file"}]}`)}
	got, err := decodeResult[toolsListResult](resp)
	if err != nil {
		t.Fatalf("decodeResult: %v", err)
	}
	if len(got.Tools) != 1 || got.Tools[0].Name != "create_file" {
		t.Errorf("decoded = %+v", got)
	}
}

func TestDecodeResult_Errors(t *testing.T) {
	rpcErr := &RPCError{Code: CodeMethodNotFound, Message: "Method not found"}

	_, err := decodeResult[toolsListResult](&Response{ID: 1, Error: rpcErr})
	var got *RPCError
	if !errors.As(err, &got) || got.Code != CodeMethodNotFound {
		t.Errorf("err = %v, want *RPCError %d", err, CodeMethodNotFound)
	}

	if _, err := decodeResult[toolsListResult](&Response{ID: 1}); !errors.Is(err, errEmptyResult) {
		t.Errorf("empty result err = %v", err)
	}

	if _, err := decodeResult[toolsListResult](&Response{ID: 1, Result: json.RawMessage(`[1,2]`)}); err == nil {
		t.Error("mismatched result shape should fail")
	}
}

func TestRPCError_Error(t *testing.T) {
	e := &RPCError{Code: CodeInvalidRequest, Message: "Invalid Request"}
	if got, want := e.Error(), "jsonrpc error -32600: Invalid Request"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
