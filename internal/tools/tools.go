// Package tools defines the tool descriptors the model may call and the
// registry that resolves a requested tool name to its descriptor.
//
// A Registry is filled once at startup by the MCP loader and is read-only
// afterwards, so it carries no locks.
package tools

import (
	"context"
	"fmt"
	"sort"
)

// Handler invokes a tool with named arguments and returns its text output.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool describes a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`

	// Source names the provider the tool was discovered on.
	Source string `json:"source,omitempty"`
}

// Invocable reports whether the tool can actually be called.
func (t *Tool) Invocable() bool {
	return t != nil && t.Name != "" && t.Handler != nil
}

// Registry holds the tools available to the model, keyed by name.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry creates a registry holding the given tools. Later tools
// replace earlier ones with the same name.
func NewRegistry(ts ...*Tool) *Registry {
	r := &Registry{tools: make(map[string]*Tool, len(ts))}
	for _, t := range ts {
		r.Register(t)
	}
	return r
}

// Register adds a tool to the registry.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; !exists {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.order)
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// SortedNames returns tool names alphabetically.
func (r *Registry) SortedNames() []string {
	out := r.Names()
	sort.Strings(out)
	return out
}

// All returns the tools in registration order.
func (r *Registry) All() []*Tool {
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// List returns all tools in the function-calling format shared by Ollama
// and OpenAI-compatible chat APIs.
func (r *Registry) List() []map[string]any {
	result := make([]map[string]any, 0, len(r.order))
	for _, t := range r.All() {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return result
}

// Execute runs a tool by name. An unknown name yields *ErrToolUnavailable;
// handler errors are returned unchanged.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.tools[name]
	if !tool.Invocable() {
		return "", &ErrToolUnavailable{ToolName: name, Available: r.SortedNames()}
	}
	if args == nil {
		args = map[string]any{}
	}
	return tool.Handler(ctx, args)
}

// String describes the registry for log lines.
func (r *Registry) String() string {
	return fmt.Sprintf("%d tools %v", r.Len(), r.order)
}
