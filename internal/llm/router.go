package llm

import (
	"context"
	"fmt"
	"sort"
)

// Router is a [Client] that sends each request to the provider serving
// the requested model. Models with no explicit provider go to the
// fallback, which is normally the local Ollama server.
type Router struct {
	providers map[string]Client
	models    map[string]string
	fallback  string

	// Default is the model whose provider [Router.Ping] checks.
	Default string
}

// NewRouter creates a router whose fallback provider is registered under
// name.
func NewRouter(name string, fallback Client) *Router {
	r := &Router{
		providers: make(map[string]Client),
		models:    make(map[string]string),
		fallback:  name,
	}
	if fallback != nil {
		r.providers[name] = fallback
	}
	return r
}

// AddProvider registers the client for a provider name.
func (r *Router) AddProvider(name string, c Client) {
	r.providers[name] = c
}

// Route pins a model to a provider. A route to a provider that was never
// registered is ignored at request time and the fallback serves it.
func (r *Router) Route(model, provider string) {
	r.models[model] = provider
}

// ProviderFor names the provider that would serve model, or "" if none
// can.
func (r *Router) ProviderFor(model string) string {
	if p, ok := r.models[model]; ok {
		if _, registered := r.providers[p]; registered {
			return p
		}
	}
	if _, ok := r.providers[r.fallback]; ok {
		return r.fallback
	}
	return ""
}

// Providers lists registered provider names alphabetically.
func (r *Router) Providers() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Router) lookup(model string) (Client, error) {
	p := r.ProviderFor(model)
	if p == "" {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return r.providers[p], nil
}

// Chat forwards the request to the model's provider.
func (r *Router) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	c, err := r.lookup(model)
	if err != nil {
		return nil, err
	}
	return c.Chat(ctx, model, messages, tools)
}

// Ping checks the provider behind the default model.
func (r *Router) Ping(ctx context.Context) error {
	c, err := r.lookup(r.Default)
	if err != nil {
		return err
	}
	return c.Ping(ctx)
}
