// Package tool defines the closed tool interface and the explicit
// registration registry the orchestrator dispatches through. The core never
// implements a tool's business logic; it looks tools up here, gates them,
// and invokes Execute.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
)

// ErrNotRegistered is returned when a tool name has no registration.
var ErrNotRegistered = errors.New("tool not registered")

// Tool is the capability set every invokable action must implement.
// Registration is explicit: there is no directory scanning or dynamic
// loading anywhere in the dispatch path.
type Tool interface {
	Name() string
	Description() string
	InputSchema() json.RawMessage
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Registry holds registered tools by name. Thread-safe.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool under its own name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all registered tools in name order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	result := make([]Tool, 0, len(names))
	for _, name := range names {
		result = append(result, r.tools[name])
	}
	return result
}

// Func adapts a plain function into a Tool. Used by tests and the CLI's
// demo harness; production tools implement the interface directly.
type Func struct {
	ToolName string
	Desc     string
	Schema   json.RawMessage
	Fn       func(ctx context.Context, args map[string]any) (any, error)
}

func (f Func) Name() string        { return f.ToolName }
func (f Func) Description() string { return f.Desc }

func (f Func) InputSchema() json.RawMessage {
	if f.Schema == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return f.Schema
}

func (f Func) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f.Fn(ctx, args)
}
