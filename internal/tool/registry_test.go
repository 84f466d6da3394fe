package tool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTool is a minimal Tool implementation for testing.
type stubTool struct {
	name string
	desc string
}

func (s *stubTool) Name() string                 { return s.name }
func (s *stubTool) Description() string          { return s.desc }
func (s *stubTool) InputSchema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (s *stubTool) Execute(_ context.Context, args map[string]any) (any, error) {
	return map[string]any{"ok": true}, nil
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "web_search", desc: "Search the web"})

	got, ok := r.Get("web_search")
	require.True(t, ok)
	assert.Equal(t, "web_search", got.Name())
	assert.Equal(t, "Search the web", got.Description())
}

func TestRegistry_GetMissing(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("nonexistent")
	assert.False(t, ok)
}

func TestRegistry_NamesSorted(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.Names())

	r.Register(&stubTool{name: "zeta"})
	r.Register(&stubTool{name: "alpha"})
	r.Register(&stubTool{name: "mike"})

	assert.Equal(t, []string{"alpha", "mike", "zeta"}, r.Names())
}

func TestRegistry_OverwriteExisting(t *testing.T) {
	r := NewRegistry()

	r.Register(&stubTool{name: "web_search", desc: "v1"})
	r.Register(&stubTool{name: "web_search", desc: "v2"})

	got, ok := r.Get("web_search")
	require.True(t, ok)
	assert.Equal(t, "v2", got.Description())
	assert.Len(t, r.List(), 1)
}

func TestFuncAdapter(t *testing.T) {
	r := NewRegistry()
	r.Register(Func{
		ToolName: "echo",
		Desc:     "Returns its arguments",
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	})

	got, ok := r.Get("echo")
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"object"}`, string(got.InputSchema()), "default schema when none set")

	result, err := got.Execute(context.Background(), map[string]any{"msg": "hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"msg": "hi"}, result)
}
