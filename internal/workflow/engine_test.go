package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencellcw/ulf-warden-sub010/internal/fault"
)

// fakeRunner records every dispatch with timing, so tests can assert on
// ordering and overlap. Results, errors, and delays are keyed by tool.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []ToolCall
	starts  map[string]time.Time
	ends    map[string]time.Time
	results map[string]any
	errs    map[string]error
	delays  map[string]time.Duration
	running int
	peak    int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		starts:  make(map[string]time.Time),
		ends:    make(map[string]time.Time),
		results: make(map[string]any),
		errs:    make(map[string]error),
		delays:  make(map[string]time.Duration),
	}
}

func (f *fakeRunner) RunTool(ctx context.Context, call ToolCall) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.starts[call.Tool] = time.Now()
	f.running++
	if f.running > f.peak {
		f.peak = f.running
	}
	delay := f.delays[call.Tool]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.running--
	f.ends[call.Tool] = time.Now()
	res, ok := f.results[call.Tool]
	err := f.errs[call.Tool]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok {
		res = call.Tool + " done"
	}
	return res, nil
}

func (f *fakeRunner) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	tools := make([]string, len(f.calls))
	for i, c := range f.calls {
		tools[i] = c.Tool
	}
	return tools
}

func (f *fakeRunner) called(tool string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.Tool == tool {
			return true
		}
	}
	return false
}

func (f *fakeRunner) callFor(tool string) (ToolCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.Tool == tool {
			return c, true
		}
	}
	return ToolCall{}, false
}

func TestRun_SequentialChain(t *testing.T) {
	f := newFakeRunner()
	e := NewEngine(f, Config{})

	def := &Definition{
		Name: "chain",
		Steps: []Step{
			{ID: "a", Tool: "fetch"},
			{ID: "b", Tool: "summarize", DependsOn: []string{"a"}},
			{ID: "c", Tool: "post", DependsOn: []string{"b"}},
		},
	}
	f.results["post"] = "posted"

	res, err := e.Run(context.Background(), def, "user-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"fetch", "summarize", "post"}, f.order())
	assert.Equal(t, 3, res.Waves, "one ready wave per chain link")
	assert.Equal(t, "posted", res.Output, "sequential plan outputs the last declared step")
	assert.True(t, strings.HasPrefix(res.WorkflowID, "wf_"))
	assert.Empty(t, res.Errors)

	call, ok := f.callFor("fetch")
	require.True(t, ok)
	assert.Equal(t, "user-1", call.Subject)
	assert.Equal(t, "a", call.Step)
	assert.Equal(t, res.WorkflowID, call.Workflow)
}

func TestRun_ParallelSiblingsShareAWave(t *testing.T) {
	f := newFakeRunner()
	e := NewEngine(f, Config{})

	// B, C, and D all become ready once A finishes. C and D fan out
	// together; B is sequential and must wait for the join.
	def := &Definition{
		OutputStep: "b",
		Steps: []Step{
			{ID: "a", Tool: "root"},
			{ID: "b", Tool: "report", DependsOn: []string{"a"}},
			{ID: "c", Tool: "scan_left", DependsOn: []string{"a"}, Parallel: true},
			{ID: "d", Tool: "scan_right", DependsOn: []string{"a"}, Parallel: true},
		},
	}
	f.delays["scan_left"] = 60 * time.Millisecond
	f.delays["scan_right"] = 60 * time.Millisecond

	res, err := e.Run(context.Background(), def, "user-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Waves)
	assert.GreaterOrEqual(t, f.peak, 2, "parallel siblings must overlap")

	assert.Equal(t, "root", f.order()[0])
	for _, scan := range []string{"scan_left", "scan_right"} {
		assert.False(t, f.starts["report"].Before(f.ends[scan]),
			"sequential step %s dispatched before %s finished", "report", scan)
	}
	assert.Len(t, res.Results, 4)
}

func TestRun_ConditionSkip(t *testing.T) {
	f := newFakeRunner()
	e := NewEngine(f, Config{})

	def := &Definition{
		Steps: []Step{
			{ID: "a", Tool: "check"},
			{ID: "b", Tool: "alert", DependsOn: []string{"a"}, Condition: func(*Session) bool { return false }},
			{ID: "c", Tool: "log_result", DependsOn: []string{"b"}},
		},
	}

	res, err := e.Run(context.Background(), def, "user-1", nil)
	require.NoError(t, err)
	assert.False(t, f.called("alert"), "skipped step must not touch its tool")
	assert.True(t, f.called("log_result"), "dependents of a skipped step still run")
	assert.NotContains(t, res.Results, "b")
	assert.Empty(t, res.Errors)
}

func TestRun_ConditionReadsEarlierResults(t *testing.T) {
	f := newFakeRunner()
	e := NewEngine(f, Config{})
	f.results["probe"] = map[string]any{"status": 503}

	def := &Definition{
		Steps: []Step{
			{ID: "a", Tool: "probe"},
			{ID: "b", Tool: "page_oncall", DependsOn: []string{"a"}, Condition: func(s *Session) bool {
				obj, _ := s.Results["a"].(map[string]any)
				return obj["status"] == 503
			}},
		},
	}

	_, err := e.Run(context.Background(), def, "user-1", nil)
	require.NoError(t, err)
	assert.True(t, f.called("page_oncall"))
}

func TestRun_InputFrom(t *testing.T) {
	f := newFakeRunner()
	e := NewEngine(f, Config{})
	f.results["fetch"] = map[string]any{"url": "https://example.com/a", "status": 200}

	def := &Definition{
		OutputStep: "b",
		Steps: []Step{
			{ID: "a", Tool: "fetch"},
			{ID: "b", Tool: "summarize", DependsOn: []string{"a"}, InputFrom: "a",
				Input: map[string]any{"mode": "brief", "status": -1}},
			{ID: "c", Tool: "archive", DependsOn: []string{"a"}, InputFrom: "a.url"},
		},
	}

	_, err := e.Run(context.Background(), def, "user-1", nil)
	require.NoError(t, err)

	b, ok := f.callFor("summarize")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/a", b.Args["url"])
	assert.Equal(t, 200, b.Args["status"], "derived fields override static input")
	assert.Equal(t, "brief", b.Args["mode"], "static input survives the merge")

	c, ok := f.callFor("archive")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"url": "https://example.com/a"}, c.Args)
}

func TestRun_InputFromScalar(t *testing.T) {
	f := newFakeRunner()
	e := NewEngine(f, Config{})
	f.results["fetch"] = "plain text body"

	def := &Definition{
		Steps: []Step{
			{ID: "a", Tool: "fetch"},
			{ID: "b", Tool: "summarize", DependsOn: []string{"a"}, InputFrom: "a"},
		},
	}

	_, err := e.Run(context.Background(), def, "user-1", nil)
	require.NoError(t, err)

	b, ok := f.callFor("summarize")
	require.True(t, ok)
	assert.Equal(t, "plain text body", b.Args["input"], "scalar results land under input")
}

func TestRun_InputFromMissingReference(t *testing.T) {
	f := newFakeRunner()
	e := NewEngine(f, Config{})

	def := &Definition{
		Steps: []Step{
			{ID: "a", Tool: "summarize", InputFrom: "ghost"},
		},
	}

	res, err := e.Run(context.Background(), def, "user-1", nil)
	require.Error(t, err)
	assert.Equal(t, fault.WorkflowStepFailed, fault.KindOf(err))
	assert.Contains(t, err.Error(), `no result for "ghost"`)
	assert.False(t, f.called("summarize"), "unresolvable input never reaches the tool")
	assert.Contains(t, res.Errors, "a")
}

func TestRun_InitialContextSeedsResults(t *testing.T) {
	f := newFakeRunner()
	e := NewEngine(f, Config{})

	def := &Definition{
		Steps: []Step{
			{ID: "a", Tool: "greet", InputFrom: "payload.user"},
		},
	}
	initial := map[string]any{"payload": map[string]any{"user": "alice", "channel": "ops"}}

	res, err := e.Run(context.Background(), def, "hook", initial)
	require.NoError(t, err)

	call, ok := f.callFor("greet")
	require.True(t, ok)
	assert.Equal(t, "alice", call.Args["user"])
	assert.Contains(t, res.Results, "payload", "seed context stays addressable")
}

func TestRun_OnErrorFailAborts(t *testing.T) {
	f := newFakeRunner()
	e := NewEngine(f, Config{})
	f.errs["transform"] = errors.New("schema mismatch")

	def := &Definition{
		Steps: []Step{
			{ID: "a", Tool: "fetch"},
			{ID: "b", Tool: "transform", DependsOn: []string{"a"}},
			{ID: "c", Tool: "post", DependsOn: []string{"b"}},
		},
	}

	res, err := e.Run(context.Background(), def, "user-1", nil)
	require.Error(t, err)
	assert.Equal(t, fault.WorkflowStepFailed, fault.KindOf(err))
	assert.False(t, f.called("post"), "abort stops later waves")

	require.NotNil(t, res, "aborted runs still surface partial results")
	assert.Contains(t, res.Results, "a")
	assert.Equal(t, "schema mismatch", res.Errors["b"])
}

func TestRun_OnErrorContinue(t *testing.T) {
	f := newFakeRunner()
	e := NewEngine(f, Config{})
	f.errs["transform"] = errors.New("schema mismatch")
	f.results["post"] = "posted anyway"

	def := &Definition{
		Steps: []Step{
			{ID: "a", Tool: "fetch"},
			{ID: "b", Tool: "transform", DependsOn: []string{"a"}, OnError: OnErrorContinue},
			{ID: "c", Tool: "post", DependsOn: []string{"b"}},
		},
	}

	res, err := e.Run(context.Background(), def, "user-1", nil)
	require.NoError(t, err)
	assert.True(t, f.called("post"), "dependents of a continue-step still run")
	assert.Equal(t, "schema mismatch", res.Errors["b"])
	assert.Equal(t, "posted anyway", res.Output)
}

func TestRun_RetryStepsFlagTheDispatch(t *testing.T) {
	f := newFakeRunner()
	e := NewEngine(f, Config{})

	def := &Definition{
		Steps: []Step{
			{ID: "a", Tool: "fetch"},
			{ID: "b", Tool: "flaky_post", DependsOn: []string{"a"}, OnError: OnErrorRetry},
		},
	}

	_, err := e.Run(context.Background(), def, "user-1", nil)
	require.NoError(t, err)

	a, _ := f.callFor("fetch")
	assert.False(t, a.Retry)
	b, _ := f.callFor("flaky_post")
	assert.True(t, b.Retry, "on_error retry routes through the retry engine")
}

func TestRun_RetryStepExhaustedAborts(t *testing.T) {
	f := newFakeRunner()
	e := NewEngine(f, Config{})
	f.errs["flaky_post"] = errors.New("still down")

	def := &Definition{
		Steps: []Step{
			{ID: "a", Tool: "flaky_post", OnError: OnErrorRetry},
		},
	}

	// The runner owns the actual retrying; an error coming back means the
	// policy is spent, which aborts like fail.
	res, err := e.Run(context.Background(), def, "user-1", nil)
	require.Error(t, err)
	assert.Equal(t, fault.WorkflowStepFailed, fault.KindOf(err))
	assert.Equal(t, "still down", res.Errors["a"])
}

func TestRun_TimeoutBetweenWaves(t *testing.T) {
	f := newFakeRunner()
	e := NewEngine(f, Config{})
	f.delays["slow_fetch"] = 120 * time.Millisecond

	def := &Definition{
		Name:          "bounded",
		MaxDurationMS: 50,
		Steps: []Step{
			{ID: "a", Tool: "slow_fetch"},
			{ID: "b", Tool: "post", DependsOn: []string{"a"}},
		},
	}

	res, err := e.Run(context.Background(), def, "user-1", nil)
	require.Error(t, err)
	assert.Equal(t, fault.WorkflowTimeout, fault.KindOf(err))
	assert.Contains(t, err.Error(), "1 steps still pending")

	// The in-flight wave ran to completion; only later waves are cut off.
	assert.Contains(t, res.Results, "a")
	assert.False(t, f.called("post"))
	assert.Equal(t, 1, res.Waves)
}

func TestRun_ParallelFailureKeepsSiblingResults(t *testing.T) {
	f := newFakeRunner()
	e := NewEngine(f, Config{})
	f.errs["scan_left"] = errors.New("target unreachable")
	f.results["scan_right"] = "clean"

	def := &Definition{
		OutputStep: "d",
		Steps: []Step{
			{ID: "c", Tool: "scan_left", Parallel: true},
			{ID: "d", Tool: "scan_right", Parallel: true},
		},
	}

	res, err := e.Run(context.Background(), def, "user-1", nil)
	require.Error(t, err)
	assert.Equal(t, fault.WorkflowStepFailed, fault.KindOf(err))
	assert.Equal(t, "target unreachable", res.Errors["c"])
	assert.Equal(t, "clean", res.Results["d"], "sibling results survive a failed join")
}

func TestRun_ValidationRejectsBeforeDispatch(t *testing.T) {
	f := newFakeRunner()
	e := NewEngine(f, Config{})

	def := &Definition{
		Steps: []Step{
			{ID: "a", Tool: "echo", DependsOn: []string{"b"}},
			{ID: "b", Tool: "echo", DependsOn: []string{"a"}},
		},
	}

	res, err := e.Run(context.Background(), def, "user-1", nil)
	require.Error(t, err)
	assert.Equal(t, fault.WorkflowCycle, fault.KindOf(err))
	assert.Nil(t, res)
	assert.Empty(t, f.order(), "invalid plans never dispatch a tool")
}

func TestEngine_ValidateUsesConfiguredDepth(t *testing.T) {
	e := NewEngine(newFakeRunner(), Config{MaxDepth: 2})
	assert.NoError(t, e.Validate(chainOf(2)))
	assert.Error(t, e.Validate(chainOf(3)))
}
