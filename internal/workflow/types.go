// Package workflow schedules DAG-shaped tool plans: steps with
// dependencies execute in ready waves, parallel steps fan out inside a
// wave, and every tool call dispatches through the caller-supplied
// runner so rate limiting, concurrency governance, and retry apply
// uniformly.
package workflow

import (
	"context"
	"time"
)

// OnError selects how a step failure affects the rest of the run.
type OnError string

const (
	// OnErrorFail aborts the whole workflow on the first failure. This is
	// the default.
	OnErrorFail OnError = "fail"
	// OnErrorContinue records the failure and keeps scheduling later
	// waves; dependents of the failed step still run.
	OnErrorContinue OnError = "continue"
	// OnErrorRetry routes the call through the retry engine first and
	// aborts only once the policy is exhausted.
	OnErrorRetry OnError = "retry"
)

// Condition decides at runtime whether a step runs. A false return skips
// the step without touching any tool. Conditions are programmatic and do
// not survive JSON round trips.
type Condition func(s *Session) bool

// Step is one node of the plan.
type Step struct {
	ID   string `json:"id"`
	Tool string `json:"tool"`
	// Input is the static argument map for the tool call.
	Input map[string]any `json:"input,omitempty"`
	// InputFrom derives arguments from an earlier result: "stepID" merges
	// an object result into the input (a scalar lands under "input"),
	// "stepID.field" copies that one field.
	InputFrom string   `json:"input_from,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	// Parallel steps in the same ready wave fan out together; sequential
	// steps run one at a time in declaration order after them.
	Parallel bool    `json:"parallel,omitempty"`
	OnError  OnError `json:"on_error,omitempty"`

	Condition Condition `json:"-"`
}

// Definition is a full plan.
type Definition struct {
	Name  string `json:"name,omitempty"`
	Steps []Step `json:"steps"`
	// OutputStep names the step whose result is the workflow's output.
	// Required when any step is parallel; an all-sequential plan defaults
	// to its last declared step.
	OutputStep string `json:"output_step,omitempty"`
	// MaxDurationMS bounds the whole run; checked between waves only, an
	// in-flight call is never interrupted by it. Zero means unbounded.
	MaxDurationMS int64 `json:"max_duration_ms,omitempty"`
}

func (d *Definition) maxDuration() time.Duration {
	if d.MaxDurationMS <= 0 {
		return 0
	}
	return time.Duration(d.MaxDurationMS) * time.Millisecond
}

func (d *Definition) effectiveOnError(s Step) OnError {
	if s.OnError == "" {
		return OnErrorFail
	}
	return s.OnError
}

// outputStep resolves the designated output step; Validate has already
// guaranteed this is unambiguous.
func (d *Definition) outputStep() string {
	if d.OutputStep != "" {
		return d.OutputStep
	}
	if len(d.Steps) == 0 {
		return ""
	}
	return d.Steps[len(d.Steps)-1].ID
}

// Session is the mutable state of one run. Results is seeded from the
// caller's initial context, so InputFrom can reference seed keys as well
// as step ids.
type Session struct {
	WorkflowID string
	Subject    string
	StartedAt  time.Time
	Results    map[string]any
	Errors     map[string]string
}

// Result is the outcome of a run. Errors may be non-empty even on
// success when continue-steps failed along the way.
type Result struct {
	WorkflowID string            `json:"workflow_id"`
	Output     any               `json:"output,omitempty"`
	Results    map[string]any    `json:"results"`
	Errors     map[string]string `json:"errors,omitempty"`
	Waves      int               `json:"waves"`
	Elapsed    time.Duration     `json:"elapsed"`
}

// ToolCall is one dispatch request handed to the Runner.
type ToolCall struct {
	Tool    string
	Subject string
	Args    map[string]any
	// Workflow and Step identify the dispatching run, for audit trails.
	Workflow string
	Step     string
	// Retry routes the call through the retry engine (steps with
	// on_error: retry).
	Retry bool
}

// Runner executes one gated tool call on behalf of a step. The
// orchestrator's implementation chains rate limiting, the concurrency
// governor, and optionally the retry engine.
type Runner interface {
	RunTool(ctx context.Context, call ToolCall) (any, error)
}
