package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opencellcw/ulf-warden-sub010/internal/fault"
	wardenotel "github.com/opencellcw/ulf-warden-sub010/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/opencellcw/ulf-warden-sub010/internal/workflow")

// Config configures an Engine.
type Config struct {
	// MaxDepth bounds the longest dependency chain. Non-positive uses
	// DefaultMaxDepth.
	MaxDepth int
}

// Engine validates and runs workflow plans against one Runner.
type Engine struct {
	runner   Runner
	maxDepth int
	now      func() time.Time
}

// NewEngine creates a workflow engine dispatching through runner.
func NewEngine(runner Runner, cfg Config) *Engine {
	e := &Engine{runner: runner, maxDepth: cfg.MaxDepth, now: time.Now}
	if e.maxDepth <= 0 {
		e.maxDepth = DefaultMaxDepth
	}
	return e
}

// Validate checks the plan against the engine's depth bound.
func (e *Engine) Validate(def *Definition) error {
	return Validate(def, e.maxDepth)
}

// Run validates and executes a plan. initial seeds the session's results
// so steps can derive input from caller-provided context. On abort the
// returned Result still carries everything accumulated so far.
func (e *Engine) Run(ctx context.Context, def *Definition, subject string, initial map[string]any) (*Result, error) {
	if err := e.Validate(def); err != nil {
		return nil, err
	}

	sess := &Session{
		WorkflowID: "wf_" + uuid.NewString(),
		Subject:    subject,
		StartedAt:  e.now(),
		Results:    make(map[string]any, len(def.Steps)+len(initial)),
		Errors:     make(map[string]string),
	}
	for k, v := range initial {
		sess.Results[k] = v
	}

	ctx, span := tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow_id", sess.WorkflowID),
			attribute.String("workflow_name", def.Name),
			attribute.Int("steps", len(def.Steps)),
		))
	defer span.End()

	log.Info().
		Str("workflow_id", sess.WorkflowID).
		Str("name", def.Name).
		Str("subject", subject).
		Int("steps", len(def.Steps)).
		Msg("workflow_started")

	pending := make(map[string]struct{}, len(def.Steps))
	for _, s := range def.Steps {
		pending[s.ID] = struct{}{}
	}
	executed := make(map[string]struct{}, len(def.Steps))

	maxDur := def.maxDuration()
	waves := 0

	for len(pending) > 0 {
		if maxDur > 0 && e.now().Sub(sess.StartedAt) > maxDur {
			span.SetStatus(codes.Error, "workflow_timeout")
			log.Warn().
				Str("workflow_id", sess.WorkflowID).
				Int("completed", len(executed)).
				Int("pending", len(pending)).
				Msg("workflow_timeout")
			return e.result(sess, waves), fault.New(fault.WorkflowTimeout, def.Name,
				fmt.Sprintf("exceeded %s with %d steps still pending", maxDur, len(pending)))
		}

		ready := readySteps(def, pending, executed)
		if len(ready) == 0 {
			// Validation guarantees a topological order, so this is pure
			// defense in depth against a plan mutated mid-run.
			span.SetStatus(codes.Error, "workflow_unresolvable")
			return e.result(sess, waves), fault.New(fault.WorkflowUnresolvable, def.Name,
				fmt.Sprintf("no runnable steps while %s remain pending", strings.Join(pendingIDs(pending), ", ")))
		}
		waves++

		if err := e.runWave(ctx, ready, sess, def); err != nil {
			span.SetStatus(codes.Error, "workflow_step_failed")
			return e.result(sess, waves), err
		}

		for _, st := range ready {
			delete(pending, st.ID)
			executed[st.ID] = struct{}{}
		}
	}

	res := e.result(sess, waves)
	res.Output = sess.Results[def.outputStep()]
	span.SetAttributes(attribute.Int("waves", waves), attribute.Int("step_errors", len(sess.Errors)))
	span.SetStatus(codes.Ok, "")
	log.Info().
		Str("workflow_id", sess.WorkflowID).
		Int("waves", waves).
		Int("step_errors", len(sess.Errors)).
		Dur("elapsed", res.Elapsed).
		Msg("workflow_completed")
	return res, nil
}

// stepOutcome is what one step produced; exactly one of skipped, err, or
// out is meaningful.
type stepOutcome struct {
	skipped bool
	out     any
	err     error
}

// dispatchPlan is a step with its condition evaluated and input resolved.
// Preparation happens serially so parallel dispatch never reads session
// state concurrently.
type dispatchPlan struct {
	step Step
	args map[string]any
	skip bool
	err  error
}

func (e *Engine) runWave(ctx context.Context, ready []Step, sess *Session, def *Definition) error {
	var parallel, sequential []Step
	for _, st := range ready {
		if st.Parallel {
			parallel = append(parallel, st)
		} else {
			sequential = append(sequential, st)
		}
	}

	if len(parallel) > 0 {
		plans := make([]dispatchPlan, len(parallel))
		for i, st := range parallel {
			plans[i] = e.prepare(st, sess)
		}

		outcomes := make([]stepOutcome, len(parallel))
		var wg sync.WaitGroup
		for i, p := range plans {
			if p.skip || p.err != nil {
				outcomes[i] = stepOutcome{skipped: p.skip, err: p.err}
				continue
			}
			wg.Add(1)
			go func(i int, p dispatchPlan) {
				defer wg.Done()
				out, err := e.dispatch(ctx, p.step, sess, p.args)
				outcomes[i] = stepOutcome{out: out, err: err}
			}(i, p)
		}
		wg.Wait()

		// Record after the join; the first fail-mode failure aborts, but
		// every sibling's result or error is kept first.
		var abort error
		for i, st := range parallel {
			if err := e.record(st, outcomes[i], sess, def); err != nil && abort == nil {
				abort = err
			}
		}
		if abort != nil {
			return abort
		}
	}

	for _, st := range sequential {
		p := e.prepare(st, sess)
		var oc stepOutcome
		if p.skip || p.err != nil {
			oc = stepOutcome{skipped: p.skip, err: p.err}
		} else {
			out, err := e.dispatch(ctx, p.step, sess, p.args)
			oc = stepOutcome{out: out, err: err}
		}
		if err := e.record(st, oc, sess, def); err != nil {
			return err
		}
	}
	return nil
}

// prepare evaluates the step's condition and resolves its input against
// the session.
func (e *Engine) prepare(st Step, sess *Session) dispatchPlan {
	if st.Condition != nil && !st.Condition(sess) {
		log.Debug().
			Str("workflow_id", sess.WorkflowID).
			Str("step", st.ID).
			Msg("workflow_step_skipped")
		return dispatchPlan{step: st, skip: true}
	}
	args, err := resolveInput(st, sess.Results)
	if err != nil {
		return dispatchPlan{step: st, err: err}
	}
	return dispatchPlan{step: st, args: args}
}

func (e *Engine) dispatch(ctx context.Context, st Step, sess *Session, args map[string]any) (any, error) {
	ctx, span := tracer.Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("step", st.ID),
			attribute.String("tool", st.Tool),
			attribute.Bool("parallel", st.Parallel),
		))
	defer span.End()

	out, err := e.runner.RunTool(ctx, ToolCall{
		Tool:     st.Tool,
		Subject:  sess.Subject,
		Args:     args,
		Workflow: sess.WorkflowID,
		Step:     st.ID,
		Retry:    st.OnError == OnErrorRetry,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "step_failed")
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// record applies one outcome to the session. A skipped step leaves no
// result but still counts as finished so dependents schedule. The
// returned error, when non-nil, aborts the whole run.
func (e *Engine) record(st Step, oc stepOutcome, sess *Session, def *Definition) error {
	if oc.skipped {
		return nil
	}
	if oc.err == nil {
		sess.Results[st.ID] = oc.out
		return nil
	}

	sess.Errors[st.ID] = oc.err.Error()
	onErr := def.effectiveOnError(st)
	log.Warn().
		Str("workflow_id", sess.WorkflowID).
		Str("step", st.ID).
		Str("on_error", string(onErr)).
		Err(oc.err).
		Msg("workflow_step_failed")
	if onErr == OnErrorContinue {
		return nil
	}
	// fail, or retry with its policy exhausted
	return fault.Wrap(fault.WorkflowStepFailed, st.ID, oc.err)
}

// resolveInput builds the argument map: the static input, optionally
// extended from an earlier result named by input_from. A whole-object
// result merges over the static input; "stepID.field" copies one field
// under its own name; a scalar whole result lands under "input".
func resolveInput(st Step, results map[string]any) (map[string]any, error) {
	args := make(map[string]any, len(st.Input)+1)
	for k, v := range st.Input {
		args[k] = v
	}
	if st.InputFrom == "" {
		return args, nil
	}

	ref, field, hasField := strings.Cut(st.InputFrom, ".")
	val, ok := results[ref]
	if !ok {
		return nil, fmt.Errorf("input_from %q: no result for %q", st.InputFrom, ref)
	}
	if hasField {
		obj, ok := val.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("input_from %q: result of %q is not an object", st.InputFrom, ref)
		}
		fv, ok := obj[field]
		if !ok {
			return nil, fmt.Errorf("input_from %q: result of %q has no field %q", st.InputFrom, ref, field)
		}
		args[field] = fv
		return args, nil
	}
	if obj, ok := val.(map[string]any); ok {
		for k, v := range obj {
			args[k] = v
		}
		return args, nil
	}
	args["input"] = val
	return args, nil
}

// readySteps returns pending steps whose dependencies have all finished,
// in declaration order.
func readySteps(def *Definition, pending, executed map[string]struct{}) []Step {
	var ready []Step
	for _, st := range def.Steps {
		if _, p := pending[st.ID]; !p {
			continue
		}
		ok := true
		for _, dep := range st.DependsOn {
			if _, done := executed[dep]; !done {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, st)
		}
	}
	return ready
}

func pendingIDs(pending map[string]struct{}) []string {
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) result(sess *Session, waves int) *Result {
	return &Result{
		WorkflowID: sess.WorkflowID,
		Results:    sess.Results,
		Errors:     sess.Errors,
		Waves:      waves,
		Elapsed:    e.now().Sub(sess.StartedAt),
	}
}
