package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opencellcw/ulf-warden-sub010/internal/admission"
	"github.com/opencellcw/ulf-warden-sub010/internal/audit"
	"github.com/opencellcw/ulf-warden-sub010/internal/fault"
	"github.com/opencellcw/ulf-warden-sub010/internal/requestctx"
	"github.com/opencellcw/ulf-warden-sub010/internal/usage"
	"github.com/opencellcw/ulf-warden-sub010/internal/workflow"
)

// ErrConfirmationRequired is returned by ExecuteTool when the vetter
// allowed the call but policy demands an explicit approval the request
// did not carry. The result still holds the decision so callers can
// present it and resubmit with Confirmed set.
var ErrConfirmationRequired = errors.New("tool call requires user confirmation")

// ExecRequest is one governed tool invocation.
type ExecRequest struct {
	Tool    string         `json:"tool"`
	Subject string         `json:"subject,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	// UserRequest is the original user ask, shown to the vetter so it can
	// judge whether the call serves it.
	UserRequest string `json:"user_request,omitempty"`
	// Confirmed attests that the user approved this exact call.
	Confirmed bool `json:"confirmed,omitempty"`
	// Retry runs the call under the tool's registered retry policy.
	Retry bool `json:"retry,omitempty"`
}

// ExecResult is the outcome of a governed invocation.
type ExecResult struct {
	ID        string              `json:"id"`
	Tool      string              `json:"tool"`
	Output    any                 `json:"output,omitempty"`
	Decision  *admission.Decision `json:"decision,omitempty"`
	Attempts  int                 `json:"attempts,omitempty"`
	ElapsedMS int64               `json:"elapsed_ms"`
}

// ExecuteTool runs the full pipeline for one tool call: registry lookup,
// admission vet, rate limit, then invocation under the concurrency
// governor. Every stage outcome lands in the audit trail.
//
//nolint:gocyclo // the pipeline reads better as one ordered sequence
func (o *Orchestrator) ExecuteTool(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	start := time.Now()
	execID := "exec_" + uuid.New().String()[:12]
	subject := req.Subject
	if subject == "" {
		subject = requestctx.Subject(ctx)
	}

	ctx, span := tracer.Start(ctx, "orchestrator.execute_tool",
		trace.WithAttributes(
			attribute.String("exec_id", execID),
			attribute.String("tool", req.Tool),
			attribute.String("subject", subject),
			attribute.Bool("retry", req.Retry),
		))
	defer span.End()

	log.Info().
		Str("exec_id", execID).
		Str("tool", req.Tool).
		Str("subject", subject).
		Msg("tool_execution_started")

	// 1. The tool must exist and the static rules must pass: subject not
	// banned, tool not blocklisted, declared when the registry is closed.
	impl, registered := o.registry.Get(req.Tool)
	reason := ""
	if !registered {
		reason = "tool is not registered"
	} else {
		reason = o.staticDenial(ctx, subject, req.Tool, req.Args)
	}
	if reason != "" {
		usage.RecordDecision(ctx, audit.StageAdmission, audit.OutcomeBlocked)
		o.record(ctx, &audit.Record{
			Stage:   audit.StageAdmission,
			Subject: subject,
			Tool:    req.Tool,
			Outcome: audit.OutcomeBlocked,
			Reason:  reason,
		})
		err := fault.New(fault.AdmissionBlocked, req.Tool, reason)
		span.RecordError(err)
		span.SetStatus(codes.Error, "statically_denied")
		return nil, err
	}

	// 2. Admission: argument rules, then the judge for risky calls.
	dec := o.vetAs(ctx, subject, req.Tool, req.Args, req.UserRequest)
	if !dec.Allowed {
		span.SetStatus(codes.Error, "admission_blocked")
		return nil, fault.New(fault.AdmissionBlocked, req.Tool, dec.Reason)
	}
	if dec.RequiresConfirmation && !req.Confirmed {
		span.SetStatus(codes.Error, "confirmation_required")
		log.Info().
			Str("exec_id", execID).
			Str("tool", req.Tool).
			Msg("tool_execution_awaiting_confirmation")
		return &ExecResult{ID: execID, Tool: req.Tool, Decision: dec}, ErrConfirmationRequired
	}

	// 3. Rate limit, checked once per invocation: retries below reuse the
	// admission already paid for.
	if rd := o.CheckRateLimit(ctx, subject, req.Tool); !rd.Allowed {
		span.SetStatus(codes.Error, "rate_limited")
		return nil, fault.RateLimited(subject,
			fmt.Sprintf("rate limit of %d per window exhausted", rd.Limit), rd.RetryAfter)
	}

	// 4. Invoke under the governor; the retry engine wraps it when asked.
	attempts := 0
	invoke := func(ctx context.Context) (any, error) {
		attempts++
		return o.governor.ExecuteSecurely(ctx, req.Tool, subject, func(ctx context.Context) (any, error) {
			return impl.Execute(ctx, req.Args)
		})
	}

	var out any
	var err error
	if req.Retry {
		out, err = o.retries.Run(ctx, req.Tool, invoke)
		usage.RecordRetryAttempts(ctx, req.Tool, attempts)
	} else {
		out, err = invoke(ctx)
	}

	// 5. Record the outcome.
	detail := map[string]any{"exec_id": execID, "attempts": attempts}
	if err == nil {
		if enc, mErr := json.Marshal(out); mErr == nil {
			detail["result_hash"] = audit.HashContent(string(enc))
		}
	}
	o.recordExecution(ctx, req.Tool, subject, start, err, detail)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(fault.KindOf(err)))
		log.Warn().
			Str("exec_id", execID).
			Str("tool", req.Tool).
			Int("attempts", attempts).
			Err(err).
			Msg("tool_execution_failed")
		return nil, err
	}

	elapsed := time.Since(start)
	span.SetStatus(codes.Ok, "")
	log.Info().
		Str("exec_id", execID).
		Str("tool", req.Tool).
		Dur("elapsed", elapsed).
		Msg("tool_execution_completed")
	return &ExecResult{
		ID:        execID,
		Tool:      req.Tool,
		Output:    out,
		Decision:  dec,
		Attempts:  attempts,
		ElapsedMS: elapsed.Milliseconds(),
	}, nil
}

// RunTool implements workflow.Runner: every workflow step passes through
// the same admission, rate, and concurrency gates as a direct call.
// Workflows cannot carry interactive approval, so steps that hit an
// always-confirm tool fail closed.
func (o *Orchestrator) RunTool(ctx context.Context, call workflow.ToolCall) (any, error) {
	res, err := o.ExecuteTool(ctx, ExecRequest{
		Tool:        call.Tool,
		Subject:     call.Subject,
		Args:        call.Args,
		UserRequest: fmt.Sprintf("workflow %s step %s", call.Workflow, call.Step),
		Retry:       call.Retry,
	})
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}

// staticDenial runs the compiled Rego rules for one call: subject bans
// first, then blocklist and closed-registry declaration. It returns the
// deny reasons joined, or "" when the call passes. An engine that cannot
// answer denies; static policy has no fail-open mode.
func (o *Orchestrator) staticDenial(ctx context.Context, subject, toolName string, args map[string]any) string {
	sub, err := o.statics.EvaluateSubject(ctx, subject)
	if err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("static_policy_error")
		return "static policy evaluation failed"
	}
	if !sub.Allowed {
		return strings.Join(sub.Reasons, "; ")
	}

	acc, err := o.statics.EvaluateToolAccess(ctx, toolName, args)
	if err != nil {
		log.Warn().Err(err).Str("tool", toolName).Msg("static_policy_error")
		return "static policy evaluation failed"
	}
	if !acc.Allowed {
		return strings.Join(acc.Reasons, "; ")
	}
	return ""
}
