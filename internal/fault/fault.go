// Package fault defines the tagged error taxonomy for gate and scheduler
// decisions. Callers branch on Kind (via KindOf or errors.As) instead of
// sniffing message strings; the retry engine treats every kind except
// ToolExecution as terminal.
package fault

import (
	"errors"
	"time"
)

// Kind identifies which gate or scheduler stage produced a failure.
type Kind string

const (
	// AdmissionBlocked — sanitizer/vetter denial or static argument
	// validation failure. Never retried.
	AdmissionBlocked Kind = "admission_blocked"
	// RateLimitExceeded — fixed-window denial; carries RetryAfter.
	RateLimitExceeded Kind = "rate_limit_exceeded"
	// ConcurrencyLimitExceeded — per-user in-flight cap hit; the caller
	// must back off and resubmit, there is no queue.
	ConcurrencyLimitExceeded Kind = "concurrency_limit_exceeded"
	// ToolTimeout — the per-call timer fired before the tool returned.
	ToolTimeout Kind = "tool_timeout"
	// ToolExecution wraps the underlying tool failure; the only kind
	// eligible for retry, and only under the idempotency+pattern gate.
	ToolExecution Kind = "tool_execution_error"

	WorkflowCycle        Kind = "workflow_cycle"
	WorkflowUnresolvable Kind = "workflow_unresolvable_dependency"
	WorkflowTimeout      Kind = "workflow_timeout"
	WorkflowStepFailed   Kind = "workflow_step_failed"
)

// Fault is the error type carried across the decision pipeline.
type Fault struct {
	Kind       Kind
	Subject    string        // tool name or workflow step id, when known
	Reason     string        // human-readable explanation
	RetryAfter time.Duration // set for RateLimitExceeded
	Err        error         // wrapped cause, when one exists
}

func (f *Fault) Error() string {
	msg := f.Reason
	if msg == "" && f.Err != nil {
		msg = f.Err.Error()
	}
	if msg == "" {
		msg = string(f.Kind)
	}
	if f.Subject != "" {
		return f.Subject + ": " + msg
	}
	return msg
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (f *Fault) Unwrap() error {
	return f.Err
}

// New creates a Fault with no wrapped cause.
func New(kind Kind, subject, reason string) *Fault {
	return &Fault{Kind: kind, Subject: subject, Reason: reason}
}

// Wrap creates a Fault around an underlying error. The reason defaults to
// the cause's message when left empty.
func Wrap(kind Kind, subject string, err error) *Fault {
	return &Fault{Kind: kind, Subject: subject, Err: err}
}

// RateLimited creates a RateLimitExceeded fault carrying the wait hint.
func RateLimited(subject, reason string, retryAfter time.Duration) *Fault {
	return &Fault{Kind: RateLimitExceeded, Subject: subject, Reason: reason, RetryAfter: retryAfter}
}

// KindOf returns the Kind of err, unwrapping as needed, or "" when err
// carries no Fault anywhere in its chain.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// IsKind reports whether err carries a Fault of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Terminal reports whether the kind must never be retried by the retry
// engine. Plain (untagged) errors, tool failures, and per-call timeouts are
// the only retry candidates — a timeout still has to pass the
// idempotency+pattern gate like any other failure.
func Terminal(kind Kind) bool {
	switch kind {
	case "", ToolExecution, ToolTimeout:
		return false
	}
	return true
}
