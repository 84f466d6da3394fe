// Package governor enforces per-user concurrency caps and per-call
// timeouts around tool execution. There is no queue: a user at the cap
// is rejected immediately and must resubmit.
package governor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opencellcw/ulf-warden-sub010/internal/fault"
	wardenotel "github.com/opencellcw/ulf-warden-sub010/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/opencellcw/ulf-warden-sub010/internal/governor")

const (
	// DefaultMaxConcurrent is the per-user in-flight cap.
	DefaultMaxConcurrent = 5
	// DefaultTimeout is the per-call timer when neither the config nor
	// the tool's policy overrides it.
	DefaultTimeout = 30 * time.Second
)

// Call is the guarded unit of work. The context it receives is cancelled
// when the per-call timer fires; cancellation is cooperative, the
// goroutine is never force-killed.
type Call func(ctx context.Context) (any, error)

// Config configures a Governor.
type Config struct {
	// MaxConcurrent is the per-user in-flight cap. Non-positive uses
	// DefaultMaxConcurrent.
	MaxConcurrent int
	// DefaultTimeout is the per-call timer. Non-positive uses
	// DefaultTimeout.
	DefaultTimeout time.Duration
	// Blocked lists statically blocklisted tool names. Blocklisted calls
	// are rejected before any counter is touched.
	Blocked []string
	// TimeoutFor, when set, returns the per-tool timeout override; a
	// non-positive return falls back to DefaultTimeout.
	TimeoutFor func(tool string) time.Duration
}

// Governor tracks per-user in-flight slots.
type Governor struct {
	maxConcurrent  int
	defaultTimeout time.Duration
	timeoutFor     func(string) time.Duration
	blocked        map[string]struct{}

	mu    sync.Mutex
	slots map[string]int
}

// New creates a Governor. Zero-valued config fields get defaults.
func New(cfg Config) *Governor {
	g := &Governor{
		maxConcurrent:  cfg.MaxConcurrent,
		defaultTimeout: cfg.DefaultTimeout,
		timeoutFor:     cfg.TimeoutFor,
		blocked:        make(map[string]struct{}, len(cfg.Blocked)),
		slots:          make(map[string]int),
	}
	if g.maxConcurrent <= 0 {
		g.maxConcurrent = DefaultMaxConcurrent
	}
	if g.defaultTimeout <= 0 {
		g.defaultTimeout = DefaultTimeout
	}
	for _, tool := range cfg.Blocked {
		g.blocked[tool] = struct{}{}
	}
	return g
}

// Blocklisted reports whether the tool is statically blocked.
func (g *Governor) Blocklisted(tool string) bool {
	_, ok := g.blocked[tool]
	return ok
}

// InFlight returns the user's current in-flight count.
func (g *Governor) InFlight(userID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slots[userID]
}

// Timeout returns the effective per-call timeout for a tool.
func (g *Governor) Timeout(tool string) time.Duration {
	if g.timeoutFor != nil {
		if d := g.timeoutFor(tool); d > 0 {
			return d
		}
	}
	return g.defaultTimeout
}

// ExecuteSecurely runs call under the blocklist, the per-user cap, and
// the per-call timer. The slot is released on every exit path; a missed
// release would permanently shrink the user's usable concurrency.
func (g *Governor) ExecuteSecurely(ctx context.Context, tool, userID string, call Call) (any, error) {
	if g.Blocklisted(tool) {
		log.Warn().Str("tool", tool).Str("user", userID).Msg("blocklisted_tool_rejected")
		return nil, fault.New(fault.AdmissionBlocked, tool, "tool is statically blocklisted")
	}

	if err := g.acquire(tool, userID); err != nil {
		return nil, err
	}
	defer g.release(userID)

	timeout := g.Timeout(tool)

	ctx, span := tracer.Start(ctx, "governor.execute",
		trace.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("user", userID),
			attribute.Int64("timeout_ms", timeout.Milliseconds()),
		))
	defer span.End()

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		out any
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		out, err := call(callCtx)
		resultCh <- outcome{out: out, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-resultCh:
		if r.err != nil {
			span.RecordError(r.err)
			span.SetStatus(codes.Error, "tool_failed")
			if fault.KindOf(r.err) != "" {
				// Already tagged by an inner gate; re-tagging as a tool
				// failure would make terminal faults retryable.
				return nil, r.err
			}
			return nil, fault.Wrap(fault.ToolExecution, tool, r.err)
		}
		span.SetStatus(codes.Ok, "")
		return r.out, nil

	case <-timer.C:
		// Cooperative cancellation: the call's context is cancelled and
		// the result, if it ever arrives, is ignored.
		cancel()
		span.SetStatus(codes.Error, "tool_timeout")
		log.Warn().
			Str("tool", tool).
			Str("user", userID).
			Dur("timeout", timeout).
			Msg("tool_call_timed_out")
		return nil, fault.New(fault.ToolTimeout, tool, fmt.Sprintf("tool call exceeded %s", timeout))

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Governor) acquire(tool, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.slots[userID] >= g.maxConcurrent {
		log.Warn().
			Str("tool", tool).
			Str("user", userID).
			Int("in_flight", g.slots[userID]).
			Int("max", g.maxConcurrent).
			Msg("concurrency_limit_exceeded")
		return fault.New(fault.ConcurrencyLimitExceeded, tool,
			fmt.Sprintf("user %s already has %d tool calls in flight", userID, g.slots[userID]))
	}
	g.slots[userID]++
	return nil
}

func (g *Governor) release(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slots[userID]--
	if g.slots[userID] <= 0 {
		delete(g.slots, userID)
	}
}
