// Package retry implements idempotency-gated automatic retry with
// exponential backoff, plus ordered fallback chains.
//
// The retry gate is deliberately conservative: a failure is retried only
// when attempts remain, the tool is declared idempotent, AND the error
// message matches a retryable pattern. Idempotency is the hard gate —
// a non-idempotent tool is never retried no matter what the error says.
package retry

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opencellcw/ulf-warden-sub010/internal/fault"
)

// Policy is the backoff configuration for one tool.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	RetryablePatterns []string
	Idempotent        bool
}

// defaultRetryablePatterns are matched case-insensitively as substrings of
// the error message. They cover transient transport and upstream failures.
var defaultRetryablePatterns = []string{
	"econnreset",
	"econnrefused",
	"etimedout",
	"timeout",
	"timed out",
	"rate_limit_error",
	"overloaded_error",
	"socket hang up",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"429",
	"502",
	"503",
}

// DefaultPolicy returns the policy applied to tools without a registered
// override. Idempotent defaults to false, so unregistered tools get
// exactly-once execution.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		RetryablePatterns: defaultRetryablePatterns,
		Idempotent:        false,
	}
}

// normalize fills zero fields from the defaults so a partial policy
// (e.g. from a manifest) behaves predictably.
func (p Policy) normalize() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts < 1 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = def.BackoffMultiplier
	}
	if len(p.RetryablePatterns) == 0 {
		p.RetryablePatterns = def.RetryablePatterns
	}
	return p
}

// Delay returns the backoff before the attempt following the given one:
// min(maxDelay, initialDelay × multiplier^(attempt-1)).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1)))
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Engine holds per-tool retry policies and runs the retry loop.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]Policy

	sleep func(context.Context, time.Duration) error
}

// NewEngine creates an empty retry engine; tools without a registered
// policy use DefaultPolicy.
func NewEngine() *Engine {
	return &Engine{
		policies: make(map[string]Policy),
		sleep:    sleepCtx,
	}
}

// RegisterPolicy sets the retry policy for a tool. Zero fields inherit
// the defaults. Registering again overwrites.
func (e *Engine) RegisterPolicy(tool string, p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[tool] = p.normalize()
}

// PolicyFor returns the effective policy for a tool.
func (e *Engine) PolicyFor(tool string) Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if p, ok := e.policies[tool]; ok {
		return p
	}
	return DefaultPolicy()
}

// Run executes fn under the tool's retry policy. The loop is explicit
// rather than recursive so high attempt counts cannot grow the stack.
// Errors that don't pass the retry gate propagate unchanged.
func (e *Engine) Run(ctx context.Context, tool string, fn func(context.Context) (any, error)) (any, error) {
	policy := e.PolicyFor(tool)

	attempt := 1
	var totalDelay time.Duration
	for {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}

		if !shouldRetry(policy, attempt, err) {
			return nil, err
		}

		delay := policy.Delay(attempt)
		log.Debug().
			Str("tool", tool).
			Int("attempt", attempt).
			Dur("delay", delay).
			Dur("total_delay", totalDelay).
			Err(err).
			Msg("tool_retry_scheduled")

		if serr := e.sleep(ctx, delay); serr != nil {
			return nil, fmt.Errorf("retry interrupted after attempt %d: %w", attempt, err)
		}
		totalDelay += delay
		attempt++
	}
}

// shouldRetry is the three-part gate: attempts remain, the tool is
// idempotent, and the error message matches a retryable pattern. Terminal
// faults (admission, rate, concurrency) are never retried even when their
// message happens to contain a matching substring.
func shouldRetry(p Policy, attempt int, err error) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	if !p.Idempotent {
		return false
	}
	if fault.Terminal(fault.KindOf(err)) {
		return false
	}
	return matchesPattern(p.RetryablePatterns, err)
}

func matchesPattern(patterns []string, err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pat := range patterns {
		if strings.Contains(msg, strings.ToLower(pat)) {
			return true
		}
	}
	return false
}

// Strategy is one alternative in a fallback chain.
type Strategy struct {
	Name string
	Fn   func(context.Context) (any, error)
}

// RunFallback tries each strategy in order and returns the first success.
// If all fail, the returned error lists every strategy's failure message;
// intermediate failures are never silently dropped.
func RunFallback(ctx context.Context, strategies []Strategy) (any, error) {
	if len(strategies) == 0 {
		return nil, fmt.Errorf("fallback chain is empty")
	}

	failures := make([]string, 0, len(strategies))
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", s.Name, err))
			break
		}

		out, err := s.Fn(ctx)
		if err == nil {
			return out, nil
		}
		log.Debug().
			Str("strategy", s.Name).
			Err(err).
			Msg("fallback_strategy_failed")
		failures = append(failures, fmt.Sprintf("%s: %v", s.Name, err))
	}

	return nil, fmt.Errorf("all %d fallback strategies failed: %s", len(failures), strings.Join(failures, "; "))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
