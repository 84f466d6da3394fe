// Package orchestrator wires the gating pipeline around every tool call.
//
// A governed execution runs a fixed sequence: registry lookup → admission
// vet → rate limit → concurrency slot → invoke (optionally under the
// tool's retry policy) → audit + usage. Workflow runs dispatch each step
// through the same sequence, so no path reaches a tool ungated.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opencellcw/ulf-warden-sub010/internal/admission"
	"github.com/opencellcw/ulf-warden-sub010/internal/audit"
	"github.com/opencellcw/ulf-warden-sub010/internal/config"
	"github.com/opencellcw/ulf-warden-sub010/internal/fault"
	"github.com/opencellcw/ulf-warden-sub010/internal/governor"
	"github.com/opencellcw/ulf-warden-sub010/internal/judge"
	wardenotel "github.com/opencellcw/ulf-warden-sub010/internal/otel"
	"github.com/opencellcw/ulf-warden-sub010/internal/policy"
	"github.com/opencellcw/ulf-warden-sub010/internal/ratelimit"
	"github.com/opencellcw/ulf-warden-sub010/internal/requestctx"
	"github.com/opencellcw/ulf-warden-sub010/internal/retry"
	"github.com/opencellcw/ulf-warden-sub010/internal/tool"
	"github.com/opencellcw/ulf-warden-sub010/internal/usage"
	"github.com/opencellcw/ulf-warden-sub010/internal/workflow"
)

var tracer = wardenotel.Tracer("github.com/opencellcw/ulf-warden-sub010/internal/orchestrator")

// Orchestrator owns the decision components for one Warden process.
// Construct with New; there are no package-level singletons.
type Orchestrator struct {
	cfg      *config.Config
	manifest *policy.Manifest
	registry *tool.Registry
	statics  *policy.Engine
	gate     *admission.Gate
	limiter  *ratelimit.Limiter
	governor *governor.Governor
	retries  *retry.Engine
	flows    *workflow.Engine
	auditLog *audit.Store // nil when auditing is disabled
}

type options struct {
	judge    judge.Provider
	registry *tool.Registry
	auditLog *audit.Store
	auditSet bool
}

// Option overrides a constructed component — mainly for tests and for
// callers that already own a piece.
type Option func(*options)

// WithJudge injects the admission judge instead of building one from the
// provider configuration.
func WithJudge(p judge.Provider) Option {
	return func(o *options) { o.judge = p }
}

// WithRegistry supplies a pre-populated tool registry.
func WithRegistry(r *tool.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithAuditStore injects the audit store; passing nil disables auditing
// regardless of configuration.
func WithAuditStore(s *audit.Store) Option {
	return func(o *options) { o.auditLog = s; o.auditSet = true }
}

// New composes an orchestrator from operator config and a loaded manifest.
func New(cfg *config.Config, manifest *policy.Manifest, opts ...Option) (*Orchestrator, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	jp := o.judge
	if jp == nil {
		var err error
		jp, err = buildJudge(cfg)
		if err != nil {
			return nil, err
		}
	}

	registry := o.registry
	if registry == nil {
		registry = tool.NewRegistry()
	}

	auditLog := o.auditLog
	if !o.auditSet && cfg.AuditEnabled {
		if err := cfg.EnsureDataDir(); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		var err error
		auditLog, err = audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey, cfg.SealingKey)
		if err != nil {
			return nil, fmt.Errorf("opening audit store: %w", err)
		}
	}

	statics, err := buildStatics(cfg, manifest)
	if err != nil {
		return nil, fmt.Errorf("compiling static policy: %w", err)
	}

	orc := &Orchestrator{
		cfg:      cfg,
		manifest: manifest,
		registry: registry,
		statics:  statics,
		gate: admission.NewGate(admission.GateConfig{
			Manifest: manifest,
			Judge:    jp,
			Model:    cfg.JudgeModel,
		}),
		limiter:  buildLimiter(cfg, manifest),
		governor: buildGovernor(cfg, manifest),
		retries:  buildRetries(manifest),
		auditLog: auditLog,
	}
	orc.flows = workflow.NewEngine(orc, workflow.Config{MaxDepth: cfg.MaxWorkflowDepth})

	log.Info().
		Str("manifest", manifest.Service.Name).
		Int("tools", len(manifest.Tools)).
		Bool("audit", auditLog != nil).
		Msg("orchestrator_ready")
	return orc, nil
}

// Close stops the limiter's janitor and releases the audit store.
func (o *Orchestrator) Close() error {
	o.limiter.Close()
	if o.auditLog != nil {
		return o.auditLog.Close()
	}
	return nil
}

// Registry exposes the tool registry for registration and listing.
func (o *Orchestrator) Registry() *tool.Registry { return o.registry }

// Manifest returns the loaded tool-policy manifest.
func (o *Orchestrator) Manifest() *policy.Manifest { return o.manifest }

// AuditLog returns the audit store, or nil when auditing is disabled. The
// decision path only appends; reads belong to the operator surfaces.
func (o *Orchestrator) AuditLog() *audit.Store { return o.auditLog }

func buildJudge(cfg *config.Config) (judge.Provider, error) {
	primary, err := judgeProvider(cfg.JudgeProvider, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.JudgeFallback == "" {
		return primary, nil
	}
	fallback, err := judgeProvider(cfg.JudgeFallback, cfg)
	if err != nil {
		return nil, err
	}
	// The primary keeps the request model; the fallback overrides it with
	// its own.
	return judge.NewChain().Add(primary, "").Add(fallback, cfg.JudgeFallbackModel), nil
}

func judgeProvider(name string, cfg *config.Config) (judge.Provider, error) {
	switch name {
	case "openai":
		if cfg.JudgeBaseURL != "" {
			return judge.NewOpenAIProviderWithBaseURL(cfg.JudgeAPIKey, cfg.JudgeBaseURL), nil
		}
		return judge.NewOpenAIProvider(cfg.JudgeAPIKey), nil
	case "ollama":
		return judge.NewOllamaProvider(cfg.OllamaBaseURL), nil
	default:
		return nil, fmt.Errorf("%w %q (want openai or ollama)", judge.ErrUnknownProvider, name)
	}
}

// buildStatics compiles the embedded Rego rules against the manifest. The
// operator's env blocklist merges into the manifest's; the manifest itself
// stays untouched.
func buildStatics(cfg *config.Config, m *policy.Manifest) (*policy.Engine, error) {
	if len(cfg.BlockedTools) > 0 {
		merged := *m
		merged.Blocked = append(append([]string{}, m.Blocked...), cfg.BlockedTools...)
		m = &merged
	}
	return policy.NewEngine(context.Background(), m, cfg.DeniedSubjects)
}

func buildLimiter(cfg *config.Config, m *policy.Manifest) *ratelimit.Limiter {
	return ratelimit.NewLimiter(ratelimit.Config{
		DefaultRule:     ratelimit.Rule{MaxRequests: cfg.RateLimitDefault, WindowMS: cfg.RateLimitWindowMS},
		Rules:           m.RateRules,
		AdminSubjects:   cfg.AdminSubjects,
		AdminMultiplier: cfg.AdminMultiplier,
		DeniedSubjects:  cfg.DeniedSubjects,
	})
}

func buildGovernor(cfg *config.Config, m *policy.Manifest) *governor.Governor {
	defaultTimeout := time.Duration(cfg.ToolTimeoutMS) * time.Millisecond
	blocked := append(append([]string{}, cfg.BlockedTools...), m.Blocked...)
	return governor.New(governor.Config{
		MaxConcurrent:  cfg.MaxConcurrentTools,
		DefaultTimeout: defaultTimeout,
		Blocked:        blocked,
		TimeoutFor: func(toolName string) time.Duration {
			return m.TimeoutFor(toolName, defaultTimeout)
		},
	})
}

func buildRetries(m *policy.Manifest) *retry.Engine {
	eng := retry.NewEngine()
	for _, t := range m.Tools {
		if t.Retry == nil {
			continue
		}
		eng.RegisterPolicy(t.Name, retry.Policy{
			MaxAttempts:       t.Retry.MaxAttempts,
			InitialDelay:      time.Duration(t.Retry.InitialDelayMS) * time.Millisecond,
			MaxDelay:          time.Duration(t.Retry.MaxDelayMS) * time.Millisecond,
			BackoffMultiplier: t.Retry.BackoffMultiplier,
			RetryablePatterns: t.Retry.RetryablePatterns,
			Idempotent:        t.Idempotent,
		})
	}
	return eng
}

// CheckRateLimit runs one fixed-window check for subject against the
// endpoint's rate class. Tool names resolve through the manifest's
// rate_rule mapping; unknown endpoints are their own class.
func (o *Orchestrator) CheckRateLimit(ctx context.Context, subject, endpoint string) ratelimit.Decision {
	class := o.manifest.RateClass(endpoint)
	dec := o.limiter.Check(subject, class)
	if dec.Allowed {
		usage.RecordDecision(ctx, audit.StageRateLimit, audit.OutcomeAllowed)
		return dec
	}
	usage.RecordDecision(ctx, audit.StageRateLimit, audit.OutcomeLimited)
	o.record(ctx, &audit.Record{
		Stage:   audit.StageRateLimit,
		Subject: subject,
		Tool:    endpoint,
		Outcome: audit.OutcomeLimited,
		Reason:  fmt.Sprintf("limit of %d per window exhausted", dec.Limit),
		Detail:  map[string]any{"retry_after_ms": dec.RetryAfter.Milliseconds()},
	})
	return dec
}

// Sanitize distills untrusted content through the admission gate.
func (o *Orchestrator) Sanitize(ctx context.Context, rawContent, userIntent string, source admission.Source) *admission.SanitizedContent {
	sc := o.gate.Sanitize(ctx, rawContent, userIntent, source)
	if sc.IsSafe {
		usage.RecordDecision(ctx, "sanitizer", "passed")
		return sc
	}
	usage.RecordDecision(ctx, "sanitizer", "withheld")
	o.record(ctx, &audit.Record{
		Stage:   audit.StageAdmission,
		Subject: requestctx.Subject(ctx),
		Outcome: "withheld",
		Reason:  strings.Join(sc.Suspicious, "; "),
		Detail:  map[string]any{"source": string(source)},
	})
	return sc
}

// Vet runs the admission gate on one proposed tool call. The audited
// subject comes from the request context when present.
func (o *Orchestrator) Vet(ctx context.Context, toolName string, args map[string]any, userRequest string) *admission.Decision {
	return o.vetAs(ctx, requestctx.Subject(ctx), toolName, args, userRequest)
}

func (o *Orchestrator) vetAs(ctx context.Context, subject, toolName string, args map[string]any, userRequest string) *admission.Decision {
	dec := o.gate.Vet(ctx, toolName, args, userRequest)
	outcome := audit.OutcomeAllowed
	if !dec.Allowed {
		outcome = audit.OutcomeBlocked
	}
	usage.RecordDecision(ctx, audit.StageAdmission, outcome)
	o.record(ctx, &audit.Record{
		Stage:     audit.StageAdmission,
		Subject:   subject,
		Tool:      toolName,
		Outcome:   outcome,
		Reason:    dec.Reason,
		RiskLevel: string(dec.RiskLevel),
		Detail:    map[string]any{"requires_confirmation": dec.RequiresConfirmation},
	})
	return dec
}

// ExecuteToolSecurely runs call under the concurrency governor and the
// tool's timeout, nothing more. ExecuteTool is the full pipeline.
func (o *Orchestrator) ExecuteToolSecurely(ctx context.Context, toolName, userID string, call governor.Call) (any, error) {
	start := time.Now()
	out, err := o.governor.ExecuteSecurely(ctx, toolName, userID, call)
	o.recordExecution(ctx, toolName, userID, start, err, nil)
	return out, err
}

// RegisterRetryPolicy sets or replaces the retry policy for a tool at
// runtime. Zero fields inherit the defaults.
func (o *Orchestrator) RegisterRetryPolicy(toolName string, p retry.Policy) {
	o.retries.RegisterPolicy(toolName, p)
}

// RetryPolicyFor returns the effective retry policy for a tool.
func (o *Orchestrator) RetryPolicyFor(toolName string) retry.Policy {
	return o.retries.PolicyFor(toolName)
}

// ValidateWorkflow checks a plan without running it.
func (o *Orchestrator) ValidateWorkflow(def *workflow.Definition) error {
	return o.flows.Validate(def)
}

// RunWorkflow validates and executes a plan; every step dispatches back
// through ExecuteTool.
func (o *Orchestrator) RunWorkflow(ctx context.Context, def *workflow.Definition, subject string, initial map[string]any) (*workflow.Result, error) {
	res, err := o.flows.Run(ctx, def, subject, initial)

	outcome := audit.OutcomeCompleted
	reason := ""
	if err != nil {
		outcome = audit.OutcomeFailed
		reason = err.Error()
	}
	usage.RecordDecision(ctx, audit.StageWorkflow, outcome)

	rec := &audit.Record{Stage: audit.StageWorkflow, Subject: subject, Outcome: outcome, Reason: reason}
	if res != nil {
		rec.ElapsedMS = res.Elapsed.Milliseconds()
		rec.Detail = map[string]any{
			"workflow_id": res.WorkflowID,
			"waves":       res.Waves,
			"step_errors": len(res.Errors),
		}
	}
	o.record(ctx, rec)
	return res, err
}

// record appends to the audit trail. A failed append never blocks a
// decision.
func (o *Orchestrator) record(ctx context.Context, rec *audit.Record) {
	if o.auditLog == nil {
		return
	}
	if err := o.auditLog.Append(ctx, rec); err != nil {
		log.Warn().Err(err).Str("stage", rec.Stage).Msg("audit_append_failed")
	}
}

func (o *Orchestrator) recordExecution(ctx context.Context, toolName, subject string, start time.Time, err error, detail map[string]any) {
	elapsed := time.Since(start)
	outcome := audit.OutcomeExecuted
	reason := ""
	if err != nil {
		outcome = audit.OutcomeFailed
		reason = err.Error()
		if detail == nil {
			detail = map[string]any{}
		}
		detail["fault_kind"] = string(fault.KindOf(err))
	}
	usage.RecordExecution(ctx, toolName, outcome, elapsed)
	o.record(ctx, &audit.Record{
		Stage:     audit.StageExecution,
		Subject:   subject,
		Tool:      toolName,
		Outcome:   outcome,
		Reason:    reason,
		ElapsedMS: elapsed.Milliseconds(),
		Detail:    detail,
	})
}
