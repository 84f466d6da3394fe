// Package policy defines the warden.yaml tool-policy manifest: per-tool risk
// levels, idempotency, timeouts and rate classes, plus the OPA engine that
// evaluates static access rules against it. The manifest is loaded once at
// startup and is immutable afterwards.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/opencellcw/ulf-warden-sub010/internal/ratelimit"
)

// RiskLevel is the static classification driving admission behavior:
// low-risk tools skip the judge, everything else is reviewed.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels for comparison; unknown levels rank as critical
// so a typo in a manifest can only make a tool stricter, never looser.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// Valid reports whether the level is one of the four defined values.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Manifest represents a complete warden.yaml configuration.
type Manifest struct {
	Service   ServiceConfig             `yaml:"service" json:"service"`
	Tools     []ToolPolicy              `yaml:"tools" json:"tools"`
	RateRules map[string]ratelimit.Rule `yaml:"rate_rules,omitempty" json:"rate_rules,omitempty"`
	Admission *AdmissionConfig          `yaml:"admission,omitempty" json:"admission,omitempty"`
	Triggers  *TriggersConfig           `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Blocked   []string                  `yaml:"blocked_tools,omitempty" json:"blocked_tools,omitempty"`

	// Computed fields (not serialized from YAML)
	Hash       string `yaml:"-" json:"-"`
	VersionTag string `yaml:"-" json:"-"`

	byName map[string]int
}

// ServiceConfig identifies the deployment the manifest belongs to.
type ServiceConfig struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string `yaml:"version" json:"version"`
}

// ToolPolicy is the static rule set for one tool. Immutable after load.
type ToolPolicy struct {
	Name          string       `yaml:"name" json:"name"`
	Description   string       `yaml:"description,omitempty" json:"description,omitempty"`
	RiskLevel     RiskLevel    `yaml:"risk_level" json:"risk_level"`
	Idempotent    bool         `yaml:"idempotent,omitempty" json:"idempotent,omitempty"`
	TimeoutMS     int          `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	RateRule      string       `yaml:"rate_rule,omitempty" json:"rate_rule,omitempty"`
	AlwaysConfirm bool         `yaml:"always_confirm,omitempty" json:"always_confirm,omitempty"`
	Retry         *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`
}

// RetryConfig overrides the default backoff policy for one tool. Zero
// fields inherit the engine defaults at registration time.
type RetryConfig struct {
	MaxAttempts       int      `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	InitialDelayMS    int      `yaml:"initial_delay_ms,omitempty" json:"initial_delay_ms,omitempty"`
	MaxDelayMS        int      `yaml:"max_delay_ms,omitempty" json:"max_delay_ms,omitempty"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier,omitempty" json:"backoff_multiplier,omitempty"`
	RetryablePatterns []string `yaml:"retryable_patterns,omitempty" json:"retryable_patterns,omitempty"`
}

// AdmissionConfig tunes the admission gate beyond its built-in rules.
type AdmissionConfig struct {
	// AlwaysConfirm lists tools that are never auto-permitted regardless
	// of risk level; merged with each tool's always_confirm flag.
	AlwaysConfirm []string `yaml:"always_confirm,omitempty" json:"always_confirm,omitempty"`
	// UntrustedSources extends the built-in list of content sources that
	// must pass the sanitizer (web_fetch, web_search, upload, email).
	UntrustedSources []string `yaml:"untrusted_sources,omitempty" json:"untrusted_sources,omitempty"`
	// ClosedRegistry denies any tool name not declared in this manifest.
	ClosedRegistry bool `yaml:"closed_registry,omitempty" json:"closed_registry,omitempty"`
}

// TriggersConfig defines automatic workflow triggers.
type TriggersConfig struct {
	Schedule []ScheduleTrigger `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Webhooks []WebhookTrigger  `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

// ScheduleTrigger runs a named workflow file on a cron schedule.
type ScheduleTrigger struct {
	Cron        string `yaml:"cron" json:"cron"`
	Workflow    string `yaml:"workflow" json:"workflow"`
	Subject     string `yaml:"subject,omitempty" json:"subject,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// WebhookTrigger runs a named workflow when an HTTP webhook fires.
type WebhookTrigger struct {
	Name          string `yaml:"name" json:"name"`
	Source        string `yaml:"source" json:"source"`
	Workflow      string `yaml:"workflow" json:"workflow"`
	Subject       string `yaml:"subject,omitempty" json:"subject,omitempty"`
	InputTemplate string `yaml:"input_template,omitempty" json:"input_template,omitempty"`
}

// ComputeHash generates a SHA-256 hash of the manifest content and sets
// the VersionTag to "{service.version}:sha256:{first8chars}".
func (m *Manifest) ComputeHash(content []byte) {
	hash := sha256.Sum256(content)
	m.Hash = hex.EncodeToString(hash[:])
	m.VersionTag = fmt.Sprintf("%s:sha256:%s", m.Service.Version, m.Hash[:8])
}

// index builds the tool-name lookup table. Called once by the loader.
func (m *Manifest) index() {
	m.byName = make(map[string]int, len(m.Tools))
	for i, t := range m.Tools {
		m.byName[t.Name] = i
	}
}

// Tool returns the policy for a named tool.
func (m *Manifest) Tool(name string) (ToolPolicy, bool) {
	i, ok := m.byName[name]
	if !ok {
		return ToolPolicy{}, false
	}
	return m.Tools[i], true
}

// RiskOf returns the declared risk level for a tool. Undeclared tools are
// treated as high risk so they always reach the judge.
func (m *Manifest) RiskOf(name string) RiskLevel {
	if t, ok := m.Tool(name); ok && t.RiskLevel.Valid() {
		return t.RiskLevel
	}
	return RiskHigh
}

// IsIdempotent reports whether a tool is declared safe to re-execute.
// Undeclared tools are not idempotent, which disables automatic retry.
func (m *Manifest) IsIdempotent(name string) bool {
	t, ok := m.Tool(name)
	return ok && t.Idempotent
}

// RateClass returns the endpoint class used for rate limiting: the tool's
// rate_rule reference when set, otherwise the tool name itself (which then
// matches exact or wildcard limiter rules).
func (m *Manifest) RateClass(name string) string {
	if t, ok := m.Tool(name); ok && t.RateRule != "" {
		return t.RateRule
	}
	return name
}

// TimeoutFor returns the tool's per-call timeout, or fallback when the
// manifest does not override it.
func (m *Manifest) TimeoutFor(name string, fallback time.Duration) time.Duration {
	if t, ok := m.Tool(name); ok && t.TimeoutMS > 0 {
		return time.Duration(t.TimeoutMS) * time.Millisecond
	}
	return fallback
}

// ConfirmList returns the set of tools requiring explicit confirmation:
// the manifest-level list merged with per-tool always_confirm flags.
func (m *Manifest) ConfirmList() map[string]struct{} {
	set := make(map[string]struct{})
	if m.Admission != nil {
		for _, name := range m.Admission.AlwaysConfirm {
			set[name] = struct{}{}
		}
	}
	for _, t := range m.Tools {
		if t.AlwaysConfirm {
			set[t.Name] = struct{}{}
		}
	}
	return set
}
