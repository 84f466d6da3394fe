// Package config holds OPERATOR-LEVEL configuration for a Warden process.
//
// This is infrastructure config set by whoever deploys Warden, NOT the
// per-tool policy manifest. The boundary is:
//
//   - Operator config (this package): data directory, audit signing/sealing
//     keys, gate defaults (timeouts, concurrency cap, rate defaults, admin
//     subjects), judge provider wiring, server settings. Set via env vars
//     (WARDEN_*) or config file (warden.config.yaml).
//
//   - Tool policy manifest (internal/policy): per-tool risk levels,
//     idempotency, rate classes, triggers. Loaded from warden.yaml and
//     immutable for the life of the process.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the WARDEN_ prefix
// (e.g. "tool_timeout_ms" → WARDEN_TOOL_TIMEOUT_MS) and to a YAML field
// in warden.config.yaml.
const (
	KeyDataDir            = "data_dir"
	KeySigningKey         = "signing_key"
	KeySealingKey         = "sealing_key"
	KeyManifest           = "manifest"
	KeyServerPort         = "server_port"
	KeyToolTimeoutMS      = "tool_timeout_ms"
	KeyMaxConcurrentTools = "max_concurrent_tools"
	KeyRateLimitDefault   = "rate_limit_default"
	KeyRateLimitWindowMS  = "rate_limit_window_ms"
	KeyAdminSubjects      = "admin_subjects"
	KeyAdminMultiplier    = "admin_multiplier"
	KeyDeniedSubjects     = "denied_subjects"
	KeyBlockedTools       = "blocked_tools"
	KeyMaxWorkflowDepth   = "max_workflow_depth"
	KeyJudgeProvider      = "judge_provider"
	KeyJudgeModel         = "judge_model"
	KeyJudgeAPIKey        = "judge_api_key"
	KeyJudgeBaseURL       = "judge_base_url"
	KeyJudgeFallback      = "judge_fallback_provider"
	KeyJudgeFallbackModel = "judge_fallback_model"
	KeyOllamaBaseURL      = "ollama_base_url"
	KeyAuditEnabled       = "audit_enabled"
	KeyAPIKeys            = "api_keys"
	KeyHTTPGlobalRPM      = "http_rpm_global"
	KeyHTTPPerKeyRPM      = "http_rpm_per_key"
)

// Defaults that do NOT involve crypto material. Crypto keys intentionally
// have no baked-in defaults — when unset we generate a deterministic
// per-machine fallback and warn loudly.
const (
	DefaultManifest           = "warden.yaml"
	DefaultServerPort         = 8080
	DefaultToolTimeoutMS      = 30000
	DefaultMaxConcurrentTools = 5
	DefaultRateLimit          = 60
	DefaultRateWindowMS       = 3600000
	DefaultAdminMultiplier    = 5
	DefaultMaxWorkflowDepth   = 20
	DefaultJudgeProvider      = "openai"
	DefaultJudgeModel         = "gpt-4o-mini"
	DefaultOllamaURL          = "http://localhost:11434"
	DefaultHTTPGlobalRPM      = 300
	DefaultHTTPPerKeyRPM      = 60
)

// Config holds resolved operator-level configuration for a Warden process.
type Config struct {
	DataDir    string // base directory for all state (~/.warden)
	SigningKey string // HMAC-SHA256 key for audit signing (≥32 bytes)
	SealingKey string // secretbox key for audit payload sealing (exactly 32 bytes)
	Manifest   string // tool-policy manifest filename

	ServerPort         int
	ToolTimeoutMS      int      // per-call timeout for tool execution
	MaxConcurrentTools int      // per-user in-flight cap
	RateLimitDefault   int      // default-rule max requests per window
	RateLimitWindowMS  int      // default-rule window
	AdminSubjects      []string // subjects granted the admin multiplier
	AdminMultiplier    int
	DeniedSubjects     []string // subjects with effective limit 0
	BlockedTools       []string // statically blocklisted tools (merged with manifest)
	MaxWorkflowDepth   int      // dependency-chain bound for workflow plans

	JudgeProvider      string // "openai" or "ollama"
	JudgeModel         string
	JudgeAPIKey        string
	JudgeBaseURL       string // custom OpenAI-compatible endpoint (gateways, tests)
	JudgeFallback      string // optional fallback provider
	JudgeFallbackModel string
	OllamaBaseURL      string

	AuditEnabled  bool
	APIKeys       string // comma-separated key[:subject] entries for the HTTP API
	HTTPGlobalRPM int    // edge throttle, shared across all callers
	HTTPPerKeyRPM int    // edge throttle, per API key

	usingDefaultSigningKey bool
	usingDefaultSealingKey bool
}

// UsingDefaultKeys returns true if either crypto key fell back to a
// generated default. Commands should warn when this is the case.
func (c *Config) UsingDefaultKeys() bool {
	return c.usingDefaultSigningKey || c.usingDefaultSealingKey
}

// AuditDBPath returns the full path to the audit SQLite database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when crypto keys are not explicitly set.
// Suppressed when WARDEN_QUICKSTART=1 or true (demos, first exploration).
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default WARDEN_SIGNING_KEY — set via env var or config file for production")
	}
	if c.usingDefaultSealingKey {
		log.Warn().Msg("Using generated default WARDEN_SEALING_KEY — set via env var or config file for production")
	}
}

func isQuickstart() bool {
	v := os.Getenv("WARDEN_QUICKSTART")
	return v == "1" || v == "true" || v == "TRUE"
}

func init() {
	viper.SetEnvPrefix("WARDEN")
	viper.AutomaticEnv()
	viper.SetDefault(KeyManifest, DefaultManifest)
	viper.SetDefault(KeyServerPort, DefaultServerPort)
	viper.SetDefault(KeyToolTimeoutMS, DefaultToolTimeoutMS)
	viper.SetDefault(KeyMaxConcurrentTools, DefaultMaxConcurrentTools)
	viper.SetDefault(KeyRateLimitDefault, DefaultRateLimit)
	viper.SetDefault(KeyRateLimitWindowMS, DefaultRateWindowMS)
	viper.SetDefault(KeyAdminMultiplier, DefaultAdminMultiplier)
	viper.SetDefault(KeyMaxWorkflowDepth, DefaultMaxWorkflowDepth)
	viper.SetDefault(KeyJudgeProvider, DefaultJudgeProvider)
	viper.SetDefault(KeyJudgeModel, DefaultJudgeModel)
	viper.SetDefault(KeyOllamaBaseURL, DefaultOllamaURL)
	viper.SetDefault(KeyAuditEnabled, true)
	viper.SetDefault(KeyHTTPGlobalRPM, DefaultHTTPGlobalRPM)
	viper.SetDefault(KeyHTTPPerKeyRPM, DefaultHTTPPerKeyRPM)
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:            resolveDataDir(),
		SigningKey:         viper.GetString(KeySigningKey),
		SealingKey:         viper.GetString(KeySealingKey),
		Manifest:           viper.GetString(KeyManifest),
		ServerPort:         viper.GetInt(KeyServerPort),
		ToolTimeoutMS:      viper.GetInt(KeyToolTimeoutMS),
		MaxConcurrentTools: viper.GetInt(KeyMaxConcurrentTools),
		RateLimitDefault:   viper.GetInt(KeyRateLimitDefault),
		RateLimitWindowMS:  viper.GetInt(KeyRateLimitWindowMS),
		AdminSubjects:      viper.GetStringSlice(KeyAdminSubjects),
		AdminMultiplier:    viper.GetInt(KeyAdminMultiplier),
		DeniedSubjects:     viper.GetStringSlice(KeyDeniedSubjects),
		BlockedTools:       viper.GetStringSlice(KeyBlockedTools),
		MaxWorkflowDepth:   viper.GetInt(KeyMaxWorkflowDepth),
		JudgeProvider:      viper.GetString(KeyJudgeProvider),
		JudgeModel:         viper.GetString(KeyJudgeModel),
		JudgeAPIKey:        viper.GetString(KeyJudgeAPIKey),
		JudgeBaseURL:       viper.GetString(KeyJudgeBaseURL),
		JudgeFallback:      viper.GetString(KeyJudgeFallback),
		JudgeFallbackModel: viper.GetString(KeyJudgeFallbackModel),
		OllamaBaseURL:      viper.GetString(KeyOllamaBaseURL),
		AuditEnabled:       viper.GetBool(KeyAuditEnabled),
		APIKeys:            viper.GetString(KeyAPIKeys),
		HTTPGlobalRPM:      viper.GetInt(KeyHTTPGlobalRPM),
		HTTPPerKeyRPM:      viper.GetInt(KeyHTTPPerKeyRPM),
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "audit-signing-----")
		cfg.usingDefaultSigningKey = true
	}
	if cfg.SealingKey == "" {
		cfg.SealingKey = deriveDefaultKey(cfg.DataDir, "audit-sealing-----")
		cfg.usingDefaultSealingKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warden"
	}
	return filepath.Join(home, ".warden")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt, hex-encoded. Not cryptographically strong
// — it exists so `warden serve` works out of the box while still signing and
// sealing with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("warden:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	if err := validateSealingKey(c.SealingKey); err != nil {
		return err
	}
	if c.ToolTimeoutMS <= 0 {
		return fmt.Errorf("tool_timeout_ms must be positive")
	}
	if c.MaxConcurrentTools <= 0 {
		return fmt.Errorf("max_concurrent_tools must be positive")
	}
	if c.RateLimitDefault <= 0 || c.RateLimitWindowMS <= 0 {
		return fmt.Errorf("rate_limit_default and rate_limit_window_ms must be positive")
	}
	if c.AdminMultiplier < 1 {
		return fmt.Errorf("admin_multiplier must be at least 1")
	}
	if c.MaxWorkflowDepth <= 0 {
		return fmt.Errorf("max_workflow_depth must be positive")
	}
	return nil
}

// validateSigningKey accepts ≥32 raw bytes or ≥64 hex characters (decoded
// length ≥32 for HMAC-SHA256). Hex is checked first so hex input is
// validated as hex; raw is accepted otherwise when long enough.
func validateSigningKey(key string) error {
	n := len(key)
	if n >= 64 && n%2 == 0 && isHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) < 32 {
			return fmt.Errorf("signing_key hex must decode to at least 32 bytes: %w", err)
		}
		return nil
	}
	if n >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set WARDEN_SIGNING_KEY", n)
}

// validateSealingKey accepts exactly 32 raw bytes or 64 hex characters
// (secretbox requires a 32-byte key).
func validateSealingKey(key string) error {
	n := len(key)
	if n == 32 {
		return nil
	}
	if n == 64 && isHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return fmt.Errorf("sealing_key hex must decode to 32 bytes: %w", err)
		}
		return nil
	}
	return fmt.Errorf("sealing_key must be exactly 32 bytes or 64 hex characters (got %d); set WARDEN_SEALING_KEY", n)
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
