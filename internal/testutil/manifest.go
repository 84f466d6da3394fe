package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencellcw/ulf-warden-sub010/internal/policy"
)

// DefaultManifestYAML is a representative warden.yaml covering the risk
// spectrum: a low-risk fast-path tool, a retryable idempotent tool with a
// shared rate class, a high-risk tool, and a critical always-confirm
// tool.
const DefaultManifestYAML = `service:
  name: test-service
  version: "1.0.0"
tools:
  - name: echo
    description: "Echo back the input"
    risk_level: low
    idempotent: true
  - name: web_fetch
    description: "Fetch a URL"
    risk_level: medium
    idempotent: true
    rate_rule: network
    retry:
      max_attempts: 3
      initial_delay_ms: 5
      max_delay_ms: 20
      backoff_multiplier: 2.0
      retryable_patterns: ["timeout", "connection refused", "503"]
  - name: shell_exec
    description: "Run a shell command"
    risk_level: high
    timeout_ms: 5000
  - name: delete_records
    description: "Delete user records"
    risk_level: critical
    always_confirm: true
rate_rules:
  network:
    max_requests: 50
    window_ms: 60000
`

// WriteManifest writes YAML content as warden.yaml in dir and returns the
// path.
func WriteManifest(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "warden.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// LoadManifest writes the YAML to a temp dir and loads it through the
// real loader, so tests exercise schema validation and cross-reference
// checks too. Empty content loads DefaultManifestYAML.
func LoadManifest(t *testing.T, content string) *policy.Manifest {
	t.Helper()
	if content == "" {
		content = DefaultManifestYAML
	}
	dir := t.TempDir()
	WriteManifest(t, dir, content)
	m, err := policy.LoadManifest(context.Background(), "warden.yaml", false, dir)
	if err != nil {
		t.Fatalf("loading test manifest: %v", err)
	}
	return m
}
