package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// starterManifest passes strict validation as written: risky tools carry
// rate rules and only idempotent tools declare retries.
const starterManifest = `# warden.yaml: tool-policy manifest.
# Declares every tool the agent may call and the rules governing each.
service:
  name: my-agent
  version: 0.1.0
  description: Example agent governed by Warden

admission:
  # Refuse any tool name not declared in this file.
  closed_registry: true

tools:
  - name: echo
    description: Echo a message back (bundled demo harness)
    risk_level: low
    idempotent: true

  - name: web_fetch
    description: Fetch a URL and return its contents
    risk_level: medium
    idempotent: true
    timeout_ms: 10000
    rate_rule: network
    retry:
      max_attempts: 3
      initial_delay_ms: 200
      max_delay_ms: 5000
      backoff_multiplier: 2.0
      retryable_patterns: ["timeout", "connection refused", "status 5"]

  - name: delete_records
    description: Bulk-delete records from the data store
    risk_level: critical
    always_confirm: true
    rate_rule: destructive

rate_rules:
  network:
    max_requests: 50
    window_ms: 60000
  destructive:
    max_requests: 5
    window_ms: 3600000
    block_duration_ms: 600000

blocked_tools: []
`

const starterConfig = `# warden.config.yaml: operator configuration.
# Every key can also be set via environment variable with the WARDEN_
# prefix (tool_timeout_ms becomes WARDEN_TOOL_TIMEOUT_MS). Env vars win.

manifest: warden.yaml
server_port: 8080

# Gate defaults.
tool_timeout_ms: 30000
max_concurrent_tools: 5
rate_limit_default: 60
rate_limit_window_ms: 3600000
max_workflow_depth: 20

# Admission judge. The API key comes from WARDEN_JUDGE_API_KEY.
judge_provider: openai
judge_model: gpt-4o-mini
# judge_fallback_provider: ollama
# judge_fallback_model: llama3.1:8b
# ollama_base_url: http://localhost:11434

# Audit trail. Set both keys in production:
#   WARDEN_SIGNING_KEY: at least 32 bytes
#   WARDEN_SEALING_KEY: exactly 32 bytes
audit_enabled: true

# HTTP API auth, comma-separated key[:subject] entries.
# api_keys: "changeme:ops"
# http_rpm_global: 300
# http_rpm_per_key: 60
`

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new Warden project",
	Long:  "Creates starter warden.yaml and warden.config.yaml files in the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "init")
		defer span.End()

		created, err := writeStarterFiles(".", initForce)
		if err != nil {
			return err
		}
		if len(created) == 0 {
			fmt.Println("Nothing to do; both files exist (use --force to overwrite).")
			return nil
		}
		for _, f := range created {
			fmt.Printf("✓ Created %s\n", f)
		}
		fmt.Println()
		fmt.Println("Next steps:")
		fmt.Println("  1. Edit warden.yaml and declare your tools")
		fmt.Println("  2. warden validate --strict")
		fmt.Println("  3. warden serve")
		return nil
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite existing files")
	rootCmd.AddCommand(initCmd)
}

// writeStarterFiles creates the two starter files under dir, skipping any
// that already exist unless force is set. Returns the paths written.
func writeStarterFiles(dir string, force bool) ([]string, error) {
	var created []string
	files := []struct {
		name    string
		content string
	}{
		{"warden.yaml", starterManifest},
		{"warden.config.yaml", starterConfig},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if !force {
			if _, err := os.Stat(path); err == nil {
				log.Debug().Str("file", path).Msg("init_skip_existing")
				continue
			}
		}
		if err := os.WriteFile(path, []byte(f.content), 0o644); err != nil {
			return created, fmt.Errorf("writing %s: %w", f.name, err)
		}
		created = append(created, path)
	}
	return created, nil
}
