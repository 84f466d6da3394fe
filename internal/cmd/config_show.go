package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opencellcw/ulf-warden-sub010/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Warden configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  "Prints the resolved operator configuration after merging defaults, warden.config.yaml, and WARDEN_* environment variables. Secrets are never printed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "config.show")
		defer span.End()

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := "explicit"
		if cfg.UsingDefaultKeys() {
			keys = "generated default (set WARDEN_SIGNING_KEY / WARDEN_SEALING_KEY for production)"
		}
		judge := cfg.JudgeProvider + " / " + cfg.JudgeModel
		if cfg.JudgeFallback != "" {
			judge += fmt.Sprintf(" (fallback: %s / %s)", cfg.JudgeFallback, cfg.JudgeFallbackModel)
		}

		fmt.Printf("Data directory:   %s\n", cfg.DataDir)
		fmt.Printf("Manifest:         %s\n", cfg.Manifest)
		fmt.Printf("Server port:      %d\n", cfg.ServerPort)
		fmt.Printf("Tool timeout:     %dms\n", cfg.ToolTimeoutMS)
		fmt.Printf("Concurrency cap:  %d per subject\n", cfg.MaxConcurrentTools)
		fmt.Printf("Rate limit:       %d per %dms window\n", cfg.RateLimitDefault, cfg.RateLimitWindowMS)
		fmt.Printf("Admin subjects:   %s (x%d)\n", orNone(cfg.AdminSubjects), cfg.AdminMultiplier)
		fmt.Printf("Denied subjects:  %s\n", orNone(cfg.DeniedSubjects))
		fmt.Printf("Blocked tools:    %s\n", orNone(cfg.BlockedTools))
		fmt.Printf("Workflow depth:   %d\n", cfg.MaxWorkflowDepth)
		fmt.Printf("Judge:            %s\n", judge)
		fmt.Printf("Audit:            %t\n", cfg.AuditEnabled)
		fmt.Printf("Crypto keys:      %s\n", keys)

		return nil
	},
}

func orNone(values []string) string {
	if len(values) == 0 {
		return "(none)"
	}
	return strings.Join(values, ", ")
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
