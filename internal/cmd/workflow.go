package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opencellcw/ulf-warden-sub010/internal/config"
	"github.com/opencellcw/ulf-warden-sub010/internal/orchestrator"
	"github.com/opencellcw/ulf-warden-sub010/internal/policy"
	"github.com/opencellcw/ulf-warden-sub010/internal/trigger"
	"github.com/opencellcw/ulf-warden-sub010/internal/workflow"
)

var (
	workflowFile     string
	workflowSubject  string
	workflowInput    string
	workflowManifest string
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Validate and run workflow plans",
}

var workflowValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a plan for cycles, duplicate steps, and depth",
	RunE:  workflowValidate,
}

var workflowRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a plan; every step passes the full pipeline",
	RunE:  workflowRun,
}

func init() {
	workflowCmd.PersistentFlags().StringVarP(&workflowFile, "file", "f", "", "workflow plan file (JSON, required)")
	_ = workflowCmd.MarkPersistentFlagRequired("file")

	workflowRunCmd.Flags().StringVar(&workflowSubject, "subject", "cli", "subject the run is attributed to")
	workflowRunCmd.Flags().StringVar(&workflowInput, "input", "", "initial context as a JSON object, addressable via input_from")
	workflowRunCmd.Flags().StringVar(&workflowManifest, "manifest", "", "path to the tool-policy manifest (overrides config)")

	workflowCmd.AddCommand(workflowValidateCmd)
	workflowCmd.AddCommand(workflowRunCmd)
	rootCmd.AddCommand(workflowCmd)
}

func workflowValidate(cmd *cobra.Command, _ []string) error {
	_, span := tracer.Start(cmd.Context(), "workflow.validate")
	defer span.End()

	def, err := trigger.LoadDefinition(".", workflowFile)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Validation needs no runner; nothing dispatches.
	eng := workflow.NewEngine(nil, workflow.Config{MaxDepth: cfg.MaxWorkflowDepth})
	if err := eng.Validate(def); err != nil {
		fmt.Fprintf(os.Stderr, "✗ Plan invalid: %s\n", workflowFile)
		return err
	}

	fmt.Printf("✓ Plan valid: %s\n", workflowFile)
	fmt.Printf("  Name: %s\n", def.Name)
	fmt.Printf("  Steps: %d\n", len(def.Steps))
	return nil
}

func workflowRun(cmd *cobra.Command, _ []string) error {
	ctx, span := tracer.Start(cmd.Context(), "workflow.run")
	defer span.End()

	def, err := trigger.LoadDefinition(".", workflowFile)
	if err != nil {
		return err
	}

	var initial map[string]any
	if workflowInput != "" {
		if err := json.Unmarshal([]byte(workflowInput), &initial); err != nil {
			return fmt.Errorf("parsing --input: %w", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	manifestPath := cfg.Manifest
	if workflowManifest != "" {
		manifestPath = workflowManifest
	}
	m, err := policy.LoadManifest(ctx, manifestPath, false, ".")
	if err != nil {
		return fmt.Errorf("loading manifest: %w", err)
	}

	orc, err := orchestrator.New(cfg, m)
	if err != nil {
		return fmt.Errorf("building orchestrator: %w", err)
	}
	defer orc.Close()

	registerDemoTools(orc.Registry())

	res, runErr := orc.RunWorkflow(ctx, def, workflowSubject, initial)
	if res != nil {
		// Aborted runs still carry partial results; print whatever exists
		// so the operator can see how far the plan got.
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	if runErr != nil {
		log.Error().Err(runErr).Str("file", workflowFile).Msg("workflow_run_failed")
		return runErr
	}
	return nil
}
