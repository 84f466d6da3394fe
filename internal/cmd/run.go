package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencellcw/ulf-warden-sub010/internal/config"
	"github.com/opencellcw/ulf-warden-sub010/internal/orchestrator"
	"github.com/opencellcw/ulf-warden-sub010/internal/policy"
)

var (
	runTool     string
	runArgs     string
	runSubject  string
	runRequest  string
	runConfirm  bool
	runRetry    bool
	runManifest string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one governed tool call",
	Long: `Runs a single tool call through the full pipeline: admission vet,
rate limit, concurrency slot, optional retry, audit. Only tools registered
in this process can run; the bundled echo harness is always available.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runTool, "tool", "", "tool name (required)")
	runCmd.Flags().StringVar(&runArgs, "args", "{}", "tool arguments as a JSON object")
	runCmd.Flags().StringVar(&runSubject, "subject", "cli", "subject the call is attributed to")
	runCmd.Flags().StringVar(&runRequest, "request", "", "original user request, shown to the judge")
	runCmd.Flags().BoolVar(&runConfirm, "confirm", false, "attest that the user approved this exact call")
	runCmd.Flags().BoolVar(&runRetry, "retry", false, "run under the tool's retry policy")
	runCmd.Flags().StringVar(&runManifest, "manifest", "", "path to the tool-policy manifest (overrides config)")
	_ = runCmd.MarkFlagRequired("tool")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx, span := tracer.Start(cmd.Context(), "run")
	defer span.End()

	var argMap map[string]any
	if err := json.Unmarshal([]byte(runArgs), &argMap); err != nil {
		return fmt.Errorf("parsing --args: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	manifestPath := cfg.Manifest
	if runManifest != "" {
		manifestPath = runManifest
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

	res, err := orc.ExecuteTool(ctx, orchestrator.ExecRequest{
		Tool:        runTool,
		Subject:     runSubject,
		Args:        argMap,
		UserRequest: runRequest,
		Confirmed:   runConfirm,
		Retry:       runRetry,
	})
	if errors.Is(err, orchestrator.ErrConfirmationRequired) {
		fmt.Fprintf(os.Stderr, "✗ %s requires confirmation; re-run with --confirm\n", runTool)
		return err
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
