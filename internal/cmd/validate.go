package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opencellcw/ulf-warden-sub010/internal/policy"
)

var (
	validateFile   string
	validateStrict bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a tool-policy manifest",
	Long:  "Validates warden.yaml against the manifest schema and compiles the static Rego rules against it",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "validate")
		defer span.End()

		if validateFile == "" {
			validateFile = "warden.yaml"
		}

		m, err := policy.LoadManifest(ctx, validateFile, validateStrict, ".")
		if err != nil {
			log.Error().
				Err(err).
				Str("file", validateFile).
				Bool("strict", validateStrict).
				Msg("manifest_validation_failed")
			fmt.Fprintf(os.Stderr, "✗ Validation failed: %s\n", validateFile)
			return fmt.Errorf("validation failed: %w", err)
		}

		// Building the engine compiles the embedded Rego against this
		// manifest, so a broken blocklist fails here and not at serve time.
		if _, err := policy.NewEngine(ctx, m, nil); err != nil {
			fmt.Fprintf(os.Stderr, "✗ Policy compilation failed: %s\n", validateFile)
			return fmt.Errorf("policy engine initialization failed: %w", err)
		}

		log.Info().
			Str("file", validateFile).
			Str("version", m.VersionTag).
			Bool("strict", validateStrict).
			Msg("manifest_validated")

		fmt.Printf("✓ Manifest valid: %s\n", validateFile)
		fmt.Printf("  Service: %s v%s\n", m.Service.Name, m.Service.Version)
		fmt.Printf("  Version: %s\n", m.VersionTag)
		fmt.Printf("  Tools: %d declared, %d blocked, %d require confirmation\n",
			len(m.Tools), len(m.Blocked), len(m.ConfirmList()))
		if validateStrict {
			fmt.Println("  Mode: strict")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "", "manifest file to validate (default: warden.yaml)")
	validateCmd.Flags().BoolVar(&validateStrict, "strict", false, "enable strict validation")
}
