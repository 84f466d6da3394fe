package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencellcw/ulf-warden-sub010/internal/audit"
	"github.com/opencellcw/ulf-warden-sub010/internal/config"
)

var (
	auditSubject string
	auditTool    string
	auditStage   string
	auditOutcome string
	auditLimit   int
	auditJSON    bool
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify the signed audit trail",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit records",
	RunE:  auditList,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [record-id]",
	Short: "Verify the HMAC signature of one audit record",
	Args:  cobra.ExactArgs(1),
	RunE:  auditVerify,
}

func init() {
	auditListCmd.Flags().StringVar(&auditSubject, "subject", "", "filter by subject")
	auditListCmd.Flags().StringVar(&auditTool, "tool", "", "filter by tool")
	auditListCmd.Flags().StringVar(&auditStage, "stage", "", "filter by stage (admission, rate_limit, execution, workflow)")
	auditListCmd.Flags().StringVar(&auditOutcome, "outcome", "", "filter by outcome")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 20, "maximum records to show")
	auditListCmd.Flags().BoolVar(&auditJSON, "json", false, "emit records as JSON lines")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}

func openAuditStore() (*audit.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey, cfg.SealingKey)
}

func auditList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	store, err := openAuditStore()
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	defer store.Close()

	records, err := store.List(ctx, audit.Query{
		Subject: auditSubject,
		Tool:    auditTool,
		Stage:   auditStage,
		Outcome: auditOutcome,
		Limit:   auditLimit,
	})
	if err != nil {
		return fmt.Errorf("querying audit trail: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No audit records found.")
		return nil
	}
	if auditJSON {
		enc := json.NewEncoder(os.Stdout)
		for i := range records {
			if err := enc.Encode(&records[i]); err != nil {
				return err
			}
		}
		return nil
	}
	renderAuditList(os.Stdout, records)
	return nil
}

func auditVerify(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	recordID := args[0]

	store, err := openAuditStore()
	if err != nil {
		return fmt.Errorf("opening audit store: %w", err)
	}
	defer store.Close()

	valid, err := store.Verify(ctx, recordID)
	if err != nil {
		return fmt.Errorf("verifying record: %w", err)
	}
	renderVerifyResult(os.Stdout, recordID, valid)
	if !valid {
		return fmt.Errorf("signature verification failed for %s", recordID)
	}
	return nil
}

// renderAuditList writes one line per record to w (testable).
func renderAuditList(w io.Writer, records []audit.Record) {
	fmt.Fprintf(w, "Audit Records (showing %d):\n\n", len(records))
	for i := range records {
		rec := &records[i]
		status := "✓"
		switch rec.Outcome {
		case audit.OutcomeBlocked, audit.OutcomeLimited, audit.OutcomeFailed:
			status = "✗"
		}
		line := fmt.Sprintf("  %s %s | %s | %-10s | %s | %s | %s",
			status,
			rec.ID,
			rec.Timestamp.Format("2006-01-02 15:04:05"),
			rec.Stage,
			rec.Subject,
			rec.Tool,
			rec.Outcome,
		)
		if rec.Reason != "" {
			line += " | " + rec.Reason
		}
		fmt.Fprintln(w, line)
	}
}

// renderVerifyResult writes the verify outcome to w (testable).
func renderVerifyResult(w io.Writer, recordID string, valid bool) {
	if valid {
		fmt.Fprintf(w, "✓ Record %s: signature VALID (HMAC-SHA256 intact)\n", recordID)
	} else {
		fmt.Fprintf(w, "✗ Record %s: signature INVALID (possible tampering)\n", recordID)
	}
}
