// Package audit keeps a tamper-evident trail of gating decisions.
//
// Every admission verdict, rate-limit rejection, execution, and workflow
// run produces a Record that is HMAC-SHA256 signed and sealed with NaCl
// secretbox before it reaches SQLite; only the columns needed for
// filtering stay in the clear. The store is a write-only sink for the
// decision path — nothing in admission, rate limiting, or execution reads
// it back, so losing the database never changes a decision.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/opencellcw/ulf-warden-sub010/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/opencellcw/ulf-warden-sub010/internal/audit")

// ErrNotFound is returned by Get and Verify for unknown record ids.
var ErrNotFound = errors.New("audit record not found")

// Pipeline stages a record can originate from.
const (
	StageAdmission = "admission"
	StageRateLimit = "rate_limit"
	StageExecution = "execution"
	StageWorkflow  = "workflow"
)

// Common outcomes. Outcome is a free string; these cover the decision
// path's own records.
const (
	OutcomeAllowed   = "allowed"
	OutcomeBlocked   = "blocked"
	OutcomeLimited   = "limited"
	OutcomeExecuted  = "executed"
	OutcomeFailed    = "failed"
	OutcomeCompleted = "completed"
)

// Record is one audit entry. Reason, RiskLevel, ElapsedMS, and Detail
// live only inside the sealed body; the remaining fields are also stored
// as plaintext columns for filtering.
type Record struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Stage     string         `json:"stage"`
	Subject   string         `json:"subject"`
	Tool      string         `json:"tool,omitempty"`
	Outcome   string         `json:"outcome"`
	Reason    string         `json:"reason,omitempty"`
	RiskLevel string         `json:"risk_level,omitempty"`
	ElapsedMS int64          `json:"elapsed_ms,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`

	// Signature is set on Append and attached on reads; it is never part
	// of the signed bytes.
	Signature string `json:"signature,omitempty"`
}

// Query filters List. Zero values match everything.
type Query struct {
	Subject string
	Tool    string
	Stage   string
	Outcome string
	From    time.Time
	To      time.Time
	Limit   int
}

// Store persists signed, sealed audit records in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer
	sealer *Sealer
}

// NewStore opens (creating if needed) the audit database at dbPath.
func NewStore(dbPath, signingKey, sealingKey string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TIMESTAMP NOT NULL,
		stage TEXT NOT NULL,
		subject TEXT NOT NULL,
		tool TEXT NOT NULL,
		outcome TEXT NOT NULL,
		sealed_record BLOB NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_log(subject);
	CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_log(tool);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_outcome ON audit_log(outcome);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, err
	}
	sealer, err := NewSealer(sealingKey)
	if err != nil {
		return nil, err
	}

	return &Store{db: db, signer: signer, sealer: sealer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append signs and seals rec and inserts it. A missing ID or Timestamp is
// assigned; on return rec carries both plus its signature.
func (s *Store) Append(ctx context.Context, rec *Record) error {
	ctx, span := tracer.Start(ctx, "audit.append",
		trace.WithAttributes(
			attribute.String("stage", rec.Stage),
			attribute.String("outcome", rec.Outcome),
		))
	defer span.End()

	if rec.ID == "" {
		rec.ID = "aud_" + uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Signature = ""

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling audit record: %w", err)
	}
	signature, err := s.signer.Sign(body)
	if err != nil {
		return fmt.Errorf("signing audit record: %w", err)
	}
	sealed, err := s.sealer.Seal(body)
	if err != nil {
		return fmt.Errorf("sealing audit record: %w", err)
	}
	rec.Signature = signature

	query := `INSERT INTO audit_log (id, timestamp, stage, subject, tool, outcome, sealed_record, signature)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Timestamp, rec.Stage, rec.Subject, rec.Tool, rec.Outcome, sealed, signature,
	); err != nil {
		return fmt.Errorf("storing audit record: %w", err)
	}
	return nil
}

// Get retrieves and unseals one record by ID.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "audit.get",
		trace.WithAttributes(attribute.String("audit.id", id)))
	defer span.End()

	var sealed []byte
	var signature string
	err := s.db.QueryRowContext(ctx,
		`SELECT sealed_record, signature FROM audit_log WHERE id = ?`, id,
	).Scan(&sealed, &signature)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("audit record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying audit record: %w", err)
	}

	rec, err := s.unseal(sealed)
	if err != nil {
		return nil, err
	}
	rec.Signature = signature
	return rec, nil
}

// List returns records matching q, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "audit.list",
		trace.WithAttributes(
			attribute.String("subject", q.Subject),
			attribute.String("tool", q.Tool),
		))
	defer span.End()

	query := `SELECT sealed_record, signature FROM audit_log WHERE 1=1`
	args := []any{}

	if q.Subject != "" {
		query += ` AND subject = ?`
		args = append(args, q.Subject)
	}
	if q.Tool != "" {
		query += ` AND tool = ?`
		args = append(args, q.Tool)
	}
	if q.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, q.Stage)
	}
	if q.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, q.Outcome)
	}
	if !q.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, q.From)
	}
	if !q.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, q.To)
	}

	query += ` ORDER BY timestamp DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		var sealed []byte
		var signature string
		if err := rows.Scan(&sealed, &signature); err != nil {
			continue
		}
		rec, err := s.unseal(sealed)
		if err != nil {
			continue
		}
		rec.Signature = signature
		results = append(results, *rec)
	}

	span.SetAttributes(attribute.Int("audit.count", len(results)))
	return results, nil
}

// Verify unseals the record and checks its HMAC signature. The sealed
// bytes are exactly the signed bytes, so no re-marshaling is involved.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "audit.verify",
		trace.WithAttributes(attribute.String("audit.id", id)))
	defer span.End()

	var sealed []byte
	var signature string
	err := s.db.QueryRowContext(ctx,
		`SELECT sealed_record, signature FROM audit_log WHERE id = ?`, id,
	).Scan(&sealed, &signature)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("audit record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("querying audit record: %w", err)
	}

	body, err := s.sealer.Open(sealed)
	if err != nil {
		return false, fmt.Errorf("unsealing audit record %s: %w", id, err)
	}
	valid := s.signer.Verify(body, signature)
	span.SetAttributes(attribute.Bool("audit.valid", valid))
	return valid, nil
}

func (s *Store) unseal(sealed []byte) (*Record, error) {
	body, err := s.sealer.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("unsealing audit record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling audit record: %w", err)
	}
	return &rec, nil
}

// HashContent returns "sha256:<hex>" of s. Execution records carry hashes
// of tool results rather than the results themselves.
func HashContent(s string) string {
	h := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(h[:])
}
