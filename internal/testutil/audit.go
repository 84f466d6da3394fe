package testutil

import (
	"path/filepath"
	"testing"

	"github.com/opencellcw/ulf-warden-sub010/internal/audit"
)

// NewAuditStore creates an audit store in a temp dir and registers
// t.Cleanup to close it. Uses the shared test keys.
func NewAuditStore(t *testing.T) *audit.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := audit.NewStore(filepath.Join(dir, "audit.db"), TestSigningKey, TestSealingKey)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
