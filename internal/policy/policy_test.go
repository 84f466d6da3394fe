package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRiskLevel_Rank(t *testing.T) {
	assert.Less(t, RiskLow.Rank(), RiskMedium.Rank())
	assert.Less(t, RiskMedium.Rank(), RiskHigh.Rank())
	assert.Less(t, RiskHigh.Rank(), RiskCritical.Rank())
	assert.Equal(t, RiskCritical.Rank(), RiskLevel("bogus").Rank(), "unknown levels rank as critical")
}

func TestRiskLevel_Valid(t *testing.T) {
	assert.True(t, RiskLow.Valid())
	assert.True(t, RiskCritical.Valid())
	assert.False(t, RiskLevel("").Valid())
	assert.False(t, RiskLevel("scary").Valid())
}

func testManifest() *Manifest {
	m := &Manifest{
		Service: ServiceConfig{Name: "test", Version: "1.0.0"},
		Tools: []ToolPolicy{
			{Name: "read_file", RiskLevel: RiskLow, Idempotent: true},
			{Name: "web_fetch", RiskLevel: RiskMedium, Idempotent: true, TimeoutMS: 15000, RateRule: "external_api"},
			{Name: "shell_exec", RiskLevel: RiskCritical, AlwaysConfirm: true},
		},
		Admission: &AdmissionConfig{
			AlwaysConfirm: []string{"delete_repo"},
		},
	}
	m.index()
	return m
}

func TestManifest_RiskOf(t *testing.T) {
	m := testManifest()
	assert.Equal(t, RiskLow, m.RiskOf("read_file"))
	assert.Equal(t, RiskCritical, m.RiskOf("shell_exec"))
	assert.Equal(t, RiskHigh, m.RiskOf("unknown_tool"), "undeclared tools default to high risk")
}

func TestManifest_RateClass(t *testing.T) {
	m := testManifest()
	assert.Equal(t, "external_api", m.RateClass("web_fetch"), "rate_rule ref wins")
	assert.Equal(t, "read_file", m.RateClass("read_file"), "unreferenced tools use their own name")
	assert.Equal(t, "unknown_tool", m.RateClass("unknown_tool"))
}

func TestManifest_TimeoutFor(t *testing.T) {
	m := testManifest()
	fallback := 30 * time.Second
	assert.Equal(t, 15*time.Second, m.TimeoutFor("web_fetch", fallback))
	assert.Equal(t, fallback, m.TimeoutFor("read_file", fallback))
	assert.Equal(t, fallback, m.TimeoutFor("unknown_tool", fallback))
}

func TestManifest_IsIdempotent(t *testing.T) {
	m := testManifest()
	assert.True(t, m.IsIdempotent("read_file"))
	assert.False(t, m.IsIdempotent("shell_exec"))
	assert.False(t, m.IsIdempotent("unknown_tool"), "undeclared tools never auto-retry")
}

func TestManifest_ConfirmList(t *testing.T) {
	m := testManifest()
	confirm := m.ConfirmList()
	assert.Contains(t, confirm, "shell_exec", "per-tool flag")
	assert.Contains(t, confirm, "delete_repo", "manifest-level list")
	assert.NotContains(t, confirm, "read_file")
}

func TestComputeHash(t *testing.T) {
	m := &Manifest{Service: ServiceConfig{Version: "1.2.3"}}
	m.ComputeHash([]byte("service:\n  name: x\n"))

	assert.Len(t, m.Hash, 64)
	assert.Contains(t, m.VersionTag, "1.2.3:sha256:")

	// Same content, same hash; different content, different hash.
	m2 := &Manifest{Service: ServiceConfig{Version: "1.2.3"}}
	m2.ComputeHash([]byte("service:\n  name: x\n"))
	assert.Equal(t, m.Hash, m2.Hash)

	m2.ComputeHash([]byte("service:\n  name: y\n"))
	assert.NotEqual(t, m.Hash, m2.Hash)
}
