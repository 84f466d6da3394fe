package trigger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencellcw/ulf-warden-sub010/internal/policy"
	"github.com/opencellcw/ulf-warden-sub010/internal/workflow"
)

type recordedRun struct {
	name    string
	subject string
	initial map[string]any
}

type mockRunner struct {
	mu          sync.Mutex
	runs        []recordedRun
	validateErr error
	runErr      error
}

func (m *mockRunner) RunWorkflow(_ context.Context, def *workflow.Definition, subject string, initial map[string]any) (*workflow.Result, error) {
	m.mu.Lock()
	m.runs = append(m.runs, recordedRun{name: def.Name, subject: subject, initial: initial})
	m.mu.Unlock()
	if m.runErr != nil {
		return nil, m.runErr
	}
	return &workflow.Result{WorkflowID: "wf_test", Output: "done"}, nil
}

func (m *mockRunner) ValidateWorkflow(_ *workflow.Definition) error {
	return m.validateErr
}

var _ WorkflowRunner = (*mockRunner)(nil)

// writePlanFile writes a one-step plan into dir and returns the relative
// filename the manifest would reference.
func writePlanFile(t *testing.T, dir, name string) string {
	t.Helper()
	plan := `{"name":"` + name + `","steps":[{"id":"s1","tool":"echo","input":{"msg":"hi"}}]}`
	file := name + ".json"
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(plan), 0o600))
	return file
}

func TestLoadDefinition(t *testing.T) {
	dir := t.TempDir()
	file := writePlanFile(t, dir, "nightly-report")

	def, err := LoadDefinition(dir, file)
	require.NoError(t, err)
	assert.Equal(t, "nightly-report", def.Name)
	require.Len(t, def.Steps, 1)
	assert.Equal(t, "echo", def.Steps[0].Tool)
}

func TestLoadDefinitionRejectsTraversal(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadDefinition(dir, "../outside.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside base directory")
}

func TestLoadDefinitionRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{steps:"), 0o600))
	_, err := LoadDefinition(dir, "bad.json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing workflow file")
}

func TestRegisterSchedulesAddsEntries(t *testing.T) {
	dir := t.TempDir()
	morning := writePlanFile(t, dir, "morning")
	evening := writePlanFile(t, dir, "evening")

	runner := &mockRunner{}
	sched := NewScheduler(runner, dir)

	m := &policy.Manifest{
		Triggers: &policy.TriggersConfig{
			Schedule: []policy.ScheduleTrigger{
				{Cron: "0 9 * * *", Workflow: morning, Description: "daily"},
				{Cron: "0 17 * * *", Workflow: evening, Subject: "reporting-bot"},
			},
		},
	}

	require.NoError(t, sched.RegisterSchedules(m))
	assert.Equal(t, 2, sched.Entries())
}

func TestRegisterSchedulesInvalidCron(t *testing.T) {
	dir := t.TempDir()
	file := writePlanFile(t, dir, "plan")

	sched := NewScheduler(&mockRunner{}, dir)
	m := &policy.Manifest{
		Triggers: &policy.TriggersConfig{
			Schedule: []policy.ScheduleTrigger{{Cron: "not a valid cron", Workflow: file}},
		},
	}

	err := sched.RegisterSchedules(m)
	assert.Error(t, err)
}

func TestRegisterSchedulesMissingPlanFile(t *testing.T) {
	sched := NewScheduler(&mockRunner{}, t.TempDir())
	m := &policy.Manifest{
		Triggers: &policy.TriggersConfig{
			Schedule: []policy.ScheduleTrigger{{Cron: "0 9 * * *", Workflow: "missing.json"}},
		},
	}

	err := sched.RegisterSchedules(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading workflow file")
}

func TestRegisterSchedulesRejectsInvalidPlan(t *testing.T) {
	dir := t.TempDir()
	file := writePlanFile(t, dir, "cyclic")

	runner := &mockRunner{validateErr: errors.New("workflow contains a dependency cycle")}
	sched := NewScheduler(runner, dir)
	m := &policy.Manifest{
		Triggers: &policy.TriggersConfig{
			Schedule: []policy.ScheduleTrigger{{Cron: "0 9 * * *", Workflow: file}},
		},
	}

	err := sched.RegisterSchedules(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle",
		"a plan that fails validation must be rejected at registration")
}

func TestRegisterSchedulesNoTriggers(t *testing.T) {
	sched := NewScheduler(&mockRunner{}, t.TempDir())
	require.NoError(t, sched.RegisterSchedules(&policy.Manifest{}))
	assert.Equal(t, 0, sched.Entries())
}

func TestStartStop(t *testing.T) {
	sched := NewScheduler(&mockRunner{}, t.TempDir())
	sched.Start()
	sched.Stop()
}
