// Package trigger implements cron scheduling and webhook handling for
// workflow execution. Triggered runs dispatch through the orchestrator
// like any other caller, so admission, rate limiting, and concurrency
// governance all apply.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/opencellcw/ulf-warden-sub010/internal/policy"
	"github.com/opencellcw/ulf-warden-sub010/internal/workflow"
)

// runTimeout bounds one triggered workflow run. Plans can set a tighter
// max_duration_ms themselves.
const runTimeout = 10 * time.Minute

// WorkflowRunner is the interface triggers execute through.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, def *workflow.Definition, subject string, initial map[string]any) (*workflow.Result, error)
	ValidateWorkflow(def *workflow.Definition) error
}

// LoadDefinition reads a workflow plan from a JSON file. The path is
// resolved under baseDir and must stay inside it.
func LoadDefinition(baseDir, path string) (*workflow.Definition, error) {
	safePath, err := policy.ResolvePathUnderBase(baseDir, path)
	if err != nil {
		return nil, fmt.Errorf("workflow path: %w", err)
	}
	content, err := os.ReadFile(safePath)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file: %w", err)
	}
	var def workflow.Definition
	if err := json.Unmarshal(content, &def); err != nil {
		return nil, fmt.Errorf("parsing workflow file %s: %w", path, err)
	}
	return &def, nil
}

// Scheduler manages cron-based workflow execution.
type Scheduler struct {
	cron    *cron.Cron
	runner  WorkflowRunner
	baseDir string
}

// NewScheduler creates a scheduler backed by the given runner. Workflow
// file references resolve under baseDir.
// Cron expressions use the standard 5-field format: minute hour
// day-of-month month day-of-week (e.g. "0 9 * * 1-5" for 09:00 on
// weekdays). Do not use WithSeconds() so docs and configs match.
func NewScheduler(runner WorkflowRunner, baseDir string) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		runner:  runner,
		baseDir: baseDir,
	}
}

// RegisterSchedules adds cron entries from the manifest's trigger
// configuration. Each plan file is loaded and validated up front so a
// broken plan fails at startup, not at 3am.
func (s *Scheduler) RegisterSchedules(m *policy.Manifest) error {
	if m.Triggers == nil || len(m.Triggers.Schedule) == 0 {
		return nil
	}

	for _, sched := range m.Triggers.Schedule {
		def, err := LoadDefinition(s.baseDir, sched.Workflow)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", sched.Cron, err)
		}
		if err := s.runner.ValidateWorkflow(def); err != nil {
			return fmt.Errorf("schedule workflow %s: %w", sched.Workflow, err)
		}

		subject := sched.Subject
		if subject == "" {
			subject = "scheduler"
		}
		wfName := sched.Workflow
		desc := sched.Description

		_, err = s.cron.AddFunc(sched.Cron, func() {
			ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
			defer cancel()

			log.Info().
				Str("workflow", wfName).
				Str("subject", subject).
				Str("description", desc).
				Msg("scheduled_trigger_fired")

			if _, err := s.runner.RunWorkflow(ctx, def, subject, nil); err != nil {
				log.Error().Err(err).
					Str("workflow", wfName).
					Msg("scheduled_trigger_failed")
			}
		})
		if err != nil {
			return fmt.Errorf("registering cron %q for workflow %s: %w", sched.Cron, wfName, err)
		}
	}

	return nil
}

// Start begins executing registered cron jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
