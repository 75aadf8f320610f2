// Package schedule submits recurring runs from cron expressions. Each entry
// binds a compiled plan and its run configuration to a schedule; firing an
// entry is an ordinary Submit through the coordinator.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wenhoujx/dagster/pkg/coordinator"
	"github.com/wenhoujx/dagster/pkg/models"
	"github.com/wenhoujx/dagster/pkg/plan"
)

var ErrAlreadyStarted = errors.New("scheduler already started")

// Entry is one recurring submission.
type Entry struct {
	Name     string
	CronExpr string
	Timezone string
	Plan     *plan.ExecutionPlan
	Config   models.RunConfig
	Tags     models.Tags
}

// Validate checks the entry before registration.
func (e Entry) Validate() error {
	if e.Name == "" {
		return errors.New("schedule entry name is required")
	}

	if e.Plan == nil {
		return fmt.Errorf("schedule entry %q: plan is required", e.Name)
	}

	if _, err := cron.ParseStandard(e.CronExpr); err != nil {
		return fmt.Errorf("schedule entry %q: invalid cron expression: %w", e.Name, err)
	}

	if e.Timezone != "" {
		if _, err := time.LoadLocation(e.Timezone); err != nil {
			return fmt.Errorf("schedule entry %q: invalid timezone: %w", e.Name, err)
		}
	}

	return nil
}

// Runner owns the cron loop and submits each fired entry as a new run.
type Runner struct {
	coord  *coordinator.Coordinator
	logger *slog.Logger

	mu      sync.Mutex
	entries []Entry
	cron    *cron.Cron
}

func NewRunner(coord *coordinator.Coordinator, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{coord: coord, logger: logger}
}

// Register adds an entry. Registration after Start takes effect on the next
// Start.
func (r *Runner) Register(entry Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries = append(r.entries, entry)

	return nil
}

// Start begins firing entries. Entries with a timezone get their own parser
// location through the TZ= prefix cron supports.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil {
		return ErrAlreadyStarted
	}

	c := cron.New()

	for _, entry := range r.entries {
		spec := entry.CronExpr
		if entry.Timezone != "" {
			spec = "TZ=" + entry.Timezone + " " + spec
		}

		entry := entry
		if _, err := c.AddFunc(spec, func() { r.fire(ctx, entry) }); err != nil {
			return fmt.Errorf("failed to add cron job for schedule %s: %w", entry.Name, err)
		}

		r.logger.Info("Schedule registered", "schedule", entry.Name, "cron", entry.CronExpr)
	}

	c.Start()
	r.cron = c

	return nil
}

func (r *Runner) fire(ctx context.Context, entry Entry) {
	tags := models.Tags{"dagster/schedule": entry.Name}.Merge(entry.Tags)

	run, err := r.coord.Submit(ctx, entry.Plan, entry.Config, tags)
	if err != nil {
		r.logger.Error("Scheduled submission failed", "schedule", entry.Name, "error", err)

		return
	}

	r.logger.Info("Scheduled run submitted", "schedule", entry.Name, "run_id", run.RunID)
}

// Stop halts firing and waits for in-progress submissions to return.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()

	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
