// Package coordinator owns the lifecycle of runs: submission, priority
// ordering, concurrency ceilings, and cancellation. It is the dispatch
// limiter behind the scheduler, holding queued step dispatches until the
// global and per-resource ceilings allow them.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/wenhoujx/dagster/pkg/eventlog"
	"github.com/wenhoujx/dagster/pkg/events"
	"github.com/wenhoujx/dagster/pkg/models"
	"github.com/wenhoujx/dagster/pkg/plan"
	"github.com/wenhoujx/dagster/pkg/runstate"
	"github.com/wenhoujx/dagster/pkg/scheduler"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunTerminal = errors.New("run already terminal")
	ErrNoScheduler = errors.New("no scheduler attached")
)

// Coordinator admits runs and steps under configured ceilings. Zero ceilings
// mean unlimited.
type Coordinator struct {
	log    eventlog.Log
	sched  *scheduler.Scheduler
	logger *slog.Logger

	maxConcurrentSteps int
	maxConcurrentRuns  int

	mu             sync.Mutex
	resourceLimits map[string]int
	resourceHeld   map[string]int
	stepsInFlight  int
	queue          []*queuedDispatch
	dispatchSeq    int64
	runs           map[string]*managedRun
	runQueue       []*managedRun
	activeRuns     int
}

type queuedDispatch struct {
	req scheduler.DispatchRequest
	seq int64
}

type managedRun struct {
	run      *runstate.RunState
	plan     *plan.ExecutionPlan
	priority int
	seq      int64
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	admitted bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMaxConcurrentSteps caps steps executing at once across all runs.
func WithMaxConcurrentSteps(n int) Option {
	return func(c *Coordinator) { c.maxConcurrentSteps = n }
}

// WithMaxConcurrentRuns caps runs executing at once; excess submissions
// queue in priority order.
func WithMaxConcurrentRuns(n int) Option {
	return func(c *Coordinator) { c.maxConcurrentRuns = n }
}

// WithResourceLimit sets a standing ceiling for one resource key. Per-run
// plans and tags may tighten but never widen it.
func WithResourceLimit(key string, n int) Option {
	return func(c *Coordinator) { c.resourceLimits[key] = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func New(log eventlog.Log, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:            log,
		logger:         slog.Default(),
		resourceLimits: make(map[string]int),
		resourceHeld:   make(map[string]int),
		runs:           make(map[string]*managedRun),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// AttachScheduler wires the scheduler after construction. The scheduler is
// built with this coordinator as its limiter, so the two reference each
// other; attach closes the loop.
func (c *Coordinator) AttachScheduler(s *scheduler.Scheduler) {
	c.sched = s
}

// Submit records the run as QUEUED and starts it when the run ceiling
// allows, otherwise parks it in the priority admission queue. The returned
// state is live: the run loop folds events into it as they append.
func (c *Coordinator) Submit(ctx context.Context, p *plan.ExecutionPlan, cfg models.RunConfig, tags models.Tags) (*runstate.RunState, error) {
	if c.sched == nil {
		return nil, ErrNoScheduler
	}

	runID := uuid.New().String()
	run := runstate.New(runID, tags)

	ev := events.NewRunEnqueued(runID, tags)
	if err := c.log.Append(ctx, &ev); err != nil {
		return nil, fmt.Errorf("enqueue run %s: %w", runID, err)
	}

	if err := run.Apply(ev); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.absorbResourceLimits(p, cfg, tags)

	c.dispatchSeq++
	mr := &managedRun{
		run:      run,
		plan:     p,
		priority: tags.Priority(),
		seq:      c.dispatchSeq,
		done:     make(chan struct{}),
	}
	c.runs[runID] = mr

	if c.maxConcurrentRuns == 0 || c.activeRuns < c.maxConcurrentRuns {
		c.startRunLocked(mr)
	} else {
		c.enqueueRunLocked(mr)
		c.logger.Info("Run queued behind run ceiling",
			"run_id", runID, "priority", mr.priority, "queued", len(c.runQueue))
	}
	c.mu.Unlock()

	return run, nil
}

// absorbResourceLimits tightens standing ceilings with per-plan and per-run
// declarations. A ceiling never widens once set; the strictest wins.
func (c *Coordinator) absorbResourceLimits(p *plan.ExecutionPlan, cfg models.RunConfig, tags models.Tags) {
	merge := func(limits map[string]int) {
		for key, n := range limits {
			if n <= 0 {
				continue
			}

			if cur, ok := c.resourceLimits[key]; !ok || n < cur {
				c.resourceLimits[key] = n
			}
		}
	}

	merge(p.ResourceLimits())
	merge(tags.ConcurrencyLimits())

	fromCfg := make(map[string]int, len(cfg.Resources))
	for key, rc := range cfg.Resources {
		fromCfg[key] = rc.MaxConcurrent
	}
	merge(fromCfg)
}

func (c *Coordinator) startRunLocked(mr *managedRun) {
	runCtx, cancel := context.WithCancel(context.Background())
	mr.cancel = cancel
	mr.admitted = true
	c.activeRuns++

	go func() {
		defer cancel()

		mr.err = c.sched.Execute(runCtx, mr.run, mr.plan)
		if mr.err != nil {
			c.logger.Error("Run loop failed", "run_id", mr.run.RunID, "error", mr.err)
		}

		close(mr.done)
		c.runFinished()
	}()
}

func (c *Coordinator) enqueueRunLocked(mr *managedRun) {
	i := sort.Search(len(c.runQueue), func(i int) bool {
		q := c.runQueue[i]

		if q.priority != mr.priority {
			return q.priority < mr.priority
		}

		return q.seq > mr.seq
	})

	c.runQueue = append(c.runQueue, nil)
	copy(c.runQueue[i+1:], c.runQueue[i:])
	c.runQueue[i] = mr
}

func (c *Coordinator) runFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.activeRuns--

	if len(c.runQueue) == 0 {
		return
	}

	next := c.runQueue[0]
	c.runQueue = c.runQueue[1:]
	c.startRunLocked(next)
}

// Cancel requests cooperative cancellation. An admitted run's loop drains
// in-flight steps and settles CANCELED; a still-queued run settles here
// without ever starting.
func (c *Coordinator) Cancel(ctx context.Context, runID string) error {
	c.mu.Lock()
	mr, ok := c.runs[runID]
	if !ok {
		c.mu.Unlock()

		return fmt.Errorf("cancel run %s: %w", runID, ErrRunNotFound)
	}

	if mr.run.Status.IsTerminal() {
		c.mu.Unlock()

		return fmt.Errorf("cancel run %s: %w", runID, ErrRunTerminal)
	}

	if mr.admitted {
		cancel := mr.cancel
		c.mu.Unlock()
		cancel()

		return nil
	}

	// Never admitted: drop from the admission queue and settle in place.
	for i, q := range c.runQueue {
		if q == mr {
			c.runQueue = append(c.runQueue[:i], c.runQueue[i+1:]...)

			break
		}
	}
	mr.admitted = true
	c.mu.Unlock()

	for _, step := range mr.plan.Steps() {
		ev := events.NewStepSkipped(runID, step.Key, models.SkipReasonRunCanceled)
		if err := c.log.Append(ctx, &ev); err != nil {
			return err
		}

		if err := mr.run.Apply(ev); err != nil {
			return err
		}
	}

	ev := events.NewRunCanceled(runID)
	if err := c.log.Append(ctx, &ev); err != nil {
		return err
	}

	if err := mr.run.Apply(ev); err != nil {
		return err
	}

	close(mr.done)

	return nil
}

// Wait blocks until the run's loop finishes or ctx expires.
func (c *Coordinator) Wait(ctx context.Context, runID string) error {
	c.mu.Lock()
	mr, ok := c.runs[runID]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("wait for run %s: %w", runID, ErrRunNotFound)
	}

	select {
	case <-mr.done:
		return mr.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run returns the live state for a submitted run.
func (c *Coordinator) Run(runID string) (*runstate.RunState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	mr, ok := c.runs[runID]
	if !ok {
		return nil, fmt.Errorf("lookup run %s: %w", runID, ErrRunNotFound)
	}

	return mr.run, nil
}

// Runs returns the live state of every run the coordinator knows about,
// admitted and queued alike.
func (c *Coordinator) Runs() []*runstate.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*runstate.RunState, 0, len(c.runs))
	for _, mr := range c.runs {
		out = append(out, mr.run)
	}

	return out
}

// RequestDispatch implements scheduler.DispatchLimiter. The request launches
// immediately when the global and per-resource ceilings allow; otherwise it
// queues by priority, FIFO within equal priority.
func (c *Coordinator) RequestDispatch(req scheduler.DispatchRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.admitLocked(req) {
		return
	}

	c.dispatchSeq++
	qd := &queuedDispatch{req: req, seq: c.dispatchSeq}

	i := sort.Search(len(c.queue), func(i int) bool {
		q := c.queue[i]

		if q.req.Priority != req.Priority {
			return q.req.Priority < req.Priority
		}

		return q.seq > qd.seq
	})

	c.queue = append(c.queue, nil)
	copy(c.queue[i+1:], c.queue[i:])
	c.queue[i] = qd

	c.logger.Debug("Step queued behind concurrency ceiling",
		"run_id", req.RunID, "step_key", req.Step.Key,
		"priority", req.Priority, "queued", len(c.queue))
}

// admitLocked launches the request if capacity allows, holding the ceilings
// before releasing the lock so the started event never outruns them.
func (c *Coordinator) admitLocked(req scheduler.DispatchRequest) bool {
	if c.maxConcurrentSteps > 0 && c.stepsInFlight >= c.maxConcurrentSteps {
		return false
	}

	for _, key := range req.Resources {
		if limit, ok := c.resourceLimits[key]; ok && limit > 0 && c.resourceHeld[key] >= limit {
			return false
		}
	}

	c.stepsInFlight++
	for _, key := range req.Resources {
		c.resourceHeld[key]++
	}

	go req.Launch()

	return true
}

// Release implements scheduler.DispatchLimiter: frees the step's slots and
// pumps the dispatch queue.
func (c *Coordinator) Release(runID string, step *plan.Step) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stepsInFlight--
	for _, key := range step.Resources {
		if c.resourceHeld[key] > 0 {
			c.resourceHeld[key]--
		}
	}

	c.pumpLocked()
}

// pumpLocked walks the queue in priority order and admits everything that
// now fits. A request blocked on one resource does not block lower-priority
// requests needing different resources.
func (c *Coordinator) pumpLocked() {
	remaining := c.queue[:0]

	for _, qd := range c.queue {
		if !c.admitLocked(qd.req) {
			remaining = append(remaining, qd)
		}
	}

	c.queue = remaining
}

// CancelRun implements scheduler.DispatchLimiter: drops the run's queued
// requests and returns their step keys.
func (c *Coordinator) CancelRun(runID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dropped []string
	remaining := c.queue[:0]

	for _, qd := range c.queue {
		if qd.req.RunID == runID {
			dropped = append(dropped, qd.req.Step.Key)

			continue
		}

		remaining = append(remaining, qd)
	}

	c.queue = remaining

	return dropped
}
