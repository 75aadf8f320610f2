// Package scheduler walks an execution plan, decides which steps are ready,
// and dispatches them to an execution backend. Readiness decisions are made
// on one goroutine per run against the serialized event order, so every
// decision sees a linearizable snapshot of upstream statuses.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wenhoujx/dagster/pkg/backend"
	"github.com/wenhoujx/dagster/pkg/eventlog"
	"github.com/wenhoujx/dagster/pkg/events"
	"github.com/wenhoujx/dagster/pkg/hooks"
	"github.com/wenhoujx/dagster/pkg/models"
	"github.com/wenhoujx/dagster/pkg/otelhelper"
	"github.com/wenhoujx/dagster/pkg/plan"
	"github.com/wenhoujx/dagster/pkg/runstate"
)

// DispatchRequest asks the limiter for permission to launch one step.
// Launch runs on a fresh goroutine once the global and per-resource
// ceilings allow it.
type DispatchRequest struct {
	RunID     string
	Step      *plan.Step
	Priority  int
	Resources []string
	Launch    func()
}

// DispatchLimiter admits dispatch requests under concurrency ceilings. The
// run coordinator implements it; tests use Direct. CancelRun drops the
// run's still-queued requests and returns their step keys, so the scheduler
// knows which requests will never launch and how many in-flight completions
// remain to drain.
type DispatchLimiter interface {
	RequestDispatch(req DispatchRequest)
	Release(runID string, step *plan.Step)
	CancelRun(runID string) []string
}

// Direct admits everything immediately with no ceilings.
type Direct struct{}

func (Direct) RequestDispatch(req DispatchRequest) { go req.Launch() }
func (Direct) Release(string, *plan.Step)          {}
func (Direct) CancelRun(string) []string           { return nil }

// Scheduler drives runs. One Scheduler serves many runs; per-run
// bookkeeping lives in internal execution handles keyed by run id.
type Scheduler struct {
	log     eventlog.Log
	backend backend.Backend
	hooks   *hooks.Dispatcher
	limiter DispatchLimiter
	logger  *slog.Logger
	tracer  trace.Tracer

	mu    sync.Mutex
	execs map[string]*execution
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithHooks(d *hooks.Dispatcher) Option {
	return func(s *Scheduler) { s.hooks = d }
}

func WithLimiter(l DispatchLimiter) Option {
	return func(s *Scheduler) { s.limiter = l }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = tracer }
}

func New(log eventlog.Log, b backend.Backend, opts ...Option) *Scheduler {
	s := &Scheduler{
		log:     log,
		backend: b,
		limiter: Direct{},
		logger:  slog.Default(),
		execs:   make(map[string]*execution),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// execution is the per-run bookkeeping: which steps have been handed to the
// limiter, how many are in flight, and the completion channel the run loop
// suspends on. The RunState itself is only ever touched by the run loop
// goroutine; launch goroutines append to the log and report completions.
type execution struct {
	mu          sync.Mutex
	ctx         context.Context
	requested   map[string]bool
	inFlight    int
	completions chan completion
	canceled    bool
}

type completion struct {
	stepKey string
	result  models.StepResult
}

func (s *Scheduler) exec(ctx context.Context, runID string) *execution {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.execs[runID]
	if !ok {
		e = &execution{
			ctx:         ctx,
			requested:   make(map[string]bool),
			completions: make(chan completion),
		}
		s.execs[runID] = e
	}

	return e
}

func (s *Scheduler) dropExec(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.execs, runID)
}

// Execute drives a run to a terminal status. It suspends after dispatching
// each batch of ready steps and resumes only on a step completion; it never
// polls. Cancellation of ctx cancels the run cooperatively.
func (s *Scheduler) Execute(ctx context.Context, run *runstate.RunState, p *plan.ExecutionPlan) error {
	e := s.exec(ctx, run.RunID)
	defer s.dropExec(run.RunID)

	logger := s.logger.With("run_id", run.RunID)

	if run.Status == models.RunStatusQueued {
		if err := s.append(ctx, run, events.NewRunStarted(run.RunID)); err != nil {
			return err
		}

		logger.InfoContext(ctx, "Run started", "steps", len(p.Steps()))
	}

	for {
		if _, err := s.Advance(ctx, run, p); err != nil {
			return err
		}

		if run.Status.IsTerminal() {
			logger.InfoContext(ctx, "Run finished", "status", run.Status)

			return nil
		}

		select {
		case c := <-e.completions:
			e.mu.Lock()
			e.inFlight--
			e.mu.Unlock()

			if err := s.Complete(ctx, run, p, c.stepKey, c.result); err != nil {
				return err
			}
		case <-ctx.Done():
			return s.cancel(run, p, e)
		}
	}
}

// Advance computes readiness over the current run state: it resolves every
// decidable skip, requests dispatch for every newly ready step, and settles
// the run when all steps are terminal. Re-entrant and idempotent: a second
// call with no state change dispatches nothing.
func (s *Scheduler) Advance(ctx context.Context, run *runstate.RunState, p *plan.ExecutionPlan) ([]string, error) {
	if run.Status.IsTerminal() {
		return nil, nil
	}

	e := s.exec(ctx, run.RunID)

	if err := s.propagateSkips(ctx, run, p, e); err != nil {
		return nil, err
	}

	var dispatched []string

	for _, step := range p.Steps() {
		if !s.readyForDispatch(run, p, e, step) {
			continue
		}

		e.mu.Lock()
		e.requested[step.Key] = true
		e.inFlight++
		e.mu.Unlock()

		// Inputs are materialized here on the run loop: upstream
		// outputs are final once the step is ready, and launch
		// goroutines never touch the run state.
		inputs := materializeInputs(run, step)

		dispatched = append(dispatched, step.Key)
		s.requestLaunch(run, p, e, step, inputs)
	}

	if err := s.settleRun(ctx, run, p, e); err != nil {
		return nil, err
	}

	return dispatched, nil
}

func (s *Scheduler) readyForDispatch(run *runstate.RunState, p *plan.ExecutionPlan, e *execution, step *plan.Step) bool {
	e.mu.Lock()
	requested := e.requested[step.Key]
	canceled := e.canceled
	e.mu.Unlock()

	if requested || canceled {
		return false
	}

	if run.StepStatus(step.Key) != models.StepStatusPending {
		return false
	}

	for _, dep := range step.Deps {
		// A subset plan may keep a step whose order dep fell outside
		// the subset; absent deps do not gate readiness.
		if _, inPlan := p.Step(dep); !inPlan {
			continue
		}

		// Any terminal status unblocks readiness; whether a failed or
		// skipped dep dooms this step was already decided by the skip
		// pass. A fan-in step with one failed producer still runs on
		// the produced subset.
		if !run.StepStatus(dep).IsTerminal() {
			return false
		}
	}

	return true
}

func (s *Scheduler) requestLaunch(run *runstate.RunState, p *plan.ExecutionPlan, e *execution, step *plan.Step, inputs map[string]any) {
	priority := run.Tags.Priority() + step.Tags.Priority()
	runID := run.RunID

	s.limiter.RequestDispatch(DispatchRequest{
		RunID:     runID,
		Step:      step,
		Priority:  priority,
		Resources: step.Resources,
		Launch:    func() { s.launch(runID, p, e, step, inputs) },
	})
}

// launch runs on its own goroutine once the limiter admits the step. The
// started event commits before the backend call, so the event sequence
// proves ceilings were honored. The run loop folds the started event in via
// replay; launch itself never mutates run state.
func (s *Scheduler) launch(runID string, p *plan.ExecutionPlan, e *execution, step *plan.Step, inputs map[string]any) {
	ctx := e.ctx

	var span trace.Span
	if s.tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, s.tracer, "step.execute",
			attribute.String(otelhelper.RunIDKey, runID),
			attribute.String(otelhelper.StepKeyKey, step.Key))
		defer span.End()
	}

	started := events.NewStepStarted(runID, step.Key)
	if err := s.log.Append(ctx, &started); err != nil {
		s.logger.Error("Failed to record step start", "run_id", runID, "step_key", step.Key, "error", err)
		e.completions <- completion{stepKey: step.Key, result: models.FailureResult(err)}

		return
	}

	resources := make(map[string]models.ResourceConfig, len(step.Resources))
	for _, key := range step.Resources {
		if rc, ok := p.ResourceConfig(key); ok {
			resources[key] = rc
		}
	}

	result, execErr := s.backend.Execute(backend.WithRunID(ctx, runID), step, inputs, resources)
	if execErr != nil {
		// Scheduling-prevented: fail the step without retry.
		if span != nil {
			otelhelper.SetError(span, execErr)
		}

		result = models.FailureResult(execErr)
	}

	e.completions <- completion{stepKey: step.Key, result: result}
}

// Complete records a step outcome: terminal event append, state fold, hook
// dispatch, semaphore release. A duplicate report is rejected by the log and
// the first-recorded outcome stands.
func (s *Scheduler) Complete(ctx context.Context, run *runstate.RunState, p *plan.ExecutionPlan, stepKey string, result models.StepResult) error {
	step, ok := p.Step(stepKey)
	if !ok {
		return fmt.Errorf("completion for unknown step %q in run %s", stepKey, run.RunID)
	}

	ev := terminalEvent(run.RunID, stepKey, result)

	if err := s.log.Append(ctx, &ev); err != nil {
		if eventlog.IsDuplicateEvent(err) {
			s.logger.Warn("Rejected duplicate step completion",
				"run_id", run.RunID, "step_key", stepKey, "error", err)
			s.limiter.Release(run.RunID, step)

			return nil
		}

		return err
	}

	if err := run.Apply(ev); err != nil {
		return err
	}

	s.fireHooks(ctx, run, step, ev)
	s.limiter.Release(run.RunID, step)

	return nil
}

func terminalEvent(runID, stepKey string, result models.StepResult) events.Event {
	switch result.Status {
	case models.StepStatusSuccess:
		return events.NewStepSucceeded(runID, stepKey, result.Outputs)
	case models.StepStatusSkipped:
		return events.NewStepSkipped(runID, stepKey, result.SkipReason)
	default:
		return events.NewStepFailed(runID, stepKey, result.Error)
	}
}

// fireHooks runs after the terminal event is durably appended and before
// the scheduler advances past the step.
func (s *Scheduler) fireHooks(ctx context.Context, run *runstate.RunState, step *plan.Step, ev events.Event) {
	if s.hooks == nil {
		return
	}

	s.hooks.Dispatch(ctx, hooks.StepCompletion{
		RunID:      run.RunID,
		StepKey:    step.Key,
		Status:     run.StepStatus(step.Key),
		Outputs:    ev.Outputs,
		Error:      ev.Error,
		SkipReason: ev.SkipReason,
		Tags:       run.Tags,
	})
}

// propagateSkips resolves every step whose fate is already decided by
// upstream outcomes, repeating until a fixpoint so skips travel the whole
// downstream closure in one call.
func (s *Scheduler) propagateSkips(ctx context.Context, run *runstate.RunState, p *plan.ExecutionPlan, e *execution) error {
	for {
		changed := false

		for _, step := range p.Steps() {
			e.mu.Lock()
			requested := e.requested[step.Key]
			e.mu.Unlock()

			if requested || run.StepStatus(step.Key) != models.StepStatusPending {
				continue
			}

			reason, skip := skipDecision(run, step)
			if !skip {
				continue
			}

			if err := s.skipStep(ctx, run, p, step, reason); err != nil {
				return err
			}

			changed = true
		}

		if !changed {
			return nil
		}
	}
}

func (s *Scheduler) skipStep(ctx context.Context, run *runstate.RunState, p *plan.ExecutionPlan, step *plan.Step, reason models.SkipReason) error {
	ev := events.NewStepSkipped(run.RunID, step.Key, reason)

	if err := s.log.Append(ctx, &ev); err != nil {
		return err
	}

	if err := run.Apply(ev); err != nil {
		return err
	}

	s.logger.Debug("Step skipped", "run_id", run.RunID, "step_key", step.Key, "reason", reason)
	s.fireHooks(ctx, run, step, ev)

	return nil
}

// skipDecision decides whether a pending step can already be resolved
// SKIPPED. Data bindings skip the step only when every contributing source
// is unsatisfiable, so fan-in proceeds on the produced subset. Failure
// travels ordering-only edges too, including failure-rooted skips.
func skipDecision(run *runstate.RunState, step *plan.Step) (models.SkipReason, bool) {
	for _, dep := range step.OrderDeps {
		st := run.Step(dep)
		if st == nil {
			continue
		}

		if st.Status == models.StepStatusFailure {
			return models.SkipReasonUpstreamFailure, true
		}

		if st.Status == models.StepStatusSkipped && st.SkipReason == models.SkipReasonUpstreamFailure {
			return models.SkipReasonUpstreamFailure, true
		}
	}

	for _, b := range step.Bindings {
		reason, unsat := bindingUnsatisfiable(run, b)
		if unsat {
			return reason, true
		}
	}

	return "", false
}

// bindingUnsatisfiable reports whether the binding can never produce a
// value. It only decides once the relevant producers are terminal.
func bindingUnsatisfiable(run *runstate.RunState, b plan.InputBinding) (models.SkipReason, bool) {
	unsatisfied := 0
	var reasons []models.SkipReason

	for _, src := range b.Sources {
		if src.Kind == plan.BindingFromValue {
			return "", false // a literal always satisfies
		}

		st := run.Step(src.StepKey)
		if st == nil || !st.Status.IsTerminal() {
			return "", false // undecided until the producer lands
		}

		switch st.Status {
		case models.StepStatusSkipped:
			unsatisfied++
			reasons = append(reasons, st.SkipReason)
		case models.StepStatusSuccess:
			if _, produced := st.Outputs[src.Output]; !produced {
				unsatisfied++
				reasons = append(reasons, models.SkipReasonOutputNotProduced)
			}
		case models.StepStatusFailure:
			unsatisfied++
			reasons = append(reasons, models.SkipReasonUpstreamFailure)
		}
	}

	if unsatisfied < len(b.Sources) {
		return "", false // fan-in proceeds on the produced subset
	}

	for _, r := range reasons {
		if r == models.SkipReasonUpstreamFailure {
			return models.SkipReasonUpstreamFailure, true
		}
	}

	for _, r := range reasons {
		if r == models.SkipReasonRunCanceled {
			return models.SkipReasonRunCanceled, true
		}
	}

	return models.SkipReasonOutputNotProduced, true
}

// materializeInputs resolves the step's bindings against recorded upstream
// outputs. Fan-in collects the produced subset in source order.
func materializeInputs(run *runstate.RunState, step *plan.Step) map[string]any {
	inputs := make(map[string]any, len(step.Bindings))

	for _, b := range step.Bindings {
		if b.FanIn {
			values := make([]any, 0, len(b.Sources))

			for _, src := range b.Sources {
				if v, ok := sourceValue(run, src); ok {
					values = append(values, v)
				}
			}

			inputs[b.Input] = values

			continue
		}

		for _, src := range b.Sources {
			if v, ok := sourceValue(run, src); ok {
				inputs[b.Input] = v

				break
			}
		}
	}

	return inputs
}

func sourceValue(run *runstate.RunState, src plan.BindingSource) (any, bool) {
	if src.Kind == plan.BindingFromValue {
		return src.Value, true
	}

	st := run.Step(src.StepKey)
	if st == nil || st.Status != models.StepStatusSuccess {
		return nil, false
	}

	v, ok := st.Outputs[src.Output]

	return v, ok
}

// settleRun appends the run's terminal event once every step is terminal.
func (s *Scheduler) settleRun(ctx context.Context, run *runstate.RunState, p *plan.ExecutionPlan, e *execution) error {
	if run.Status.IsTerminal() {
		return nil
	}

	e.mu.Lock()
	canceled := e.canceled
	e.mu.Unlock()

	if canceled {
		return nil // the cancel path settles the run
	}

	var failed []string

	for _, step := range p.Steps() {
		st := run.StepStatus(step.Key)
		if !st.IsTerminal() {
			return nil
		}

		if st == models.StepStatusFailure {
			failed = append(failed, step.Key)
		}
	}

	if len(failed) > 0 {
		return s.append(ctx, run, events.NewRunFailed(run.RunID,
			fmt.Sprintf("steps failed: %s", strings.Join(failed, ", "))))
	}

	return s.append(ctx, run, events.NewRunSucceeded(run.RunID))
}

// cancel resolves a canceled run: undispatched steps skip, in-flight steps
// finish cooperatively (their contexts are already canceled), then the run
// settles CANCELED, never FAILURE.
func (s *Scheduler) cancel(run *runstate.RunState, p *plan.ExecutionPlan, e *execution) error {
	// The run loop's context is gone; cancellation bookkeeping still must
	// reach the log.
	ctx := context.Background()

	e.mu.Lock()
	e.canceled = true
	requested := e.inFlight
	e.mu.Unlock()

	dropped := make(map[string]bool)
	for _, key := range s.limiter.CancelRun(run.RunID) {
		dropped[key] = true
	}

	// Steps the limiter dropped never started; resolve them with the rest
	// of the never-requested pending set. Requested steps whose launch is
	// already running deliver a completion instead.
	for _, step := range p.Steps() {
		if run.StepStatus(step.Key) != models.StepStatusPending {
			continue
		}

		e.mu.Lock()
		launching := e.requested[step.Key] && !dropped[step.Key]
		e.mu.Unlock()

		if launching {
			continue
		}

		if err := s.skipStep(ctx, run, p, step, models.SkipReasonRunCanceled); err != nil {
			return err
		}
	}

	// Drain launched completions; backends observe the canceled context.
	for remaining := requested - len(dropped); remaining > 0; remaining-- {
		c := <-e.completions

		if err := s.Complete(ctx, run, p, c.stepKey, c.result); err != nil {
			return err
		}
	}

	return s.append(ctx, run, events.NewRunCanceled(run.RunID))
}

func (s *Scheduler) append(ctx context.Context, run *runstate.RunState, ev events.Event) error {
	if err := s.log.Append(ctx, &ev); err != nil {
		return err
	}

	return run.Apply(ev)
}
