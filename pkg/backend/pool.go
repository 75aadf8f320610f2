package backend

import (
	"context"
	"log/slog"
	"sync"

	"github.com/wenhoujx/dagster/pkg/models"
	"github.com/wenhoujx/dagster/pkg/plan"
)

// Pool executes each step on one of a fixed number of isolated worker
// goroutines. Panics stay contained in the worker; the caller observes an
// ordinary step failure.
type Pool struct {
	inner  Backend
	jobs   chan poolJob
	logger *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
	size      int
}

type poolJob struct {
	ctx       context.Context
	step      *plan.Step
	inputs    map[string]any
	resources map[string]models.ResourceConfig
	reply     chan poolReply
}

type poolReply struct {
	result models.StepResult
	err    error
}

func NewPool(inner Backend, size int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}

	return &Pool{
		inner:  inner,
		jobs:   make(chan poolJob),
		done:   make(chan struct{}),
		size:   size,
		logger: logger,
	}
}

// Start launches the workers. Idempotent.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.size; i++ {
			p.wg.Add(1)

			go p.worker(i)
		}
	})
}

// Stop drains the workers. Steps already handed to a worker finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	logger := p.logger.With("pool_worker", id)

	for {
		select {
		case <-p.done:
			return
		case job := <-p.jobs:
			result, err := p.inner.Execute(job.ctx, job.step, job.inputs, job.resources)
			if err != nil {
				logger.Warn("Step execution prevented", "step_key", job.step.Key, "error", err)
			}

			job.reply <- poolReply{result: result, err: err}
		}
	}
}

func (p *Pool) Execute(ctx context.Context, step *plan.Step, inputs map[string]any, resources map[string]models.ResourceConfig) (models.StepResult, error) {
	p.Start()

	job := poolJob{
		ctx:       ctx,
		step:      step,
		inputs:    inputs,
		resources: resources,
		reply:     make(chan poolReply, 1),
	}

	select {
	case p.jobs <- job:
	case <-ctx.Done():
		return models.FailureResult(ctx.Err()), nil
	}

	select {
	case reply := <-job.reply:
		return reply.result, reply.err
	case <-ctx.Done():
		// The worker still finishes the step; the caller records the
		// cancellation outcome.
		return models.FailureResult(ctx.Err()), nil
	}
}
