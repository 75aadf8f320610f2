package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/wenhoujx/dagster/pkg/eventbus"
	"github.com/wenhoujx/dagster/pkg/models"
	"github.com/wenhoujx/dagster/pkg/plan"
	"github.com/wenhoujx/dagster/pkg/registry"
)

// DispatchMessage is the wire record for one step handed to remote workers.
type DispatchMessage struct {
	RunID     string                           `json:"run_id"`
	StepKey   string                           `json:"step_key"`
	DefName   string                           `json:"def_name"`
	Config    map[string]any                   `json:"config,omitempty"`
	Inputs    map[string]any                   `json:"inputs,omitempty"`
	Resources map[string]models.ResourceConfig `json:"resources,omitempty"`
}

// CompletionMessage is the wire record for one finished step.
type CompletionMessage struct {
	RunID    string            `json:"run_id"`
	StepKey  string            `json:"step_key"`
	WorkerID string            `json:"worker_id,omitempty"`
	Result   models.StepResult `json:"result"`
}

func completionKey(runID, stepKey string) string {
	return runID + "/" + stepKey
}

// Queue dispatches steps over the message bus and waits for a worker's
// completion report. It never assumes where the worker runs.
type Queue struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     *slog.Logger

	mu      sync.Mutex
	pending map[string]chan models.StepResult

	startOnce sync.Once
	startErr  error
}

func NewQueue(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *Queue {
	return &Queue{
		publisher:  pub,
		subscriber: sub,
		logger:     logger,
		pending:    make(map[string]chan models.StepResult),
	}
}

// Start subscribes to the completion topic. Called lazily by Execute; ctx
// should outlive every in-flight step.
func (q *Queue) Start(ctx context.Context) error {
	q.startOnce.Do(func() {
		messages, err := q.subscriber.Subscribe(ctx, eventbus.StepCompletionTopic)
		if err != nil {
			q.startErr = fmt.Errorf("failed to subscribe to completions: %w", err)

			return
		}

		go q.consumeCompletions(messages)
	})

	return q.startErr
}

func (q *Queue) consumeCompletions(messages <-chan *message.Message) {
	for msg := range messages {
		var completion CompletionMessage
		if err := json.Unmarshal(msg.Payload, &completion); err != nil {
			q.logger.Warn("Dropping undecodable completion message", "error", err)
			msg.Ack()

			continue
		}

		q.mu.Lock()
		ch, ok := q.pending[completionKey(completion.RunID, completion.StepKey)]
		if ok {
			delete(q.pending, completionKey(completion.RunID, completion.StepKey))
		}
		q.mu.Unlock()

		if ok {
			ch <- completion.Result
		} else {
			// Either double-reported or owned by another coordinator
			// process; the event log's duplicate rejection is the
			// backstop for the former.
			q.logger.Debug("Completion with no waiter",
				"run_id", completion.RunID, "step_key", completion.StepKey)
		}

		msg.Ack()
	}
}

func (q *Queue) Execute(ctx context.Context, step *plan.Step, inputs map[string]any, resources map[string]models.ResourceConfig) (models.StepResult, error) {
	if err := q.Start(ctx); err != nil {
		return models.StepResult{}, err
	}

	runID := runIDFrom(ctx)
	reply := make(chan models.StepResult, 1)

	q.mu.Lock()
	q.pending[completionKey(runID, step.Key)] = reply
	q.mu.Unlock()

	dispatch := DispatchMessage{
		RunID:     runID,
		StepKey:   step.Key,
		DefName:   step.DefName,
		Config:    step.Config,
		Inputs:    inputs,
		Resources: resources,
	}

	payload, err := json.Marshal(dispatch)
	if err != nil {
		return models.StepResult{}, fmt.Errorf("failed to marshal dispatch message: %w", err)
	}

	msg := message.NewMessage("msg-"+watermill.NewULID(), payload)
	msg.Metadata.Set(eventbus.RunIDMetadataKey, runID)

	if err := q.publisher.Publish(eventbus.StepDispatchTopic, msg); err != nil {
		q.mu.Lock()
		delete(q.pending, completionKey(runID, step.Key))
		q.mu.Unlock()

		return models.StepResult{}, fmt.Errorf("failed to publish dispatch message: %w", err)
	}

	select {
	case result := <-reply:
		return result, nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.pending, completionKey(runID, step.Key))
		q.mu.Unlock()

		return models.FailureResult(ctx.Err()), nil
	}
}

// Worker is the remote side of the queue backend: it consumes dispatch
// messages, executes them against the local registry, and reports
// completions.
type Worker struct {
	id         string
	subscriber message.Subscriber
	publisher  message.Publisher
	inner      Backend
	logger     *slog.Logger
}

func NewWorker(id string, pub message.Publisher, sub message.Subscriber, reg *registry.Registry, logger *slog.Logger) *Worker {
	return &Worker{
		id:         id,
		subscriber: sub,
		publisher:  pub,
		inner:      NewInProcess(reg, logger),
		logger:     logger.With("worker_id", id),
	}
}

// Start consumes dispatch messages until ctx ends.
func (w *Worker) Start(ctx context.Context) error {
	messages, err := w.subscriber.Subscribe(ctx, eventbus.StepDispatchTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to dispatches: %w", err)
	}

	w.logger.InfoContext(ctx, "Worker consuming step dispatches")

	for msg := range messages {
		w.handle(ctx, msg)
	}

	return nil
}

func (w *Worker) handle(ctx context.Context, msg *message.Message) {
	defer msg.Ack()

	var dispatch DispatchMessage
	if err := json.Unmarshal(msg.Payload, &dispatch); err != nil {
		w.logger.Warn("Dropping undecodable dispatch message", "error", err)

		return
	}

	logger := w.logger.With("run_id", dispatch.RunID, "step_key", dispatch.StepKey)
	logger.Info("Executing dispatched step")

	result := w.execute(ctx, dispatch)

	completion := CompletionMessage{
		RunID:    dispatch.RunID,
		StepKey:  dispatch.StepKey,
		WorkerID: w.id,
		Result:   result,
	}

	payload, err := json.Marshal(completion)
	if err != nil {
		logger.Error("Failed to marshal completion", "error", err)

		return
	}

	out := message.NewMessage("msg-"+watermill.NewULID(), payload)
	out.Metadata.Set(eventbus.RunIDMetadataKey, dispatch.RunID)

	if err := w.publisher.Publish(eventbus.StepCompletionTopic, out); err != nil {
		logger.Error("Failed to publish completion", "error", err)
	}
}

// execute runs a dispatched step against the local registry. The worker has
// no plan; it rebuilds just enough step shape for the in-process backend.
func (w *Worker) execute(ctx context.Context, dispatch DispatchMessage) models.StepResult {
	def, err := w.registryDef(dispatch.DefName)
	if err != nil {
		return models.FailureResult(err)
	}

	step := plan.RemoteStep(dispatch.StepKey, def, dispatch.Config)

	result, err := w.inner.Execute(WithRunID(ctx, dispatch.RunID), step, dispatch.Inputs, dispatch.Resources)
	if err != nil {
		return models.FailureResult(err)
	}

	return result
}

func (w *Worker) registryDef(name string) (*models.NodeDefinition, error) {
	inproc, ok := w.inner.(*InProcess)
	if !ok {
		return nil, fmt.Errorf("worker backend is not in-process")
	}

	return inproc.registry.Definition(name)
}
