// Package eventbus provides the watermill-backed message plumbing: the
// observer feed of run events and the dispatch/completion topics used by the
// queue execution backend.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/wenhoujx/dagster/pkg/events"
)

// Topics.
const (
	RunEventsTopic      = "dagster.run.events"      // observer feed of appended log events
	StepDispatchTopic   = "dagster.step.dispatches" // queue backend -> workers
	StepCompletionTopic = "dagster.step.completions"
)

// Message metadata keys.
const (
	RunIDMetadataKey = "run_id"
	KindMetadataKey  = "event_type"
)

// EventHandler consumes one decoded run event.
type EventHandler func(ctx context.Context, ev events.Event) error

// Bus publishes appended run events for external observers and lets them
// subscribe by event kind.
type Bus struct {
	publisher     message.Publisher
	subscriber    message.Subscriber
	subscriptions map[events.Kind]EventHandler
	logger        *slog.Logger
}

func NewBus(pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *Bus {
	return &Bus{
		publisher:     pub,
		subscriber:    sub,
		subscriptions: make(map[events.Kind]EventHandler),
		logger:        logger,
	}
}

// Publish serializes one run event onto the observer topic, keyed by run id
// so per-run ordering survives partitioned transports.
func (b *Bus) Publish(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+watermill.NewULID(), payload)
	msg.Metadata.Set(RunIDMetadataKey, ev.RunID)
	msg.Metadata.Set(KindMetadataKey, string(ev.Kind))

	return b.publisher.Publish(RunEventsTopic, msg)
}

// Handle registers a handler for one event kind. Register before Subscribe.
func (b *Bus) Handle(kind events.Kind, handler EventHandler) {
	b.subscriptions[kind] = handler
}

// Subscribe consumes the observer topic until ctx ends, routing each message
// to the handler registered for its kind. Messages without a handler ack
// immediately.
func (b *Bus) Subscribe(ctx context.Context) error {
	messages, err := b.subscriber.Subscribe(ctx, RunEventsTopic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			kind := events.Kind(msg.Metadata.Get(KindMetadataKey))

			handler, exists := b.subscriptions[kind]
			if !exists {
				msg.Ack()

				continue
			}

			var ev events.Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				b.logger.Warn("Dropping undecodable run event", "error", err)
				msg.Nack()

				continue
			}

			if err := handler(ctx, ev); err != nil {
				msg.Nack()

				continue
			}

			msg.Ack()
		}
	}()

	return nil
}

// Close closes both sides of the bus.
func (b *Bus) Close() error {
	if err := b.publisher.Close(); err != nil {
		return err
	}

	return b.subscriber.Close()
}
