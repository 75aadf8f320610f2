package eventlog

import (
	"context"

	"github.com/wenhoujx/dagster/pkg/events"
)

// Notifier observes successfully appended events. Bridges the log to
// external observers such as the watermill event bus.
type Notifier func(ctx context.Context, ev events.Event)

// NotifyingLog wraps a Log and invokes the notifier after each successful
// append, in append order. Rejected duplicates are not notified.
type NotifyingLog struct {
	inner  Log
	notify Notifier
}

func WithNotifier(inner Log, notify Notifier) *NotifyingLog {
	return &NotifyingLog{inner: inner, notify: notify}
}

func (l *NotifyingLog) Append(ctx context.Context, ev *events.Event) error {
	if err := l.inner.Append(ctx, ev); err != nil {
		return err
	}

	if l.notify != nil {
		l.notify(ctx, *ev)
	}

	return nil
}

func (l *NotifyingLog) EventsFor(ctx context.Context, runID string) ([]events.Event, error) {
	return l.inner.EventsFor(ctx, runID)
}

func (l *NotifyingLog) EventsAfter(ctx context.Context, runID string, afterSeq int64) ([]events.Event, error) {
	return l.inner.EventsAfter(ctx, runID, afterSeq)
}
