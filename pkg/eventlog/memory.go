package eventlog

import (
	"context"
	"sync"

	"github.com/wenhoujx/dagster/pkg/events"
)

// MemoryLog is the in-process Log used by the in-process backend and by
// tests. Appends serialize under one mutex, which is what turns concurrent
// step completions into a total per-run order.
type MemoryLog struct {
	mu       sync.Mutex
	byRun    map[string][]events.Event
	nextSeq  map[string]int64
	terminal map[string]map[string]events.Kind // runID -> stepKey ("" for the run itself) -> kind
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		byRun:    make(map[string][]events.Event),
		nextSeq:  make(map[string]int64),
		terminal: make(map[string]map[string]events.Kind),
	}
}

func (l *MemoryLog) Append(ctx context.Context, ev *events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Kind.IsStepTerminal() || ev.Kind.IsRunTerminal() {
		key := ""
		if ev.Kind.IsStepTerminal() {
			key = ev.StepKey
		}

		seen := l.terminal[ev.RunID]
		if seen == nil {
			seen = make(map[string]events.Kind)
			l.terminal[ev.RunID] = seen
		}

		if _, dup := seen[key]; dup {
			return &DuplicateEventError{RunID: ev.RunID, StepKey: ev.StepKey, Kind: ev.Kind}
		}

		seen[key] = ev.Kind
	}

	l.nextSeq[ev.RunID]++
	ev.Seq = l.nextSeq[ev.RunID]
	l.byRun[ev.RunID] = append(l.byRun[ev.RunID], *ev)

	return nil
}

func (l *MemoryLog) EventsFor(ctx context.Context, runID string) ([]events.Event, error) {
	return l.EventsAfter(ctx, runID, 0)
}

func (l *MemoryLog) EventsAfter(ctx context.Context, runID string, afterSeq int64) ([]events.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, ok := l.byRun[runID]
	if !ok {
		return nil, ErrRunNotFound
	}

	out := make([]events.Event, 0, len(all))
	for _, ev := range all {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}

	return out, nil
}
