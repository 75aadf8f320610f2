package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"github.com/wenhoujx/dagster/pkg/events"
)

// RedisLog persists run events in one Redis stream per run. The stream's
// auto-generated IDs establish append order; a SETNX guard per step rejects
// double terminal reports before the stream is touched.
type RedisLog struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

func NewRedisLog(client redis.UniversalClient, prefix string, logger *slog.Logger) *RedisLog {
	if prefix == "" {
		prefix = "dagster"
	}

	return &RedisLog{client: client, prefix: prefix, logger: logger}
}

func (l *RedisLog) streamKey(runID string) string {
	return l.prefix + ":run:" + runID + ":events"
}

func (l *RedisLog) terminalKey(runID, stepKey string) string {
	if stepKey == "" {
		return l.prefix + ":run:" + runID + ":terminal"
	}

	return l.prefix + ":run:" + runID + ":terminal:" + stepKey
}

func (l *RedisLog) Append(ctx context.Context, ev *events.Event) error {
	if ev.Kind.IsStepTerminal() || ev.Kind.IsRunTerminal() {
		key := ""
		if ev.Kind.IsStepTerminal() {
			key = ev.StepKey
		}

		set, err := l.client.SetNX(ctx, l.terminalKey(ev.RunID, key), string(ev.Kind), 0).Result()
		if err != nil {
			return fmt.Errorf("failed to reserve terminal marker for run %s: %w", ev.RunID, err)
		}

		if !set {
			return &DuplicateEventError{RunID: ev.RunID, StepKey: ev.StepKey, Kind: ev.Kind}
		}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: l.streamKey(ev.RunID),
		Values: map[string]any{"payload": payload},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to append event for run %s: %w", ev.RunID, err)
	}

	ev.Seq = streamSeq(id)

	return nil
}

func (l *RedisLog) EventsFor(ctx context.Context, runID string) ([]events.Event, error) {
	return l.EventsAfter(ctx, runID, 0)
}

func (l *RedisLog) EventsAfter(ctx context.Context, runID string, afterSeq int64) ([]events.Event, error) {
	entries, err := l.client.XRange(ctx, l.streamKey(runID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event stream for run %s: %w", runID, err)
	}

	if len(entries) == 0 {
		exists, err := l.client.Exists(ctx, l.streamKey(runID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check event stream for run %s: %w", runID, err)
		}

		if exists == 0 {
			return nil, ErrRunNotFound
		}
	}

	out := make([]events.Event, 0, len(entries))

	for _, entry := range entries {
		seq := streamSeq(entry.ID)
		if seq <= afterSeq {
			continue
		}

		raw, ok := entry.Values["payload"].(string)
		if !ok {
			l.logger.Warn("Skipping malformed event stream entry", "run_id", runID, "entry_id", entry.ID)

			continue
		}

		var ev events.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
		}

		ev.Seq = seq
		out = append(out, ev)
	}

	return out, nil
}

// streamSeq flattens a Redis stream ID ("<ms>-<counter>") into one ordered
// int64 cursor. Counter values above 2^20 per millisecond would collide,
// which a single run's append rate never approaches.
func streamSeq(id string) int64 {
	ms, counter, ok := strings.Cut(id, "-")
	if !ok {
		return 0
	}

	msN, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return 0
	}

	counterN, err := strconv.ParseInt(counter, 10, 64)
	if err != nil {
		return 0
	}

	return msN<<20 | (counterN & (1<<20 - 1))
}
