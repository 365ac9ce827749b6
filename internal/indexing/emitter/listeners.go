package emitter

import (
	"context"
	"log/slog"

	"github.com/vietddude/forgesync/internal/core/domain"
)

// LogEmitter writes every event to the structured log.
type LogEmitter struct {
	log *slog.Logger
}

// NewLogEmitter creates a log listener.
func NewLogEmitter() *LogEmitter {
	return &LogEmitter{log: slog.Default().With("component", "events")}
}

func (e *LogEmitter) Name() string { return "log" }

func (e *LogEmitter) Emit(ctx context.Context, event *domain.Event) error {
	e.log.Info("Event",
		"kind", event.Kind,
		"repository", event.Context.Repository,
		"origin", event.Context.Origin,
		"idempotency_key", event.Context.IdempotencyKey,
		"event_id", event.Context.EventID,
	)
	return nil
}

func (e *LogEmitter) Close() error { return nil }

// StreamAppender appends events to a durable stream.
type StreamAppender interface {
	AppendEvent(ctx context.Context, ev domain.Event, maxLen int64) (string, error)
}

// StreamEmitter forwards events to a Redis stream.
type StreamEmitter struct {
	stream StreamAppender
	maxLen int64
}

// NewStreamEmitter creates a stream listener keeping roughly maxLen entries.
func NewStreamEmitter(stream StreamAppender, maxLen int64) *StreamEmitter {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &StreamEmitter{stream: stream, maxLen: maxLen}
}

func (e *StreamEmitter) Name() string { return "redis_stream" }

func (e *StreamEmitter) Emit(ctx context.Context, event *domain.Event) error {
	_, err := e.stream.AppendEvent(ctx, *event, e.maxLen)
	return err
}

func (e *StreamEmitter) Close() error { return nil }
