// Package audit delivers ledger audit events to an external sink.
// Emission is fire-and-forget: a slow or failing sink never blocks or
// aborts the ledger operation that produced the event.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lottonet/ledger-core/internal/metrics"
)

// Event is one audited action.
type Event struct {
	Action   string         `json:"action"`
	ActorID  string         `json:"actor_id"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"at"`
}

// Sink persists events. Implementations may fail; failures are logged.
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

// Emitter is what ledger components call.
type Emitter interface {
	Emit(action, actorID string, metadata map[string]any)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(string, string, map[string]any) {}

// AsyncEmitter queues events and writes them to a sink from one goroutine.
// When the queue is full the event is dropped and counted.
type AsyncEmitter struct {
	sink    Sink
	events  chan Event
	timeout time.Duration
	log     *slog.Logger
}

// NewAsyncEmitter creates an emitter with the given queue size.
func NewAsyncEmitter(sink Sink, buffer int, logger *slog.Logger) *AsyncEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer < 1 {
		buffer = 1
	}
	return &AsyncEmitter{
		sink:    sink,
		events:  make(chan Event, buffer),
		timeout: 5 * time.Second,
		log:     logger,
	}
}

// Emit enqueues an event without blocking.
func (e *AsyncEmitter) Emit(action, actorID string, metadata map[string]any) {
	ev := Event{Action: action, ActorID: actorID, Metadata: metadata, At: time.Now().UTC()}
	select {
	case e.events <- ev:
	default:
		metrics.AuditDropped.Inc()
		e.log.Warn("audit queue full, event dropped", "action", action, "actor", actorID)
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
// Must be called in a goroutine.
func (e *AsyncEmitter) Run(ctx context.Context) {
	for {
		select {
		case ev := <-e.events:
			e.write(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-e.events:
					e.write(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *AsyncEmitter) write(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			metrics.AuditDropped.Inc()
			e.log.Warn("audit sink panicked", "action", ev.Action, "panic", r)
		}
	}()

	if err := e.sink.Write(ctx, ev); err != nil {
		metrics.AuditDropped.Inc()
		e.log.Warn("audit sink write failed", "action", ev.Action, "actor", ev.ActorID, "err", err)
	}
}

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Write(ctx context.Context, ev Event) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "audit",
		"action", ev.Action,
		"actor", ev.ActorID,
		"metadata", ev.Metadata,
		"at", ev.At,
	)
	return nil
}

// RedisSink appends events to a Redis stream, trimmed to roughly MaxLen entries.
type RedisSink struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink creates a stream sink.
func NewRedisSink(rdb *redis.Client, stream string, maxLen int64) *RedisSink {
	return &RedisSink{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (s *RedisSink) Write(ctx context.Context, ev Event) error {
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return err
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"action":   ev.Action,
			"actor":    ev.ActorID,
			"metadata": string(meta),
			"at":       ev.At.Format(time.RFC3339Nano),
		},
	}).Err()
}
