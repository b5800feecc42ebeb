// Package telemetry delivers structured observability events to an
// external collector. Emission is fire-and-forget: events are buffered
// and dropped under pressure so the state machines that produce them
// never block on the sink.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Severity classifies a telemetry event.
type Severity string

const (
	SeverityDebug   Severity = "debug"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is a single observability record: which engine produced it, how
// severe it is, and an arbitrary payload.
type Event struct {
	Engine   string
	Severity Severity
	Name     string
	Payload  map[string]any
	Time     time.Time
}

// Sink receives drained telemetry events. Implementations may block;
// the emitter isolates producers from sink latency.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// LogSink writes telemetry events through a structured logger. It is the
// default sink when no external collector is configured.
type LogSink struct {
	Logger *slog.Logger
}

// Record logs the event at a level matching its severity.
func (s *LogSink) Record(_ context.Context, ev Event) {
	level := slog.LevelInfo

	switch ev.Severity {
	case SeverityDebug:
		level = slog.LevelDebug
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}

	s.Logger.Log(context.Background(), level, ev.Name,
		slog.String("engine", ev.Engine),
		slog.Any("payload", ev.Payload),
	)
}

const (
	// defaultBufferSize is the emitter queue depth. Sized for bursts of
	// state transitions during a reconnect storm across several channels.
	defaultBufferSize = 256
)

// Emitter is a bounded, non-blocking telemetry queue drained by a single
// goroutine into the sink. When the buffer is full the event is dropped
// and the drop counter incremented.
type Emitter struct {
	sink   Sink
	events chan Event

	dropped atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewEmitter creates an emitter draining into sink. bufferSize <= 0 uses
// the default.
func NewEmitter(sink Sink, bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	e := &Emitter{
		sink:   sink,
		events: make(chan Event, bufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go e.drain()

	return e
}

// Emit enqueues an event. Never blocks: a full buffer drops the event.
func (e *Emitter) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	select {
	case e.events <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded due to a full buffer.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close stops the drain goroutine after flushing queued events.
func (e *Emitter) Close() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
	<-e.done
}

func (e *Emitter) drain() {
	defer close(e.done)

	ctx := context.Background()

	for {
		select {
		case ev := <-e.events:
			e.sink.Record(ctx, ev)
		case <-e.stop:
			// Flush whatever is already queued, then exit.
			for {
				select {
				case ev := <-e.events:
					e.sink.Record(ctx, ev)
				default:
					return
				}
			}
		}
	}
}
