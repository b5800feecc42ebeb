// Package realtime classifies raw push frames into typed domain events
// and delivers each one at most once. It owns the authority log that
// deduplicates replayed frames, the delivery-ack round trip, and the
// circuit breaker that signals when push delivery can no longer be
// trusted.
package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/urbanwatch/report-sync/internal/config"
	"github.com/urbanwatch/report-sync/internal/pool"
	"github.com/urbanwatch/report-sync/internal/telemetry"
	"github.com/urbanwatch/report-sync/internal/transport"
)

const engineName = "realtime"

// ackTimeout bounds the fire-and-forget delivery acknowledgement.
const ackTimeout = 10 * time.Second

// ChannelPool is the subset of the connection pool the orchestrator
// drives: per-event subscriptions and reconnect notifications.
type ChannelPool interface {
	Subscribe(channelURL, eventType string, fn pool.Listener) func()
	OnReconnect(channelURL string, cb pool.ReconnectFunc)
}

// Acker confirms delivery of an identified event to the backend.
type Acker interface {
	AcknowledgeDelivered(ctx context.Context, eventID string) error
}

// Options configures an Orchestrator.
type Options struct {
	Pool      ChannelPool
	Routes    []config.ChannelRoute
	Acker     Acker // optional; nil disables delivery acks
	Logger    *slog.Logger
	Telemetry *telemetry.Emitter

	// AuthorityLogSize bounds the dedup window. Zero uses the default.
	AuthorityLogSize int

	CircuitThreshold int
	CircuitWindow    time.Duration
	CircuitCooldown  time.Duration
}

const defaultAuthoritySize = 512

// Orchestrator routes push frames from the pool to typed event
// handlers. Construct with New, wire handlers with OnEvent, then call
// Connect per channel key.
type Orchestrator struct {
	pool    ChannelPool
	acker   Acker
	logger  *slog.Logger
	tel     *telemetry.Emitter
	routes  map[string]config.ChannelRoute
	log     *authorityLog
	breaker *circuitBreaker

	mu        sync.Mutex
	handlers  map[Kind][]Handler
	catchUps  []func(channelKey, replayCursor string)
	unsubs    []func()
	connected map[string]bool
	closed    bool
}

// New builds an orchestrator over the given pool and channel routes.
func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	size := opts.AuthorityLogSize
	if size <= 0 {
		size = defaultAuthoritySize
	}

	routes := make(map[string]config.ChannelRoute, len(opts.Routes))
	for _, r := range opts.Routes {
		routes[r.Key] = r
	}

	return &Orchestrator{
		pool:      opts.Pool,
		acker:     opts.Acker,
		logger:    opts.Logger,
		tel:       opts.Telemetry,
		routes:    routes,
		log:       newAuthorityLog(size),
		breaker:   newCircuitBreaker(opts.CircuitThreshold, opts.CircuitWindow, opts.CircuitCooldown),
		handlers:  make(map[Kind][]Handler),
		connected: make(map[string]bool),
	}
}

// OnEvent registers a handler for one event kind. Handlers for the same
// kind run in registration order on the delivering goroutine.
func (o *Orchestrator) OnEvent(kind Kind, fn Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.handlers[kind] = append(o.handlers[kind], fn)
}

// OnCatchUp registers a callback invoked after a channel reconnects,
// with the replay cursor of the last delivered event (empty when no
// cursor is known). Consumers use it to fetch whatever push missed.
func (o *Orchestrator) OnCatchUp(fn func(channelKey, replayCursor string)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.catchUps = append(o.catchUps, fn)
}

// Connect subscribes to every event type the named channel carries.
// Connecting an already-connected key is a no-op.
func (o *Orchestrator) Connect(channelKey string) error {
	route, ok := o.routes[channelKey]
	if !ok {
		return fmt.Errorf("unknown channel key %q", channelKey)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || o.connected[channelKey] {
		return nil
	}

	events := route.Events
	if len(events) == 0 {
		events = []string{transport.DefaultEvent}
	}

	for _, eventType := range events {
		unsub := o.pool.Subscribe(route.URL, eventType, func(frame transport.Frame) {
			o.handleFrame(channelKey, frame)
		})
		o.unsubs = append(o.unsubs, unsub)
	}

	o.pool.OnReconnect(route.URL, func(replayCursor string) {
		o.mu.Lock()
		cbs := make([]func(string, string), len(o.catchUps))
		copy(cbs, o.catchUps)
		o.mu.Unlock()

		for _, cb := range cbs {
			cb(channelKey, replayCursor)
		}
	})

	o.connected[channelKey] = true
	o.logger.Info("channel connected", "channel", channelKey, "events", len(events))

	return nil
}

// CircuitOpen reports whether the delivery circuit breaker is open,
// meaning push delivery is currently untrusted and consumers should
// fall back to polling.
func (o *Orchestrator) CircuitOpen() bool {
	return o.breaker.Open()
}

// AcknowledgeDelivered confirms delivery of eventID to the backend,
// fire-and-forget. Failures feed the circuit breaker but never
// propagate to the caller.
func (o *Orchestrator) AcknowledgeDelivered(eventID string) {
	if o.acker == nil || eventID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ackTimeout)
		defer cancel()

		if err := o.acker.AcknowledgeDelivered(ctx, eventID); err != nil {
			o.logger.Warn("delivery ack failed", "event_id", eventID, "error", err)
			o.recordFailure("ack_failed", map[string]any{"event_id": eventID})

			return
		}

		o.breaker.RecordSuccess()
	}()
}

// Deliver feeds a frame through classification, deduplication, and
// dispatch as if it had arrived on a live channel. Catch-up uses it to
// replay missed events; the authority log drops whichever copies were
// already processed live.
func (o *Orchestrator) Deliver(channelKey string, frame transport.Frame) {
	o.handleFrame(channelKey, frame)
}

// Close unsubscribes every channel. The orchestrator cannot be reused.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	unsubs := o.unsubs
	o.unsubs = nil
	o.closed = true
	o.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

func (o *Orchestrator) handleFrame(channelKey string, frame transport.Frame) {
	kind, ok := KindFromWire(frame.Event)
	if !ok {
		o.logger.Warn("dropping frame with unknown event type",
			"channel", channelKey, "event", frame.Event)
		o.emit(telemetry.SeverityWarning, "unknown_event_type", map[string]any{
			"channel": channelKey,
			"event":   frame.Event,
		})

		return
	}

	// Frames without a wire identity cannot be deduplicated; they are
	// delivered as-is. Everything else passes through the authority log
	// exactly once.
	if frame.ID != "" && !o.log.Witness(frame.ID) {
		o.emit(telemetry.SeverityDebug, "duplicate_event_dropped", map[string]any{
			"channel":  channelKey,
			"event_id": frame.ID,
		})

		return
	}

	env := Envelope{
		Kind:    kind,
		ID:      frame.ID,
		TraceID: uuid.NewString(),
		Payload: frame.Data,
	}

	o.dispatch(channelKey, env)
	o.AcknowledgeDelivered(frame.ID)
}

func (o *Orchestrator) dispatch(channelKey string, env Envelope) {
	o.mu.Lock()
	handlers := make([]Handler, len(o.handlers[env.Kind]))
	copy(handlers, o.handlers[env.Kind])
	o.mu.Unlock()

	failed := false

	for _, fn := range handlers {
		if err := fn(env); err != nil {
			failed = true

			o.logger.Error("event handler failed",
				"channel", channelKey,
				"kind", env.Kind.String(),
				"trace_id", env.TraceID,
				"error", err)
		}
	}

	if failed {
		o.recordFailure("delivery_failed", map[string]any{
			"channel": channelKey,
			"kind":    env.Kind.String(),
		})

		return
	}

	o.breaker.RecordSuccess()
}

func (o *Orchestrator) recordFailure(name string, payload map[string]any) {
	if o.breaker.RecordFailure() {
		o.logger.Warn("delivery circuit breaker opened")
		o.emit(telemetry.SeverityError, "circuit_opened", payload)

		return
	}

	o.emit(telemetry.SeverityWarning, name, payload)
}

func (o *Orchestrator) emit(sev telemetry.Severity, name string, payload map[string]any) {
	if o.tel == nil {
		return
	}

	o.tel.Emit(telemetry.Event{
		Engine:   engineName,
		Severity: sev,
		Name:     name,
		Payload:  payload,
	})
}
