// Package pool owns one push connection per logical channel URL,
// reference-counted across subscribers and driven by an explicit state
// machine. The pool coordinates with leader election (only the leader
// keeps transports warm while idle) and with the user-idle monitor
// (followers suspend after the idle threshold).
package pool

import (
	"log/slog"
	"sync"

	"github.com/urbanwatch/report-sync/internal/backoff"
	"github.com/urbanwatch/report-sync/internal/leader"
	"github.com/urbanwatch/report-sync/internal/telemetry"
	"github.com/urbanwatch/report-sync/internal/transport"
)

// Listener receives every frame of its subscribed event type.
type Listener func(transport.Frame)

// ReconnectFunc is flushed when a channel finishes connecting. The
// replay cursor is always empty: wire-level resume happens inside the
// transport (Last-Event-ID), so any remaining gap is the subscriber's
// problem (see the wake signal).
type ReconnectFunc func(replayCursor string)

// LeaderSource is the slice of the elector the pool needs.
type LeaderSource interface {
	IsLeader() bool
	OnChange(func(leader.Role))
}

// ActivitySource is the slice of the idle monitor the pool needs.
type ActivitySource interface {
	Idle() bool
	OnIdle(func())
	OnWake(func())
}

// Options configures a Pool.
type Options struct {
	Transport transport.Transport
	Leader    LeaderSource
	Activity  ActivitySource
	Telemetry *telemetry.Emitter
	Logger    *slog.Logger

	// NewBackoff produces the per-channel reconnect policy. Nil uses
	// the package defaults.
	NewBackoff func() *backoff.Policy
}

// Pool is the per-process connection pool. Construct with New and tear
// down with Shutdown; there is no package-level instance.
type Pool struct {
	transport  transport.Transport
	leader     LeaderSource
	activity   ActivitySource
	tel        *telemetry.Emitter
	logger     *slog.Logger
	newBackoff func() *backoff.Policy

	mu       sync.Mutex
	channels map[string]*Channel
	online   bool
	closed   bool
	wakeSubs []func(channelURL string)
}

// New creates a pool and registers it with the leader and activity
// sources. The pool starts online.
func New(opts Options) *Pool {
	newBackoff := opts.NewBackoff
	if newBackoff == nil {
		newBackoff = func() *backoff.Policy { return backoff.New(0, 0) }
	}

	p := &Pool{
		transport:  opts.Transport,
		leader:     opts.Leader,
		activity:   opts.Activity,
		tel:        opts.Telemetry,
		logger:     opts.Logger,
		newBackoff: newBackoff,
		channels:   make(map[string]*Channel),
		online:     true,
	}

	if p.activity != nil {
		p.activity.OnIdle(p.handleIdle)
		p.activity.OnWake(p.handleUserWake)
	}

	if p.leader != nil {
		p.leader.OnChange(p.handleRoleChange)
	}

	return p
}

// Subscribe registers a listener for one event type on the channel at
// url, creating the channel on first subscribe and connecting it if
// necessary. The returned function unsubscribes; when the last
// subscriber leaves, the channel is torn down and released.
func (p *Pool) Subscribe(url, eventType string, fn Listener) func() {
	for {
		p.mu.Lock()

		if p.closed {
			p.mu.Unlock()
			return func() {}
		}

		ch, ok := p.channels[url]
		if !ok {
			ch = newChannel(p, url, p.newBackoff())
			p.channels[url] = ch
		}

		online := p.online
		p.mu.Unlock()

		id, ok := ch.subscribe(eventType, fn, online)
		if !ok {
			// Lost a race with the last unsubscriber retiring this
			// channel; look the URL up again.
			continue
		}

		var once sync.Once

		return func() {
			once.Do(func() {
				if ch.unsubscribe(eventType, id) {
					p.release(url, ch)
				}
			})
		}
	}
}

// OnReconnect registers a callback flushed the next time the channel at
// url completes a connect. No-op if the channel does not exist.
func (p *Pool) OnReconnect(url string, cb ReconnectFunc) {
	p.mu.Lock()
	ch, ok := p.channels[url]
	p.mu.Unlock()

	if ok {
		ch.addReconnectCallback(cb)
	}
}

// OnWakeSignal registers a callback invoked with the channel URL when a
// suspended channel reconnects. External code uses it to re-fetch state
// that may have been missed while asleep; the pool only signals that a
// gap may exist.
func (p *Pool) OnWakeSignal(cb func(channelURL string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wakeSubs = append(p.wakeSubs, cb)
}

// SetOnline feeds the OS network state into the pool. Going offline
// forces every channel to OFFLINE; coming back online re-attempts every
// channel that still has subscribers.
func (p *Pool) SetOnline(online bool) {
	p.mu.Lock()

	if p.online == online || p.closed {
		p.mu.Unlock()
		return
	}

	p.online = online
	channels := p.snapshot()
	p.mu.Unlock()

	p.logger.Info("network state changed", slog.Bool("online", online))

	for _, ch := range channels {
		if online {
			ch.networkUp()
		} else {
			ch.networkDown()
		}
	}
}

// ChannelState reports the state of the channel at url, if it exists.
// Used by tests and the engine's health endpoint.
func (p *Pool) ChannelState(url string) (State, bool) {
	p.mu.Lock()
	ch, ok := p.channels[url]
	p.mu.Unlock()

	if !ok {
		return StateOffline, false
	}

	return ch.State(), true
}

// Shutdown tears down every channel and clears the table. The pool is
// unusable afterwards; a new session constructs a new pool.
func (p *Pool) Shutdown() {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return
	}

	p.closed = true
	channels := p.snapshot()
	p.channels = make(map[string]*Channel)
	p.mu.Unlock()

	for _, ch := range channels {
		ch.teardown()
	}
}

// release drops a fully-unsubscribed channel from the table. A
// subscriber that re-grabbed the channel between the last unsubscribe
// and this call keeps it alive: retire refuses while refs > 0, and no
// retired channel ever accepts a subscriber, so a live channel can
// never end up outside the table.
func (p *Pool) release(url string, ch *Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !ch.retire() {
		return
	}

	if cur, ok := p.channels[url]; ok && cur == ch {
		delete(p.channels, url)
	}
}

// snapshot copies the channel list. Caller holds p.mu.
func (p *Pool) snapshot() []*Channel {
	channels := make([]*Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		channels = append(channels, ch)
	}

	return channels
}

// handleIdle suspends every channel when the user goes idle on a
// follower. The leader never sleeps: it keeps the shared transports
// warm for every other process.
func (p *Pool) handleIdle() {
	if p.leader != nil && p.leader.IsLeader() {
		return
	}

	p.mu.Lock()
	channels := p.snapshot()
	p.mu.Unlock()

	for _, ch := range channels {
		ch.sleep()
	}
}

// handleUserWake resumes suspended channels on user activity.
func (p *Pool) handleUserWake() {
	p.mu.Lock()
	channels := p.snapshot()
	p.mu.Unlock()

	for _, ch := range channels {
		ch.wake()
	}
}

// handleRoleChange resumes suspended channels immediately when
// leadership is gained while idle.
func (p *Pool) handleRoleChange(role leader.Role) {
	if role != leader.RoleLeading {
		return
	}

	p.mu.Lock()
	channels := p.snapshot()
	p.mu.Unlock()

	for _, ch := range channels {
		ch.wake()
	}
}

// emitWakeSignal notifies subscribers that a suspended channel is
// reconnecting and a delivery gap may exist.
func (p *Pool) emitWakeSignal(url string) {
	p.mu.Lock()
	subs := make([]func(string), len(p.wakeSubs))
	copy(subs, p.wakeSubs)
	p.mu.Unlock()

	for _, cb := range subs {
		cb(url)
	}
}

// emitTransition sends a state transition to telemetry. Fire-and-forget:
// the emitter drops under pressure rather than blocking the state
// machine.
func (p *Pool) emitTransition(url string, from, to State) {
	if p.tel == nil {
		return
	}

	p.tel.Emit(telemetry.Event{
		Engine:   "pool",
		Severity: telemetry.SeverityInfo,
		Name:     "channel_state",
		Payload: map[string]any{
			"url":  url,
			"from": from.String(),
			"to":   to.String(),
		},
	})
}

// emitReconnect reports a scheduled reconnect attempt with its computed
// delay.
func (p *Pool) emitReconnect(url string, attempt int, delayMS int64) {
	if p.tel == nil {
		return
	}

	p.tel.Emit(telemetry.Event{
		Engine:   "pool",
		Severity: telemetry.SeverityWarning,
		Name:     "reconnect_scheduled",
		Payload: map[string]any{
			"url":      url,
			"attempt":  attempt,
			"delay_ms": delayMS,
		},
	})
}
