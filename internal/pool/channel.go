package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/urbanwatch/report-sync/internal/backoff"
	"github.com/urbanwatch/report-sync/internal/transport"
)

// State is the lifecycle state of one Channel.
type State int

const (
	// StateOffline: no network, or the channel has no subscribers.
	StateOffline State = iota

	// StateDisconnected: subscribers exist but the transport is closed.
	StateDisconnected

	// StateConnecting: the transport is opening.
	StateConnecting

	// StateConnected: the transport is open and receiving.
	StateConnected

	// StateIdleSleep: follower process, user inactive past the idle
	// threshold; the transport is intentionally paused.
	StateIdleSleep
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateIdleSleep:
		return "idle_sleep"
	default:
		return "unknown"
	}
}

// Channel owns the single push connection for one URL. All state
// mutations happen under mu; transport I/O happens in per-connection
// goroutines guarded by a generation counter so a stale reader can
// never corrupt the state of a newer connection.
type Channel struct {
	pool *Pool
	url  string

	mu         sync.Mutex
	state      State
	refs       int
	released   bool
	nextSubID  int
	listeners  map[string]map[int]Listener
	backoff    *backoff.Policy
	gen        int
	stream     transport.Stream
	cancelConn context.CancelFunc
	retryTimer *time.Timer
	pendingCBs []ReconnectFunc
}

func newChannel(p *Pool, url string, policy *backoff.Policy) *Channel {
	return &Channel{
		pool:      p,
		url:       url,
		state:     StateDisconnected,
		listeners: make(map[string]map[int]Listener),
		backoff:   policy,
	}
}

// State returns the channel's current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// subscribe adds a listener and connects the channel if it was dormant.
// Returns false when the channel was already retired from the pool's
// table; the caller must look the URL up again.
func (c *Channel) subscribe(eventType string, fn Listener, online bool) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return 0, false
	}

	set, ok := c.listeners[eventType]
	if !ok {
		set = make(map[int]Listener)
		c.listeners[eventType] = set
	}

	c.nextSubID++
	id := c.nextSubID
	set[id] = fn
	c.refs++

	if !online {
		c.setStateLocked(StateOffline)
		return id, true
	}

	if c.state == StateDisconnected || c.state == StateOffline {
		c.startConnectLocked()
	}

	return id, true
}

// retire marks the channel dead so no new subscriber can revive it.
// Returns false when a subscriber arrived after the last unsubscribe,
// in which case the channel must stay in the pool's table.
func (c *Channel) retire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs > 0 {
		return false
	}

	c.released = true

	return true
}

// unsubscribe removes a listener. Returns true when the last subscriber
// left and the channel should be released by the pool.
func (c *Channel) unsubscribe(eventType string, id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if set, ok := c.listeners[eventType]; ok {
		if _, present := set[id]; present {
			delete(set, id)
			c.refs--

			if len(set) == 0 {
				delete(c.listeners, eventType)
			}
		}
	}

	if c.refs > 0 {
		return false
	}

	c.closeConnLocked()
	c.setStateLocked(StateDisconnected)

	return true
}

// addReconnectCallback queues a callback for the next completed connect.
func (c *Channel) addReconnectCallback(cb ReconnectFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingCBs = append(c.pendingCBs, cb)
}

// sleep pauses the transport for an idle follower.
func (c *Channel) sleep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateIdleSleep {
		return
	}

	c.closeConnLocked()
	c.setStateLocked(StateIdleSleep)
}

// wake resumes a suspended channel and signals that a delivery gap may
// exist while it was asleep.
func (c *Channel) wake() {
	c.mu.Lock()

	if c.state != StateIdleSleep || c.refs == 0 {
		c.mu.Unlock()
		return
	}

	c.startConnectLocked()
	c.mu.Unlock()

	c.pool.emitWakeSignal(c.url)
}

// networkDown forces the channel offline regardless of current state.
func (c *Channel) networkDown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeConnLocked()
	c.setStateLocked(StateOffline)
}

// networkUp re-attempts a channel that went offline with subscribers.
func (c *Channel) networkUp() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateOffline || c.refs == 0 {
		return
	}

	c.startConnectLocked()
}

// teardown closes the connection for pool shutdown.
func (c *Channel) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeConnLocked()
	c.setStateLocked(StateDisconnected)
}

// startConnectLocked transitions to CONNECTING and launches the connect
// goroutine for a fresh connection generation. Caller holds c.mu.
func (c *Channel) startConnectLocked() {
	c.closeConnLocked()
	c.setStateLocked(StateConnecting)

	c.gen++
	gen := c.gen

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelConn = cancel

	go c.connect(ctx, gen)
}

// closeConnLocked cancels the live connection and any scheduled
// reconnect. Caller holds c.mu.
func (c *Channel) closeConnLocked() {
	if c.cancelConn != nil {
		c.cancelConn()
		c.cancelConn = nil
	}

	if c.stream != nil {
		c.stream.Close()
		c.stream = nil
	}

	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}

	// Invalidate in-flight connect/reader goroutines.
	c.gen++
}

// connect opens the transport and runs the read loop for one connection
// generation.
func (c *Channel) connect(ctx context.Context, gen int) {
	stream, err := c.pool.transport.Open(ctx, c.url)

	c.mu.Lock()

	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()

		if stream != nil {
			stream.Close()
		}

		return
	}

	if err != nil {
		c.pool.logger.Warn("channel connect failed",
			slog.String("url", c.url),
			slog.String("error", err.Error()),
		)
		c.setStateLocked(StateDisconnected)
		c.scheduleReconnectLocked()
		c.mu.Unlock()

		return
	}

	c.stream = stream
	c.setStateLocked(StateConnected)
	c.backoff.Reset()

	// Flush pending reconnect callbacks with no replay cursor: a fresh
	// open has no gap to catch up.
	callbacks := c.pendingCBs
	c.pendingCBs = nil
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb("")
	}

	c.pool.logger.Debug("channel connected", slog.String("url", c.url))

	c.readLoop(ctx, stream, gen)
}

// readLoop delivers frames until the stream dies. A read error on the
// current generation while CONNECTED is the only trigger for reconnect
// scheduling.
func (c *Channel) readLoop(ctx context.Context, stream transport.Stream, gen int) {
	for {
		frame, err := stream.Next(ctx)
		if err != nil {
			c.mu.Lock()

			if gen != c.gen {
				c.mu.Unlock()
				return
			}

			c.stream = nil

			if c.state == StateConnected && c.refs > 0 {
				c.pool.logger.Warn("channel transport closed",
					slog.String("url", c.url),
					slog.String("error", err.Error()),
				)
				c.setStateLocked(StateDisconnected)
				c.scheduleReconnectLocked()
			}

			c.mu.Unlock()

			return
		}

		c.dispatch(frame)
	}
}

// dispatch fans a frame out to the listeners of its event type.
func (c *Channel) dispatch(frame transport.Frame) {
	c.mu.Lock()

	set := c.listeners[frame.Event]
	listeners := make([]Listener, 0, len(set))

	for _, fn := range set {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(frame)
	}
}

// scheduleReconnectLocked arms the retry timer with the next backoff
// delay. The timer re-checks "still has subscribers and still
// disconnected" at fire time so an unrelated unsubscribe cannot cause a
// redundant reconnect. Caller holds c.mu.
func (c *Channel) scheduleReconnectLocked() {
	delay := c.backoff.NextDelay()
	attempt := c.backoff.Attempts()

	c.pool.emitReconnect(c.url, attempt, delay.Milliseconds())
	c.pool.logger.Debug("reconnect scheduled",
		slog.String("url", c.url),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay),
	)

	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if c.refs == 0 || c.state != StateDisconnected {
			return
		}

		c.startConnectLocked()
	})
}

// setStateLocked transitions the state machine and reports it. Caller
// holds c.mu.
func (c *Channel) setStateLocked(next State) {
	if c.state == next {
		return
	}

	prev := c.state
	c.state = next

	c.pool.emitTransition(c.url, prev, next)
}
