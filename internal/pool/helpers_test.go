package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/urbanwatch/report-sync/internal/backoff"
	"github.com/urbanwatch/report-sync/internal/leader"
	"github.com/urbanwatch/report-sync/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errStreamClosed = errors.New("stream closed")

// fakeStream is a scriptable push stream: tests feed frames or an error
// through channels while Next blocks like a real transport.
type fakeStream struct {
	frames chan transport.Frame
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		frames: make(chan transport.Frame, 8),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Next(ctx context.Context) (transport.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.errs:
		return transport.Frame{}, err
	case <-s.closed:
		return transport.Frame{}, errStreamClosed
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// fakeLeader mimics the elector's callback contract: registration fires
// immediately with the current role.
type fakeLeader struct {
	mu      sync.Mutex
	leading bool
	cbs     []func(leader.Role)
}

func (f *fakeLeader) IsLeader() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.leading
}

func (f *fakeLeader) OnChange(cb func(leader.Role)) {
	f.mu.Lock()
	f.cbs = append(f.cbs, cb)
	role := f.role()
	f.mu.Unlock()

	cb(role)
}

func (f *fakeLeader) role() leader.Role {
	if f.leading {
		return leader.RoleLeading
	}

	return leader.RoleFollowing
}

func (f *fakeLeader) setLeading(leading bool) {
	f.mu.Lock()
	f.leading = leading
	role := f.role()
	cbs := make([]func(leader.Role), len(f.cbs))
	copy(cbs, f.cbs)
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(role)
	}
}

// fakeActivity lets tests fire the idle and wake edges directly.
type fakeActivity struct {
	mu     sync.Mutex
	idle   bool
	onIdle []func()
	onWake []func()
}

func (f *fakeActivity) Idle() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.idle
}

func (f *fakeActivity) OnIdle(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onIdle = append(f.onIdle, cb)
}

func (f *fakeActivity) OnWake(cb func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onWake = append(f.onWake, cb)
}

func (f *fakeActivity) goIdle() {
	f.mu.Lock()
	f.idle = true
	cbs := make([]func(), len(f.onIdle))
	copy(cbs, f.onIdle)
	f.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

func (f *fakeActivity) goActive() {
	f.mu.Lock()
	f.idle = false
	cbs := make([]func(), len(f.onWake))
	copy(cbs, f.onWake)
	f.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// fixedBackoff removes jitter from reconnect tests: with initial == max
// the computed delay is always exactly the cap.
func fixedBackoff(d time.Duration) func() *backoff.Policy {
	return func() *backoff.Policy { return backoff.New(d, d) }
}
