// Package idle tracks user activity so follower processes can suspend
// their push transports after a period of inactivity. Activity arrives
// either programmatically (Touch) or through an activity file the UI
// shell touches on input events.
package idle

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultThreshold is how long without user interaction before the
	// monitor reports idle.
	DefaultThreshold = 5 * time.Minute

	// checkDivisor controls how often the monitor polls for the idle
	// transition relative to the threshold.
	checkDivisor = 10
)

// Monitor watches for the idle transition and fires callbacks on the
// idle and wake edges.
type Monitor struct {
	threshold time.Duration
	logger    *slog.Logger

	mu           sync.Mutex
	lastActivity time.Time
	idle         bool
	onIdle       []func()
	onWake       []func()
}

// NewMonitor creates a monitor with the given idle threshold.
// Non-positive thresholds use the default. The monitor starts active.
func NewMonitor(threshold time.Duration, logger *slog.Logger) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	return &Monitor{
		threshold:    threshold,
		logger:       logger,
		lastActivity: time.Now(),
	}
}

// Touch records user activity. If the monitor was idle this is the wake
// edge and wake callbacks fire.
func (m *Monitor) Touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	wasIdle := m.idle
	m.idle = false

	var callbacks []func()
	if wasIdle {
		callbacks = append(callbacks, m.onWake...)
	}
	m.mu.Unlock()

	if wasIdle {
		m.logger.Debug("user activity, waking")
	}

	for _, cb := range callbacks {
		cb()
	}
}

// Idle reports whether the idle threshold has elapsed since the last
// recorded activity.
func (m *Monitor) Idle() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.idle
}

// OnIdle registers a callback fired when the idle threshold is crossed.
func (m *Monitor) OnIdle(cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onIdle = append(m.onIdle, cb)
}

// OnWake registers a callback fired when activity ends an idle period.
func (m *Monitor) OnWake(cb func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onWake = append(m.onWake, cb)
}

// Run polls for the idle transition until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.threshold / checkDivisor)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.check()
		}
	}
}

// check performs one idle evaluation, firing idle callbacks on the edge.
func (m *Monitor) check() {
	m.mu.Lock()

	if m.idle || time.Since(m.lastActivity) < m.threshold {
		m.mu.Unlock()
		return
	}

	m.idle = true
	callbacks := make([]func(), len(m.onIdle))
	copy(callbacks, m.onIdle)
	m.mu.Unlock()

	m.logger.Info("user idle", slog.Duration("threshold", m.threshold))

	for _, cb := range callbacks {
		cb()
	}
}

// WatchActivityFile feeds the monitor from filesystem events on the
// given path. The UI shell touches the file on pointer, key, touch,
// scroll, and visibility events; each write or chmod counts as
// activity. The parent directory is watched so the file may be
// recreated without losing the subscription. Blocks until the context
// is cancelled.
func (m *Monitor) WatchActivityFile(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating activity watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("activity watcher closed")
			}

			if filepath.Clean(event.Name) == target {
				m.Touch()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("activity watcher closed")
			}

			m.logger.Warn("activity watcher error", slog.String("error", err.Error()))
		}
	}
}
