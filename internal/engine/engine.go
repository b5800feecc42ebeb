// Package engine assembles the sync engine: config in, one running
// instance out. Everything is constructed here and torn down in
// Shutdown; there are no package-level singletons, so an embedding
// process can run several isolated engines.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/urbanwatch/report-sync/internal/api"
	"github.com/urbanwatch/report-sync/internal/backoff"
	"github.com/urbanwatch/report-sync/internal/cache"
	"github.com/urbanwatch/report-sync/internal/config"
	"github.com/urbanwatch/report-sync/internal/idle"
	"github.com/urbanwatch/report-sync/internal/leader"
	"github.com/urbanwatch/report-sync/internal/logging"
	"github.com/urbanwatch/report-sync/internal/mutate"
	"github.com/urbanwatch/report-sync/internal/pool"
	"github.com/urbanwatch/report-sync/internal/realtime"
	"github.com/urbanwatch/report-sync/internal/telemetry"
	"github.com/urbanwatch/report-sync/internal/transport"
)

// catchUpTimeout bounds one missed-events fetch.
const catchUpTimeout = 30 * time.Second

// Engine is one fully wired sync engine instance.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	routes []config.ChannelRoute

	tel      *telemetry.Emitter
	store    *cache.Store
	pool     *pool.Pool
	orch     *realtime.Orchestrator
	elector  *leader.Elector
	monitor  *idle.Monitor
	client   *api.Client
	comments *mutate.Comments
	reports  *mutate.Reports

	keysByURL map[string]string
}

// New wires an engine from configuration. Nothing is running yet; call
// Run.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	routes, err := config.LoadChannels(cfg.ChannelsFile)
	if err != nil {
		return nil, fmt.Errorf("loading channel routes: %w", err)
	}

	tel := telemetry.NewEmitter(&telemetry.LogSink{
		Logger: logging.ForEngine(logger, "telemetry"),
	}, cfg.TelemetryBuffer)

	lease := leader.NewBoltLease(cfg.LeaseFile, cfg.DeviceName, cfg.LeaseTTL)
	elector := leader.New(lease, cfg.RenewInterval, logging.ForEngine(logger, "leader"))
	monitor := idle.NewMonitor(cfg.IdleThreshold, logging.ForEngine(logger, "idle"))

	header := http.Header{}
	if cfg.APIToken != "" {
		header.Set("Authorization", "Bearer "+cfg.APIToken)
	}

	channelPool := pool.New(pool.Options{
		Transport: &transport.Auto{
			SSE: transport.NewSSETransport(nil, header),
			WS:  transport.NewWSTransport(header),
		},
		Leader:     elector,
		Activity:   monitor,
		Telemetry:  tel,
		Logger:     logging.ForEngine(logger, "pool"),
		NewBackoff: func() *backoff.Policy { return backoff.New(0, 0) },
	})

	client := api.NewClient(nil, cfg.BackendBaseURL, cfg.APIToken)
	store := cache.New(cache.Options{
		Logger:    logging.ForEngine(logger, "cache"),
		Telemetry: tel,
	})

	orch := realtime.New(realtime.Options{
		Pool:             channelPool,
		Routes:           routes,
		Acker:            client,
		Logger:           logging.ForEngine(logger, "realtime"),
		Telemetry:        tel,
		AuthorityLogSize: cfg.AuthorityLogSize,
		CircuitThreshold: cfg.CircuitFailureThreshold,
		CircuitWindow:    cfg.CircuitWindow,
		CircuitCooldown:  cfg.CircuitCooldown,
	})

	pending := mutate.NewPendingRegistry()
	mutateLogger := logging.ForEngine(logger, "mutate")
	comments := mutate.NewComments(client, store, pending, mutateLogger)
	reports := mutate.NewReports(client, store, mutateLogger)

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		routes:    routes,
		tel:       tel,
		store:     store,
		pool:      channelPool,
		orch:      orch,
		elector:   elector,
		monitor:   monitor,
		client:    client,
		comments:  comments,
		reports:   reports,
		keysByURL: make(map[string]string, len(routes)),
	}

	for _, r := range routes {
		e.keysByURL[r.URL] = r.Key
	}

	(&appliers{store: store, reports: reports, logger: mutateLogger}).register(orch)

	orch.OnCatchUp(e.catchUp)

	// A follower waking from idle sleep reconnects with a gap push never
	// fills; fetch it the same way a reconnect does.
	channelPool.OnWakeSignal(func(channelURL string) {
		if key, ok := e.keysByURL[channelURL]; ok {
			e.catchUp(key, "")
		}
	})

	return e, nil
}

// Run connects every configured channel and blocks until ctx is
// cancelled, then tears the engine down.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.elector.Run(gctx) })
	g.Go(func() error { return e.monitor.Run(gctx) })

	if e.cfg.ActivityFile != "" {
		g.Go(func() error { return e.monitor.WatchActivityFile(gctx, e.cfg.ActivityFile) })
	}

	for _, route := range e.routes {
		if err := e.orch.Connect(route.Key); err != nil {
			return fmt.Errorf("connecting channel %q: %w", route.Key, err)
		}
	}

	e.logger.Info("engine running",
		"channels", len(e.routes),
		"device", e.cfg.DeviceName,
	)

	<-gctx.Done()
	e.shutdown()

	return g.Wait()
}

func (e *Engine) shutdown() {
	e.orch.Close()
	e.pool.Shutdown()
	e.tel.Close()
	e.logger.Info("engine stopped")
}

// catchUp fetches what a channel published while we were not listening
// and replays it through the normal delivery path; the authority log
// drops anything already processed live.
func (e *Engine) catchUp(channelKey, replayCursor string) {
	ctx, cancel := context.WithTimeout(context.Background(), catchUpTimeout)
	defer cancel()

	events, err := e.client.MissedEvents(ctx, channelKey, replayCursor)
	if err != nil {
		e.logger.Warn("catch-up fetch failed", "channel", channelKey, "error", err)
		e.tel.Emit(telemetry.Event{
			Engine:   "engine",
			Severity: telemetry.SeverityWarning,
			Name:     "catchup_failed",
			Payload:  map[string]any{"channel": channelKey},
		})

		return
	}

	for _, ev := range events {
		e.orch.Deliver(channelKey, transport.Frame{
			Event: ev.Type,
			ID:    ev.ID,
			Data:  ev.Payload,
		})
	}

	if len(events) > 0 {
		e.logger.Info("catch-up replayed events",
			"channel", channelKey, "count", len(events))
	}
}

// Touch feeds a user-activity signal into the idle monitor. UI shells
// that link the engine call this instead of writing the activity file.
func (e *Engine) Touch() {
	e.monitor.Touch()
}

// SetOnline propagates browser/platform connectivity signals.
func (e *Engine) SetOnline(online bool) {
	e.pool.SetOnline(online)
}

// IsLeader reports whether this process holds the cross-process lease.
func (e *Engine) IsLeader() bool {
	return e.elector.IsLeader()
}

// CircuitOpen reports whether push delivery is currently untrusted.
func (e *Engine) CircuitOpen() bool {
	return e.orch.CircuitOpen()
}

// Cache exposes the reconciled entity cache for reads.
func (e *Engine) Cache() *cache.Store {
	return e.store
}

// Comments returns the optimistic comment mutation controller.
func (e *Engine) Comments() *mutate.Comments {
	return e.comments
}

// Reports returns the optimistic report mutation controller.
func (e *Engine) Reports() *mutate.Reports {
	return e.reports
}

// OnEvent registers a consumer handler for an event kind, alongside the
// engine's own cache appliers.
func (e *Engine) OnEvent(kind realtime.Kind, fn realtime.Handler) {
	e.orch.OnEvent(kind, fn)
}
