// Package app wires all classbridge subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes them concurrently, and Shutdown tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithSource,
// WithHistory, WithWebhook, WithListener). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/classbridge/internal/bridge"
	"github.com/MrWong99/classbridge/internal/config"
	"github.com/MrWong99/classbridge/internal/detect"
	"github.com/MrWong99/classbridge/internal/health"
	"github.com/MrWong99/classbridge/internal/history"
	"github.com/MrWong99/classbridge/internal/notify"
	"github.com/MrWong99/classbridge/internal/observe"
	"github.com/MrWong99/classbridge/internal/web"
	"github.com/MrWong99/classbridge/pkg/source"
	"github.com/MrWong99/classbridge/pkg/types"
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes and runs the detection pipeline.
type App struct {
	cfg *config.Config

	// Injected or built in New.
	source   source.Source
	backend  history.Backend
	webhook  notify.Webhook
	watcher  *config.Watcher
	levelVar *slog.LevelVar
	metrics  *observe.Metrics
	promHTTP http.Handler
	listener net.Listener

	// Subsystems.
	stream   *detect.Stream
	bridge   *bridge.Bridge
	hub      *web.Hub
	server   *web.Server
	health   *health.Handler
	recorder *history.Recorder
	notifier *notify.Notifier

	// closers are called in order during Shutdown.
	closers    []func() error
	closeStore func()

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSource sets the detection source. Required.
func WithSource(s source.Source) Option {
	return func(a *App) { a.source = s }
}

// WithHistory injects a history backend instead of opening PostgreSQL from
// config. When b also implements [web.DetectionLister] it serves
// /api/detections, and when it implements [health.Pinger] it joins /readyz.
func WithHistory(b history.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithWebhook injects the webhook used by Discord actions.
func WithWebhook(w notify.Webhook) Option {
	return func(a *App) { a.webhook = w }
}

// WithWatcher enables config hot reload. The watcher's callback should call
// [App.ApplyConfig].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithLevelVar sets the log level variable adjusted on reload.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promHTTP = h }
}

// WithListener serves HTTP on ln instead of listening on server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It opens the history
// database when configured but starts no goroutines.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.source == nil {
		return nil, errors.New("app: a detection source is required")
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.levelVar == nil {
		a.levelVar = new(slog.LevelVar)
		a.levelVar.Set(SlogLevel(cfg.Server.LogLevel))
	}
	a.closers = append(a.closers, a.source.Close)

	// ── 1. Pipeline ──────────────────────────────────────────────────────
	stream, err := detect.New(detect.Config{
		Confidence: cfg.Detection.Confidence,
		Debounce:   cfg.Detection.Debounce(),
	}, detect.WithMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	a.stream = stream

	// ── 2. UI hub + bridge ───────────────────────────────────────────────
	a.initUI()

	// ── 3. History ───────────────────────────────────────────────────────
	a.health = health.New()
	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}

	// ── 4. Actions ───────────────────────────────────────────────────────
	if err := a.initActions(); err != nil {
		if a.closeStore != nil {
			a.closeStore()
		}
		return nil, fmt.Errorf("app: init actions: %w", err)
	}

	// ── 5. Health + HTTP ─────────────────────────────────────────────────
	if stale := cfg.Source.StaleAfter; stale > 0 {
		a.health.Add(health.Freshness("source", a.stream.LastFrame, stale, nil))
	}
	srvCfg := web.ServerConfig{
		Addr:      cfg.Server.ListenAddr,
		AssetsDir: cfg.Server.AssetsDir,
		Hub:       a.hub,
		Threshold: a.bridge,
		Health:    a.health,
		Metrics:   a.promHTTP,
		Observe:   a.metrics,
	}
	if lister, ok := a.backend.(web.DetectionLister); ok {
		srvCfg.Detections = lister
	}
	a.server = web.NewServer(srvCfg)
	a.closers = append(a.closers, a.hub.Close)
	if a.closeStore != nil {
		a.closers = append(a.closers, func() error {
			a.closeStore()
			return nil
		})
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initUI builds the hub and the bridge. They reference each other: the bridge
// sends through the hub, and the hub primes new clients from the bridge.
func (a *App) initUI() {
	a.hub = web.NewHub(web.HubConfig{
		Recent: func() []bridge.Message { return a.bridge.Recent() },
	}, web.WithHubMetrics(a.metrics))

	a.bridge = bridge.New(a.hub, a.stream.Threshold(), bridge.Config{
		QueueSize:   a.cfg.Bridge.QueueSize,
		SendTimeout: a.cfg.Bridge.SendTimeout,
		Recent:      a.cfg.Server.RecentMessages,
	}, bridge.WithMetrics(a.metrics))

	a.stream.SetPublisher(a.bridge)
	a.hub.OnMessage(bridge.EventOverrideThreshold, a.bridge.HandleOverride)
}

// initHistory opens the PostgreSQL store when configured, or uses the
// injected backend, and registers the recorder as an aggregate callback.
func (a *App) initHistory(ctx context.Context) error {
	if a.backend == nil && a.cfg.History.PostgresDSN != "" {
		store, err := history.Open(ctx, a.cfg.History.PostgresDSN)
		if err != nil {
			return err
		}
		a.backend = store
		a.closeStore = store.Close
		slog.Info("history store connected")
	}
	if a.backend == nil {
		return nil
	}

	a.recorder = history.NewRecorder(a.backend, history.RecorderConfig{
		Retention: a.cfg.History.Retention,
	}, history.WithRecorderMetrics(a.metrics))
	a.stream.OnDetectAll(func(accepted types.Detections) error {
		return a.recorder.RecordAt(a.stream.AcceptedAt(), accepted)
	})

	if p, ok := a.backend.(health.Pinger); ok {
		a.health.Add(health.Ping("history", p))
	}
	return nil
}

// initActions registers one per-class callback per configured action.
func (a *App) initActions() error {
	d := a.cfg.Notify.Discord
	if a.webhook == nil && d.WebhookID != "" {
		wh, err := notify.NewDiscordWebhook(d.WebhookID, d.WebhookToken)
		if err != nil {
			return err
		}
		a.webhook = wh
	}
	a.notifier = notify.New(a.webhook, notify.Config{Username: d.Username},
		notify.WithMetrics(a.metrics))

	for _, act := range a.cfg.Actions {
		cb, err := a.notifier.Action(notify.Action{
			Label:   act.Label,
			Kind:    string(act.Notify),
			Message: act.Message,
		})
		if err != nil {
			return err
		}
		a.stream.OnDetect(act.Label, cb)
		slog.Debug("action registered", "label", act.Label, "notify", act.Notify)
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts every subsystem and blocks until ctx is cancelled or one of
// them fails. The detection source ending on its own does not stop the
// server.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.bridge.Run(gctx) })
	g.Go(func() error { return a.notifier.Run(gctx) })
	if a.recorder != nil {
		g.Go(func() error { return a.recorder.Run(gctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	g.Go(func() error {
		if a.listener != nil {
			return a.server.Serve(gctx, a.listener, shutdownTimeout)
		}
		return a.server.ListenAndServe(gctx, shutdownTimeout)
	})
	g.Go(func() error {
		if err := a.stream.Run(gctx, a.source); err != nil {
			return fmt.Errorf("app: %w", err)
		}
		if gctx.Err() == nil {
			slog.Info("detection source finished")
		}
		return nil
	})

	slog.Info("app running",
		"actions", len(a.cfg.Actions),
		"history", a.recorder != nil,
		"hot_reload", a.watcher != nil,
	)
	return g.Wait()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new:
// the threshold and the log level. Other changes are logged as requiring a
// restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.ThresholdChanged {
		if err := a.stream.OverrideThreshold(d.NewThreshold); err != nil {
			slog.Warn("config reload: threshold not applied", "err", err)
		}
	}
	if d.LogLevelChanged {
		a.levelVar.Set(SlogLevel(d.NewLogLevel))
		slog.Info("config reload: log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: changes need a restart to take effect", "keys", d.RestartRequired)
	}
}

// Threshold returns the pipeline's current threshold.
func (a *App) Threshold() float64 { return a.stream.Threshold().Get() }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the source, the UI hub and the history store, in that
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// SlogLevel converts a config log level to a [slog.Level]. Unknown values map
// to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
