// Command classbridge is the main entry point for the classbridge server. It
// reads per-class confidence frames from an inference source, filters and
// debounces them, runs the configured actions, and streams accepted
// detections to the UI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/classbridge/internal/app"
	"github.com/MrWong99/classbridge/internal/config"
	"github.com/MrWong99/classbridge/internal/observe"
	"github.com/MrWong99/classbridge/pkg/source"
	"github.com/MrWong99/classbridge/pkg/source/replay"
	wssource "github.com/MrWong99/classbridge/pkg/source/websocket"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// run starts classbridge with the given command-line arguments and blocks
// until ctx is cancelled. It returns the process exit code.
func run(ctx context.Context, args []string) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("classbridge", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	reloadEvery := fs.Duration("reload-interval", 5*time.Second, "how often to poll the config file for changes (0 disables hot reload)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	var application *app.App
	var watcher *config.Watcher
	var cfg *config.Config
	var err error
	if *reloadEvery > 0 {
		watcher, err = config.NewWatcher(*configPath, func(old, new *config.Config) {
			application.ApplyConfig(old, new)
		}, config.WithInterval(*reloadEvery))
		if err == nil {
			cfg = watcher.Current()
		}
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "classbridge: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "classbridge: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))

	slog.Info("classbridge starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	provider, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Detection source ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinSources(reg)

	src, err := reg.CreateSource(cfg.Source)
	if err != nil {
		slog.Error("failed to create detection source", "name", cfg.Source.Name, "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithSource(src),
		app.WithLevelVar(levelVar),
		app.WithMetricsHandler(provider.Handler()),
	}
	if watcher != nil {
		opts = append(opts, app.WithWatcher(watcher))
	}
	application, err = app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		_ = src.Close()
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

// ── Source wiring ─────────────────────────────────────────────────────────────

// registerBuiltinSources wires the detection sources that ship with
// classbridge into reg.
func registerBuiltinSources(reg *config.Registry) {
	reg.RegisterSource("websocket", func(sc config.SourceConfig) (source.Source, error) {
		var opts []wssource.Option
		if token := optString(sc.Options, "bearer_token"); token != "" {
			opts = append(opts, wssource.WithHeader(http.Header{
				"Authorization": {"Bearer " + token},
			}))
		}
		if d := optDuration(sc.Options, "max_backoff"); d > 0 {
			opts = append(opts, wssource.WithBackoff(0, d))
		}
		return wssource.New(sc.URL, opts...)
	})

	reg.RegisterSource("replay", func(sc config.SourceConfig) (source.Source, error) {
		return replay.New(sc.Path, sc.Interval, replay.WithLoop(sc.Loop))
	})

	for _, name := range reg.SourceNames() {
		slog.Debug("registered source", "name", name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      classbridge: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Source", sourceSummary(cfg.Source))
	printRow("Confidence", fmt.Sprintf("%.2f", cfg.Detection.Confidence))
	if d := cfg.Detection.Debounce(); d > 0 {
		printRow("Debounce", d.String())
	} else {
		printRow("Debounce", "(disabled)")
	}
	printRow("Actions", fmt.Sprintf("%d", len(cfg.Actions)))
	if cfg.History.PostgresDSN != "" {
		printRow("History", "postgres")
	} else {
		printRow("History", "(disabled)")
	}
	if cfg.Notify.Discord.WebhookID != "" {
		printRow("Discord", "webhook")
	} else {
		printRow("Discord", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func sourceSummary(sc config.SourceConfig) string {
	switch sc.Name {
	case "replay":
		return "replay / " + sc.Path
	default:
		return sc.Name + " / " + sc.URL
	}
}

func printRow(key, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", key, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a source Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	s, _ := opts[key].(string)
	return s
}

// optDuration reads a duration string such as "10s" from a source Options map.
// Returns 0 when absent or unparsable.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
