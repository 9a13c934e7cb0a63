package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/classbridge/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
detection:
  confidence: 0.5
`

const watcherUpdatedYAML = `
server:
  log_level: debug
detection:
  confidence: 0.7
`

const watcherInvalidYAML = `
detection:
  confidence: 7
`

// writeFile writes content and moves the mtime forward so the watcher
// notices the change regardless of filesystem timestamp granularity.
func writeFile(t *testing.T, path, content string, bump time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
	mt := time.Now().Add(bump)
	if err := os.Chtimes(path, mt, mt); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

// runWatcher polls until the test ends.
func runWatcher(t *testing.T, w *config.Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML, 0)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_InitialLoadInvalid(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherInvalidYAML, 0)

	if _, err := config.NewWatcher(cfgPath, nil); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML, -time.Minute)

	var mu sync.Mutex
	var diff config.ConfigDiff
	called := make(chan struct{}, 1)

	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		mu.Lock()
		diff = config.Diff(old, new)
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	runWatcher(t, w)

	writeFile(t, cfgPath, watcherUpdatedYAML, 0)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if !diff.ThresholdChanged || diff.NewThreshold != 0.7 {
		t.Errorf("threshold diff = %+v", diff)
	}
	if !diff.LogLevelChanged || diff.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", diff)
	}
	if cur := w.Current(); cur.Detection.Confidence != 0.7 {
		t.Errorf("Current() confidence = %v, want 0.7", cur.Detection.Confidence)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML, -time.Minute)

	var mu sync.Mutex
	calls := 0
	w, err := config.NewWatcher(cfgPath, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	runWatcher(t, w)

	writeFile(t, cfgPath, watcherInvalidYAML, 0)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	got := calls
	mu.Unlock()
	if got != 0 {
		t.Errorf("callback invoked %d times for invalid config", got)
	}
	if cur := w.Current(); cur.Detection.Confidence != 0.5 {
		t.Errorf("Current() confidence = %v, want 0.5", cur.Detection.Confidence)
	}
}

func TestWatcher_TouchWithoutChange(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML, -time.Minute)

	var mu sync.Mutex
	calls := 0
	w, err := config.NewWatcher(cfgPath, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	runWatcher(t, w)

	writeFile(t, cfgPath, watcherValidYAML, 0)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("callback invoked %d times for identical content", calls)
	}
}
