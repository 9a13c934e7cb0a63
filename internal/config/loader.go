package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"
	"text/template"
	"time"

	"github.com/antzucaro/matchr"
	"gopkg.in/yaml.v3"
)

// ValidSourceNames lists the detection sources [Validate] accepts.
var ValidSourceNames = []string{"websocket", "replay"}

// suggestThreshold is the minimum Jaro-Winkler similarity for a "did you
// mean" hint.
const suggestThreshold = 0.8

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Defaults] and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// maxDebounceSec is the largest debounce that fits a [time.Duration].
const maxDebounceSec = float64(math.MaxInt64) / float64(time.Second)

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.RecentMessages < 0 {
		errs = append(errs, fmt.Errorf("server.recent_messages %d must not be negative", cfg.Server.RecentMessages))
	}

	// Detection
	c := cfg.Detection.Confidence
	if math.IsNaN(c) || c < 0 || c > 1 {
		errs = append(errs, fmt.Errorf("detection.confidence %v is out of range [0, 1]", c))
	}
	switch d := cfg.Detection.DebounceSec; {
	case math.IsNaN(d) || d < 0:
		errs = append(errs, fmt.Errorf("detection.debounce_sec %v must not be negative", d))
	case math.IsInf(d, 1) || d > maxDebounceSec:
		errs = append(errs, fmt.Errorf("detection.debounce_sec %v is too large; maximum is %.0f", d, maxDebounceSec))
	}

	// Source
	if !slices.Contains(ValidSourceNames, cfg.Source.Name) {
		errs = append(errs, fmt.Errorf("source.name %q is invalid; valid values: %v", cfg.Source.Name, ValidSourceNames))
	}
	switch cfg.Source.Name {
	case "websocket":
		if cfg.Source.URL == "" {
			errs = append(errs, errors.New("source.url is required when source.name is websocket"))
		}
	case "replay":
		if cfg.Source.Path == "" {
			errs = append(errs, errors.New("source.path is required when source.name is replay"))
		}
		if cfg.Source.Interval <= 0 {
			errs = append(errs, fmt.Errorf("source.interval %s must be positive for replay", cfg.Source.Interval))
		}
	}

	// Bridge
	if cfg.Bridge.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("bridge.queue_size %d must not be negative", cfg.Bridge.QueueSize))
	}
	if cfg.Bridge.SendTimeout < 0 {
		errs = append(errs, fmt.Errorf("bridge.send_timeout %s must not be negative", cfg.Bridge.SendTimeout))
	}

	// History
	if cfg.History.Retention < 0 {
		errs = append(errs, fmt.Errorf("history.retention %s must not be negative", cfg.History.Retention))
	}

	// Actions
	labelsSeen := make(map[string]int, len(cfg.Actions))
	for i, a := range cfg.Actions {
		prefix := fmt.Sprintf("actions[%d]", i)
		if a.Label == "" {
			errs = append(errs, fmt.Errorf("%s.label is required", prefix))
		} else {
			if prev, ok := labelsSeen[a.Label]; ok {
				errs = append(errs, fmt.Errorf("%s.label %q is a duplicate of actions[%d]", prefix, a.Label, prev))
			}
			labelsSeen[a.Label] = i
			warnUnknownLabel(a.Label, cfg.Detection.Classes)
		}
		if a.Notify != "" && !a.Notify.IsValid() {
			errs = append(errs, fmt.Errorf("%s.notify %q is invalid; valid values: log, discord", prefix, a.Notify))
		}
		if a.Notify == NotifyDiscord && (cfg.Notify.Discord.WebhookID == "" || cfg.Notify.Discord.WebhookToken == "") {
			errs = append(errs, fmt.Errorf("%s: notify %q requires notify.discord.webhook_id and webhook_token", prefix, a.Notify))
		}
		if _, err := template.New(prefix).Parse(a.Message); err != nil {
			errs = append(errs, fmt.Errorf("%s.message: %w", prefix, err))
		}
	}

	return errors.Join(errs...)
}

// warnUnknownLabel logs a warning if classes is non-empty and label is not
// in it, suggesting the most similar known class.
func warnUnknownLabel(label string, classes []string) {
	if len(classes) == 0 || slices.Contains(classes, label) {
		return
	}
	attrs := []any{"label", label, "known", classes}
	if s := Suggest(label, classes); s != "" {
		attrs = append(attrs, "did_you_mean", s)
	}
	slog.Warn("action label is not a known class; it will never fire unless the model emits it", attrs...)
}

// Suggest returns the candidate most similar to s by Jaro-Winkler distance,
// or "" when none reaches the similarity threshold.
func Suggest(s string, candidates []string) string {
	best, bestScore := "", 0.0
	for _, c := range candidates {
		if score := matchr.JaroWinkler(s, c, false); score > bestScore {
			best, bestScore = c, score
		}
	}
	if bestScore < suggestThreshold {
		return ""
	}
	return best
}
