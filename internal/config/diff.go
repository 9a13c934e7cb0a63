package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// ThresholdChanged is set when detection.confidence differs. The new
	// value can be applied to a running pipeline.
	ThresholdChanged bool
	NewThreshold     float64

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists changed keys that only take effect after a
	// restart, e.g. "detection.debounce_sec" or "source".
	RestartRequired []string
}

// Empty reports whether nothing relevant changed.
func (d ConfigDiff) Empty() bool {
	return !d.ThresholdChanged && !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Detection.Confidence != new.Detection.Confidence {
		d.ThresholdChanged = true
		d.NewThreshold = new.Detection.Confidence
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("detection.debounce_sec", old.Detection.DebounceSec != new.Detection.DebounceSec)
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.assets_dir", old.Server.AssetsDir != new.Server.AssetsDir)
	restart("source", !sameSource(old.Source, new.Source))
	restart("bridge", old.Bridge != new.Bridge)
	restart("actions", !slices.Equal(old.Actions, new.Actions))
	restart("notify", old.Notify != new.Notify)
	restart("history", old.History != new.History)

	return d
}

// sameSource compares source configs, ignoring Options.
func sameSource(a, b SourceConfig) bool {
	a.Options, b.Options = nil, nil
	return a.Name == b.Name && a.URL == b.URL && a.Path == b.Path &&
		a.Interval == b.Interval && a.Loop == b.Loop && a.StaleAfter == b.StaleAfter
}
