package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// storage changes require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TurnChanged is true when any turn-taking threshold changed. New
	// thresholds apply to turns started after the reload.
	TurnChanged bool
	NewTurn     TurnConfig

	// LatencyThresholdsChanged is true when a latency warn threshold changed.
	LatencyThresholdsChanged bool
	NewLatency               LatencyConfig
}

// Empty reports whether the diff carries no applicable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TurnChanged && !d.LatencyThresholdsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Turn != new.Turn {
		d.TurnChanged = true
		d.NewTurn = new.Turn
	}

	if !equalLatency(old.Latency, new.Latency) {
		d.LatencyThresholdsChanged = true
		d.NewLatency = new.Latency
	}

	return d
}

func equalLatency(a, b LatencyConfig) bool {
	if a.WindowSize != b.WindowSize || len(a.Thresholds) != len(b.Thresholds) {
		return false
	}
	for step, dur := range a.Thresholds {
		if b.Thresholds[step] != dur {
			return false
		}
	}
	return true
}
