package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only the log level can be applied without a restart; changes to the other
// sections are reported so the caller can tell the operator.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the sections whose changes take effect only
	// after the process restarts, in declaration order.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr || !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !backendEqual(old.Backend, new.Backend) {
		d.RestartRequired = append(d.RestartRequired, "backend")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}

// backendEqual compares two backend sections; the header map rules out ==.
func backendEqual(a, b BackendConfig) bool {
	return a.URL == b.URL &&
		a.LectureID == b.LectureID &&
		a.PresenterID == b.PresenterID &&
		a.DialTimeout == b.DialTimeout &&
		a.WriteTimeout == b.WriteTimeout &&
		maps.Equal(a.Headers, b.Headers)
}
