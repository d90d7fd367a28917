package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/lecturepulse/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8090", LogLevel: config.LogInfo},
		Backend: config.BackendConfig{
			URL:       "https://b.example.edu",
			LectureID: "lec-1",
			Headers:   map[string]string{"Authorization": "Bearer a"},
		},
		Capture: config.CaptureConfig{Device: config.DeviceWAV, WAV: config.WAVConfig{Path: "a.wav"}},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone should not require a restart: %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []string
	}{
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9000" }, []string{"server"}},
		{"lecture", func(c *config.Config) { c.Backend.LectureID = "lec-2" }, []string{"backend"}},
		{"header", func(c *config.Config) { c.Backend.Headers["Authorization"] = "Bearer b" }, []string{"backend"}},
		{"frame duration", func(c *config.Config) { c.Capture.FrameDuration = time.Second }, []string{"capture"}},
		{"auto restart", func(c *config.Config) { c.Session.AutoRestart.Enabled = true }, []string{"session"}},
		{"archive", func(c *config.Config) { c.Archive.File = "s.jsonl" }, []string{"archive"}},
		{"telemetry", func(c *config.Config) { c.Telemetry.DisableMetrics = true }, []string{"telemetry"}},
		{
			"several",
			func(c *config.Config) {
				c.Telemetry.ServiceName = "x"
				c.Backend.URL = "https://c.example.edu"
				c.Capture.Device = config.DeviceDiscord
			},
			[]string{"backend", "capture", "telemetry"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			new := baseConfig()
			tt.mutate(new)
			d := config.Diff(baseConfig(), new)
			if !slices.Equal(d.RestartRequired, tt.want) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.want)
			}
			if d.LogLevelChanged {
				t.Error("LogLevelChanged should be false")
			}
		})
	}
}
