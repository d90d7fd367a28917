package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/lecturepulse/internal/config"
)

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "missing backend",
			yaml: `
capture:
  wav:
    path: a.wav
`,
			want: []string{"backend.url is required", "backend.lecture_id is required"},
		},
		{
			name: "bad scheme",
			yaml: `
backend:
  url: ftp://files.example.edu
  lecture_id: x
capture:
  wav:
    path: a.wav
`,
			want: []string{`scheme "ftp" is invalid`},
		},
		{
			name: "no host",
			yaml: `
backend:
  url: "https://"
  lecture_id: x
capture:
  wav:
    path: a.wav
`,
			want: []string{"has no host"},
		},
		{
			name: "invalid log level",
			yaml: `
server:
  log_level: loud
backend:
  url: https://b.example.edu
  lecture_id: x
capture:
  wav:
    path: a.wav
`,
			want: []string{`server.log_level "loud" is invalid`},
		},
		{
			name: "wav without path",
			yaml: `
backend:
  url: https://b.example.edu
  lecture_id: x
`,
			want: []string{"capture.wav.path is required"},
		},
		{
			name: "discord without credentials",
			yaml: `
backend:
  url: https://b.example.edu
  lecture_id: x
capture:
  device: discord
`,
			want: []string{"capture.discord.token is required", "guild_id and channel_id are required", "capture.discord.user_id is required"},
		},
		{
			name: "negative durations",
			yaml: `
backend:
  url: https://b.example.edu
  lecture_id: x
  dial_timeout: -1s
capture:
  frame_duration: -5ms
  wav:
    path: a.wav
session:
  archive_timeout: -1s
`,
			want: []string{"backend.dial_timeout", "capture.frame_duration", "session.archive_timeout"},
		},
		{
			name: "auto restart",
			yaml: `
backend:
  url: https://b.example.edu
  lecture_id: x
capture:
  wav:
    path: a.wav
session:
  auto_restart:
    enabled: true
    max_retries: -2
    backoff: 1m
    max_backoff: 10s
`,
			want: []string{"max_retries -2", "exceeds max_backoff"},
		},
		{
			name: "archive breaker",
			yaml: `
backend:
  url: https://b.example.edu
  lecture_id: x
capture:
  wav:
    path: a.wav
archive:
  breaker_threshold: -1
  breaker_cooldown: -1s
`,
			want: []string{"archive.breaker_threshold", "archive.breaker_cooldown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestValidate_UnknownDeviceAllowed(t *testing.T) {
	t.Parallel()
	yaml := `
backend:
  url: wss://b.example.edu
  lecture_id: x
capture:
  device: portaudio
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Capture.Device != "portaudio" {
		t.Errorf("Device = %q", cfg.Capture.Device)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server:  config.ServerConfig{LogLevel: "nope"},
		Capture: config.CaptureConfig{Device: config.DeviceWAV},
	}
	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	// One line per joined error.
	if n := strings.Count(err.Error(), "\n") + 1; n != 4 {
		t.Errorf("got %d errors, want 4:\n%v", n, err)
	}
}
