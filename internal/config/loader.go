package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Defaults filled in by [LoadFromReader] for omitted fields.
const (
	DefaultListenAddr = "127.0.0.1:8090"
	DefaultLogLevel   = LogInfo
	DefaultDevice     = DeviceWAV
)

// backendSchemes lists the accepted backend URL schemes.
var backendSchemes = []string{"http", "https", "ws", "wss"}

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

// LoadFromReader decodes a YAML config from r, fills in defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = DefaultLogLevel
	}
	if cfg.Capture.Device == "" {
		cfg.Capture.Device = DefaultDevice
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend
	if cfg.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	} else if u, err := url.Parse(cfg.Backend.URL); err != nil {
		errs = append(errs, fmt.Errorf("backend.url: %w", err))
	} else {
		if !slices.Contains(backendSchemes, u.Scheme) {
			errs = append(errs, fmt.Errorf("backend.url scheme %q is invalid; valid values: http, https, ws, wss", u.Scheme))
		}
		if u.Host == "" {
			errs = append(errs, fmt.Errorf("backend.url %q has no host", cfg.Backend.URL))
		}
		if u.Scheme == "http" || u.Scheme == "ws" {
			slog.Warn("backend.url is not encrypted; lecture audio will be sent in clear text", "url", cfg.Backend.URL)
		}
	}
	if cfg.Backend.LectureID == "" {
		errs = append(errs, errors.New("backend.lecture_id is required"))
	}
	if cfg.Backend.PresenterID == "" {
		slog.Warn("backend.presenter_id is empty; the backend may reject the stream")
	}
	if cfg.Backend.DialTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend.dial_timeout %v must not be negative", cfg.Backend.DialTimeout))
	}
	if cfg.Backend.WriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("backend.write_timeout %v must not be negative", cfg.Backend.WriteTimeout))
	}

	// Capture
	if cfg.Capture.FrameDuration < 0 {
		errs = append(errs, fmt.Errorf("capture.frame_duration %v must not be negative", cfg.Capture.FrameDuration))
	}
	switch cfg.Capture.Device {
	case DeviceWAV:
		if cfg.Capture.WAV.Path == "" {
			errs = append(errs, errors.New("capture.wav.path is required when capture.device is wav"))
		}
	case DeviceDiscord:
		d := cfg.Capture.Discord
		if d.Token == "" {
			errs = append(errs, errors.New("capture.discord.token is required when capture.device is discord"))
		}
		if d.GuildID == "" || d.ChannelID == "" {
			errs = append(errs, errors.New("capture.discord.guild_id and channel_id are required when capture.device is discord"))
		}
		if d.UserID == "" {
			errs = append(errs, errors.New("capture.discord.user_id is required when capture.device is discord; only one speaker can be captured"))
		}
	default:
		// Third-party devices may be registered at runtime; the registry
		// reports unknown names when the device is built.
		slog.Warn("unknown capture device; it must be registered before startup", "device", cfg.Capture.Device)
	}

	// Session
	if cfg.Session.ArchiveTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.archive_timeout %v must not be negative", cfg.Session.ArchiveTimeout))
	}
	ar := cfg.Session.AutoRestart
	if ar.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("session.auto_restart.max_retries %d must not be negative", ar.MaxRetries))
	}
	if ar.Backoff < 0 || ar.MaxBackoff < 0 {
		errs = append(errs, errors.New("session.auto_restart backoff values must not be negative"))
	}
	if ar.Backoff > 0 && ar.MaxBackoff > 0 && ar.Backoff > ar.MaxBackoff {
		errs = append(errs, fmt.Errorf("session.auto_restart.backoff %v exceeds max_backoff %v", ar.Backoff, ar.MaxBackoff))
	}

	// Archive
	if cfg.Archive.BreakerThreshold < 0 {
		errs = append(errs, fmt.Errorf("archive.breaker_threshold %d must not be negative", cfg.Archive.BreakerThreshold))
	}
	if cfg.Archive.BreakerCooldown < 0 {
		errs = append(errs, fmt.Errorf("archive.breaker_cooldown %v must not be negative", cfg.Archive.BreakerCooldown))
	}
	if cfg.Archive.File == "" && cfg.Archive.PostgresDSN == "" {
		slog.Warn("archive is not configured; transcripts are lost when a session ends")
	}

	return errors.Join(errs...)
}
