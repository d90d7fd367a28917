// Command lecturepulse streams a live lecture to the feedback backend and
// serves the resulting feedback to the local UI.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/lecturepulse/internal/app"
	"github.com/MrWong99/lecturepulse/internal/config"
	discordbot "github.com/MrWong99/lecturepulse/internal/discord"
	"github.com/MrWong99/lecturepulse/internal/discord/commands"
	"github.com/MrWong99/lecturepulse/internal/observe"
	"github.com/MrWong99/lecturepulse/pkg/audio/capture"
	discordcapture "github.com/MrWong99/lecturepulse/pkg/audio/capture/discord"
	"github.com/MrWong99/lecturepulse/pkg/audio/capture/wavfile"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lecturepulse: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lecturepulse: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so the config watcher can change it.
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("lecturepulse starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Discord bot (discord device only) ─────────────────────────────────────
	var bot *discordbot.Bot
	if cfg.Capture.Device == config.DeviceDiscord {
		dc := cfg.Capture.Discord
		bot, err = discordbot.New(ctx, discordbot.Config{
			Token:           dc.Token,
			GuildID:         dc.GuildID,
			PresenterRoleID: dc.PresenterRoleID,
		})
		if err != nil {
			slog.Error("failed to create Discord bot", "err", err)
			return 1
		}
		slog.Info("discord bot connected", "guild_id", dc.GuildID)
	}

	// ── Device registry ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDevices(reg, bot)

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, reg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		closeBot(bot)
		return 1
	}

	// ── Discord commands and dashboard ────────────────────────────────────────
	var dashboard *discordbot.Dashboard
	if bot != nil {
		commands.NewLectureCommands(bot.Router(), application.Controller(), bot.Permissions())
		if ch := cfg.Capture.Discord.DashboardChannelID; ch != "" {
			dashboard = discordbot.NewDashboard(discordbot.DashboardConfig{
				Session:   bot.Session(),
				ChannelID: ch,
				State:     application.Controller().State,
			})
			dashboard.Start(ctx)
		}
		go func() {
			if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("discord bot error", "err", err)
			}
		}()
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(level, old, new)
	})
	if err != nil {
		slog.Warn("config hot-reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("ready, press Ctrl+C to shut down", "ui", "http://"+application.Addr().String())

	exitCode := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exitCode = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	// The application goes first: ending the session archives it and the
	// Discord device still needs the bot's gateway connection to leave the
	// voice channel.
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exitCode = 1
	}
	if dashboard != nil {
		dashboard.Stop()
	}
	closeBot(bot)

	slog.Info("goodbye")
	return exitCode
}

// ── Device wiring ─────────────────────────────────────────────────────────────

// registerBuiltinDevices registers the capture devices that ship with
// lecturepulse. The discord factory needs a connected bot.
func registerBuiltinDevices(reg *config.Registry, bot *discordbot.Bot) {
	reg.RegisterDevice(config.DeviceWAV, func(c config.CaptureConfig) (capture.Device, error) {
		return wavfile.New(c.WAV.Path,
			wavfile.WithRealtime(c.WAV.Realtime),
			wavfile.WithLoop(c.WAV.Loop),
		), nil
	})
	reg.RegisterDevice(config.DeviceDiscord, func(c config.CaptureConfig) (capture.Device, error) {
		if bot == nil {
			return nil, errors.New("discord device requires a connected bot")
		}
		return discordcapture.New(bot.Session(), discordcapture.Config{
			GuildID:   c.Discord.GuildID,
			ChannelID: c.Discord.ChannelID,
			UserID:    c.Discord.UserID,
		}), nil
	})
	for _, name := range reg.Devices() {
		slog.Debug("registered capture device", "name", name)
	}
}

func closeBot(bot *discordbot.Bot) {
	if bot == nil {
		return
	}
	if err := bot.Close(); err != nil {
		slog.Warn("discord bot close error", "err", err)
	}
}

// ── Hot reload ────────────────────────────────────────────────────────────────

// applyConfigChange applies the hot-reloadable part of a config change and
// reports the rest.
func applyConfigChange(level *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after a restart", "sections", d.RestartRequired)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║     lecturepulse — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printField("Backend", cfg.Backend.URL)
	printField("Lecture", cfg.Backend.LectureID)
	printField("Presenter", cfg.Backend.PresenterID)
	printField("Device", cfg.Capture.Device)
	printField("Frame", cfg.Capture.FrameDuration.String())
	printField("Archive", archiveSummary(cfg.Archive))
	if cfg.Session.AutoRestart.Enabled {
		printField("Auto-restart", fmt.Sprintf("%d retries", cfg.Session.AutoRestart.MaxRetries))
	} else {
		printField("Auto-restart", "(disabled)")
	}
	printField("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func archiveSummary(a config.ArchiveConfig) string {
	switch {
	case a.PostgresDSN != "" && a.File != "":
		return "postgres + file"
	case a.PostgresDSN != "":
		return "postgres"
	case a.File != "":
		return "file"
	}
	return ""
}

func printField(name, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", name, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
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
