package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"

	"github.com/basket/threadloom/internal/app"
	"github.com/basket/threadloom/internal/channels"
	"github.com/basket/threadloom/internal/config"
	"github.com/basket/threadloom/internal/maintenance"
	"github.com/basket/threadloom/internal/otel"
	"github.com/basket/threadloom/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the threadloom daemon

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  THREADLOOM_HOME         Data directory (default: ~/.threadloom)
  THREADLOOM_LOG_LEVEL    Log level override (debug, info, warn, error)
  THREADLOOM_FFMPEG       Path to the ffmpeg binary
  TELEGRAM_BOT_TOKEN      Telegram bot token override
`)
}

func main() {
	home := flag.String("home", "", "data directory (overrides THREADLOOM_HOME)")
	version := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *version {
		fmt.Println("threadloom", Version)
		return
	}

	// File-only logs when detached from a terminal (systemd, cron).
	quietLogs := !isatty.IsTerminal(os.Stdout.Fd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*home)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.RootDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "root", cfg.RootDir, "version", Version)

	otelProvider, err := otel.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	a, err := app.New(ctx, cfg, logger, otelProvider, app.TemplateGenerator{})
	if err != nil {
		fatalStartup(logger, "E_APP_INIT", err)
	}
	defer a.Close()
	logger.Info("startup phase", "phase", "app_ready", "deploy_nonce", a.Guard.Nonce())

	sweeper, err := maintenance.NewSweeper(maintenance.Config{
		App:    cfg,
		Store:  a.Store,
		Sched:  a.Scheduler,
		Logger: logger,
	})
	if err != nil {
		fatalStartup(logger, "E_MAINTENANCE_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	watcher := config.NewWatcher(cfg.RootDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	}
	go func() {
		for range watcher.Events() {
			logger.Info("config.yaml changed on disk, restart to apply")
		}
	}()

	if cfg.Telegram.Token != "" {
		telegram := channels.NewTelegramChannel(cfg.Telegram, a.Inbound, a.Bus, logger)
		go func() {
			if err := telegram.Start(ctx); err != nil {
				logger.Error("telegram channel exited", "error", err)
				stop()
			}
		}()
		logger.Info("startup phase", "phase", "channels_started", "channel", telegram.Name())
	} else {
		logger.Warn("no telegram token configured, running without a chat channel")
	}

	<-ctx.Done()
	logger.Info("shutdown", "reason", "signal received")
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "threadloom: %s: %v\n", code, err)
	os.Exit(1)
}
