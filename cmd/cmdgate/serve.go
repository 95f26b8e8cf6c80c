package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cmdgate/internal/api"
	"cmdgate/internal/config"
	"cmdgate/internal/notify"
	"cmdgate/internal/telemetry"

	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the first admin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("config written", "path", cfgPath)

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
				return err
			}
			ctx := context.Background()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.bootstrap(ctx)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the command gateway HTTP API",
		Long:  "Starts the HTTP API and, when enabled, the Telegram approval notifier and Slack/Discord alerts. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Warn("tracing disabled", "err", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", "err", err)
		}
	}()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.bootstrap(ctx); err != nil {
		return err
	}
	logger.Info("gateway ready",
		"executor", a.executor.Name(),
		"default_action", cfg.Policy.DefaultAction,
		"rules", a.rules.Snapshot().Len(),
		"command_cost", cfg.Gateway.CommandCost,
	)

	notifier, err := startNotifier(ctx, cfg.Notify, a)
	if err != nil {
		return err
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Endpoint
	}
	srv := api.NewServer(a.gateway, a.authn, api.Config{
		Addr:               cfg.Server.Addr(),
		ReadTimeout:        time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout:       time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		ShutdownTimeout:    time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
		RateLimitPerMinute: cfg.API.RateLimitPerMinute,
		Burst:              cfg.API.Burst,
		AuditLimit:         cfg.API.AuditLimit,
		HistoryLimit:       cfg.API.HistoryLimit,
		MetricsPath:        metricsPath,
		Events:             a.events,
		Logger:             logger,
	})

	err = srv.Start(ctx)
	logger.Info("shutting down gateway...")
	if notifier != nil {
		notifier.Unsubscribe(a.events)
	}
	if err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// startNotifier wires Telegram chats and Slack/Discord sinks to the event
// bus. It returns nil when no notification channel is configured. A channel
// that fails to connect is logged and skipped.
func startNotifier(ctx context.Context, nc config.NotifyConfig, a *app) (*notify.Notifier, error) {
	var sinks []notify.Sink
	if sc := nc.Slack; sc.Enabled {
		s, err := notify.NewSlack(notify.SlackConfig{BotToken: sc.BotToken, Channel: sc.Channel, Logger: logger})
		if err != nil {
			logger.Error("slack alerts disabled", "err", err)
		} else {
			sinks = append(sinks, s)
		}
	}
	if dc := nc.Discord; dc.Enabled {
		d, err := notify.NewDiscord(notify.DiscordConfig{Token: dc.Token, ChannelID: dc.ChannelID, Logger: logger})
		if err != nil {
			logger.Error("discord alerts disabled", "err", err)
		} else {
			sinks = append(sinks, d)
		}
	}

	var sender notify.Sender
	var bot *notify.Telegram
	tg := nc.Telegram
	if tg.Enabled && tg.Token != "" {
		b, err := notify.NewTelegram(notify.TelegramConfig{Token: tg.Token, ParseMode: tg.ParseMode, Logger: logger})
		if err != nil {
			logger.Error("telegram notifier disabled", "err", err)
		} else {
			bot, sender = b, b
		}
	}
	if sender == nil && len(sinks) == 0 {
		return nil, nil
	}

	n, err := notify.New(sender, a.gateway, a.store, notify.Config{
		AdminChats: tg.AdminChats,
		WatchChats: tg.WatchChats,
		Sinks:      sinks,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}
	n.Subscribe(a.events)
	if bot != nil {
		go func() {
			if err := bot.Poll(ctx, n); err != nil {
				logger.Error("telegram polling error", "err", err)
			}
		}()
	}
	logger.Info("notifier enabled", "telegram", bot != nil, "admin_chats", len(tg.AdminChats), "sinks", len(sinks))
	return n, nil
}
