package config

import (
	"fmt"
	"net"
	"strconv"

	"github.com/caarlos0/env/v11"
)

// envOverrides holds the settings operators commonly inject per deployment.
type envOverrides struct {
	ListenAddr    string `env:"CMDGATE_LISTEN_ADDR"`
	DBPath        string `env:"CMDGATE_DB_PATH"`
	AdminKey      string `env:"CMDGATE_ADMIN_KEY"`
	LogLevel      string `env:"CMDGATE_LOG_LEVEL"`
	ExecutorMode  string `env:"CMDGATE_EXECUTOR_MODE"`
	TelegramToken string `env:"CMDGATE_TELEGRAM_TOKEN"`
	SlackToken    string `env:"CMDGATE_SLACK_TOKEN"`
	DiscordToken  string `env:"CMDGATE_DISCORD_TOKEN"`
	OTelEndpoint  string `env:"CMDGATE_OTEL_ENDPOINT"`
}

// ApplyEnv overlays CMDGATE_* environment variables onto cfg. Unset
// variables leave the file values alone.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	if o.ListenAddr != "" {
		host, port, err := net.SplitHostPort(o.ListenAddr)
		if err != nil {
			return fmt.Errorf("CMDGATE_LISTEN_ADDR: %w", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("CMDGATE_LISTEN_ADDR: invalid port %q", port)
		}
		cfg.Server.Host, cfg.Server.Port = host, p
	}
	if o.DBPath != "" {
		cfg.Database.Path = o.DBPath
	}
	if o.AdminKey != "" {
		cfg.Auth.BootstrapAdminKey = o.AdminKey
	}
	if o.LogLevel != "" {
		cfg.General.LogLevel = o.LogLevel
	}
	if o.ExecutorMode != "" {
		cfg.Executor.Mode = o.ExecutorMode
	}
	if o.TelegramToken != "" {
		cfg.Notify.Telegram.Token = o.TelegramToken
	}
	if o.SlackToken != "" {
		cfg.Notify.Slack.BotToken = o.SlackToken
	}
	if o.DiscordToken != "" {
		cfg.Notify.Discord.Token = o.DiscordToken
	}
	if o.OTelEndpoint != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = o.OTelEndpoint
	}
	return nil
}
