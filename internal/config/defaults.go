package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host:                   "127.0.0.1",
			Port:                   8000,
			ReadTimeoutSeconds:     15,
			WriteTimeoutSeconds:    60,
			ShutdownTimeoutSeconds: 10,
		},
		Database: DatabaseConfig{
			Path: "~/.cmdgate/cmdgate.db",
		},
		Policy: PolicyConfig{
			DefaultAction: "REQUIRE_APPROVAL",
			SeedDefaults:  true,
		},
		Gateway: GatewayConfig{
			CommandCost: 1,
		},
		Ledger: LedgerConfig{
			MemberCredits: 100,
			AdminCredits:  1000,
		},
		Executor: ExecutorConfig{
			Mode:           "noop",
			Timeout:        30,
			MaxOutputBytes: 65536,
			Docker: DockerConfig{
				Image:     "alpine:latest",
				MaxMemory: "256m",
				MaxCPU:    "0.5",
			},
		},
		Auth: AuthConfig{
			KeyBytes: 16,
		},
		API: APIConfig{
			RateLimitPerMinute: 60,
			Burst:              10,
			AuditLimit:         200,
			HistoryLimit:       100,
		},
		Notify: NotifyConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "cmdgate",
			SampleRatio: 1,
		},
	}
}
