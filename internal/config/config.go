package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"cmdgate/internal/domain"
)

// Config is the root configuration for cmdgate.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Policy    PolicyConfig    `json:"policy"`
	Gateway   GatewayConfig   `json:"gateway"`
	Ledger    LedgerConfig    `json:"ledger"`
	Executor  ExecutorConfig  `json:"executor"`
	Auth      AuthConfig      `json:"auth"`
	API       APIConfig       `json:"api"`
	Notify    NotifyConfig    `json:"notify"`
	Metrics   MetricsConfig   `json:"metrics"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional; logs are teed to stderr and this file
}

type ServerConfig struct {
	Host                   string `json:"host"`
	Port                   int    `json:"port"`
	ReadTimeoutSeconds     int    `json:"readTimeoutSeconds"`
	WriteTimeoutSeconds    int    `json:"writeTimeoutSeconds"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds"`
}

// Addr is the listen address for net/http.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type PolicyConfig struct {
	DefaultAction string `json:"defaultAction"` // AUTO_ACCEPT | AUTO_REJECT | REQUIRE_APPROVAL
	SeedFile      string `json:"seedFile,omitempty"`
	SeedDefaults  bool   `json:"seedDefaults"`
}

type GatewayConfig struct {
	CommandCost int64 `json:"commandCost"`
}

type LedgerConfig struct {
	MemberCredits int64 `json:"memberCredits"`
	AdminCredits  int64 `json:"adminCredits"`
}

type ExecutorConfig struct {
	Mode           string       `json:"mode"` // "noop" | "shell" | "docker"
	Timeout        int          `json:"timeout"`
	MaxOutputBytes int          `json:"maxOutputBytes"`
	WorkingDir     string       `json:"workingDir,omitempty"`
	Docker         DockerConfig `json:"docker"`

	// shell and docker run commands with sh -c. Unless AllowShellSyntax is
	// set, an auto-accepted command containing ; & | < > ` $( or a newline is
	// held for approval, since an accept rule such as ^ls also matches
	// "ls; rm -rf ~".
	AllowShellSyntax bool `json:"allowShellSyntax"`
}

type DockerConfig struct {
	Image     string `json:"image"`
	MaxMemory string `json:"maxMemory"`
	MaxCPU    string `json:"maxCPU"`
	Network   bool   `json:"network"`
}

type AuthConfig struct {
	BootstrapAdminKey string `json:"bootstrapAdminKey,omitempty" secret:"true"`
	KeyBytes          int    `json:"keyBytes"`
}

type APIConfig struct {
	RateLimitPerMinute int `json:"rateLimitPerMinute"` // 0 = disabled
	Burst              int `json:"burst"`
	AuditLimit         int `json:"auditLimit"`
	HistoryLimit       int `json:"historyLimit"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Slack    SlackConfig    `json:"slack"`
	Discord  DiscordConfig  `json:"discord"`
}

// SlackConfig and DiscordConfig are alert-only; approvals are resolved from
// Telegram admin chats or the API.
type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken" secret:"true"`
	Channel  string `json:"channel"`
}

type DiscordConfig struct {
	Enabled   bool   `json:"enabled"`
	Token     string `json:"token" secret:"true"`
	ChannelID string `json:"channelId"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token" secret:"true"`
	// AdminChats maps a Telegram chat ID to the admin username acting from it.
	AdminChats map[string]string `json:"adminChats,omitempty"`
	// WatchChats only receive notifications.
	WatchChats FlexStringList `json:"watchChats,omitempty"`
	ParseMode  string         `json:"parseMode"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

type TelemetryConfig struct {
	Enabled     bool    `json:"enabled"`
	Endpoint    string  `json:"endpoint,omitempty"`
	ServiceName string  `json:"serviceName"`
	SampleRatio float64 `json:"sampleRatio"`
}

// DefaultConfigDir returns the default config directory (~/.cmdgate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cmdgate"
	}
	return filepath.Join(home, ".cmdgate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads the JSON file at path, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return finish(cfg)
}

// LoadOrDefaults behaves like Load but starts from Defaults when the file
// does not exist.
func LoadOrDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return finish(Defaults())
	}
	return cfg, err
}

func finish(cfg *Config) (*Config, error) {
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.Database.Path = ExpandPath(cfg.Database.Path)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Policy.SeedFile = ExpandPath(cfg.Policy.SeedFile)
	cfg.Executor.WorkingDir = ExpandPath(cfg.Executor.WorkingDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset ${VAR}
// without default is left as is.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// May hold the bootstrap admin key and bot token.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks every section and reports all problems at once.
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if _, err := domain.ParseAction(cfg.Policy.DefaultAction); err != nil {
		errs = append(errs, "policy.defaultAction must be one of: AUTO_ACCEPT, AUTO_REJECT, REQUIRE_APPROVAL")
	}
	if cfg.Gateway.CommandCost < 0 {
		errs = append(errs, "gateway.commandCost must be >= 0")
	}
	if cfg.Ledger.MemberCredits < 0 || cfg.Ledger.AdminCredits < 0 {
		errs = append(errs, "ledger credits must be >= 0")
	}

	switch cfg.Executor.Mode {
	case "noop", "shell", "docker":
	default:
		errs = append(errs, "executor.mode must be one of: noop, shell, docker")
	}
	if cfg.Executor.Timeout < 1 {
		errs = append(errs, "executor.timeout must be >= 1")
	}
	if cfg.Executor.MaxOutputBytes < 0 {
		errs = append(errs, "executor.maxOutputBytes must be >= 0")
	}

	if cfg.Auth.KeyBytes < 8 || cfg.Auth.KeyBytes > 64 {
		errs = append(errs, "auth.keyBytes must be between 8 and 64")
	}

	if cfg.API.RateLimitPerMinute < 0 || cfg.API.Burst < 0 {
		errs = append(errs, "api.rateLimitPerMinute and api.burst must be >= 0")
	}
	if cfg.API.AuditLimit < 1 {
		errs = append(errs, "api.auditLimit must be >= 1")
	}

	if tg := cfg.Notify.Telegram; tg.Enabled {
		if tg.Token == "" {
			errs = append(errs, "notify.telegram.token is required when telegram is enabled")
		}
		for chat := range tg.AdminChats {
			if _, err := strconv.ParseInt(chat, 10, 64); err != nil {
				errs = append(errs, fmt.Sprintf("notify.telegram.adminChats: %q is not a chat ID", chat))
			}
		}
	}

	if sc := cfg.Notify.Slack; sc.Enabled && (sc.BotToken == "" || sc.Channel == "") {
		errs = append(errs, "notify.slack.botToken and notify.slack.channel are required when slack is enabled")
	}
	if dc := cfg.Notify.Discord; dc.Enabled && (dc.Token == "" || dc.ChannelID == "") {
		errs = append(errs, "notify.discord.token and notify.discord.channelId are required when discord is enabled")
	}

	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		errs = append(errs, "telemetry.sampleRatio must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
