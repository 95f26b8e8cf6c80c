// Package executor runs admitted commands. The gateway treats every executor
// as untrusted and compensates for any error it returns.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cmdgate/internal/domain"
)

const (
	ModeNoop   = "noop"
	ModeShell  = "shell"
	ModeDocker = "docker"

	defaultTimeout        = 30 * time.Second
	defaultMaxOutputBytes = 65536
)

// Config selects and configures an executor.
type Config struct {
	Mode           string
	Timeout        time.Duration
	MaxOutputBytes int
	WorkingDir     string
	Docker         DockerConfig
	Logger         *slog.Logger
}

// New builds the executor named by cfg.Mode. An empty mode means noop.
func New(cfg Config) (domain.Executor, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	switch cfg.Mode {
	case "", ModeNoop:
		return Noop{}, nil
	case ModeShell:
		return NewShell(ShellConfig{
			WorkingDir:     cfg.WorkingDir,
			Timeout:        cfg.Timeout,
			MaxOutputBytes: cfg.MaxOutputBytes,
			Logger:         cfg.Logger,
		}), nil
	case ModeDocker:
		d := cfg.Docker
		if d.Timeout <= 0 {
			d.Timeout = cfg.Timeout
		}
		if d.MaxOutputBytes <= 0 {
			d.MaxOutputBytes = cfg.MaxOutputBytes
		}
		d.Logger = cfg.Logger
		return NewDocker(d), nil
	}
	return nil, fmt.Errorf("unknown executor mode %q", cfg.Mode)
}

// Noop accepts every command without running it. The gateway's decision is
// the whole effect.
type Noop struct{}

func (Noop) Name() string { return ModeNoop }

func (Noop) Execute(ctx context.Context, req domain.ExecRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "", nil
}

func truncate(output string, max int) string {
	if max > 0 && len(output) > max {
		return output[:max] + "\n... (output truncated)"
	}
	return output
}
