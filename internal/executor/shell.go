package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"cmdgate/internal/domain"
)

type ShellConfig struct {
	WorkingDir     string
	Timeout        time.Duration
	MaxOutputBytes int
	Logger         *slog.Logger
}

// Shell runs commands with sh -c on the gateway host.
type Shell struct {
	workingDir     string
	timeout        time.Duration
	maxOutputBytes int
	logger         *slog.Logger
}

func NewShell(cfg ShellConfig) *Shell {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Shell{
		workingDir:     cfg.WorkingDir,
		timeout:        cfg.Timeout,
		maxOutputBytes: cfg.MaxOutputBytes,
		logger:         cfg.Logger,
	}
}

func (s *Shell) Name() string { return ModeShell }

func (s *Shell) Execute(ctx context.Context, req domain.ExecRequest) (string, error) {
	command := strings.TrimSpace(req.CommandText)
	if command == "" {
		return "", domain.ErrInvalidCommand
	}

	dir := s.workingDir
	if dir == "" {
		dir = "."
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = absDir

	s.logger.Debug("shell executing", "submission_id", req.SubmissionID, "dir", absDir)
	output, err := cmd.CombinedOutput()
	result := truncate(string(output), s.maxOutputBytes)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("command timed out after %s", s.timeout)
		}
		if ctx.Err() != nil {
			return result, fmt.Errorf("command cancelled: %w", ctx.Err())
		}
		return result, fmt.Errorf("exit: %w", err)
	}
	return result, nil
}
