package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"cmdgate/internal/domain"
)

// DockerConfig configures the container executor.
type DockerConfig struct {
	Image          string // default: "alpine:latest"
	MaxMemory      string // e.g. "256m"
	MaxCPU         string // e.g. "0.5"
	Network        bool
	Timeout        time.Duration
	MaxOutputBytes int
	Logger         *slog.Logger
}

// Docker runs each command in a fresh, network-less, read-only container.
type Docker struct {
	image          string
	maxMemory      string
	maxCPU         string
	network        bool
	timeout        time.Duration
	maxOutputBytes int
	logger         *slog.Logger

	// binary is the docker CLI; tests point it elsewhere.
	binary string
}

func NewDocker(cfg DockerConfig) *Docker {
	if cfg.Image == "" {
		cfg.Image = "alpine:latest"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxMemory == "" {
		cfg.MaxMemory = "256m"
	}
	if cfg.MaxCPU == "" {
		cfg.MaxCPU = "0.5"
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Docker{
		image:          cfg.Image,
		maxMemory:      cfg.MaxMemory,
		maxCPU:         cfg.MaxCPU,
		network:        cfg.Network,
		timeout:        cfg.Timeout,
		maxOutputBytes: cfg.MaxOutputBytes,
		logger:         cfg.Logger,
		binary:         "docker",
	}
}

func (d *Docker) Name() string { return ModeDocker }

func (d *Docker) args(command string) []string {
	network := "none"
	if d.network {
		network = "bridge"
	}
	return []string{
		"run", "--rm",
		"--network", network,
		"--memory", d.maxMemory,
		"--cpus", d.maxCPU,
		"--pids-limit", "100",
		"--read-only",
		"--tmpfs", "/tmp:rw,size=64m",
		d.image,
		"sh", "-c", command,
	}
}

func (d *Docker) Execute(ctx context.Context, req domain.ExecRequest) (string, error) {
	command := strings.TrimSpace(req.CommandText)
	if command == "" {
		return "", domain.ErrInvalidCommand
	}
	if err := d.Check(ctx); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	d.logger.Info("sandbox executing", "submission_id", req.SubmissionID, "image", d.image)

	cmd := exec.CommandContext(ctx, d.binary, d.args(command)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		output += "\n[stderr] " + stderr.String()
	}
	output = truncate(output, d.maxOutputBytes)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return output, fmt.Errorf("command timed out after %s", d.timeout)
		}
		return output, fmt.Errorf("command failed: %w", err)
	}
	return strings.TrimSpace(output), nil
}

// Check verifies that the Docker daemon answers.
func (d *Docker) Check(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, d.binary, "version", "--format", "{{.Server.Version}}")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker not available: %w", err)
	}
	return nil
}
