package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"cmdgate/internal/domain"
)

func req(cmd string) domain.ExecRequest {
	return domain.ExecRequest{SubmissionID: "s1", UserID: 1, CommandText: cmd}
}

func TestNew_Modes(t *testing.T) {
	cases := map[string]string{"": ModeNoop, "noop": ModeNoop, "shell": ModeShell, "docker": ModeDocker}
	for mode, want := range cases {
		ex, err := New(Config{Mode: mode})
		if err != nil {
			t.Fatalf("mode %q: %v", mode, err)
		}
		if ex.Name() != want {
			t.Errorf("mode %q: got executor %q", mode, ex.Name())
		}
	}
	if _, err := New(Config{Mode: "ssh"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestNoop_Execute(t *testing.T) {
	out, err := Noop{}.Execute(context.Background(), req("rm -rf /"))
	if err != nil || out != "" {
		t.Fatalf("noop should accept silently, got %q, %v", out, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Noop{}).Execute(ctx, req("ls")); err == nil {
		t.Fatal("expected cancelled context to fail")
	}
}

// --- Shell ---

func TestShell_EmptyCommand(t *testing.T) {
	s := NewShell(ShellConfig{Timeout: 5 * time.Second})
	if _, err := s.Execute(context.Background(), req("   ")); !errors.Is(err, domain.ErrInvalidCommand) {
		t.Fatalf("expected ErrInvalidCommand, got %v", err)
	}
}

func TestShell_EchoSuccess(t *testing.T) {
	s := NewShell(ShellConfig{Timeout: 5 * time.Second})
	out, err := s.Execute(context.Background(), req("echo hello"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "hello") {
		t.Errorf("output should contain 'hello', got %q", out)
	}
}

func TestShell_NonZeroExit(t *testing.T) {
	s := NewShell(ShellConfig{Timeout: 5 * time.Second})
	if _, err := s.Execute(context.Background(), req("exit 3")); err == nil {
		t.Fatal("expected error for non-zero exit")
	}
}

func TestShell_Timeout(t *testing.T) {
	s := NewShell(ShellConfig{Timeout: 100 * time.Millisecond})
	start := time.Now()
	_, err := s.Execute(context.Background(), req("sleep 5"))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("timeout was not enforced")
	}
}

func TestShell_WorkingDirAndTruncation(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte(strings.Repeat("x", 200)), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewShell(ShellConfig{WorkingDir: dir, Timeout: 5 * time.Second, MaxOutputBytes: 50})
	out, err := s.Execute(context.Background(), req("cat marker.txt"))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasSuffix(out, "(output truncated)") {
		t.Errorf("expected truncated output, got %q", out)
	}
}

// --- Docker ---

func TestDocker_Args(t *testing.T) {
	d := NewDocker(DockerConfig{Image: "busybox", MaxMemory: "64m"})
	args := d.args("ls")

	if !slices.Contains(args, "busybox") || !slices.Contains(args, "64m") || !slices.Contains(args, "--read-only") {
		t.Fatalf("unexpected docker args: %v", args)
	}
	i := slices.Index(args, "--network")
	if i < 0 || args[i+1] != "none" {
		t.Fatalf("expected network none, got %v", args)
	}
	if args[len(args)-1] != "ls" {
		t.Fatalf("command must be last, got %v", args)
	}
}

func TestDocker_Unavailable(t *testing.T) {
	d := NewDocker(DockerConfig{})
	d.binary = filepath.Join(t.TempDir(), "no-docker")
	if _, err := d.Execute(context.Background(), req("ls")); err == nil {
		t.Fatal("expected error when docker is missing")
	}
}
