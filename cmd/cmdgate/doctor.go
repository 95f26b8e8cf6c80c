package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"cmdgate/internal/audit"
	"cmdgate/internal/config"
	"cmdgate/internal/executor"
	"cmdgate/internal/notify"
	"cmdgate/internal/rules"
	"cmdgate/internal/store"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

// Colors follow the ANSI palette; lipgloss drops them when stdout is not a
// terminal.
var (
	passLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true).Render("[PASS]")
	warnLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true).Render("[WARN]")
	failLabel = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Render("[FAIL]")
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type doctorReport struct {
	passed, warned, failed int
}

func (r *doctorReport) line(label, check, detail string) {
	fmt.Printf("  %s %-20s %s\n", label, check, dimStyle.Render(detail))
}

func (r *doctorReport) pass(check, detail string) {
	r.passed++
	r.line(passLabel, check, detail)
}

func (r *doctorReport) warn(check, detail string) {
	r.warned++
	r.line(warnLabel, check, detail)
}

func (r *doctorReport) fail(check, detail string) {
	r.failed++
	r.line(failLabel, check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your cmdgate installation",
		Long: `Verifies that cmdgate's configuration, database, audit chain, executor
and notification settings are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("cmdgate doctor v%s\n\n", version)
			r := &doctorReport{}

			if _, err := os.Stat(cfgPath); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s (using defaults; run 'cmdgate init')", cfgPath))
			} else {
				r.pass("Config file", cfgPath)
			}

			cfg, err := config.LoadOrDefaults(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return r.summary()
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			db, err := store.NewSQLiteStore(cfg.Database.Path, logger)
			if err != nil {
				r.fail("Database", err.Error())
			} else {
				defer db.Close()
				if err := checkWritable(ctx, db); err != nil {
					r.fail("Database", err.Error())
				} else {
					r.pass("Database", cfg.Database.Path)
				}
				checkState(ctx, r, db)
			}

			if cfg.Policy.SeedFile != "" {
				if specs, err := rules.LoadFile(cfg.Policy.SeedFile); err != nil {
					r.fail("Rule seed file", err.Error())
				} else {
					r.pass("Rule seed file", fmt.Sprintf("%d rules in %s", len(specs), cfg.Policy.SeedFile))
				}
			}

			if err := checkPort(cfg.Server.Addr()); err != nil {
				r.warn("API port", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
			} else {
				r.pass("API port", cfg.Server.Addr()+" available")
			}

			checkExecutor(ctx, r, cfg.Executor)

			tg := cfg.Notify.Telegram
			switch {
			case !tg.Enabled:
			case tg.Token == "":
				r.fail("Telegram", "enabled but no token configured")
			case len(tg.AdminChats) == 0 && len(tg.WatchChats) == 0:
				r.warn("Telegram", "enabled but no chats configured")
			default:
				r.pass("Telegram", fmt.Sprintf("%d admin, %d watch chats", len(tg.AdminChats), len(tg.WatchChats)))
			}

			if sc := cfg.Notify.Slack; sc.Enabled {
				if _, err := notify.NewSlack(notify.SlackConfig{BotToken: sc.BotToken, Channel: sc.Channel}); err != nil {
					r.fail("Slack", err.Error())
				} else {
					r.pass("Slack", "alerts to "+sc.Channel)
				}
			}
			if dc := cfg.Notify.Discord; dc.Enabled {
				if _, err := notify.NewDiscord(notify.DiscordConfig{Token: dc.Token, ChannelID: dc.ChannelID}); err != nil {
					r.fail("Discord", err.Error())
				} else {
					r.pass("Discord", "alerts to channel "+dc.ChannelID)
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			return r.summary()
		},
	}
}

func (r *doctorReport) summary() error {
	fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

func checkWritable(ctx context.Context, db *store.SQLiteStore) error {
	if err := db.DB().PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.DB().ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	_, err := db.DB().ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return err
}

// checkState reports on admin accounts, the rule set and the audit chain.
func checkState(ctx context.Context, r *doctorReport, db *store.SQLiteStore) {
	if n, err := db.CountAdmins(ctx); err != nil {
		r.fail("Admin accounts", err.Error())
	} else if n == 0 {
		r.warn("Admin accounts", "none yet (created on first 'cmdgate serve')")
	} else {
		r.pass("Admin accounts", fmt.Sprintf("%d", n))
	}

	rs := rules.NewStore(db, logger)
	if err := rs.Load(ctx); err != nil {
		r.fail("Rules", err.Error())
	} else {
		r.pass("Rules", fmt.Sprintf("%d loaded", rs.Snapshot().Len()))
	}

	n, err := audit.New(db, logger).Verify(ctx)
	if err != nil {
		r.fail("Audit chain", fmt.Sprintf("broken after %d entries: %v", n, err))
	} else {
		r.pass("Audit chain", fmt.Sprintf("%d entries intact", n))
	}
}

func checkExecutor(ctx context.Context, r *doctorReport, ec config.ExecutorConfig) {
	switch ec.Mode {
	case "", executor.ModeNoop:
		r.warn("Executor", "noop: admitted commands are recorded but not run")
	case executor.ModeShell:
		if _, err := exec.LookPath("sh"); err != nil {
			r.fail("Executor", "shell mode but sh not found")
		} else {
			r.pass("Executor", "shell")
		}
	case executor.ModeDocker:
		d := executor.NewDocker(executor.DockerConfig{Image: ec.Docker.Image, Logger: logger})
		if err := d.Check(ctx); err != nil {
			r.fail("Executor", err.Error())
		} else {
			r.pass("Executor", "docker ("+ec.Docker.Image+")")
		}
	default:
		r.fail("Executor", fmt.Sprintf("unknown mode %q", ec.Mode))
	}
	if ec.Mode != executor.ModeNoop && ec.Mode != "" && ec.AllowShellSyntax {
		r.warn("Shell syntax", "auto-accepted commands may chain others with ; && | or $( )")
	}
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
