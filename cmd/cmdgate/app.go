package main

import (
	"context"
	"fmt"
	"time"

	"cmdgate/internal/approval"
	"cmdgate/internal/audit"
	"cmdgate/internal/auth"
	"cmdgate/internal/config"
	"cmdgate/internal/domain"
	"cmdgate/internal/events"
	"cmdgate/internal/executor"
	"cmdgate/internal/gateway"
	"cmdgate/internal/ledger"
	"cmdgate/internal/metrics"
	"cmdgate/internal/policy"
	"cmdgate/internal/rules"
	"cmdgate/internal/store"
)

// app holds the services shared by serve and the admin subcommands.
type app struct {
	cfg       *config.Config
	store     *store.SQLiteStore
	rules     *rules.Store
	audit     *audit.Log
	approvals *approval.Queue
	events    *events.Bus
	gateway   *gateway.Gateway
	authn     *auth.Authenticator
	executor  domain.Executor
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rs := rules.NewStore(db, logger)
	if err := rs.Load(ctx); err != nil {
		db.Close()
		return nil, err
	}
	var policyOpts []policy.Option
	if cfg.Executor.Mode != "noop" && !cfg.Executor.AllowShellSyntax {
		policyOpts = append(policyOpts, policy.WithShellGuard())
	}
	evaluator, err := policy.NewEvaluator(domain.Action(cfg.Policy.DefaultAction), rs, policyOpts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	exec, err := executor.New(executor.Config{
		Mode:           cfg.Executor.Mode,
		Timeout:        time.Duration(cfg.Executor.Timeout) * time.Second,
		MaxOutputBytes: cfg.Executor.MaxOutputBytes,
		WorkingDir:     cfg.Executor.WorkingDir,
		Docker: executor.DockerConfig{
			Image:     cfg.Executor.Docker.Image,
			MaxMemory: cfg.Executor.Docker.MaxMemory,
			MaxCPU:    cfg.Executor.Docker.MaxCPU,
			Network:   cfg.Executor.Docker.Network,
		},
		Logger: logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		store:     db,
		rules:     rs,
		audit:     audit.New(db, logger),
		approvals: approval.NewQueue(db, logger),
		events:    events.NewBus(logger),
		authn:     auth.NewAuthenticator(db),
		executor:  exec,
	}
	a.gateway, err = gateway.New(gateway.Config{
		Rules:         rs,
		Policy:        evaluator,
		Ledger:        ledger.New(db, logger),
		Audit:         a.audit,
		Approvals:     a.approvals,
		Executor:      exec,
		Submissions:   db,
		Users:         db,
		Events:        a.events,
		CommandCost:   cfg.Gateway.CommandCost,
		ExecTimeout:   time.Duration(cfg.Executor.Timeout) * time.Second,
		MemberCredits: cfg.Ledger.MemberCredits,
		AdminCredits:  cfg.Ledger.AdminCredits,
		KeyBytes:      cfg.Auth.KeyBytes,
		Logger:        logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if pending, err := a.approvals.ListPending(ctx); err == nil {
		metrics.ApprovalsPending.Set(int64(len(pending)))
	}
	return a, nil
}

func (a *app) Close() error { return a.store.Close() }

// bootstrap creates the first admin and seeds rules. A generated admin key
// is printed once; it cannot be recovered later.
func (a *app) bootstrap(ctx context.Context) error {
	var seed []domain.RuleSpec
	switch {
	case a.cfg.Policy.SeedFile != "":
		specs, err := rules.LoadFile(a.cfg.Policy.SeedFile)
		if err != nil {
			return err
		}
		seed = specs
	case a.cfg.Policy.SeedDefaults:
		seed = rules.DefaultSeed()
	}

	res, err := a.gateway.Bootstrap(ctx, gateway.BootstrapOptions{
		AdminKey:  a.cfg.Auth.BootstrapAdminKey,
		SeedRules: seed,
	})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if res.Admin != nil {
		logger.Info("admin account created", "username", res.Admin.Username, "user_id", res.Admin.ID)
		if a.cfg.Auth.BootstrapAdminKey == "" {
			fmt.Printf("Admin API key (shown once): %s\n", res.AdminKey)
		}
	}
	return nil
}

// cliActor returns the admin account that CLI administration acts as: the
// named user, or the first admin when name is empty.
func (a *app) cliActor(ctx context.Context, name string) (domain.User, error) {
	if name != "" {
		u, err := a.store.UserByUsername(ctx, name)
		if err != nil {
			return domain.User{}, err
		}
		if !u.IsAdmin() {
			return domain.User{}, fmt.Errorf("%s is not an admin: %w", name, domain.ErrForbidden)
		}
		return u, nil
	}
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return domain.User{}, err
	}
	for _, u := range users {
		if u.IsAdmin() {
			return u, nil
		}
	}
	return domain.User{}, fmt.Errorf("no admin account; run 'cmdgate init' or 'cmdgate serve' first")
}
