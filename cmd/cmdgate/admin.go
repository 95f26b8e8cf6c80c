package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"cmdgate/internal/audit"
	"cmdgate/internal/domain"
	"cmdgate/internal/gateway"
	"cmdgate/internal/rules"

	"github.com/spf13/cobra"
)

var asAdmin string

// withApp loads config, opens the services, resolves the acting admin and
// runs fn.
func withApp(fn func(ctx context.Context, a *app, actor domain.User) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	actor, err := a.cliActor(ctx, asAdmin)
	if err != nil {
		return err
	}
	return fn(ctx, a, actor)
}

func addAsFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&asAdmin, "as", "", "admin username to act as (default: first admin)")
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

// --- users ---

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}
	addAsFlag(cmd)

	var role string
	var credits int64
	create := &cobra.Command{
		Use:   "create [username]",
		Short: "Create an account and print its API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app, actor domain.User) error {
				nu := gateway.NewUser{Username: args[0], Role: domain.Role(role)}
				if cmd.Flags().Changed("credits") {
					nu.Credits = &credits
				}
				issued, err := a.gateway.CreateUser(ctx, actor, nu)
				if err != nil {
					return err
				}
				fmt.Printf("Created %s (id %d, role %s, credits %d)\n", issued.Username, issued.ID, issued.Role, issued.Credits)
				fmt.Printf("API key (shown once): %s\n", issued.APIKey)
				return nil
			})
		},
	}
	create.Flags().StringVar(&role, "role", string(domain.RoleMember), "member or admin")
	create.Flags().Int64Var(&credits, "credits", 0, "starting credits (default by role)")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app, actor domain.User) error {
				users, err := a.gateway.ListUsers(ctx, actor)
				if err != nil {
					return err
				}
				tw := newTable()
				fmt.Fprintln(tw, "ID\tUSERNAME\tROLE\tCREDITS\tCREATED")
				for _, u := range users {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", u.ID, u.Username, u.Role, u.Credits, u.CreatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "credit [user-id] [delta]",
		Short: "Grant (positive) or remove (negative) credits",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("user id: %w", err)
			}
			delta, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("delta: %w", err)
			}
			return withApp(func(ctx context.Context, a *app, actor domain.User) error {
				bal, err := a.gateway.AdjustCredits(ctx, actor, id, delta)
				if err != nil {
					return err
				}
				fmt.Printf("User %d balance: %d\n", id, bal)
				return nil
			})
		},
	})
	return cmd
}

// --- rules ---

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage the ordered rule set (first match wins)",
	}
	addAsFlag(cmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app, actor domain.User) error {
				rs, err := a.gateway.ListRules(ctx, actor)
				if err != nil {
					return err
				}
				tw := newTable()
				fmt.Fprintln(tw, "ID\tPOS\tACTION\tPATTERN")
				for _, r := range rs {
					fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", r.ID, r.Position, r.Action, r.Pattern)
				}
				return tw.Flush()
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add [action] [pattern]",
		Short: "Append a rule (AUTO_ACCEPT, AUTO_REJECT, REQUIRE_APPROVAL)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := domain.ParseAction(strings.ToUpper(args[0]))
			if err != nil {
				return err
			}
			pattern := strings.Join(args[1:], " ")
			return withApp(func(ctx context.Context, a *app, actor domain.User) error {
				r, err := a.gateway.AddRule(ctx, actor, pattern, action)
				if err != nil {
					return err
				}
				fmt.Printf("Added rule %d at position %d\n", r.ID, r.Position)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "rm [id]",
		Aliases: []string{"delete"},
		Short:   "Delete a rule",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("rule id: %w", err)
			}
			return withApp(func(ctx context.Context, a *app, actor domain.User) error {
				if err := a.gateway.DeleteRule(ctx, actor, id); err != nil {
					return err
				}
				fmt.Printf("Deleted rule %d\n", id)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import [file.yaml]",
		Short: "Append rules from a YAML file, in file order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := rules.LoadFile(args[0])
			if err != nil {
				return err
			}
			return withApp(func(ctx context.Context, a *app, actor domain.User) error {
				added, err := a.gateway.ImportRules(ctx, actor, specs)
				if err != nil {
					return err
				}
				fmt.Printf("Imported %d rules\n", len(added))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "export [file.yaml]",
		Short: "Write the rule set to a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app, actor domain.User) error {
				rs, err := a.gateway.ListRules(ctx, actor)
				if err != nil {
					return err
				}
				if err := rules.WriteFile(args[0], rs); err != nil {
					return err
				}
				fmt.Printf("Exported %d rules to %s\n", len(rs), args[0])
				return nil
			})
		},
	})
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	addAsFlag(cmd)

	var limit int
	var actor, action string
	var asJSON bool
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit entries, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app, admin domain.User) error {
				entries, err := a.gateway.Audit(ctx, admin, audit.Filter{Actor: actor, ActionType: action}, limit)
				if err != nil {
					return err
				}
				if asJSON {
					enc := json.NewEncoder(os.Stdout)
					for i := len(entries) - 1; i >= 0; i-- {
						if err := enc.Encode(entries[i]); err != nil {
							return err
						}
					}
					return nil
				}
				tw := newTable()
				fmt.Fprintln(tw, "SEQ\tTIME\tACTOR\tACTION\tSUBJECT\tOUTCOME\tDETAILS")
				for i := len(entries) - 1; i >= 0; i-- {
					e := entries[i]
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
						e.Seq, e.Timestamp.Format(time.RFC3339), e.Actor, e.ActionType, e.Subject, e.Outcome, e.Details)
				}
				return tw.Flush()
			})
		},
	}
	tail.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	tail.Flags().StringVar(&actor, "actor", "", "only entries by this actor")
	tail.Flags().StringVar(&action, "action", "", "only entries of this action type (e.g. command.decision)")
	tail.Flags().BoolVar(&asJSON, "json", false, "print JSON lines")
	cmd.AddCommand(tail)

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check the audit hash chain for edits or gaps",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			ctx := context.Background()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.audit.Verify(ctx)
			if err != nil {
				return fmt.Errorf("audit chain broken after %d good entries: %w", n, err)
			}
			fmt.Printf("Audit chain intact: %d entries\n", n)
			return nil
		},
	})
	return cmd
}
