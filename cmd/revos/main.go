package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/growthpigs/bravo-revos-sub004/internal/scheduler"
	"github.com/growthpigs/bravo-revos-sub004/pkg/mcp"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "revos",
		Short:         "Automation workflow engine for marketing operations",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./revos.yaml or ~/.revos/revos.yaml)")

	// withApp loads config and wiring for a subcommand and tears it down after.
	withApp := func(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(cmd, a, args)
		}
	}

	root.AddCommand(
		newServeCmd(withApp),
		newRunCmd(withApp),
		newDefineCmd(withApp),
		newMigrateCmd(withApp),
		newActionsCmd(withApp),
	)
	return root
}

type appRunner func(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error

func newServeCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the automation tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			return serve(cmd.Context(), a)
		}),
	}
}

func serve(ctx context.Context, a *app) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deps := mcp.ServerDeps{
		Engines: func(tenantID string) (mcp.Engine, error) {
			return a.engineFor(tenantID)
		},
		Store:         a.store,
		Validator:     a.validator,
		DefaultTenant: a.cfg.TenantID,
		Logger:        a.logger,
	}

	var sched *scheduler.Scheduler
	if a.cfg.Scheduler.Enabled {
		sched = scheduler.New(a.store, func(tenantID string) (scheduler.Runner, error) {
			return a.engineFor(tenantID)
		}, scheduler.Config{
			Interval: a.cfg.Scheduler.Interval,
			Workers:  a.cfg.Scheduler.Workers,
			LockFile: a.cfg.Scheduler.LockFile,
		}, a.logger)
		deps.Scheduler = sched
	}

	srv := mcp.NewServer(deps)
	go func() {
		if err := mcp.NewSessionNotifier(srv).Forward(ctx, a.hub); err != nil {
			a.logger.Error("notification forwarding stopped", "error", err)
		}
	}()

	if sched != nil {
		n, err := sched.RecoverMissed(ctx)
		if err != nil {
			a.logger.Warn("missed job recovery failed", "error", err)
		} else if n > 0 {
			a.logger.Info("recovered missed jobs", "count", n)
		}
		if err := os.MkdirAll(filepath.Dir(a.cfg.Scheduler.LockFile), 0o700); err != nil {
			return fmt.Errorf("create lock dir: %w", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				a.logger.Warn("scheduler stop", "error", err)
			}
		}()
	}

	a.logger.Info("revos serving", "version", version, "store", a.cfg.Store.Driver, "scheduler", a.cfg.Scheduler.Enabled)
	err := srv.Serve(ctx)
	if dropped := a.hub.Dropped(); dropped > 0 {
		a.logger.Warn("slow event subscribers missed events", "dropped", dropped, "subscribers", a.hub.Subscribers())
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newRunCmd(withApp appRunner) *cobra.Command {
	var workflowID, entityID, tenantID, trigger string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a workflow once for an entity and print the run result",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			var triggerData map[string]any
			if trigger != "" {
				if err := json.Unmarshal([]byte(trigger), &triggerData); err != nil {
					return fmt.Errorf("--trigger must be a JSON object: %w", err)
				}
			}
			if tenantID == "" {
				tenantID = a.cfg.TenantID
			}
			eng, err := a.engineFor(tenantID)
			if err != nil {
				return err
			}
			result, runErr := eng.ExecuteWorkflow(cmd.Context(), workflowID, triggerData, entityID)
			if result != nil {
				out, err := json.MarshalIndent(result, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			}
			return runErr
		}),
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "workflow id")
	cmd.Flags().StringVar(&entityID, "entity", "", "entity id")
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id (defaults to tenant_id from config)")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger data as a JSON object")
	_ = cmd.MarkFlagRequired("workflow")
	_ = cmd.MarkFlagRequired("entity")
	return cmd
}

func newDefineCmd(withApp appRunner) *cobra.Command {
	var tenantID string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "define <file>",
		Short: "Validate a workflow definition file and save it",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			def, err := loadDefinition(args[0])
			if err != nil {
				return err
			}
			if tenantID == "" {
				tenantID = a.cfg.TenantID
			}
			def.TenantID = tenantID

			result := a.validator.Validate(def)
			fmt.Fprint(cmd.ErrOrStderr(), result.Summary())
			if !result.Valid() {
				return fmt.Errorf("workflow %q is invalid: %d error(s)", def.ID, len(result.Errors))
			}
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "workflow %q is valid\n", def.ID)
				return nil
			}
			if err := a.store.SaveWorkflow(cmd.Context(), def); err != nil {
				return fmt.Errorf("save workflow: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved workflow %q for tenant %q\n", def.ID, def.TenantID)
			return nil
		}),
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id (defaults to tenant_id from config)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate without saving")
	return cmd
}

func newMigrateCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the store schema",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			// newApp already migrated; report where.
			fmt.Fprintf(cmd.OutOrStdout(), "%s store is up to date\n", a.cfg.Store.Driver)
			return nil
		}),
	}
}

func newActionsCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List the action types this build can execute",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
			for _, info := range a.registry.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", info.Type, info.Description)
			}
			return nil
		}),
	}
}
