package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ledgerflow/internal/app"
	"ledgerflow/internal/domain"
	"ledgerflow/internal/engine"
	"ledgerflow/internal/repo"
	"ledgerflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "lf",
	Short: "Ledgerflow CLI",
	Long: `Ledgerflow runs multi-step ledger actions as tracked workflows.
- Workflow: the ordered steps of one action (authorize, then act). Each step waits for its outcome before the next is submitted.
- Target: the account and scope a workflow owns; a second action on a busy target is refused.
- Overlay: provisional balance changes shown while a step is still in flight.
- Reconcile: ask the ledger what happened to anything unresolved and settle local state to match.
- Batch: an item-by-item release of locked collateral that stops at the first failure.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("LEDGERFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("account", "", "account (defaults to the configured account)")
	rootCmd.PersistentFlags().String("actor-id", "", "actor identifier (defaults to the account)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level: debug, info, warn, error")
	for _, name := range []string{"workspace", "json", "account", "actor-id", "log-level"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(viewCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(delegateCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace config for an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			account := strings.TrimSpace(viper.GetString("account"))
			if account == "" {
				return fmt.Errorf("--account required")
			}
			path, err := app.Init(viper.GetString("workspace"), account, force)
			if err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Resolve unresolved operations against the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if all {
					views, err := e.ReconcileAll(ctx)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(views)
					}
					for _, v := range views {
						printView(v)
					}
					return nil
				}
				v, err := e.Reconcile(ctx, account(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				printView(v)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reconcile every account with unresolved operations")
	return cmd
}

func viewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Show the reconciled view of the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Reconcile(ctx, account(e))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(v)
				}
				printView(v)
				return nil
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail the account's events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
					Account:    account(e),
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Open(ctx, viper.GetString("workspace"), newLogger())
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              viper.GetString("jwt-secret"),
				AllowLegacyActorHeader: legacyHeader,
				DevLogin:               devLogin,
				Logger:                 a.Engine.Log,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("LEDGERFLOW_JWT_SECRET is required for bearer auth")
			}
			if _, err := a.Engine.ReconcileAll(ctx); err != nil {
				a.Engine.Log.Warn("startup reconcile failed", "err", err)
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg, Background: ctx})
			if err != nil {
				return err
			}
			server.StartWebhooks(ctx, a.Engine)
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Ledgerflow API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HMAC secret for bearer tokens")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the unauthenticated dev login endpoint")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "accept X-Actor-Id without credentials")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

// --- helpers ---

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Open(ctx, viper.GetString("workspace"), newLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func account(e engine.Engine) string {
	if v := strings.TrimSpace(viper.GetString("account")); v != "" {
		return v
	}
	return e.Config.Account.ID
}

func actor(e engine.Engine) string {
	if v := strings.TrimSpace(viper.GetString("actor-id")); v != "" {
		return v
	}
	return account(e)
}

// authorize checks the CLI actor may act for the account, as the API does.
func authorize(ctx context.Context, e engine.Engine) (string, error) {
	a := actor(e)
	if err := e.Auth.CanActFor(ctx, a, account(e)); err != nil {
		return "", err
	}
	return a, nil
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printView(v domain.ReconciledView) {
	fmt.Printf("Account: %s (read %s)\n", v.Account, v.ReadAt)
	tw := newTable(table.Row{"Field", "Ledger", "Effective"})
	for _, name := range v.FieldNames() {
		tw.AppendRow(table.Row{name, v.Authoritative(name), v.Effective(name)})
	}
	tw.Render()
	if len(v.LockedItems) > 0 {
		fmt.Printf("Locked items: %s\n", strings.Join(v.LockedItems, ", "))
	}
	if len(v.InFlight) > 0 {
		fmt.Printf("In flight: %s\n", strings.Join(v.InFlight, ", "))
	}
	if len(v.Unresolved) > 0 {
		fmt.Printf("Unresolved (run lf reconcile): %s\n", strings.Join(v.Unresolved, ", "))
	}
}

func printOperations(ops []domain.Operation) {
	tw := newTable(table.Row{"#", "Kind", "Method", "Status", "Handle", "Reason"})
	for _, op := range ops {
		tw.AppendRow(table.Row{op.StepIndex, op.Kind, op.Method, op.Status, op.Handle, op.Reason})
	}
	tw.Render()
}
