package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"signaline/internal/bus"
	"signaline/internal/config"
	"signaline/internal/db"
	"signaline/internal/domain"
	"signaline/internal/engine"
	"signaline/internal/install"
	"signaline/internal/migrate"
	"signaline/internal/repo"
	"signaline/internal/runner"
	"signaline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sgl",
	Short: "Signaline CLI",
	Long: `Signaline records immutable facts (signals) and executes controlled
change requests (directives) durably, idempotently, and auditably.
- Signals: append-only, tenant-scoped facts; a dedupe key makes emits idempotent.
- Directives: stateful requests for side effects; an idempotency key makes
  "click twice" safe; the worker pool claims, runs, and retries them with backoff.
- Every directive lifecycle transition is itself recorded as a signal, so the
  two stores together form the full audit trail ('sgl signal list').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SIGNALINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("tenant", "t", "", "tenant identifier")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(emitCmd())
	rootCmd.AddCommand(signalCmd())
	rootCmd.AddCommand(directiveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(workCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func openEngine(ctx context.Context) (engine.Engine, func(), error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	e := engine.New(conn, cfg)
	return e, func() { conn.Close() }, nil
}

func requireTenant() (string, error) {
	tenant := strings.TrimSpace(viper.GetString("tenant"))
	if tenant == "" {
		return "", fmt.Errorf("tenant is required; use --tenant")
	}
	return tenant, nil
}

func parseDoc(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON document: %w", err)
	}
	return doc, nil
}

func emitCmd() *cobra.Command {
	var name, payloadRaw, metadataRaw, dedupeKey string
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Emit a signal",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			p, err := parseDoc(payloadRaw)
			if err != nil {
				return err
			}
			m, err := parseDoc(metadataRaw)
			if err != nil {
				return err
			}
			sig, err := e.Emit(cmd.Context(), bus.EmitInput{
				Tenant:    tenant,
				Name:      name,
				Payload:   p,
				Metadata:  m,
				DedupeKey: dedupeKey,
			})
			if err != nil {
				return err
			}
			e.Bus.Drain()
			return printJSON(sig)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "signal name, e.g. package.install.completed")
	cmd.Flags().StringVar(&payloadRaw, "payload", "", "payload JSON")
	cmd.Flags().StringVar(&metadataRaw, "metadata", "", "metadata JSON")
	cmd.Flags().StringVar(&dedupeKey, "dedupe-key", "", "idempotency key for this emit")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func signalCmd() *cobra.Command {
	sig := &cobra.Command{Use: "signal", Short: "Inspect signals"}
	sig.AddCommand(signalListCmd())
	sig.AddCommand(signalShowCmd())
	return sig
}

func signalListCmd() *cobra.Command {
	var name, subject, since string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List signals",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			items, err := e.ListSignals(cmd.Context(), repo.SignalFilter{
				Tenant:  tenant,
				Name:    name,
				Subject: subject,
				Since:   since,
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "NAME", "SUBJECT", "OCCURRED AT"})
			for _, s := range items {
				tw.AppendRow(table.Row{s.ID, s.Name, s.Subject, s.OccurredAt})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "filter by signal name")
	cmd.Flags().StringVar(&subject, "subject", "", "filter by subject reference")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound on occurred_at")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func signalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one signal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			sig, err := e.GetSignal(cmd.Context(), tenant, args[0])
			if err != nil {
				return err
			}
			return printJSON(sig)
		},
	}
	return cmd
}

func directiveCmd() *cobra.Command {
	dir := &cobra.Command{Use: "directive", Short: "Manage directives"}
	dir.AddCommand(directiveRequestCmd())
	dir.AddCommand(directiveListCmd())
	dir.AddCommand(directiveShowCmd())
	dir.AddCommand(directiveCancelCmd())
	dir.AddCommand(directiveRerunCmd())
	return dir
}

func directiveRequestCmd() *cobra.Command {
	var name, subject, payloadRaw, idempotencyKey, runAfterRaw string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Request a directive",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			p, err := parseDoc(payloadRaw)
			if err != nil {
				return err
			}
			var runAfter time.Time
			if runAfterRaw != "" {
				runAfter, err = time.Parse(time.RFC3339, runAfterRaw)
				if err != nil {
					return fmt.Errorf("invalid --run-after: %w", err)
				}
			}
			d, created, err := e.Request(cmd.Context(), engine.RequestInput{
				Tenant:         tenant,
				Name:           name,
				Subject:        subject,
				Payload:        p,
				IdempotencyKey: idempotencyKey,
				RunAfter:       runAfter,
				RequestedBy:    viper.GetString("actor-id"),
			})
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintln(os.Stderr, "existing directive returned (idempotency key already used)")
			}
			return printJSON(d)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "directive name, e.g. package.install")
	cmd.Flags().StringVar(&subject, "subject", "", "subject reference for audit queries")
	cmd.Flags().StringVar(&payloadRaw, "payload", "", "payload JSON")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "idempotency key for this request")
	cmd.Flags().StringVar(&runAfterRaw, "run-after", "", "RFC3339 time to defer execution until")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func directiveListCmd() *cobra.Command {
	var name, subject, state, since string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List directives",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			items, err := e.ListDirectives(cmd.Context(), repo.DirectiveFilter{
				Tenant:  tenant,
				Name:    name,
				Subject: subject,
				State:   state,
				Since:   since,
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "NAME", "STATE", "ATTEMPT", "RUN AFTER", "ERROR"})
			for _, d := range items {
				tw.AppendRow(table.Row{d.ID, d.Name, d.State, fmt.Sprintf("%d/%d", d.Attempt, d.MaxAttempts), d.RunAfter, d.Error})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "filter by directive name")
	cmd.Flags().StringVar(&subject, "subject", "", "filter by subject reference")
	cmd.Flags().StringVar(&state, "state", "", "filter by state")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound on requested_at")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func directiveShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			d, err := e.GetDirective(cmd.Context(), tenant, args[0])
			if err != nil {
				return err
			}
			return printJSON(d)
		},
	}
}

func directiveCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an unclaimed directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			d, err := e.Cancel(cmd.Context(), tenant, args[0])
			if err != nil {
				return err
			}
			e.Bus.Drain()
			return printJSON(d)
		},
	}
}

func directiveRerunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rerun <id>",
		Short: "Re-queue a terminal directive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			d, err := e.Rerun(cmd.Context(), tenant, args[0])
			if err != nil {
				return err
			}
			e.Bus.Drain()
			return printJSON(d)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Tenant status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := requireTenant()
			if err != nil {
				return err
			}
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			status, err := e.Status(cmd.Context(), tenant)
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	}
}

func workCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "work",
		Short: "Run the directive worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			r := runner.New(e.Repo, e.Bus, e.Config)
			install.Wire(r, e.Bus)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			fmt.Printf("Running %d workers (poll %s)\n", e.Config.Runner.Workers, e.Config.Runner.PollInterval.Std())
			r.Run(ctx)
			e.Bus.Drain()
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("SIGNALINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("SIGNALINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if withWorkers {
				r := runner.New(e.Repo, e.Bus, e.Config)
				install.Wire(r, e.Bus)
				go r.Run(ctx)
			}
			server.StartWebhookDispatcher(ctx, e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Signaline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			e.Bus.Drain()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8484", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&withWorkers, "with-workers", true, "run the directive worker pool in-process")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			secret := uuid.NewString()
			key := domain.APIKey{
				ID:      uuid.NewString(),
				ActorID: viper.GetString("actor-id"),
				Name:    name,
				KeyHash: repo.HashAPIKey(secret),
			}
			if err := e.Repo.InsertAPIKey(cmd.Context(), key); err != nil {
				return err
			}
			fmt.Printf("api key created (id=%s); secret shown once:\n%s\n", key.ID, secret)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			keys, err := e.Repo.ListAPIKeys(cmd.Context(), "")
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(keys)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "ACTOR", "NAME", "CREATED AT"})
			for _, k := range keys {
				tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
			}
			tw.Render()
			return nil
		},
	}
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, closeFn, err := openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			return e.Repo.DeleteAPIKey(cmd.Context(), args[0])
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
