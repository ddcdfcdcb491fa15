package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"interlock/internal/app"
	"interlock/internal/config"
	"interlock/internal/db"
	"interlock/internal/domain"
	"interlock/internal/engine"
	"interlock/internal/server"
	"interlock/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "ilk",
	Short: "Interlock CLI",
	Long: `Interlock governs multi-step resolution runs with validation gates.
Core concepts:
- Run: one governed attempt at resolving a work item; moves through a fixed stage sequence.
- Snapshot: the full working state submitted at each stage; only accepted snapshots are recorded.
- Gate: the per-stage validation rule; verdicts are pass, retry (with reasons and fixes), or stop.
- Budget: retries per stage are bounded; exhausting them fails the run closed.
- Event log: append-only history per run; replaying it reconstructs the exact run state.
- Invalidation report: the terminal artifact of a fail-closed run, naming what went wrong.`,
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
	viper.SetEnvPrefix("INTERLOCK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(serveCmd())
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Manage resolution runs"}
	run.AddCommand(runBeginCmd())
	run.AddCommand(runSubmitCmd())
	run.AddCommand(runShowCmd())
	run.AddCommand(runSnapshotCmd())
	run.AddCommand(runListCmd())
	run.AddCommand(runReportCmd())
	return run
}

func runBeginCmd() *cobra.Command {
	var subject, title, desc string
	cmd := &cobra.Command{
		Use:   "begin",
		Short: "Begin a run for a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.Begin(ctx, engine.BeginOptions{
					SubjectID:   subject,
					Title:       title,
					Description: desc,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "work item id, e.g. PROJ-123")
	cmd.Flags().StringVar(&title, "title", "", "work item title")
	cmd.Flags().StringVar(&desc, "description", "", "work item description")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func runSubmitCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a snapshot for validation",
		Long:  "Reads a snapshot JSON document from --file (or stdin with -) and submits it against the run's current stage.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(file)
			if err != nil {
				return err
			}
			var snap domain.Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return fmt.Errorf("parse snapshot: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				res, err := a.Engine.Submit(ctx, snap)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printVerdict(res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "snapshot JSON file, - for stdin")
	return cmd
}

func printVerdict(res engine.SubmitResult) {
	fmt.Printf("run %s: %s at stage %s\n", res.RunID, res.Status, res.Stage)
	switch res.Status {
	case domain.StatusPass:
		fmt.Printf("advanced to %s\n", res.NextStage)
		if res.Guidance != "" {
			fmt.Printf("next: %s\n", res.Guidance)
		}
	case domain.StatusRetry:
		fmt.Printf("attempt %d; stage held\n", res.AttemptCount)
		for _, r := range res.Gate.Reasons {
			fmt.Printf("  reason: %s\n", r)
		}
		for _, f := range res.Gate.Fixes {
			fmt.Printf("  fix: %s\n", f)
		}
	case domain.StatusStop:
		fmt.Println("run failed closed")
		if res.Report != nil {
			fmt.Printf("  reason: %s\n", res.Report.Reason)
			fmt.Printf("  fixable: %v\n", res.Report.Fixable)
			if res.Report.NextInput != "" {
				fmt.Printf("  next input: %s\n", res.Report.NextInput)
			}
		}
	}
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show run state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				run, err := a.Engine.Store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	return cmd
}

func runSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot <run-id>",
		Short: "Show the latest accepted snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				snap, err := a.Engine.Snapshot(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(snap)
			})
		},
	}
	return cmd
}

func runListCmd() *cobra.Command {
	var status, subject string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				runs, err := a.Engine.Store.ListRuns(ctx, store.RunFilters{
					Status:    status,
					SubjectID: subject,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Run", "Subject", "Stage", "Status", "Updated"})
				for _, r := range runs {
					tw.AppendRow(table.Row{r.ID, r.SubjectID, r.Stage, r.Status(), r.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, complete, fail_closed)")
	cmd.Flags().StringVar(&subject, "subject", "", "subject filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max runs to list")
	return cmd
}

func runReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report <run-id>",
		Short: "Show the invalidation report of a fail-closed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				rep, err := a.Engine.Report(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rep)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Run event log",
		Long:  "The append-only history of a run: submissions, verdicts, and transitions.",
	}
	log.AddCommand(logTailCmd())
	log.AddCommand(logExportCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var runID string
	var after int64
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show a run's events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				events, err := a.Engine.Store.Events(ctx, runID, after, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Type", "Stage", "Timestamp"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.Seq, e.Type, e.Stage, e.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().Int64Var(&after, "after", 0, "show events after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events")
	return cmd
}

func logExportCmd() *cobra.Command {
	var runID, stream, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a run's log as newline-delimited JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" {
				return fmt.Errorf("--run required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				w := os.Stdout
				if out != "" && out != "-" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				switch stream {
				case "", "events":
					return a.Engine.Store.ExportEvents(ctx, w, runID)
				case "snapshots":
					return a.Engine.Store.ExportSnapshots(ctx, w, runID)
				default:
					return fmt.Errorf("--stream must be events or snapshots")
				}
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVar(&stream, "stream", "events", "stream to export (events, snapshots)")
	cmd.Flags().StringVar(&out, "out", "-", "output file, - for stdout")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return printJSON(a.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Validate and install a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(file)
			if err != nil {
				return err
			}
			if _, err := config.FromYAML(data); err != nil {
				return err
			}
			workspace := viper.GetString("workspace")
			if err := os.WriteFile(config.Path(workspace), data, 0o644); err != nil {
				return err
			}
			fmt.Printf("config written to %s\n", config.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config yaml file, - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func keyCmd() *cobra.Command {
	key := &cobra.Command{Use: "key", Short: "API key management"}
	key.AddCommand(keyCreateCmd())
	key.AddCommand(keyListCmd())
	key.AddCommand(keyDeleteCmd())
	return key
}

func keyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		Long:  "Prints the raw key once; only its hash is stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				raw := newAPIKeySecret()
				key := domain.APIKey{
					ID:        newID(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   store.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Engine.Store.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("key id: %s\napi key: %s\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func keyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				keys, err := a.Engine.Store.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor id")
	return cmd
}

func keyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				return a.Engine.Store.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				authCfg := server.AuthConfig{
					JWTSecret:        a.Config.Auth.JWTSecret,
					AllowActorHeader: a.Config.Auth.AllowActorHeader,
				}
				if s := os.Getenv("INTERLOCK_JWT_SECRET"); s != "" {
					authCfg.JWTSecret = s
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Interlock API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func readInput(file string) ([]byte, error) {
	if file == "" {
		return nil, fmt.Errorf("--file required")
	}
	if file == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(file)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func newID() string {
	return uuid.New().String()
}

func newAPIKeySecret() string {
	return "ilk_" + strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
}
