package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"labline/internal/agents"
	"labline/internal/config"
	"labline/internal/db"
	"labline/internal/domain"
	"labline/internal/engine"
	"labline/internal/llm"
	"labline/internal/migrate"
	"labline/internal/queue"
	"labline/internal/repo"
	"labline/internal/server"
	"labline/internal/storage"
	"labline/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "lab",
	Short: "Labline CLI",
	Long: `Labline runs asynchronous research projects through a pipeline of agents.
A project starts with a research goal and optional context documents; the
principal investigator agent refines the goal and drafts a task list, then
hands the project back for user approval. The API server accepts projects,
workers consume the agent queue.`,
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
	viper.SetEnvPrefix("LABLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(logCmd())
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

func openDB(workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func buildEngine(conn *sql.DB, cfg *config.Config, workspace string, log *slog.Logger) engine.Engine {
	store := storage.Store{BasePath: storageBase(cfg, workspace)}
	q := &queue.SQLQueue{
		DB:           conn,
		LeaseSeconds: cfg.Queue.LeaseSeconds,
		MaxAttempts:  cfg.Queue.MaxAttempts,
	}
	return engine.New(conn, cfg, store, q, log)
}

func storageBase(cfg *config.Config, workspace string) string {
	if cfg.Storage.BasePath != "" {
		return cfg.Storage.BasePath
	}
	return filepath.Join(workspace, ".labline", "files")
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			secret := os.Getenv("LABLINE_JWT_SECRET")
			if secret != "" {
				cfg.Server.JWTSecret = secret
			}
			if cfg.Server.JWTSecret == "" && cfg.Server.TestToken == "" {
				return fmt.Errorf("LABLINE_JWT_SECRET or server.test_token is required for bearer auth")
			}
			conn, err := openDB(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			log := newLogger()
			e := buildEngine(conn, cfg, workspace, log)
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:  cfg.Server.JWTSecret,
					TestToken:  cfg.Server.TestToken,
					TestUserID: cfg.Server.TestUserID,
				},
				Log: log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Labline API on http://%s%s (OpenAPI at /openapi.json)\n", cfg.Server.Addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func workerCmd() *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run agent queue workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := openDB(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			log := newLogger()
			q := &queue.SQLQueue{
				DB:           conn,
				LeaseSeconds: cfg.Queue.LeaseSeconds,
				MaxAttempts:  cfg.Queue.MaxAttempts,
			}
			reg := agents.NewRegistry(agents.PIAgent{
				LLM:     llm.Stub{Model: model},
				Handoff: cfg.Agents.Handoffs[domain.AgentPI],
			})
			rt := worker.New(conn, cfg, q, reg, log)
			log.Info("worker runtime starting", "concurrency", cfg.Worker.Concurrency)
			if err := rt.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&model, "model", "", "language model name")
	return cmd
}

func userCmd() *cobra.Command {
	u := &cobra.Command{Use: "user", Short: "Manage users"}
	u.AddCommand(userCreateCmd())
	u.AddCommand(userListCmd())
	return u
}

func userCreateCmd() *cobra.Command {
	var id, email, profession, institute string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if id == "" {
					id = uuid.NewString()
				}
				u := domain.User{
					UserID:     id,
					Email:      email,
					Profession: profession,
					Institute:  institute,
					CreatedAt:  time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertUser(ctx, u); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().StringVar(&profession, "profession", "", "profession")
	cmd.Flags().StringVar(&institute, "institute", "", "institute")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Email", "Profession", "Institute"})
				for _, u := range items {
					tw.AppendRow(table.Row{u.UserID, u.Email, u.Profession, u.Institute})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Inspect projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectSweepCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Owner", "Phase", "Next agent", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ProjectID, p.OwnerID, p.CurrentPhase, p.NextAgent, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show full workbench state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				p, err := r.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				st, err := r.LoadState(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"project": p, "state": st})
			})
		},
	}
}

func projectDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and all attached records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteProject(ctx, args[0])
			})
		},
	}
}

func projectSweepCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "List intake projects that never reached the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := openDB(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			e := buildEngine(conn, cfg, workspace, newLogger())
			items, err := e.SweepStalledIntake(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			return printJSONOrTable(items)
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 10*time.Minute, "minimum project age")
	return cmd
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Inspect the agent queue"}
	q.AddCommand(queueDeadCmd())
	return q
}

func queueDeadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := openDB(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			sq := &queue.SQLQueue{DB: conn}
			jobs, err := sq.DeadJobs(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(jobs)
		},
	}
}

func logCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <project-id>",
		Short: "Show a project's audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				st, err := r.LoadState(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st.AuditLog)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Timestamp", "Agent", "Action", "Phase"})
				for _, e := range st.AuditLog {
					tw.AppendRow(table.Row{e.Timestamp, e.Agent, e.Action, e.CurrentPhase})
				}
				tw.Render()
				return nil
			})
		},
	}
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := openDB(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
