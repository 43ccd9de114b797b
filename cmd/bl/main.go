package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"briefline/internal/callback"
	"briefline/internal/config"
	"briefline/internal/db"
	"briefline/internal/domain"
	"briefline/internal/gate"
	"briefline/internal/llm"
	"briefline/internal/migrate"
	"briefline/internal/ratelimit"
	"briefline/internal/registry"
	"briefline/internal/router"
	"briefline/internal/server"
	"briefline/internal/store"
	"briefline/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Briefline CLI",
	Long: `Briefline is a durable summarization queue: submit content once,
workers route it to the cheapest available model within rate limits,
and the summary is delivered to your callback endpoint.
State lives in the .briefline workspace database and survives restarts.`,
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
	_ = godotenv.Load()
	viper.SetEnvPrefix("BRIEFLINE")
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
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(providerCmd())
	rootCmd.AddCommand(migrateCmd())
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.ListenAddr
			}
			log := newLogger(cfg.LogLevel)

			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}

			st := store.New(conn)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if _, err := registry.Seed(ctx, st, cfg, log); err != nil {
				return err
			}

			limiter := ratelimit.New(conn)
			g := gate.New(st)
			cache := llm.NewCache(cfg.UpstreamTimeout)
			clients := func(c domain.Candidate) llm.Client {
				return cache.Client(cfg.BaseURL(c.ProviderName), c.Credential)
			}
			rt := router.New(st, limiter, g, clients, log)
			sender := callback.NewSender(cfg.CallbackURL, cfg.InternalSecret)

			w := &worker.Worker{
				ID:           worker.NewID(),
				Store:        st,
				Router:       rt,
				Callback:     sender,
				Concurrency:  cfg.WorkerConcurrency,
				PollInterval: cfg.PollInterval,
				StaleTimeout: cfg.StaleTimeout,
				Log:          log,
			}
			workerDone := make(chan struct{})
			go func() {
				defer close(workerDone)
				w.Run(ctx)
			}()

			handler, err := server.New(server.Config{
				Store:    st,
				BasePath: basePath,
				Auth: server.AuthConfig{
					Secret:        cfg.InternalSecret,
					HMACTolerance: 5 * time.Minute,
				},
			})
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

			log.WithFields(logrus.Fields{"addr": addr, "base_path": basePath, "workers": cfg.WorkerConcurrency}).
				Info("briefline serving")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				stop()
				<-workerDone
				return err
			}
			<-workerDone
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from LISTEN_ADDR)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func submitCmd() *cobra.Command {
	var fileID, payloadPath string
	var priority, maxAttempts int
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Enqueue a summarization job",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readPayload(payloadPath)
			if err != nil {
				return err
			}
			if !json.Valid(payload) {
				return fmt.Errorf("payload is not valid JSON")
			}
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				res, err := st.Enqueue(ctx, fileID, payload, priority, maxAttempts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s %s\n", res.Status, res.JobID)
				if res.Result != nil {
					fmt.Println(*res.Result)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&fileID, "file-id", "", "file identifier")
	cmd.Flags().StringVar(&payloadPath, "payload", "", "path to payload JSON ('-' for stdin)")
	cmd.Flags().IntVar(&priority, "priority", 0, "job priority (higher first)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 3, "maximum attempts before dead")
	_ = cmd.MarkFlagRequired("file-id")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Inspect jobs"}
	job.AddCommand(jobListCmd())
	job.AddCommand(jobShowCmd())
	return job
}

func jobListCmd() *cobra.Command {
	var state, fileID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				jobs, err := st.ListJobs(ctx, store.JobFilters{State: state, FileID: fileID, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "File", "State", "Priority", "Attempts", "Updated"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.FileID, j.State, j.Priority, fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts), j.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state (queued, processing, succeeded, failed, dead)")
	cmd.Flags().StringVar(&fileID, "file-id", "", "filter by file id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a job and its attempt history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				j, err := st.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				attempts, err := st.ListAttempts(ctx, j.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"job": j, "attempts": attempts})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRow(table.Row{"ID", j.ID})
				tw.AppendRow(table.Row{"File", j.FileID})
				tw.AppendRow(table.Row{"State", j.State})
				tw.AppendRow(table.Row{"Priority", j.Priority})
				tw.AppendRow(table.Row{"Attempts", fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts)})
				tw.AppendRow(table.Row{"Created", j.CreatedAt})
				tw.AppendRow(table.Row{"Updated", j.UpdatedAt})
				if j.Error != nil {
					tw.AppendRow(table.Row{"Error", *j.Error})
				}
				if j.Result != nil {
					tw.AppendRow(table.Row{"Result", *j.Result})
				}
				tw.Render()
				if len(attempts) > 0 {
					at := table.NewWriter()
					at.SetOutputMirror(os.Stdout)
					at.AppendHeader(table.Row{"Attempt", "Provider", "Model", "Success", "Error", "Started"})
					for _, a := range attempts {
						at.AppendRow(table.Row{a.AttemptNo, strOr(a.ProviderID, "-"), strOr(a.ModelID, "-"), a.Success, strOr(a.Error, ""), a.StartedAt})
					}
					at.Render()
				}
				return nil
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				counts, err := st.QueueStats(ctx)
				if err != nil {
					return err
				}
				gated, err := st.ListGatedProviders(ctx, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"jobs": counts, "gated_providers": gated})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"State", "Jobs"})
				for _, state := range []domain.JobState{domain.JobQueued, domain.JobProcessing, domain.JobSucceeded, domain.JobFailed, domain.JobDead} {
					tw.AppendRow(table.Row{state, counts[string(state)]})
				}
				tw.Render()
				fmt.Printf("gated providers: %d\n", len(gated))
				return nil
			})
		},
	}
	return cmd
}

func providerCmd() *cobra.Command {
	prov := &cobra.Command{Use: "provider", Short: "Inspect providers"}
	prov.AddCommand(providerListCmd())
	return prov
}

func providerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List providers and gate status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				providers, err := st.ListProviders(ctx)
				if err != nil {
					return err
				}
				gated, err := st.ListGatedProviders(ctx, time.Now())
				if err != nil {
					return err
				}
				gatedBy := map[string]domain.ProviderBackoff{}
				for _, g := range gated {
					gatedBy[g.ProviderID] = g
				}
				type row struct {
					domain.Provider
					GatedUntil string `json:"gated_until,omitempty"`
					GateReason string `json:"gate_reason,omitempty"`
				}
				rows := make([]row, 0, len(providers))
				for _, p := range providers {
					r := row{Provider: p}
					if g, ok := gatedBy[p.ID]; ok {
						r.GatedUntil = g.Until
						r.GateReason = g.Reason
					}
					rows = append(rows, r)
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Priority", "Enabled", "Gated Until", "Reason"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.ID, r.Priority, r.Enabled, r.GatedUntil, r.GateReason})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("migrations applied:", db.Path(workspace))
			return nil
		},
	}
	return cmd
}

// --- helpers ---

func withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, store.New(conn))
}

func readPayload(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func strOr(p *string, fallback string) string {
	if p == nil {
		return fallback
	}
	return *p
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
