package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dhelbig/cratesync/internal/config"
	"github.com/dhelbig/cratesync/internal/fetchcache"
	"github.com/dhelbig/cratesync/internal/history"
	chsink "github.com/dhelbig/cratesync/internal/history/clickhouse"
	"github.com/dhelbig/cratesync/internal/logger"
	"github.com/dhelbig/cratesync/internal/metrics"
	"github.com/dhelbig/cratesync/internal/queue"
	"github.com/dhelbig/cratesync/internal/ratelimit"
	"github.com/dhelbig/cratesync/internal/remote"
	"github.com/dhelbig/cratesync/internal/runner"
	"github.com/dhelbig/cratesync/internal/server"
	"github.com/dhelbig/cratesync/internal/store"
	"github.com/dhelbig/cratesync/internal/store/factory"
)

func buildRoot() *cobra.Command {
	gf := &GlobalFlags{}
	root := &cobra.Command{
		Use:           "cratesync",
		Short:         "collection sync queue and background jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&gf.ConfigPath, "config", "c", "cratesync.toml", "path to TOML config")

	root.AddCommand(newServeCmd(gf))
	root.AddCommand(newDrainCmd(gf))
	root.AddCommand(newEnqueueCmd(gf))
	root.AddCommand(newListCmd(gf, "pending", store.JobPending))
	root.AddCommand(newListCmd(gf, "errors", store.JobError))
	root.AddCommand(newRetryCmd(gf))
	root.AddCommand(newFetchCmd(gf))
	root.AddCommand(newRunJobCmd(gf))
	root.AddCommand(newJobStatusCmd(gf))
	return root
}

// app bundles the composed subsystem for commands that need it.
type app struct {
	cfg     config.FileConfig
	log     *slog.Logger
	st      store.Store
	limiter *ratelimit.Limiter
	client  *remote.Client
	queue   *queue.Queue
	sink    history.Sink
	closers []func() error
}

func buildApp(gf *GlobalFlags) (*app, error) {
	cfg, err := loadConfig(gf.ConfigPath)
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.LoggerConfig())
	_ = metrics.Register(prometheus.DefaultRegisterer)

	st, err := factory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.EnsureSchema(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	a := &app{cfg: cfg, log: log, st: st}
	a.closers = append(a.closers, st.Close)
	a.limiter = ratelimit.New(st, cfg.RateLimiterConfig())
	a.client = remote.NewClient(cfg.RemoteClientConfig(), a.limiter, remote.DefaultPolicy(), log)

	if cfg.History.ClickHouseAddr != "" {
		s, err := chsink.New(cfg.History.ClickHouseAddr, cfg.History.ClickHouseDB,
			cfg.History.ClickHouseUser, cfg.History.ClickHousePass, cfg.History.Table)
		if err != nil {
			log.Warn("clickhouse history sink unavailable", "err", err)
		} else {
			a.sink = s
			a.closers = append(a.closers, s.Close)
		}
	} else if cfg.History.DSN != "" {
		s, err := history.NewSQLSinkFromDSN(cfg.History.DSN)
		if err != nil {
			log.Warn("sql history sink unavailable", "err", err)
		} else {
			a.sink = s
			a.closers = append(a.closers, s.Close)
		}
	}

	a.queue = queue.New(st, a.client, a.sink, log)
	return a, nil
}

func loadConfig(path string) (config.FileConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func newServeCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the drain loop and status HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(gf)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			drainer := queue.NewDrainer(a.queue, a.cfg.DrainerConfig(), a.log)
			drainer.Start(ctx)
			defer drainer.Stop()

			router := server.NewRouter(a.queue, a.cfg.Runner.ProgressDir,
				a.cfg.Queue.MaxAttempts, a.cfg.Server.BasePath)
			srv := server.NewServer(a.cfg.Server.Listen, router)
			a.log.Info("serving", "addr", a.cfg.Server.Listen)

			<-ctx.Done()
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shCtx)
		},
	}
}

func newDrainCmd(gf *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "drain pending jobs once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(gf)
			if err != nil {
				return err
			}
			defer a.close()
			ctx := cmd.Context()
			var done, failed int
			for {
				out, ok, err := a.queue.DrainOne(ctx)
				if err != nil {
					return err
				}
				if !ok {
					break
				}
				if out.Done {
					done++
				} else {
					failed++
				}
			}
			a.log.Info("drain finished", "done", done, "failed", failed)
			return nil
		},
	}
}

func newEnqueueCmd(gf *GlobalFlags) *cobra.Command {
	ef := &EnqueueFlags{}
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "buffer an edit for the remote collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(gf)
			if err != nil {
				return err
			}
			defer a.close()
			req := queue.EditRequest{
				InstanceID: ef.InstanceID,
				ReleaseID:  ef.ReleaseID,
				Username:   ef.Username,
				FolderID:   ef.FolderID,
				Action:     store.Action(ef.Action),
			}
			if cmd.Flags().Changed("rating") {
				req.Rating = &ef.Rating
			}
			if cmd.Flags().Changed("notes") {
				req.Notes = &ef.Notes
			}
			if cmd.Flags().Changed("notes-field") {
				req.NotesFieldID = &ef.NotesFieldID
			}
			if cmd.Flags().Changed("media-condition") {
				req.MediaCondition = &ef.MediaCondition
			}
			if cmd.Flags().Changed("sleeve-condition") {
				req.SleeveCondition = &ef.SleeveCondition
			}
			job, err := a.queue.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Printf("queued job %d (%s) for instance %d\n", job.ID, job.Action, job.InstanceID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&ef.InstanceID, "instance", 0, "collection instance id")
	cmd.Flags().Int64Var(&ef.ReleaseID, "release", 0, "release id")
	cmd.Flags().StringVar(&ef.Username, "user", "", "remote username")
	cmd.Flags().Int64Var(&ef.FolderID, "folder", 1, "collection folder id")
	cmd.Flags().IntVar(&ef.Rating, "rating", 0, "rating 0..5")
	cmd.Flags().StringVar(&ef.Notes, "notes", "", "notes text")
	cmd.Flags().Int64Var(&ef.NotesFieldID, "notes-field", 1, "notes field id")
	cmd.Flags().StringVar(&ef.MediaCondition, "media-condition", "", "media condition")
	cmd.Flags().StringVar(&ef.SleeveCondition, "sleeve-condition", "", "sleeve condition")
	cmd.Flags().StringVar(&ef.Action, "action", string(store.ActionUpdate), "update|wantlist_add|wantlist_remove|collection_add")
	return cmd
}

func newListCmd(gf *GlobalFlags, name string, status store.JobStatus) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: "list " + string(status) + " queue jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(gf)
			if err != nil {
				return err
			}
			defer a.close()
			jobs, err := a.st.ListByStatus(cmd.Context(), status, 100)
			if err != nil {
				return err
			}
			for _, j := range jobs {
				line := fmt.Sprintf("%6d  %-16s instance=%-10d attempts=%d", j.ID, j.Action, j.InstanceID, j.Attempts)
				if j.LastError.Valid {
					line += "  " + j.LastError.String
				}
				fmt.Println(line)
			}
			fmt.Printf("%d job(s)\n", len(jobs))
			return nil
		},
	}
}

func newRetryCmd(gf *GlobalFlags) *cobra.Command {
	rf := &RetryFlags{}
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "reset errored jobs back to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(gf)
			if err != nil {
				return err
			}
			defer a.close()
			if rf.All {
				n, err := a.queue.RetryErrored(cmd.Context(), a.cfg.Queue.MaxAttempts)
				if err != nil {
					return err
				}
				fmt.Printf("requeued %d job(s)\n", n)
				return nil
			}
			if rf.JobID == 0 {
				return fmt.Errorf("either --id or --all is required")
			}
			if err := a.queue.Retry(cmd.Context(), rf.JobID); err != nil {
				return err
			}
			fmt.Printf("requeued job %d\n", rf.JobID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&rf.JobID, "id", 0, "job id to requeue")
	cmd.Flags().BoolVar(&rf.All, "all", false, "requeue all errored jobs below the attempt ceiling")
	return cmd
}

func newFetchCmd(gf *GlobalFlags) *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "download a cover image under the shared quota",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(gf)
			if err != nil {
				return err
			}
			defer a.close()
			if dest == "" {
				dest = filepath.Base(args[0])
			}
			f := fetchcache.New(a.limiter, "images", a.log)
			if err := f.Fetch(cmd.Context(), args[0], dest); err != nil {
				return err
			}
			fmt.Println(dest)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dest, "out", "o", "", "local path to write")
	return cmd
}

func newRunJobCmd(gf *GlobalFlags) *cobra.Command {
	rj := &RunJobFlags{}
	cmd := &cobra.Command{
		Use:   "run-job -- <command...>",
		Short: "run a long import/enrichment command with a polled progress record",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf.ConfigPath)
			if err != nil {
				return err
			}
			log := logger.New(cfg.LoggerConfig())
			if rj.JobID == "" {
				rj.JobID = uuid.New().String()
			}
			if rj.ProgressDir == "" {
				rj.ProgressDir = cfg.Runner.ProgressDir
			}
			if rj.OutputPath == "" {
				rj.OutputPath = filepath.Join(cfg.Runner.OutputDir,
					fmt.Sprintf("job_%s.log", rj.JobID))
			}
			spec := runner.Spec{
				JobID:       rj.JobID,
				Command:     strings.Join(args, " "),
				WorkDir:     rj.WorkDir,
				ProgressDir: rj.ProgressDir,
				OutputPath:  rj.OutputPath,
			}
			fmt.Println(rj.JobID)
			exit := runner.Run(cmd.Context(), spec, log)
			if exit != 0 {
				os.Exit(exit)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&rj.JobID, "id", "", "job id (default: random uuid)")
	cmd.Flags().StringVar(&rj.ProgressDir, "progress-dir", "", "progress record directory")
	cmd.Flags().StringVar(&rj.OutputPath, "output", "", "combined output file")
	cmd.Flags().StringVar(&rj.WorkDir, "workdir", "", "working directory for the command")
	return cmd
}

func newJobStatusCmd(gf *GlobalFlags) *cobra.Command {
	var progressDir string
	cmd := &cobra.Command{
		Use:   "job-status <job-id>",
		Short: "print a background job's progress record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(gf.ConfigPath)
			if err != nil {
				return err
			}
			if progressDir == "" {
				progressDir = cfg.Runner.ProgressDir
			}
			p, err := runner.ReadProgress(runner.ProgressPath(progressDir, args[0]))
			if err != nil {
				return err
			}
			fmt.Printf("status: %s\n", p.Status)
			if p.ExitCode != nil {
				fmt.Printf("exit_code: %d\n", *p.ExitCode)
			}
			fmt.Printf("started_at: %s\n", p.StartedAt.Format(time.RFC3339))
			if p.FinishedAt != nil {
				fmt.Printf("finished_at: %s\n", p.FinishedAt.Format(time.RFC3339))
			}
			for _, line := range p.Output {
				fmt.Println("  " + line)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&progressDir, "progress-dir", "", "progress record directory")
	return cmd
}
