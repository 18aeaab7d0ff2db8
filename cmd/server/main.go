package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"resume-docgen/internal/config"
	"resume-docgen/internal/domain"
	"resume-docgen/pkg/logger"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath string
	logLevel   string
	workers    int
	noWorker   bool
)

var rootCmd = &cobra.Command{
	Use:   "docgen",
	Short: "Asynchronous resume to PDF rendering service",
	Long: `docgen accepts resume snapshots over HTTP, queues them as render jobs
and turns them into PDF artifacts with headless Chrome.

Configuration is read from defaults, then --config, then DOCGEN_* environment
variables (PORT, JOBS_DATABASE_URL and CHROME_PATH are honoured as well).

Examples:
  docgen serve                     # API with an embedded worker pool
  docgen serve --no-worker         # API only
  docgen worker --workers 4        # dedicated render workers
  docgen migrate                   # create or upgrade the job store schema
  docgen status <job-id>           # show one job
  docgen stats                     # job counts per state`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML/TOML/JSON config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	serveCmd.Flags().IntVar(&workers, "workers", 0, "override dispatcher.workers")
	serveCmd.Flags().BoolVar(&noWorker, "no-worker", false, "serve the API without processing jobs")
	workerCmd.Flags().IntVar(&workers, "workers", 0, "override dispatcher.workers")

	rootCmd.AddCommand(serveCmd, workerCmd, migrateCmd, sweepCmd, statusCmd, statsCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		pterm.Error.Println(err)
		if hint := errors.FlattenHints(err); hint != "" {
			pterm.Info.Println(hint)
		}
		os.Exit(1)
	}
}

// setup loads configuration, applies flag overrides and builds the logger.
func setup() (*config.Config, *zap.SugaredLogger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if workers > 0 {
		cfg.Dispatcher.Workers = workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, with an embedded worker pool unless --no-worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, log, true)
		if err != nil {
			return err
		}
		defer a.Close()

		dispatched := make(chan struct{})
		if noWorker {
			close(dispatched)
		} else {
			if err := a.withWorkers(); err != nil {
				return err
			}
			a.sweeper.Start()
			go func() {
				defer close(dispatched)
				_ = a.dispatcher.Run(ctx)
			}()
		}

		srv := a.httpApp()
		listenErr := make(chan error, 1)
		go func() {
			log.Infow("http server listening", "port", cfg.Server.Port, "store", cfg.Store.Driver)
			listenErr <- srv.Listen(":" + strconv.Itoa(cfg.Server.Port))
		}()

		select {
		case <-ctx.Done():
			log.Infow("shutting down")
		case err := <-listenErr:
			if err != nil {
				return errors.Wrap(err, "http server")
			}
		}

		if err := srv.ShutdownWithTimeout(shutdownTimeout); err != nil {
			log.Warnw("http shutdown", "error", err)
		}
		if a.sweeper != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			a.sweeper.Stop(stopCtx)
			cancel()
		}
		waitDispatcher(dispatched, cfg.Dispatcher.JobTimeout(), log)
		return nil
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process render jobs and run retention without serving the API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, log, true)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.withWorkers(); err != nil {
			return err
		}

		a.sweeper.Start()
		err = a.dispatcher.Run(ctx)

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.sweeper.Stop(stopCtx)
		return err
	},
}

// waitDispatcher gives in-flight jobs one job timeout to finish. Anything
// still running after that is picked up by the stale reclaim.
func waitDispatcher(done <-chan struct{}, limit time.Duration, log *zap.SugaredLogger) {
	select {
	case <-done:
	case <-time.After(limit):
		log.Warnw("dispatcher did not stop in time", "waited", limit)
	}
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the job store schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, log, true)
		if err != nil {
			return err
		}
		defer a.Close()
		pterm.Success.Printf("%s job store is up to date\n", cfg.Store.Driver)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retention pass and one stale-job reclaim now",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, log, false)
		if err != nil {
			return err
		}
		defer a.Close()

		sweeper, err := a.newSweeper()
		if err != nil {
			return err
		}
		res, reclaimed, err := sweeper.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		pterm.Success.Printf("removed %d completed and %d failed jobs, %d artifacts; reclaimed %d stale jobs\n",
			res.Completed, res.Failed, res.ArtifactsDeleted, reclaimed)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show the status of one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return errors.WithHint(errors.Wrap(err, "invalid job id"), "job ids are UUIDs as returned by POST /jobs")
		}
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, log, false)
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.queue.Get(cmd.Context(), id)
		if errors.Is(err, domain.ErrJobNotFound) {
			pterm.Warning.Printf("job %s not found\n", id)
			return nil
		}
		if err != nil {
			return err
		}

		data := pterm.TableData{
			{"Field", "Value"},
			{"id", job.ID.String()},
			{"state", string(job.State)},
			{"attempts", fmt.Sprintf("%d/%d", job.Attempts, job.MaxAttempts)},
			{"priority", strconv.Itoa(job.Priority)},
			{"template", job.Payload.TemplateName},
			{"created", job.CreatedAt.Format(time.RFC3339)},
		}
		if job.WorkerID != "" {
			data = append(data, []string{"worker", job.WorkerID})
		}
		if job.FinishedAt != nil {
			data = append(data, []string{"finished", job.FinishedAt.Format(time.RFC3339)})
		}
		if job.Result != "" {
			data = append(data, []string{"result", job.Result})
		}
		if job.ErrorReason != "" {
			data = append(data, []string{"error", job.ErrorReason})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job counts per state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, log, false)
		if err != nil {
			return err
		}
		defer a.Close()

		counts, err := a.queue.Stats(cmd.Context())
		if err != nil {
			return err
		}
		data := pterm.TableData{{"State", "Jobs"}}
		total := 0
		for _, s := range []domain.JobState{domain.StateQueued, domain.StateActive, domain.StateCompleted, domain.StateFailed} {
			data = append(data, []string{string(s), strconv.Itoa(counts[s])})
			total += counts[s]
		}
		data = append(data, []string{"total", strconv.Itoa(total)})
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}
