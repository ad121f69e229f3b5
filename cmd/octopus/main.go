package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xaenox/octopus/internal/bot"
	"github.com/xaenox/octopus/internal/extractor"
	"github.com/xaenox/octopus/internal/storage"
	"github.com/xaenox/octopus/pkg/config"
)

var cfgFile string

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "octopus",
		Short:         "Crypto social content ingestion pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file")

	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newExtractCmd())
	rootCmd.AddCommand(newTypesCmd())
	rootCmd.AddCommand(newMigrateCmd())
	return rootCmd
}

// setup loads configuration and builds the logger.
func setup() (*config.Config, *zap.Logger, error) {
	path := cfgFile
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		path = ""
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", zap.Error(err))
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Failed to close resources", zap.Error(err))
		}
	}()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run task workers, the scheduler and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(ctx context.Context) error {
	return withApp(ctx, func(ctx context.Context, a *app) error {
		var opsBot *bot.Bot
		if a.cfg.OpsBot.Enabled {
			b, err := bot.New(a.cfg.OpsBot.Token, a.orchestrator, a.registry, a.cfg.OpsBot.AllowedChats, a.logger.Named("bot"))
			if err != nil {
				return err
			}
			opsBot = b
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return a.newWorker().Run(ctx) })
		if a.cfg.Scheduler.Enabled {
			g.Go(func() error { return a.newScheduler().Run(ctx) })
		}
		if a.metrics != nil {
			g.Go(func() error { return a.serveMetrics(ctx) })
		}
		if opsBot != nil {
			g.Go(func() error { return opsBot.Start(ctx) })
		}
		a.logger.Info("Octopus started",
			zap.String("queue", a.cfg.Queue.Backend),
			zap.Bool("scheduler", a.cfg.Scheduler.Enabled))
		return g.Wait()
	})
}

func newRunCmd() *cobra.Command {
	var (
		collectorID int64
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Enqueue one collector and wait for its task chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				// Nobody else consumes an in-process queue.
				if a.cfg.Queue.Backend == config.QueueMemory {
					workerCtx, stopWorker := context.WithCancel(ctx)
					defer stopWorker()
					go func() {
						if err := a.newWorker().Run(workerCtx); err != nil {
							a.logger.Error("Worker failed", zap.Error(err))
						}
					}()
				}

				taskID, err := a.orchestrator.Enqueue(ctx, collectorID)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.ErrOrStderr(), "Task ID:", taskID)

				status, err := a.orchestrator.Wait(ctx, taskID, 500*time.Millisecond)
				if err != nil {
					return err
				}
				return printJSON(cmd, status)
			})
		},
	}
	cmd.Flags().Int64Var(&collectorID, "collector", 0, "collector id")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "how long to wait for the chain")
	_ = cmd.MarkFlagRequired("collector")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var (
		taskID      string
		collectorID int64
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a task or a collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if taskID != "" {
					status, err := a.orchestrator.Status(ctx, taskID)
					if err != nil {
						return err
					}
					return printJSON(cmd, status)
				}
				if collectorID == 0 {
					return errors.New("either --task or --collector is required")
				}
				status, err := a.orchestrator.CollectorStatus(ctx, collectorID)
				if err != nil {
					return err
				}
				return printJSON(cmd, status)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	cmd.Flags().Int64Var(&collectorID, "collector", 0, "collector id")
	return cmd
}

func newExtractCmd() *cobra.Command {
	var (
		messageID   int64
		collectorID int64
		reprocess   bool
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract token mentions from stored messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				var (
					stats extractor.Stats
					err   error
				)
				switch {
				case messageID != 0 && reprocess:
					stats, err = a.extractor.Reprocess(ctx, messageID)
				case messageID != 0:
					stats, err = a.extractor.Process(ctx, messageID)
				case collectorID != 0:
					stats, err = a.extractor.ProcessCollectorMessages(ctx, collectorID, limit)
				default:
					stats, err = a.extractor.ProcessAll(ctx, a.cfg.Extractor.BatchSize, a.cfg.Extractor.MaxBatches)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
	cmd.Flags().Int64Var(&messageID, "message", 0, "extract a single message")
	cmd.Flags().BoolVar(&reprocess, "reprocess", false, "extract --message again even if processed")
	cmd.Flags().Int64Var(&collectorID, "collector", 0, "extract unprocessed messages of one collector")
	cmd.Flags().IntVar(&limit, "limit", 100, "message limit for --collector")
	return cmd
}

func newTypesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List implemented and planned collector types",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			return printJSON(cmd, newRegistry(cfg, logger).SupportedTypes())
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.Database.UseInMemory {
				return errors.New("database.use_in_memory is set, nothing to migrate")
			}
			return storage.ApplyMigrations(databaseConfig(cfg.Database), logger)
		},
	}
}
