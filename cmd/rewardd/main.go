// Package main implements rewardd, the daily proof-of-work reward service.
// It lists participants, reads their submissions from the PoW contract and persists each day's reward or slash.
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
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bardlex/powreward/internal/batch"
	"github.com/bardlex/powreward/internal/chain"
	"github.com/bardlex/powreward/internal/config"
	"github.com/bardlex/powreward/internal/database"
	"github.com/bardlex/powreward/internal/directory"
	"github.com/bardlex/powreward/internal/messaging"
	"github.com/bardlex/powreward/internal/metrics"
	"github.com/bardlex/powreward/internal/reward"
	"github.com/bardlex/powreward/pkg/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "rewardd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rewardd",
		Short:         "Daily proof-of-work reward service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newRunCmd(),
		newComputeCmd(),
		newHistoryCmd(),
		newMigrateCmd(),
		newWatchCmd(),
	)
	return root
}

// parsePeriodEnd accepts RFC 3339 timestamps and plain dates; an empty value means the current period
func parsePeriodEnd(value string, now time.Time) (time.Time, error) {
	if value == "" {
		return periodEnd(now), nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("period end %q is neither RFC 3339 nor YYYY-MM-DD", value)
	}
	return t, nil
}

func loadConfig(logTo io.Writer) (*config.Config, *log.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, log.NewWithWriter(logTo, cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat), nil
}

// deps holds everything a batch needs. close releases it in reverse order of creation.
type deps struct {
	manager  *database.Manager
	runner   *batch.Runner
	recorder *metrics.Recorder
	closers  []func()
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// databaseConfig returns the store configuration. Only commands that write results apply the schema.
func databaseConfig(cfg *config.Config, migrate bool) *database.Config {
	db := cfg.DatabaseConfig()
	db.SkipMigrate = !migrate
	return db
}

// buildDeps connects to the chain and the stores. A non-nil balances replaces the database as BalanceSource.
// migrate is false for dry runs, which only read balances.
func buildDeps(ctx context.Context, cfg *config.Config, logger *log.Logger, balances reward.BalanceSource, migrate bool) (*deps, error) {
	d := &deps{}

	schedule, err := config.LoadSchedule(cfg.ScheduleFile)
	if err != nil {
		return nil, err
	}

	client, err := chain.Dial(ctx, cfg.ChainRPCURL)
	if err != nil {
		return nil, err
	}
	d.closers = append(d.closers, client.Close)

	source, err := chain.NewContractSource(client, cfg.ChainConfig(), logger)
	if err != nil {
		d.close()
		return nil, err
	}

	var sink reward.ResultSink = discardSink{}
	var marker batch.Marker
	if balances == nil {
		manager, err := database.NewManager(ctx, databaseConfig(cfg, migrate), logger)
		if err != nil {
			d.close()
			return nil, err
		}
		d.closers = append(d.closers, func() {
			if err := manager.Close(); err != nil {
				logger.WithError(err).Warn("failed to close databases")
			}
		})
		d.manager = manager
		balances, sink, marker = manager, manager, manager
	}

	engine, err := reward.NewEngine(schedule, balances, logger)
	if err != nil {
		d.close()
		return nil, err
	}

	opts := batch.Options{
		Engine:    engine,
		Source:    source,
		Directory: directory.New(cfg.DashboardURL, nil, cfg.DashboardTimeout, logger),
		Sink:      sink,
		Marker:    marker,
		Workers:   cfg.Workers,
		Logger:    logger,
	}

	if cfg.MetricsEnabled {
		d.recorder = metrics.NewRecorder()
		opts.Metrics = d.recorder
	}

	if cfg.KafkaEnabled {
		kafka, err := messaging.NewKafkaClient(cfg.KafkaBrokers, cfg.KafkaEncoding, logger)
		if err != nil {
			d.close()
			return nil, err
		}
		d.closers = append(d.closers, func() {
			if err := kafka.Close(); err != nil {
				logger.WithError(err).Warn("failed to close Kafka client")
			}
		})
		opts.Notifier = kafka
	}

	if d.runner, err = batch.NewRunner(opts); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

// discardSink backs dry runs, which never persist
type discardSink struct{}

func (discardSink) Persist(context.Context, *reward.RewardResult) error { return nil }

// staticBalance answers every balance lookup with the same value
type staticBalance float64

func (b staticBalance) FetchPriorBalance(context.Context, string) (float64, error) {
	return float64(b), nil
}

func newRunCmd() *cobra.Command {
	var (
		once      bool
		periodArg string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Compute and persist rewards every run interval",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, logger, err := loadConfig(os.Stdout)
			if err != nil {
				return err
			}
			logger.Info("starting rewardd",
				"version", cfg.Version,
				"contract", cfg.ContractAddress,
				"layout", cfg.ContractLayout,
				"workers", cfg.Workers,
			)

			d, err := buildDeps(ctx, cfg, logger, nil, true)
			if err != nil {
				return err
			}
			defer d.close()

			if d.recorder != nil {
				srv := &http.Server{Addr: cfg.MetricsAddr, Handler: d.recorder.Handler(), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.WithError(err).Error("metrics server failed")
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			service := NewService(d.runner, d.manager, d.manager, cfg.RunInterval, cfg.RunLockTTL, logger)

			if once || periodArg != "" {
				end, err := parsePeriodEnd(periodArg, time.Now())
				if err != nil {
					return err
				}
				report, err := service.RunOnce(ctx, end)
				if err != nil {
					return err
				}
				if report != nil && len(report.Failures) > 0 {
					return fmt.Errorf("%d participants failed", len(report.Failures))
				}
				return nil
			}

			if err := service.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("rewardd stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single batch and exit")
	cmd.Flags().StringVar(&periodArg, "period-end", "", "period end to run once for (RFC 3339 or YYYY-MM-DD)")
	return cmd
}

func newComputeCmd() *cobra.Command {
	var (
		periodArg string
		balance   float64
	)

	cmd := &cobra.Command{
		Use:   "compute <participant>",
		Short: "Compute one participant's result without persisting it or changing the schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, logger, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}
			cfg.MetricsEnabled = false
			cfg.KafkaEnabled = false

			end, err := parsePeriodEnd(periodArg, time.Now())
			if err != nil {
				return err
			}

			var balances reward.BalanceSource
			if cmd.Flags().Changed("balance") {
				balances = staticBalance(balance)
			}

			d, err := buildDeps(ctx, cfg, logger, balances, false)
			if err != nil {
				return err
			}
			defer d.close()

			result, err := d.runner.ComputeOne(ctx, args[0], end)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&periodArg, "period-end", "", "period end (RFC 3339 or YYYY-MM-DD), defaults to today")
	cmd.Flags().Float64Var(&balance, "balance", 0, "prior balance to slash instead of reading it from the database")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		series time.Duration
		cached bool
	)

	cmd := &cobra.Command{
		Use:   "history <participant>",
		Short: "Print a participant's stored results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, logger, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}

			manager, err := database.NewManager(ctx, databaseConfig(cfg, false), logger)
			if err != nil {
				return err
			}
			defer func() { _ = manager.Close() }()

			if cached {
				result, ok, err := manager.LastResult(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no cached result for %s", args[0])
				}
				return writeJSON(cmd.OutOrStdout(), result)
			}

			if series > 0 {
				if manager.Influx == nil {
					return fmt.Errorf("--series needs InfluxDB, set INFLUX_ENABLED=true")
				}
				points, err := manager.Influx.GetRewardHistory(ctx, args[0], series)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), points)
			}

			records, err := manager.History(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), records)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 30, "number of most recent results")
	cmd.Flags().DurationVar(&series, "series", 0, "read the reward time series over this duration instead")
	cmd.Flags().BoolVar(&cached, "cached", false, "print the most recent result from the Redis cache")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and check store health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, logger, err := loadConfig(os.Stdout)
			if err != nil {
				return err
			}

			manager, err := database.NewManager(ctx, databaseConfig(cfg, true), logger)
			if err != nil {
				return err
			}
			defer func() { _ = manager.Close() }()

			if err := manager.Health(ctx); err != nil {
				return err
			}
			logger.Info("schema applied, stores healthy")
			return nil
		},
	}
}

func newWatchCmd() *cobra.Command {
	var groupID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print reward results as they are published to Kafka",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(os.Stderr)
			if err != nil {
				return err
			}

			kafka, err := messaging.NewKafkaClient(cfg.KafkaBrokers, cfg.KafkaEncoding, logger)
			if err != nil {
				return err
			}
			defer func() { _ = kafka.Close() }()

			out := cmd.OutOrStdout()
			err = kafka.ConsumeResults(cmd.Context(), groupID, func(_ context.Context, msg *messaging.RewardResultMessage) error {
				return writeJSON(out, msg)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&groupID, "group", "rewardd-watch", "Kafka consumer group")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
