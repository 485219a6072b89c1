// Package database coordinates reward persistence across PostgreSQL, Redis and InfluxDB.
// PostgreSQL holds the authoritative results and balances; Redis and InfluxDB are optional and best effort.
package database

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/bardlex/powreward/internal/database/influx"
	"github.com/bardlex/powreward/internal/database/postgres"
	"github.com/bardlex/powreward/internal/database/redis"
	"github.com/bardlex/powreward/internal/reward"
	"github.com/bardlex/powreward/pkg/circuit"
	"github.com/bardlex/powreward/pkg/errors"
	"github.com/bardlex/powreward/pkg/log"
	"github.com/bardlex/powreward/pkg/retry"
)

const (
	// markerTTL outlives one daily period so a restart the next morning still sees yesterday's markers
	markerTTL      = 48 * time.Hour
	lastResultTTL  = 7 * 24 * time.Hour
	counterTTL     = 7 * 24 * time.Hour
	outcomeReward  = "rewarded"
	outcomeSlashed = "slashed"
)

type resultStore interface {
	Record(ctx context.Context, rec *postgres.RewardRecord) (bool, error)
	ListByParticipant(ctx context.Context, participantID string, limit int) ([]*postgres.RewardRecord, error)
}

type balanceStore interface {
	GetBalance(ctx context.Context, participantID string) (float64, error)
}

type cacheStore interface {
	MarkProcessed(ctx context.Context, periodEnd time.Time, participantID string, ttl time.Duration) error
	IsProcessed(ctx context.Context, periodEnd time.Time, participantID string) (bool, error)
	AcquireRunLock(ctx context.Context, periodEnd time.Time, owner string, ttl time.Duration) (bool, error)
	ReleaseRunLock(ctx context.Context, periodEnd time.Time, owner string) error
	SetLastResult(ctx context.Context, participantID string, result any, expiration time.Duration) error
	GetLastResult(ctx context.Context, participantID string, dest any) error
	IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error)
	GetCounter(ctx context.Context, key string) (int64, error)
}

type metricsWriter interface {
	WriteRewardMetric(s influx.RewardSample)
	WriteBatchMetric(s influx.BatchSample)
}

// Manager coordinates all database operations across PostgreSQL, Redis, and InfluxDB
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client  // nil when Redis is not configured
	Influx   *influx.Client // nil when InfluxDB is not configured

	rewards  resultStore
	balances balanceStore
	cache    cacheStore
	metrics  metricsWriter

	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	logger         *log.Logger
}

var (
	_ reward.ResultSink    = (*Manager)(nil)
	_ reward.BalanceSource = (*Manager)(nil)
)

// Config holds configuration for all database systems. Nil Redis or Influx disables that store.
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config

	// SkipMigrate opens PostgreSQL without applying the schema, for read-only commands
	SkipMigrate bool
}

// NewManager connects to every configured store and applies the PostgreSQL schema unless cfg.SkipMigrate is set
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	if logger == nil {
		logger = log.Nop()
	}

	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}
	if !cfg.SkipMigrate {
		if err := pgClient.Migrate(ctx); err != nil {
			_ = pgClient.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migration",
				"failed to apply PostgreSQL schema")
		}
	}

	m := &Manager{
		Postgres: pgClient,
		rewards:  postgres.NewRewardRepository(pgClient.DB()),
		balances: postgres.NewBalanceRepository(pgClient.DB()),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "database",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.DatabaseConfig(),
		logger:      logger.WithComponent("database"),
	}

	if cfg.Redis != nil {
		redisClient, err := redis.NewClient(cfg.Redis)
		if err != nil {
			_ = m.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
		}
		m.Redis = redisClient
		m.cache = redisClient
	}

	if cfg.Influx != nil {
		influxClient, err := influx.NewClient(cfg.Influx)
		if err != nil {
			_ = m.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB database")
		}
		m.Influx = influxClient
		m.metrics = influxClient

		go func(errs <-chan error) {
			for err := range errs {
				m.logger.WithError(err).Warn("InfluxDB write failed")
			}
		}(influxClient.Errors())
	}

	return m, nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Influx != nil {
		m.Influx.Close()
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Postgres != nil {
		if err := m.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all configured database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// Persist records result and its balance effect in PostgreSQL, then updates the cache and time series.
// A result already recorded for the same participant and period is left as is and
// reward.ErrAlreadyRecorded is returned.
func (m *Manager) Persist(ctx context.Context, result *reward.RewardResult) error {
	rec := &postgres.RewardRecord{
		ParticipantID: result.ParticipantID,
		PeriodEnd:     result.PeriodEnd,
		RewardAmount:  result.RewardAmount,
		Slashed:       result.Slashed,
		Phase:         result.Phase,
		WindowCount:   result.WindowCount,
		TotalHashRate: result.TotalHashRate,
		PriorBalance:  result.PriorBalance,
	}

	applied, err := circuit.ExecuteWithResult(ctx, m.circuitBreaker, func() (bool, error) {
		return retry.DoWithResult(ctx, m.retryConfig, func() (bool, error) {
			applied, err := m.rewards.Record(ctx, rec)
			if err != nil {
				return false, errors.Wrap(err, errors.ErrorTypeDatabase, "record_reward",
					"failed to store reward result in PostgreSQL").
					WithContext("participant_id", result.ParticipantID)
			}
			return applied, nil
		})
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersist, "persist_result", "failed to persist reward result").
			WithContext("participant_id", result.ParticipantID).
			WithContext("period_end", result.PeriodEnd)
	}

	logger := m.logger.WithParticipant(result.ParticipantID)
	if !applied {
		logger.Info("result already recorded for period, balance unchanged",
			"period_end", result.PeriodEnd)
		return reward.ErrAlreadyRecorded
	}

	if m.metrics != nil {
		m.metrics.WriteRewardMetric(influx.RewardSample{
			ParticipantID: result.ParticipantID,
			PeriodEnd:     result.PeriodEnd,
			Amount:        result.RewardAmount,
			Slashed:       result.Slashed,
			Phase:         result.Phase,
			WindowCount:   result.WindowCount,
			TotalHashRate: result.TotalHashRate,
			PriorBalance:  result.PriorBalance,
		})
	}

	if m.cache != nil {
		if err := m.cache.SetLastResult(ctx, result.ParticipantID, result, lastResultTTL); err != nil {
			logger.WithError(err).Warn("failed to cache last result")
		}

		outcome := outcomeReward
		if result.Slashed {
			outcome = outcomeSlashed
		}
		if _, err := m.cache.IncrementCounter(ctx, redis.CounterKey(result.PeriodEnd, outcome), counterTTL); err != nil {
			logger.WithError(err).Warn("failed to increment outcome counter")
		}
	}

	return nil
}

// FetchPriorBalance returns the participant's running balance from PostgreSQL
func (m *Manager) FetchPriorBalance(ctx context.Context, participantID string) (float64, error) {
	balance, err := circuit.ExecuteWithResult(ctx, m.circuitBreaker, func() (float64, error) {
		return retry.DoWithResult(ctx, m.retryConfig, func() (float64, error) {
			balance, err := m.balances.GetBalance(ctx, participantID)
			if err != nil {
				return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "get_balance",
					"failed to read balance from PostgreSQL")
			}
			return balance, nil
		})
	})
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeFetch, "fetch_prior_balance", "failed to fetch prior balance").
			WithContext("participant_id", participantID)
	}
	return balance, nil
}

// IsProcessed reports whether participantID already has a marker for the period. Always false without Redis.
func (m *Manager) IsProcessed(ctx context.Context, periodEnd time.Time, participantID string) (bool, error) {
	if m.cache == nil {
		return false, nil
	}
	done, err := m.cache.IsProcessed(ctx, periodEnd, participantID)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeDatabase, "is_processed", "failed to read processed marker").
			WithContext("participant_id", participantID)
	}
	return done, nil
}

// MarkProcessed sets the participant's marker for the period. A no-op without Redis.
func (m *Manager) MarkProcessed(ctx context.Context, periodEnd time.Time, participantID string) error {
	if m.cache == nil {
		return nil
	}
	if err := m.cache.MarkProcessed(ctx, periodEnd, participantID, markerTTL); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "mark_processed", "failed to write processed marker").
			WithContext("participant_id", participantID)
	}
	return nil
}

// AcquireRunLock takes the batch lock for the period. Always succeeds without Redis.
func (m *Manager) AcquireRunLock(ctx context.Context, periodEnd time.Time, owner string, ttl time.Duration) (bool, error) {
	if m.cache == nil {
		return true, nil
	}
	ok, err := m.cache.AcquireRunLock(ctx, periodEnd, owner, ttl)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeDatabase, "acquire_run_lock", "failed to acquire run lock")
	}
	return ok, nil
}

// ReleaseRunLock releases the batch lock for the period
func (m *Manager) ReleaseRunLock(ctx context.Context, periodEnd time.Time, owner string) error {
	if m.cache == nil {
		return nil
	}
	if err := m.cache.ReleaseRunLock(ctx, periodEnd, owner); err != nil {
		return errors.Wrap(err, errors.ErrorTypeDatabase, "release_run_lock", "failed to release run lock")
	}
	return nil
}

// RecordBatch writes a batch summary to InfluxDB. A no-op without InfluxDB.
func (m *Manager) RecordBatch(sample influx.BatchSample) {
	if m.metrics != nil {
		m.metrics.WriteBatchMetric(sample)
	}
}

// History returns the participant's most recent stored results
func (m *Manager) History(ctx context.Context, participantID string, limit int) ([]*postgres.RewardRecord, error) {
	records, err := m.rewards.ListByParticipant(ctx, participantID, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "history", "failed to list reward results").
			WithContext("participant_id", participantID)
	}
	return records, nil
}

// LastResult returns the participant's cached most recent result.
// ok is false on a cache miss and always false without Redis.
func (m *Manager) LastResult(ctx context.Context, participantID string) (result *reward.RewardResult, ok bool, err error) {
	if m.cache == nil {
		return nil, false, nil
	}

	result = &reward.RewardResult{}
	if err := m.cache.GetLastResult(ctx, participantID, result); err != nil {
		if stderrors.Is(err, redis.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, errors.ErrorTypeDatabase, "last_result", "failed to read cached result").
			WithContext("participant_id", participantID)
	}
	return result, true, nil
}

// PeriodCounts returns how many participants were rewarded and slashed for periodEnd over all runs.
// Both are zero without Redis.
func (m *Manager) PeriodCounts(ctx context.Context, periodEnd time.Time) (rewarded, slashed int64, err error) {
	if m.cache == nil {
		return 0, 0, nil
	}

	if rewarded, err = m.cache.GetCounter(ctx, redis.CounterKey(periodEnd, outcomeReward)); err != nil {
		return 0, 0, errors.Wrap(err, errors.ErrorTypeDatabase, "period_counts", "failed to read rewarded counter")
	}
	if slashed, err = m.cache.GetCounter(ctx, redis.CounterKey(periodEnd, outcomeSlashed)); err != nil {
		return 0, 0, errors.Wrap(err, errors.ErrorTypeDatabase, "period_counts", "failed to read slashed counter")
	}
	return rewarded, slashed, nil
}
