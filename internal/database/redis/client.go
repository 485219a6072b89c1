// Package redis provides the Redis client for powreward.
// It keeps per-period idempotency markers, the batch run lock and a cache of each participant's last result.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned when a cached entry does not exist
var ErrCacheMiss = errors.New("cache miss")

// Client wraps Redis operations for the reward service
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func periodKey(periodEnd time.Time) string {
	return periodEnd.UTC().Format("2006-01-02")
}

// MarkerKey is the key recording that participantID was processed for the period ending at periodEnd
func MarkerKey(periodEnd time.Time, participantID string) string {
	return fmt.Sprintf("reward:done:%s:%s", periodKey(periodEnd), participantID)
}

// LockKey is the key held while a batch for the period ending at periodEnd runs
func LockKey(periodEnd time.Time) string {
	return fmt.Sprintf("reward:lock:%s", periodKey(periodEnd))
}

// CounterKey is the daily counter for outcome ("rewarded", "slashed")
func CounterKey(periodEnd time.Time, outcome string) string {
	return fmt.Sprintf("reward:count:%s:%s", periodKey(periodEnd), outcome)
}

func lastResultKey(participantID string) string {
	return fmt.Sprintf("reward:last:%s", participantID)
}

// Idempotency markers

// MarkProcessed records that participantID was processed for the period
func (c *Client) MarkProcessed(ctx context.Context, periodEnd time.Time, participantID string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, MarkerKey(periodEnd, participantID), time.Now().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to set processed marker: %w", err)
	}
	return nil
}

// IsProcessed reports whether participantID was already processed for the period
func (c *Client) IsProcessed(ctx context.Context, periodEnd time.Time, participantID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, MarkerKey(periodEnd, participantID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed marker: %w", err)
	}
	return n > 0, nil
}

// Run lock

// AcquireRunLock takes the batch lock for the period. It returns false when another holder has it.
func (c *Client) AcquireRunLock(ctx context.Context, periodEnd time.Time, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, LockKey(periodEnd), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	return ok, nil
}

// ReleaseRunLock drops the batch lock if owner still holds it
func (c *Client) ReleaseRunLock(ctx context.Context, periodEnd time.Time, owner string) error {
	key := LockKey(periodEnd)

	err := c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if current != owner {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}

// Counters

// IncrementCounter increments a counter with expiration
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiration)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incrCmd.Val(), nil
}

// GetCounter retrieves a counter value
func (c *Client) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}

// Result cache

// SetLastResult caches the participant's most recent result
func (c *Client) SetLastResult(ctx context.Context, participantID string, result any, expiration time.Duration) error {
	jsonData, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := c.rdb.Set(ctx, lastResultKey(participantID), jsonData, expiration).Err(); err != nil {
		return fmt.Errorf("failed to cache result: %w", err)
	}

	return nil
}

// GetLastResult loads the participant's cached result into dest
func (c *Client) GetLastResult(ctx context.Context, participantID string, dest any) error {
	jsonData, err := c.rdb.Get(ctx, lastResultKey(participantID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return fmt.Errorf("failed to get cached result: %w", err)
	}

	if err := json.Unmarshal(jsonData, dest); err != nil {
		return fmt.Errorf("failed to unmarshal cached result: %w", err)
	}

	return nil
}
