// Package config provides configuration management for the powreward service.
// It handles loading configuration from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/bardlex/powreward/internal/chain"
	"github.com/bardlex/powreward/internal/database"
	"github.com/bardlex/powreward/internal/database/influx"
	"github.com/bardlex/powreward/internal/database/postgres"
	"github.com/bardlex/powreward/internal/database/redis"
	"github.com/bardlex/powreward/internal/messaging"
)

// Config holds the configuration of the reward service
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Chain connection
	ChainRPCURL        string
	ContractAddress    string
	ContractLayout     string
	SubmissionLookback time.Duration
	MaxSubmissions     int
	ChainConcurrency   int
	ChainCallTimeout   time.Duration

	// Participant directory
	DashboardURL     string
	DashboardTimeout time.Duration

	// PostgreSQL
	PostgresHost         string
	PostgresPort         int
	PostgresDatabase     string
	PostgresUser         string
	PostgresPassword     string
	PostgresSSLMode      string
	PostgresMaxOpenConns int
	PostgresMaxIdleConns int
	PostgresConnLifetime time.Duration

	// Redis
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// InfluxDB
	InfluxEnabled bool
	InfluxURL     string
	InfluxToken   string
	InfluxOrg     string
	InfluxBucket  string

	// Kafka
	KafkaEnabled  bool
	KafkaBrokers  []string
	KafkaEncoding string

	// Metrics
	MetricsEnabled bool
	MetricsAddr    string

	// Batch
	Workers      int
	RunInterval  time.Duration
	RunLockTTL   time.Duration
	ScheduleFile string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		// Service defaults
		ServiceName: getEnv("SERVICE_NAME", "powreward"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Chain defaults
		ChainRPCURL:        getEnv("CHAIN_RPC_URL", "https://sepolia-rollup.arbitrum.io/rpc"),
		ContractAddress:    getEnv("POW_CONTRACT_ADDRESS", "0xacDf1005fAb67C13603C19aC5471F0c7dDBc90b2"),
		ContractLayout:     getEnv("POW_CONTRACT_LAYOUT", string(chain.LayoutLegacy)),
		SubmissionLookback: getEnvDuration("SUBMISSION_LOOKBACK", 24*time.Hour),
		MaxSubmissions:     getEnvInt("MAX_SUBMISSIONS", 10000),
		ChainConcurrency:   getEnvInt("CHAIN_CONCURRENCY", 8),
		ChainCallTimeout:   getEnvDuration("CHAIN_CALL_TIMEOUT", 15*time.Second),

		// Directory defaults
		DashboardURL:     getEnv("DASHBOARD_URL", "https://api-testnet.lilypad.tech"),
		DashboardTimeout: getEnvDuration("DASHBOARD_TIMEOUT", 30*time.Second),

		// PostgreSQL defaults
		PostgresHost:         getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:         getEnvInt("POSTGRES_PORT", 5432),
		PostgresDatabase:     getEnv("POSTGRES_DB", "powreward"),
		PostgresUser:         getEnv("POSTGRES_USER", "powreward"),
		PostgresPassword:     getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:      getEnv("POSTGRES_SSLMODE", "disable"),
		PostgresMaxOpenConns: getEnvInt("POSTGRES_MAX_OPEN_CONNS", 16),
		PostgresMaxIdleConns: getEnvInt("POSTGRES_MAX_IDLE_CONNS", 4),
		PostgresConnLifetime: getEnvDuration("POSTGRES_CONN_LIFETIME", 30*time.Minute),

		// Redis defaults
		RedisEnabled:  getEnvBool("REDIS_ENABLED", true),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		// InfluxDB defaults
		InfluxEnabled: getEnvBool("INFLUX_ENABLED", false),
		InfluxURL:     getEnv("INFLUX_URL", "http://localhost:8086"),
		InfluxToken:   getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:     getEnv("INFLUX_ORG", "powreward"),
		InfluxBucket:  getEnv("INFLUX_BUCKET", "rewards"),

		// Kafka defaults
		KafkaEnabled:  getEnvBool("KAFKA_ENABLED", false),
		KafkaBrokers:  getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaEncoding: getEnv("KAFKA_ENCODING", messaging.EncodingJSON),

		// Metrics defaults
		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),
		MetricsAddr:    getEnv("METRICS_ADDR", ":9100"),

		// Batch defaults
		Workers:      getEnvInt("WORKERS", 8),
		RunInterval:  getEnvDuration("RUN_INTERVAL", 24*time.Hour),
		RunLockTTL:   getEnvDuration("RUN_LOCK_TTL", 2*time.Hour),
		ScheduleFile: getEnv("REWARD_SCHEDULE_FILE", ""),

		// Logging defaults
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.ChainRPCURL == "" {
		return fmt.Errorf("CHAIN_RPC_URL cannot be empty")
	}

	if !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("POW_CONTRACT_ADDRESS must be a hex address")
	}

	if layout := chain.Layout(c.ContractLayout); layout != chain.LayoutLegacy && layout != chain.LayoutBulk {
		return fmt.Errorf("POW_CONTRACT_LAYOUT must be %q or %q", chain.LayoutLegacy, chain.LayoutBulk)
	}

	if c.SubmissionLookback < 0 {
		return fmt.Errorf("SUBMISSION_LOOKBACK must not be negative")
	}

	if c.MaxSubmissions < 0 {
		return fmt.Errorf("MAX_SUBMISSIONS must not be negative")
	}

	if c.ChainConcurrency < 1 {
		return fmt.Errorf("CHAIN_CONCURRENCY must be at least 1")
	}

	if c.DashboardURL == "" {
		return fmt.Errorf("DASHBOARD_URL cannot be empty")
	}

	if c.PostgresPort <= 0 || c.PostgresPort > 65535 {
		return fmt.Errorf("POSTGRES_PORT must be between 1 and 65535")
	}

	if c.KafkaEnabled && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS cannot be empty when Kafka is enabled")
	}

	if c.KafkaEncoding != messaging.EncodingJSON && c.KafkaEncoding != messaging.EncodingProto {
		return fmt.Errorf("KAFKA_ENCODING must be %q or %q", messaging.EncodingJSON, messaging.EncodingProto)
	}

	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be at least 1")
	}

	if c.RunInterval <= 0 {
		return fmt.Errorf("RUN_INTERVAL must be positive")
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text")
	}

	return nil
}

// ChainConfig returns the contract source configuration
func (c *Config) ChainConfig() chain.Config {
	return chain.Config{
		Address:        common.HexToAddress(c.ContractAddress),
		Layout:         chain.Layout(c.ContractLayout),
		Lookback:       c.SubmissionLookback,
		MaxSubmissions: c.MaxSubmissions,
		Concurrency:    c.ChainConcurrency,
		CallTimeout:    c.ChainCallTimeout,
	}
}

// DatabaseConfig returns the store configuration. Disabled stores are nil.
func (c *Config) DatabaseConfig() *database.Config {
	cfg := &database.Config{
		Postgres: &postgres.Config{
			Host:         c.PostgresHost,
			Port:         c.PostgresPort,
			Database:     c.PostgresDatabase,
			User:         c.PostgresUser,
			Password:     c.PostgresPassword,
			SSLMode:      c.PostgresSSLMode,
			MaxOpenConns: c.PostgresMaxOpenConns,
			MaxIdleConns: c.PostgresMaxIdleConns,
			MaxLifetime:  c.PostgresConnLifetime,
		},
	}

	if c.RedisEnabled {
		cfg.Redis = &redis.Config{
			Addr:         c.RedisAddr,
			Password:     c.RedisPassword,
			DB:           c.RedisDB,
			PoolSize:     c.Workers * 2,
			MinIdleConns: 1,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		}
	}

	if c.InfluxEnabled {
		cfg.Influx = &influx.Config{
			URL:    c.InfluxURL,
			Token:  c.InfluxToken,
			Org:    c.InfluxOrg,
			Bucket: c.InfluxBucket,
		}
	}

	return cfg
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
