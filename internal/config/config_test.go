package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bardlex/powreward/internal/chain"
	"github.com/bardlex/powreward/internal/reward"
	"github.com/bardlex/powreward/pkg/errors"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name:    "default config",
			envVars: map[string]string{},
			wantErr: false,
		},
		{
			name: "custom config",
			envVars: map[string]string{
				"SERVICE_NAME":        "test-service",
				"POW_CONTRACT_LAYOUT": "bulk",
				"WORKERS":             "16",
				"KAFKA_BROKERS":       "k1:9092, k2:9092",
			},
			wantErr: false,
		},
		{
			name:    "invalid contract address",
			envVars: map[string]string{"POW_CONTRACT_ADDRESS": "not-an-address"},
			wantErr: true,
		},
		{
			name:    "invalid layout",
			envVars: map[string]string{"POW_CONTRACT_LAYOUT": "paged"},
			wantErr: true,
		},
		{
			name:    "invalid port",
			envVars: map[string]string{"POSTGRES_PORT": "99999"},
			wantErr: true,
		},
		{
			name:    "invalid encoding",
			envVars: map[string]string{"KAFKA_ENCODING": "avro"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr {
				if cfg.ServiceName == "" {
					t.Error("ServiceName should not be empty")
				}
				if cfg.Workers < 1 {
					t.Error("Workers should be positive")
				}
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ContractLayout != string(chain.LayoutLegacy) {
		t.Errorf("ContractLayout = %q, want legacy", cfg.ContractLayout)
	}
	if cfg.SubmissionLookback != 24*time.Hour {
		t.Errorf("SubmissionLookback = %v, want 24h", cfg.SubmissionLookback)
	}
	if !cfg.RedisEnabled || cfg.InfluxEnabled || cfg.KafkaEnabled {
		t.Errorf("enabled stores = redis %v influx %v kafka %v, want true false false",
			cfg.RedisEnabled, cfg.InfluxEnabled, cfg.KafkaEnabled)
	}
}

func TestLoad_BrokerList(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "k1:9092" || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokers = %v, want [k1:9092 k2:9092]", cfg.KafkaBrokers)
	}
}

func TestConfigValidation(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ServiceName:      "test",
			ChainRPCURL:      "http://localhost:8545",
			ContractAddress:  "0xacDf1005fAb67C13603C19aC5471F0c7dDBc90b2",
			ContractLayout:   "legacy",
			ChainConcurrency: 1,
			DashboardURL:     "http://localhost",
			PostgresPort:     5432,
			KafkaEncoding:    "json",
			Workers:          1,
			RunInterval:      time.Hour,
			LogFormat:        "json",
		}
	}

	if err := valid().validate(); err != nil {
		t.Errorf("validate() should not fail for valid config: %v", err)
	}

	mutations := map[string]func(*Config){
		"empty service":     func(c *Config) { c.ServiceName = "" },
		"empty rpc":         func(c *Config) { c.ChainRPCURL = "" },
		"negative lookback": func(c *Config) { c.SubmissionLookback = -time.Second },
		"zero concurrency":  func(c *Config) { c.ChainConcurrency = 0 },
		"empty dashboard":   func(c *Config) { c.DashboardURL = "" },
		"kafka no brokers":  func(c *Config) { c.KafkaEnabled = true },
		"zero workers":      func(c *Config) { c.Workers = 0 },
		"zero interval":     func(c *Config) { c.RunInterval = 0 },
		"bad log format":    func(c *Config) { c.LogFormat = "xml" },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Error("validate() should fail")
			}
		})
	}
}

func TestDatabaseConfig(t *testing.T) {
	cfg := &Config{PostgresHost: "db", PostgresPort: 5432, RedisEnabled: true, RedisAddr: "r:6379", Workers: 4}

	db := cfg.DatabaseConfig()
	if db.Postgres == nil || db.Postgres.Host != "db" {
		t.Errorf("Postgres = %+v, want host db", db.Postgres)
	}
	if db.Redis == nil || db.Redis.PoolSize != 8 {
		t.Errorf("Redis = %+v, want pool size 8", db.Redis)
	}
	if db.Influx != nil {
		t.Errorf("Influx = %+v, want nil when disabled", db.Influx)
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_STRING", "test_value")
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BOOL", "false")
	t.Setenv("TEST_DURATION", "30s")
	t.Setenv("TEST_BAD_INT", "forty-two")

	if got := getEnv("TEST_STRING", "default"); got != "test_value" {
		t.Errorf("getEnv() = %v, want %v", got, "test_value")
	}
	if got := getEnv("NONEXISTENT", "default"); got != "default" {
		t.Errorf("getEnv() = %v, want %v", got, "default")
	}
	if got := getEnvInt("TEST_INT", 0); got != 42 {
		t.Errorf("getEnvInt() = %v, want %v", got, 42)
	}
	if got := getEnvInt("TEST_BAD_INT", 99); got != 99 {
		t.Errorf("getEnvInt() = %v, want default for unparsable value", got)
	}
	if got := getEnvBool("TEST_BOOL", true); got {
		t.Errorf("getEnvBool() = %v, want false", got)
	}
	if got := getEnvDuration("TEST_DURATION", 0); got != 30*time.Second {
		t.Errorf("getEnvDuration() = %v, want %v", got, 30*time.Second)
	}
}

func writeSchedule(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schedule.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write schedule file: %v", err)
	}
	return path
}

func TestLoadSchedule_Default(t *testing.T) {
	got, err := LoadSchedule("")
	if err != nil {
		t.Fatalf("LoadSchedule() error = %v", err)
	}
	if got != reward.DefaultSchedule() {
		t.Errorf("LoadSchedule(\"\") = %+v, want default", got)
	}
}

func TestLoadSchedule_Overrides(t *testing.T) {
	path := writeSchedule(t, `
epoch                 = 2025-06-01
phase_length_days     = 7.0
phase_multiplier      = 0.5
gap_tolerance_seconds = 3600
window_size           = 3
`)

	got, err := LoadSchedule(path)
	if err != nil {
		t.Fatalf("LoadSchedule() error = %v", err)
	}

	want := reward.DefaultSchedule()
	want.Epoch = time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	want.PhaseLength = 7 * 24 * time.Hour
	want.PhaseMultiplier = 0.5
	want.GapTolerance = 3600
	want.WindowSize = 3

	if !got.Epoch.Equal(want.Epoch) {
		t.Errorf("Epoch = %v, want %v", got.Epoch, want.Epoch)
	}
	got.Epoch = want.Epoch
	if got != want {
		t.Errorf("LoadSchedule() = %+v, want %+v", got, want)
	}
}

func TestLoadSchedule_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "phase_multplier = 0.9\n"},
		{"invalid value", "phase_multiplier = 0.0\n"},
		{"window size", "window_size = 0\n"},
		{"malformed", "phase_multiplier = \n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSchedule(writeSchedule(t, tt.content))
			if !errors.IsType(err, errors.ErrorTypeValidation) {
				t.Errorf("LoadSchedule() error = %v, want validation error", err)
			}
		})
	}

	if _, err := LoadSchedule(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("LoadSchedule() of a missing file should fail")
	}
}
