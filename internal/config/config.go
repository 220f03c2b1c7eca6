// Package config loads process configuration from defaults, an optional yaml
// file and LEDGERLINE_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Redis       RedisConfig       `mapstructure:"redis"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Snapshots   SnapshotConfig    `mapstructure:"snapshots"`
	Projections ProjectionConfig  `mapstructure:"projections"`
	Replay      ReplayConfig      `mapstructure:"replay"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Database       string `mapstructure:"database"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConns       int32  `mapstructure:"max_conns"`
	MigrationsPath string `mapstructure:"migrations_path"`
}

// ConnString builds the pgx/migrate connection string.
func (c PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type SnapshotConfig struct {
	Interval uint64 `mapstructure:"interval"`
}

type ProjectionConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	BatchWait    time.Duration `mapstructure:"batch_wait"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxRetries   int           `mapstructure:"max_retries"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
}

type ReplayConfig struct {
	LagThreshold   uint64        `mapstructure:"lag_threshold"`
	LagWindow      time.Duration `mapstructure:"lag_window"`
	StallAfter     time.Duration `mapstructure:"stall_after"`
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	Grace          time.Duration `mapstructure:"grace"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration. configPath may be empty, in which case config.yaml
// is searched in the working directory and /etc/ledgerline.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "ledgerline")
	v.SetDefault("postgres.password", "ledgerline")
	v.SetDefault("postgres.database", "ledgerline")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.migrations_path", "migrations")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("snapshots.interval", 100)
	v.SetDefault("projections.batch_size", 1000)
	v.SetDefault("projections.batch_wait", "500ms")
	v.SetDefault("projections.poll_interval", "250ms")
	v.SetDefault("projections.max_retries", 5)
	v.SetDefault("projections.lease_ttl", "15s")
	v.SetDefault("replay.lag_threshold", 100)
	v.SetDefault("replay.lag_window", "30s")
	v.SetDefault("replay.stall_after", "2m")
	v.SetDefault("replay.sample_interval", "5s")
	v.SetDefault("replay.grace", "1h")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9402")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/ledgerline")
	}

	v.SetEnvPrefix("LEDGERLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file; defaults plus env are enough.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
