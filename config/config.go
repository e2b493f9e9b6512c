// Package config reads server settings from the environment. A .env file in
// the working directory is loaded first when present; real environment
// variables win over it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Challenge backends.
const (
	ChallengesStore = "store" // same store as everything else
	ChallengesRedis = "redis"
)

type Config struct {
	Server      ServerConfig
	Store       StoreConfig
	Redis       RedisConfig
	NATS        NATSConfig
	Kafka       KafkaConfig
	Billing     BillingConfig
	Maintenance MaintenanceConfig
	LogLevel    string
}

type ServerConfig struct {
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

type StoreConfig struct {
	Driver      string
	SQLitePath  string
	DatabaseURL string
}

type RedisConfig struct {
	URL string
	// Challenges selects where challenge tokens and the event ledger live.
	Challenges string
}

type NATSConfig struct {
	URL string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type BillingConfig struct {
	FallbackRate     decimal.Decimal
	HolidaysFile     string
	BatchParallelism int
}

type MaintenanceConfig struct {
	PurgeInterval  time.Duration
	PurgeRetention time.Duration
	NotifyTimeout  time.Duration
}

// Load reads the configuration. envFiles default to ".env"; missing files
// are ignored.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	fallback, err := decimal.NewFromString(getEnv("FALLBACK_RATE", "0"))
	if err != nil || fallback.IsNegative() {
		return nil, fmt.Errorf("FALLBACK_RATE must be a non-negative decimal, got %q", os.Getenv("FALLBACK_RATE"))
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:           getInt("PORT", 8080),
			ReadTimeout:    getDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getDuration("SERVER_WRITE_TIMEOUT", 35*time.Second),
			IdleTimeout:    getDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins: getList("CORS_ALLOWED_ORIGINS"),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(getEnv("STORE_DRIVER", DriverSQLite)),
			SQLitePath:  getEnv("SQLITE_PATH", "attendance.db"),
			DatabaseURL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			URL:        getEnv("REDIS_URL", ""),
			Challenges: strings.ToLower(getEnv("CHALLENGE_BACKEND", ChallengesStore)),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", ""),
		},
		Kafka: KafkaConfig{
			Brokers: getList("KAFKA_BROKERS"),
			Topic:   getEnv("KAFKA_TOPIC", "attendance.events"),
		},
		Billing: BillingConfig{
			FallbackRate:     fallback,
			HolidaysFile:     getEnv("HOLIDAYS_FILE", ""),
			BatchParallelism: getInt("BATCH_PARALLELISM", 4),
		},
		Maintenance: MaintenanceConfig{
			PurgeInterval:  getDuration("PURGE_INTERVAL", time.Hour),
			PurgeRetention: getDuration("PURGE_RETENTION", 24*time.Hour),
			NotifyTimeout:  getDuration("NOTIFY_TIMEOUT", 5*time.Second),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
	return cfg, cfg.Validate()
}

// Validate checks the combinations Load cannot express with defaults.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q (memory, sqlite, postgres)", c.Store.Driver)
	}
	switch c.Redis.Challenges {
	case ChallengesStore:
	case ChallengesRedis:
		if c.Redis.URL == "" {
			return errors.New("REDIS_URL is required when CHALLENGE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown CHALLENGE_BACKEND %q (store, redis)", c.Redis.Challenges)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Server.Port)
	}
	for name, d := range map[string]time.Duration{
		"PURGE_INTERVAL":  c.Maintenance.PurgeInterval,
		"PURGE_RETENTION": c.Maintenance.PurgeRetention,
		"NOTIFY_TIMEOUT":  c.Maintenance.NotifyTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// getList splits a comma-separated variable, dropping blanks.
func getList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
