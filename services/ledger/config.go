package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageDriverPostgres = "postgres"
	StorageDriverMongo    = "mongo"
	StorageDriverMemory   = "memory"
)

// Config reúne a configuração do serviço lida do ambiente
type Config struct {
	Port          string
	ServiceName   string
	StorageDriver string

	DatabaseHost     string
	DatabasePort     string
	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string
	LockTimeout      time.Duration

	MongoURI      string
	MongoDatabase string

	OTelEnabled  bool
	OTelEndpoint string

	Retry           RetryPolicy
	ShutdownTimeout time.Duration
}

// LoadConfig carrega o .env (se existir) e lê as variáveis de ambiente
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	var err error
	cfg := Config{
		Port:             getEnv("PORT", "8080"),
		ServiceName:      getEnv("SERVICE_NAME", "ledger-service"),
		StorageDriver:    getEnv("STORAGE_DRIVER", StorageDriverPostgres),
		DatabaseHost:     getEnv("DATABASE_HOST", "localhost"),
		DatabasePort:     getEnv("DATABASE_PORT", "5432"),
		DatabaseUser:     getEnv("DATABASE_USER", "root"),
		DatabasePassword: getEnv("DATABASE_PASSWORD", "ledger_pass"),
		DatabaseName:     getEnv("DATABASE_NAME", "ledger_db"),
		MongoURI:         getEnv("MONGO_URI", "mongodb://localhost:27017/?replicaSet=rs0"),
		MongoDatabase:    getEnv("MONGO_DATABASE", "ledger"),
		OTelEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
	}

	defaults := DefaultRetryPolicy()

	if cfg.OTelEnabled, err = getEnvBool("OTEL_ENABLED", true); err != nil {
		return Config{}, err
	}
	attempts, err := getEnvInt("COMMIT_MAX_ATTEMPTS", int(defaults.MaxAttempts))
	if err != nil {
		return Config{}, err
	}
	if attempts < 1 {
		return Config{}, fmt.Errorf("COMMIT_MAX_ATTEMPTS must be at least 1, got %d", attempts)
	}
	cfg.Retry.MaxAttempts = uint(attempts)

	if cfg.Retry.InitialBackoff, err = getEnvDuration("COMMIT_INITIAL_BACKOFF", defaults.InitialBackoff); err != nil {
		return Config{}, err
	}
	if cfg.Retry.MaxBackoff, err = getEnvDuration("COMMIT_MAX_BACKOFF", defaults.MaxBackoff); err != nil {
		return Config{}, err
	}
	if cfg.Retry.CommitTimeout, err = getEnvDuration("COMMIT_TIMEOUT", defaults.CommitTimeout); err != nil {
		return Config{}, err
	}
	if cfg.LockTimeout, err = getEnvDuration("LOCK_TIMEOUT", 2*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}

	switch cfg.StorageDriver {
	case StorageDriverPostgres, StorageDriverMongo, StorageDriverMemory:
	default:
		return Config{}, fmt.Errorf("unknown STORAGE_DRIVER %q", cfg.StorageDriver)
	}

	return cfg, nil
}

// PostgresDSN é o DSN do pool pgx
func (c Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&pool_max_conns=25&pool_min_conns=5",
		c.DatabaseUser,
		c.DatabasePassword,
		c.DatabaseHost,
		c.DatabasePort,
		c.DatabaseName,
	)
}

// MigrationDSN é o DSN no formato do lib/pq
func (c Config) MigrationDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DatabaseHost,
		c.DatabasePort,
		c.DatabaseUser,
		c.DatabasePassword,
		c.DatabaseName,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}
