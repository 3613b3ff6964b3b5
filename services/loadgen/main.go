package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Config da rodada de carga
type Config struct {
	LedgerURL      string
	BusinessID     string
	InitialStock   int
	Sales          int
	Quantity       int
	Concurrency    int
	UnitPrice      string
	RequestTimeout time.Duration
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Error("❌ [LOADGEN] failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := NewLedgerClient(cfg.LedgerURL, cfg.BusinessID, cfg.RequestTimeout)

	report, err := RunBenchmark(ctx, client, cfg, logger)
	if err != nil {
		return err
	}

	if err := report.Verify(); err != nil {
		return err
	}

	logger.Info("✅ [LOADGEN] stock invariant holds",
		zap.String("product_id", report.ProductID),
		zap.Int("final_stock", report.FinalStock),
	)
	return nil
}

// LoadConfig lê a rodada do ambiente (e do .env, se existir)
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Config{
		LedgerURL:  getEnv("LEDGER_URL", "http://localhost:8080"),
		BusinessID: getEnv("BUSINESS_ID", "loadgen-business"),
		UnitPrice:  getEnv("UNIT_PRICE", "9.90"),
	}

	ints := []struct {
		key      string
		target   *int
		fallback int
		min      int
	}{
		{"INITIAL_STOCK", &cfg.InitialStock, 100, 0},
		{"SALES", &cfg.Sales, 200, 1},
		{"QUANTITY", &cfg.Quantity, 1, 1},
		{"CONCURRENCY", &cfg.Concurrency, 32, 1},
	}
	for _, field := range ints {
		value, err := getEnvInt(field.key, field.fallback)
		if err != nil {
			return Config{}, err
		}
		if value < field.min {
			return Config{}, fmt.Errorf("%s must be at least %d, got %d", field.key, field.min, value)
		}
		*field.target = value
	}

	timeout, err := time.ParseDuration(getEnv("REQUEST_TIMEOUT", "30s"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid REQUEST_TIMEOUT: %w", err)
	}
	cfg.RequestTimeout = timeout

	return cfg, nil
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
