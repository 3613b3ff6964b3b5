package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("❌ Ledger service stopped", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry
	if cfg.OTelEnabled {
		shutdownTelemetry, err := initTelemetry(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				logger.Error("Error shutting down telemetry", zap.Error(err))
			}
		}()
	}

	tracer := otel.Tracer(cfg.ServiceName)
	metrics, err := NewLedgerMetrics(otel.Meter(cfg.ServiceName))
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	// Initialize storage
	repository, err := initRepository(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := repository.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("Error closing storage", zap.Error(err))
		}
	}()

	// Initialize dependencies
	transactions := NewTransactionUseCase(repository, tracer, metrics, logger, cfg.Retry)
	catalog := NewCatalogUseCase(repository, logger)
	handler := NewLedgerHandler(transactions, catalog, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      newRouter(cfg.ServiceName, handler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("🚀 Ledger Service listening",
			zap.String("port", cfg.Port),
			zap.String("storage", cfg.StorageDriver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
		logger.Info("🛑 Shutting down ledger service")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

func newRouter(serviceName string, handler *LedgerHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(serviceName))
	handler.RegisterRoutes(r)
	return r
}

func initRepository(ctx context.Context, cfg Config, logger *zap.Logger) (Repository, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory:
		logger.Warn("⚠️ Using in-memory storage, data is lost on restart")
		return NewMemoryRepository(), nil

	case StorageDriverMongo:
		client, err := initMongo(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		repository := NewMongoRepository(client, cfg.MongoDatabase)
		if err := repository.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.WithoutCancel(ctx))
			return nil, err
		}
		return repository, nil

	default:
		if err := runMigrations(ctx, cfg.MigrationDSN(), logger); err != nil {
			return nil, err
		}
		pool, err := initDB(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return NewPostgresRepository(pool, cfg.LockTimeout), nil
	}
}

const (
	readyAttempts = 30
	readyInterval = time.Second
)

// waitReady pinga o datastore até responder, desistindo quando ctx acaba
func waitReady(ctx context.Context, name string, ping func(context.Context) error, logger *zap.Logger, attempts uint, interval time.Duration) error {
	var attempt uint
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, ping(ctx)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Info("⏳ Waiting for "+name+"...", zap.Uint("attempt", attempt), zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("%s not ready after %d attempts: %w", name, attempt, err)
	}
	return nil
}

func initDB(ctx context.Context, cfg Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Configure connection pool
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := waitReady(ctx, "database", pool.Ping, logger, readyAttempts, readyInterval); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("✅ Connected to ledger database with connection pool")
	return pool, nil
}

func initMongo(ctx context.Context, cfg Config, logger *zap.Logger) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	ping := func(ctx context.Context) error {
		return client.Ping(ctx, readpref.Primary())
	}
	if err := waitReady(ctx, "mongo", ping, logger, readyAttempts, readyInterval); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, err
	}

	logger.Info("✅ Connected to ledger mongo replica set")
	return client, nil
}
