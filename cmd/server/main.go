package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iago/jobbroker/internal/blobstore"
	"github.com/iago/jobbroker/internal/broker"
	"github.com/iago/jobbroker/internal/config"
	httpserver "github.com/iago/jobbroker/internal/http"
	"github.com/iago/jobbroker/internal/http/handlers"
	"github.com/iago/jobbroker/internal/repository"
	"github.com/iago/jobbroker/internal/service"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	logger := log.New(os.Stdout, "[broker] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	if err := config.LoadYAML(configPath()); err != nil {
		logger.Printf("failed loading config file: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobBroker, brokerCloser := setupBroker(ctx, cfg, logger)
	defer brokerCloser()

	blobs, storeCloser := setupStore(ctx, cfg, logger)
	defer storeCloser()

	results := repository.NewResultStore(blobs)
	api := handlers.NewAPI(handlers.Dependencies{
		Jobs:             service.NewJobsService(jobBroker, results, cfg.ClaimTimeout),
		Output:           service.NewOutputService(jobBroker, cfg.OutputExpiration),
		Results:          results,
		Artifacts:        repository.NewArtifactStore(blobs),
		Logger:           logger,
		Version:          version,
		MaxArtifactBytes: cfg.MaxArtifactBytes,
	})

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		// Artifact uploads and downloads can be large.
		ReadTimeout:       5 * time.Minute,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Printf("broker %s listening on :%s", version, cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Printf("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Printf("server stopped with error: %v", err)
	}
}

func configPath() string {
	if path := os.Getenv("BROKER_CONFIG"); path != "" {
		return path
	}
	return "broker.yaml"
}

func setupBroker(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (broker.Broker, func()) {
	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, using in-memory broker")
		memory := broker.NewMemoryBroker(logger)
		return memory, func() { _ = memory.Close() }
	}

	redisBroker, err := broker.NewRedisBroker(ctx, broker.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Printf("failed to initialize redis broker, fallback to memory: %v", err)
		memory := broker.NewMemoryBroker(logger)
		return memory, func() { _ = memory.Close() }
	}
	logger.Printf("redis broker initialized addr=%s db=%d", cfg.RedisAddr, cfg.RedisDB)
	return redisBroker, func() { _ = redisBroker.Close() }
}

func setupStore(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (blobstore.Store, func()) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Printf("failed to initialize %s store, fallback to memory: %v", cfg.StoreBackend, err)
		store = blobstore.NewMemoryStore()
	} else {
		logger.Printf("%s store initialized", cfg.StoreBackend)
	}
	return store, func() {
		if err := store.Close(); err != nil {
			logger.Printf("failed closing store: %v", err)
		}
	}
}

func openStore(ctx context.Context, cfg config.Config) (blobstore.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreMemory:
		return blobstore.NewMemoryStore(), nil
	case config.StoreLocalFS:
		return blobstore.NewLocalFS(cfg.DataPath)
	case config.StorePostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL not configured")
		}
		return blobstore.NewPostgresStore(ctx, cfg.DatabaseURL)
	case config.StoreSQLite:
		return blobstore.NewSQLStore(ctx, blobstore.DriverSQLite, cfg.SQLitePath)
	case config.StoreMySQL:
		if cfg.MySQLDSN == "" {
			return nil, errors.New("MYSQL_DSN not configured")
		}
		return blobstore.NewSQLStore(ctx, blobstore.DriverMySQL, cfg.MySQLDSN)
	case config.StoreMongo:
		if cfg.MongoURL == "" {
			return nil, errors.New("MONGO_URL not configured")
		}
		return blobstore.NewMongoStore(cfg.MongoURL, cfg.MongoDatabase)
	default:
		return nil, errors.New("unknown STORE_BACKEND " + cfg.StoreBackend)
	}
}
