package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/api/v1/handler"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/config"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/middleware"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/pgmq"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/pubsub"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/quota"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/repository"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/service"
)

// New wires the API. The returned cleanup flushes pending events and closes
// every client it opened.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (http.Handler, func(), error) {
	logger.Info().Str("environment", cfg.Environment).Str("ledger", cfg.LedgerBackend).Msg("App environment loaded")

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (http.Handler, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// 1. Database
	pool, err := OpenPool(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, pool.Close)
	logger.Info().Msg("Database connection successful")

	if err := repository.Migrate(ctx, pool); err != nil {
		return fail(fmt.Errorf("running migrations: %w", err))
	}

	// 2. Ledger backend
	store, closeStore, err := NewLedgerStore(ctx, cfg, pool, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeStore)

	// 3. Storage and upstream
	s3Client, err := service.NewS3Client(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	imageStore := service.NewImageStore(s3Client, cfg.S3Bucket, cfg.ImageURLTTL, logger)
	imageClient := service.NewImageClient(nil, imageStore, cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, logger)

	// 4. Optional GCP clients
	var publisher pubsub.Publisher
	if cfg.PubSubQuotaTopic != "" {
		p, err := pubsub.NewPublisher(ctx, cfg)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = p.Close() })
		publisher = p
	}
	var secrets service.SecretManagerService
	if cfg.SecretManagerEnabled {
		if secrets, err = service.NewSecretManagerService(ctx, cfg); err != nil {
			return fail(err)
		}
	}

	// 5. Repositories & services & handlers
	validate := validator.New(validator.WithRequiredStructEnabled())
	userRepo := repository.NewUserRepo(pool)
	queue := pgmq.New(stdlib.OpenDBFromPool(pool))

	keySvc := service.NewProviderKeyService(secrets, service.DefaultKeyValidators(), logger)
	gate := quota.NewGate(store, userRepo, logger)
	studioSvc := service.NewStudioService(gate, imageClient, keySvc, publisher, service.StudioConfig{
		DefaultImageModel: cfg.DefaultImageModel,
		DefaultTextModel:  cfg.DefaultTextModel,
		GenerationTimeout: cfg.GenerationTimeout(),
		BatchUnitTimeout:  cfg.BatchUnitTimeout(),
		BatchConcurrency:  cfg.BatchConcurrency,
		BatchMaxCount:     cfg.BatchMaxCount,
		QuotaTopic:        cfg.PubSubQuotaTopic,
	}, logger)
	// Runs before the publisher closes.
	closers = append(closers, studioSvc.Wait)

	quotaSvc := service.NewQuotaService(store, logger)
	userSvc := service.NewUserService(userRepo)
	stripeSvc := service.NewStripeService(cfg, userRepo, queue, logger)

	studioHandler := handler.NewStudioHandler(studioSvc, validate, logger)
	quotaHandler := handler.NewQuotaHandler(quotaSvc, logger)
	billingHandler := handler.NewBillingHandler(stripeSvc, validate, logger)
	userHandler := handler.NewUserHandler(userSvc, keySvc, validate, logger)

	// 6. Routes
	authMiddleware := middleware.AuthMiddleware(cfg.JWTSecret, logger)

	apiV1Mux := http.NewServeMux()
	studioHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	quotaHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	billingHandler.RegisterRoutes(apiV1Mux, authMiddleware)
	userHandler.RegisterRoutes(apiV1Mux, authMiddleware)

	mux := http.NewServeMux()
	mux.Handle("/v1/", http.StripPrefix("/v1", apiV1Mux))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	// 7. CORS and request logging
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	return middleware.LoggerMiddleware(logger)(c.Handler(mux)), cleanup, nil
}

// OpenPool opens and pings the Postgres pool.
func OpenPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(withDevSSL(cfg.Environment, cfg.DBConnectionString))
	if err != nil {
		return nil, fmt.Errorf("parsing DB connection string: %w", err)
	}
	// Production sits behind a transaction pooler that cannot keep
	// server-side prepared statements.
	if cfg.Environment != "development" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	poolCfg.MaxConns = 25

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening DB pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging DB: %w", err)
	}
	return pool, nil
}

// withDevSSL disables SSL for local databases that do not say otherwise.
func withDevSSL(env, dsn string) string {
	if env != "development" || strings.Contains(dsn, "sslmode") {
		return dsn
	}
	separator := " "
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		separator = "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
	}
	return dsn + separator + "sslmode=disable"
}

// NewLedgerStore opens the quota backend named by LEDGER_BACKEND.
func NewLedgerStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (quota.Store, func(), error) {
	switch cfg.LedgerBackend {
	case "", "postgres":
		return repository.NewQuotaRepo(pool), func() {}, nil
	case "redis":
		opts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("pinging redis: %w", err)
		}
		return repository.NewRedisQuotaStore(client, repository.WithRedisKeyPrefix(cfg.RedisPrefix)), func() { _ = client.Close() }, nil
	case "memory":
		logger.Warn().Msg("Using in-memory quota ledger; balances are lost on restart")
		return quota.NewMemoryLedger(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown LEDGER_BACKEND %q", cfg.LedgerBackend)
	}
}
