package main

import (
	"context"
	"database/sql"
	"flag"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/api/v1/router"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/config"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/logger"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/orchestrator/billing"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/pgmq"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/repository"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/service"
)

func main() {
	// Parse mode flag
	mode := flag.String("mode", "billing", "Orchestrator mode: billing")
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.New().Warn().Msg("Warning: no .env file found")
	}

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.New().Fatal().Msgf("Error loading config: %v", err)
	}
	log := logger.NewWithLevel(cfg.LogLevel)

	// Set up context with graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Queue connection
	db, err := sql.Open("pgx", cfg.DBConnectionString)
	if err != nil {
		log.Fatal().Msgf("Failed to open DB connection: %v", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Msgf("Failed to ping DB: %v", err)
	}
	pgmqClient := pgmq.New(db)
	log.Info().Msg("PGMQ client initialized")

	var runErr error
	switch *mode {
	case "billing":
		runErr = runBilling(ctx, cfg, pgmqClient)
	default:
		log.Fatal().Msgf("Invalid mode: %s", *mode)
	}

	if runErr != nil {
		log.Fatal().Msgf("%s orchestrator failed: %v", *mode, runErr)
	}
	log.Info().Msgf("%s orchestrator stopped gracefully", *mode)
}

func runBilling(ctx context.Context, cfg *config.Config, client *pgmq.Client) error {
	log := logger.NewWithLevel(cfg.LogLevel)
	opts := billing.OptionsFromConfig(cfg)
	for _, q := range []string{opts.Queue, opts.DeadLetter} {
		if err := client.CreateQueue(ctx, q); err != nil {
			return err
		}
	}

	pool, err := router.OpenPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	store, closeStore, err := router.NewLedgerStore(ctx, cfg, pool, log)
	if err != nil {
		return err
	}
	defer closeStore()

	svc := service.NewBillingService(cfg, store, repository.NewUserRepo(pool), service.NewStripeGateway(cfg.StripeSecretKey), log)
	return billing.Run(ctx, log, client, svc, opts)
}
