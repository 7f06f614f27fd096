package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/api/v1/router"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/config"
	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/logger"
)

func main() {
	// 1. Load configuration
	if err := godotenv.Load(); err != nil {
		logger.New().Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.New().Fatal().Msgf("Error loading config: %v", err)
	}
	log := logger.NewWithLevel(cfg.LogLevel)

	// 2. Build router
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	r, cleanup, err := router.New(ctx, cfg, log)
	cancel()
	if err != nil {
		log.Fatal().Msgf("Failed to build router: %v", err)
	}
	defer cleanup()

	// 3. Create HTTP server. A batch runs its units in waves of
	// BatchConcurrency, so the write timeout covers every wave.
	waves := (cfg.BatchMaxCount + max(cfg.BatchConcurrency, 1) - 1) / max(cfg.BatchConcurrency, 1)
	writeTimeout := max(cfg.GenerationTimeout(), time.Duration(max(waves, 1))*cfg.BatchUnitTimeout()) + 30*time.Second
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// 4. Start server in a goroutine
	go func() {
		log.Info().Str("port", cfg.Port).Dur("write_timeout", writeTimeout).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Msgf("Listen: %s", err)
		}
	}()

	// 5. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutdown signal received, exiting...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), writeTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server shut down gracefully")
}
