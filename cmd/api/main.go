package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/statevoucher/grantkernel/internal/config"
	"github.com/statevoucher/grantkernel/internal/kernel"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	if err := pool.Ping(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	log.Info().Msg("connected to database")

	// This process carries no transport of its own: it is the
	// grant-management engine plus its two background processes (the
	// tentative-voucher sweep and a periodic full-log rebuild). Callers
	// reach it by embedding internal/kernel directly, not over HTTP.
	k := kernel.New(pool, cfg, log.Logger, 15*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	k.StartBackground(ctx)
	log.Info().Dur("sweepInterval", cfg.TentativeSweepInterval).Msg("kernel background processes started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()
	k.StopBackground()
	log.Info().Msg("shutdown complete")
}
