// Command rebuild runs one full projection rebuild from the event log
// and exits. Useful after a projection-table schema change, or to
// recover from a suspected projection/log divergence, without waiting
// for the kernel's periodic background rebuild.
package main

import (
	"context"
	"os"
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

	k := kernel.New(pool, cfg, log.Logger, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	start := time.Now()
	if err := k.RebuildAll(ctx); err != nil {
		log.Fatal().Err(err).Msg("rebuild failed")
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("rebuild complete")
}
