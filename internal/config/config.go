package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the kernel process.
type Config struct {
	// Database
	DatabaseURL string

	// Server
	Port string
	Env  string

	// IdempotencyTTL is how long a completed command's reservation is
	// honored before its key may be reused.
	IdempotencyTTL time.Duration

	// TentativeSweepInterval is how often the tentative-voucher sweeper
	// scans for expired TENTATIVE vouchers.
	TentativeSweepInterval time.Duration

	// ClaimSubmissionDeadlineGrace is added to a grant's claimsDeadline
	// when evaluating CLAIM_DEADLINE_PASSED, to absorb submission-queue
	// latency around the boundary.
	ClaimSubmissionDeadlineGrace time.Duration

	// SystemActorID is loaded from SYSTEM_ACTOR_ID. No component reads
	// it: the tentative sweep stamps its events with domain.SystemActorID.
	SystemActorID uuid.UUID
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL:                  getEnv("DATABASE_URL", ""),
		Port:                         getEnv("PORT", "8080"),
		Env:                          getEnv("ENV", "development"),
		IdempotencyTTL:               getDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		TentativeSweepInterval:       getDuration("TENTATIVE_SWEEP_INTERVAL", 5*time.Minute),
		ClaimSubmissionDeadlineGrace: getDuration("CLAIM_DEADLINE_GRACE", 0),
		SystemActorID:                uuid.MustParse(getEnv("SYSTEM_ACTOR_ID", "00000000-0000-0000-0000-000000000001")),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
