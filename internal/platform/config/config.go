// Package config loads engine configuration from environment variables.
//
// Every operational tuning parameter lives here: similarity thresholds, the
// Wilson confidence level, portfolio caps and reserved slots, fraud
// heuristic thresholds, worker intervals, and database pool sizing. The
// thresholds are deployment tuning, not correctness invariants.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all engine configuration loaded from the environment.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"local"`
	PostgresDSN string `env:"POSTGRES_DSN,required"`
	HealthPort  int    `env:"HEALTH_PORT" envDefault:"8080"`

	// Embedding provider
	EmbeddingAPIKey     string        `env:"EMBEDDING_API_KEY"`
	EmbeddingModel      string        `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-small"`
	EmbeddingDimensions int           `env:"EMBEDDING_DIMENSIONS" envDefault:"1536"`
	EmbeddingRateLimit  int           `env:"EMBEDDING_RATE_LIMIT_RPS" envDefault:"5"`
	EmbeddingTimeout    time.Duration `env:"EMBEDDING_TIMEOUT" envDefault:"5s"`
	EmbeddingRetries    int           `env:"EMBEDDING_RETRIES" envDefault:"2"`

	// Deduplication
	DuplicateSimilarity float32 `env:"DUPLICATE_SIMILARITY" envDefault:"0.85"`
	RelatedSimilarity   float32 `env:"RELATED_SIMILARITY" envDefault:"0.60"`

	// Scoring
	WilsonZ float64 `env:"WILSON_Z" envDefault:"1.96"`

	// Portfolio selection
	IssueCapFraction      float64 `env:"ISSUE_CAP_FRACTION" envDefault:"0.40"`
	ReservedMinoritySlots int     `env:"RESERVED_MINORITY_SLOTS" envDefault:"10"`
	DefaultTopN           int     `env:"DEFAULT_TOP_N" envDefault:"100"`

	// Issue tag taxonomy (closed enumeration)
	IssueTags []string `env:"ISSUE_TAGS" envSeparator:"," envDefault:"housing,transportation,safety,budget,education,governance,other"`

	// Fraud monitor
	FraudVelocityPerMinute  int           `env:"FRAUD_VELOCITY_PER_MINUTE" envDefault:"30"`
	FraudYoungAccountAge    time.Duration `env:"FRAUD_YOUNG_ACCOUNT_AGE" envDefault:"48h"`
	FraudYoungAccountShare  float64       `env:"FRAUD_YOUNG_ACCOUNT_SHARE" envDefault:"0.6"`
	FraudFingerprintPerHour int           `env:"FRAUD_FINGERPRINT_PER_HOUR" envDefault:"20"`
	FraudWindow             time.Duration `env:"FRAUD_WINDOW" envDefault:"15m"`
	FraudEventBuffer        int           `env:"FRAUD_EVENT_BUFFER" envDefault:"4096"`

	// Sweep worker
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	FraudScanInterval time.Duration `env:"FRAUD_SCAN_INTERVAL" envDefault:"5m"`

	// Database pool
	DBMaxConnections    int32         `env:"DB_MAX_CONNECTIONS" envDefault:"25"`
	DBMinConnections    int32         `env:"DB_MIN_CONNECTIONS" envDefault:"5"`
	DBMaxConnIdleTime   time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"30m"`
	DBMaxConnLifetime   time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	DBHealthCheckPeriod time.Duration `env:"DB_HEALTH_CHECK_PERIOD" envDefault:"1m"`
}

// Load reads configuration from the environment, layering an optional .env
// file underneath.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be positive, got %d", c.EmbeddingDimensions)
	}

	if c.DuplicateSimilarity <= c.RelatedSimilarity {
		return fmt.Errorf("DUPLICATE_SIMILARITY (%v) must exceed RELATED_SIMILARITY (%v)",
			c.DuplicateSimilarity, c.RelatedSimilarity)
	}

	if c.IssueCapFraction <= 0 || c.IssueCapFraction > 1 {
		return fmt.Errorf("ISSUE_CAP_FRACTION must be in (0, 1], got %v", c.IssueCapFraction)
	}

	if len(c.IssueTags) == 0 {
		return fmt.Errorf("ISSUE_TAGS must not be empty")
	}

	for _, tag := range c.IssueTags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("ISSUE_TAGS contains an empty tag")
		}
	}

	return nil
}
