// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/tinybrain/tabgate/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL          string
	ChainID         int64
	TreasuryKey     string // Treasury private key, hex-encoded, with or without 0x prefix
	TreasuryAddress string // Derived from TreasuryKey if empty
	USDCContract    string

	// Backends
	PrimaryURL      string // Primary inference backend (SSE streaming)
	PrimaryModel    string
	EscalationURL   string // Escalation backend (402-protected completion endpoint)
	EscalationModel string

	// Payment settings
	QueryCostCents  int64 // Price of one answered turn
	MinDepositCents int64 // Minimum session deposit
	PaymentTimeout  time.Duration

	// Session settings
	IdleTimeout   time.Duration // Inactivity before a session is swept
	SweepInterval time.Duration

	// Routing
	PerplexityThreshold float64

	// Observability
	OTLPEndpoint string

	// Security
	RateLimitRPM int
}

// Base mainnet defaults (USDC supports EIP-3009 transferWithAuthorization)
const (
	DefaultRPCURL       = "https://mainnet.base.org"
	DefaultChainID      = 8453
	DefaultUSDCContract = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultPrimaryURL   = "http://localhost:8000"
	DefaultRateLimit    = 120
)

// Pricing and session defaults, matching the published deposit presets.
const (
	DefaultQueryCostCents      = 1
	DefaultMinDepositCents     = 10
	DefaultIdleTimeout         = 30 * time.Minute
	DefaultSweepInterval       = time.Minute
	DefaultPaymentTimeout      = 5 * time.Minute
	DefaultPerplexityThreshold = 80
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		TreasuryKey:         os.Getenv("TREASURY_PRIVATE_KEY"), // Required, no default
		TreasuryAddress:     os.Getenv("TREASURY_ADDRESS"),
		USDCContract:        getEnv("USDC_CONTRACT", DefaultUSDCContract),
		PrimaryURL:          getEnv("PRIMARY_URL", DefaultPrimaryURL),
		PrimaryModel:        getEnv("PRIMARY_MODEL", "tinychat"),
		EscalationURL:       os.Getenv("ESCALATION_URL"),
		EscalationModel:     getEnv("ESCALATION_MODEL", "deepseek-r1"),
		QueryCostCents:      getEnvInt64("QUERY_COST_CENTS", DefaultQueryCostCents),
		MinDepositCents:     getEnvInt64("MIN_DEPOSIT_CENTS", DefaultMinDepositCents),
		PaymentTimeout:      getEnvDuration("PAYMENT_TIMEOUT", DefaultPaymentTimeout),
		IdleTimeout:         getEnvDuration("SESSION_IDLE_TIMEOUT", DefaultIdleTimeout),
		SweepInterval:       getEnvDuration("SESSION_SWEEP_INTERVAL", DefaultSweepInterval),
		PerplexityThreshold: getEnvFloat("PERPLEXITY_THRESHOLD", DefaultPerplexityThreshold),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.TreasuryKey == "" {
		return fmt.Errorf("TREASURY_PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.TreasuryKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("TREASURY_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.QueryCostCents <= 0 {
		return fmt.Errorf("QUERY_COST_CENTS must be positive")
	}
	if c.MinDepositCents < c.QueryCostCents {
		return fmt.Errorf("MIN_DEPOSIT_CENTS must cover at least one query")
	}

	// Development commonly runs backends on localhost; production must
	// not proxy toward internal infrastructure.
	if c.IsProduction() {
		if err := security.ValidateEndpointURL(c.PrimaryURL); err != nil {
			return fmt.Errorf("PRIMARY_URL: %v", err)
		}
		if c.EscalationURL != "" {
			if err := security.ValidateEndpointURL(c.EscalationURL); err != nil {
				return fmt.Errorf("ESCALATION_URL: %v", err)
			}
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
