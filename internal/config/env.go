// Package config provides configuration loading from environment variables
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores application configuration
type Config struct {
	// Server configuration
	Port    string
	SiteURL string // Public site URL used for checkout redirects

	// Supabase configuration
	SupabaseURL            string
	SupabaseKey            string
	SupabaseServiceRoleKey string // Service role key for webhook operations
	SupabaseJWTSecret      string // optional: used to verify HS256 JWTs from Supabase

	// Database configuration
	DatabaseDriver string // supabase, postgres or sqlite
	DatabaseURL    string

	// Stripe configuration
	StripeSecretKey       string
	StripeWebhookSecret   string
	StripePricePro        string
	StripePriceEnterprise string

	// Paddle configuration
	PaddleVendorID          string
	PaddleVendorAuthCode    string
	PaddleWebhookSecret     string
	PaddleVendorURL         string
	PaddleProductPro        string
	PaddleProductEnterprise string

	// Security configuration
	AllowedOrigins []string
	RateLimit      int // Requests per minute
	RequireAuth    bool
	RedisURL       string // optional: shares rate limit counters between instances

	// Webhook payload archive (optional)
	ArchiveBucket          string
	ArchivePrefix          string
	ArchiveRegion          string
	ArchiveEndpoint        string // S3-compatible endpoint, empty for AWS
	ArchiveAccessKeyID     string
	ArchiveSecretAccessKey string

	// Housekeeping
	LedgerRetention time.Duration
	LedgerPurgeCron string

	// Environment (development, production)
	Environment string
}

// Load loads configuration from environment variables
// It will attempt to load from .env file if present
func Load() (*Config, error) {
	loadEnvFile()

	cfg := &Config{
		Port:            envOrDefault("PORT", "8080"),
		Environment:     envOrDefault("ENVIRONMENT", "production"),
		SiteURL:         strings.TrimRight(envOrDefault("SITE_URL", "http://localhost:3000"), "/"),
		DatabaseDriver:  envOrDefault("DATABASE_DRIVER", "supabase"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		PaddleVendorURL: strings.TrimRight(envOrDefault("PADDLE_VENDOR_URL", "https://vendors.paddle.com/api"), "/"),
		RedisURL:        os.Getenv("REDIS_URL"),
		ArchiveBucket:   os.Getenv("ARCHIVE_BUCKET"),
		ArchivePrefix:   envOrDefault("ARCHIVE_PREFIX", "webhooks"),
		ArchiveRegion:   envOrDefault("ARCHIVE_REGION", "us-east-1"),
		ArchiveEndpoint: os.Getenv("ARCHIVE_ENDPOINT"),
		LedgerPurgeCron: envOrDefault("LEDGER_PURGE_CRON", "@daily"),
	}

	switch cfg.DatabaseDriver {
	case "supabase":
		cfg.SupabaseURL = os.Getenv("SUPABASE_URL")
		if cfg.SupabaseURL == "" {
			return nil, errors.New("SUPABASE_URL is required")
		}
		cfg.SupabaseServiceRoleKey = os.Getenv("SUPABASE_SERVICE_ROLE_KEY")
		if cfg.SupabaseServiceRoleKey == "" {
			return nil, errors.New("SUPABASE_SERVICE_ROLE_KEY is required")
		}
	case "postgres", "sqlite":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required for the " + cfg.DatabaseDriver + " driver")
		}
		cfg.SupabaseURL = os.Getenv("SUPABASE_URL")
	default:
		return nil, errors.New("DATABASE_DRIVER must be one of supabase, postgres, sqlite")
	}

	cfg.SupabaseKey = os.Getenv("SUPABASE_KEY")

	// Optional JWT secret for validating HS256 tokens
	cfg.SupabaseJWTSecret = os.Getenv("SUPABASE_JWT_SECRET")

	// Stripe configuration
	cfg.StripeSecretKey = os.Getenv("STRIPE_SECRET_KEY")
	if cfg.StripeSecretKey == "" {
		return nil, errors.New("STRIPE_SECRET_KEY is required")
	}

	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	if cfg.StripeWebhookSecret == "" {
		return nil, errors.New("STRIPE_WEBHOOK_SECRET is required")
	}

	cfg.StripePricePro = os.Getenv("STRIPE_PRICE_PRO")
	if cfg.StripePricePro == "" {
		return nil, errors.New("STRIPE_PRICE_PRO is required")
	}
	cfg.StripePriceEnterprise = os.Getenv("STRIPE_PRICE_ENTERPRISE")

	// Paddle is optional as a whole, but a webhook secret without vendor
	// credentials (or the reverse) is a configuration mistake.
	cfg.PaddleVendorID = os.Getenv("PADDLE_VENDOR_ID")
	cfg.PaddleVendorAuthCode = os.Getenv("PADDLE_VENDOR_AUTH_CODE")
	cfg.PaddleWebhookSecret = os.Getenv("PADDLE_WEBHOOK_SECRET")
	cfg.PaddleProductPro = os.Getenv("PADDLE_PRODUCT_PRO")
	cfg.PaddleProductEnterprise = os.Getenv("PADDLE_PRODUCT_ENTERPRISE")
	if cfg.PaddleEnabled() && cfg.PaddleWebhookSecret == "" {
		return nil, errors.New("PADDLE_WEBHOOK_SECRET is required when Paddle vendor credentials are set")
	}
	if cfg.PaddleWebhookSecret != "" && !cfg.PaddleEnabled() {
		return nil, errors.New("PADDLE_VENDOR_ID and PADDLE_VENDOR_AUTH_CODE are required when PADDLE_WEBHOOK_SECRET is set")
	}

	origins := envOrDefault("ALLOWED_ORIGINS", "http://localhost:3000,app://desktop")
	cfg.AllowedOrigins = parseCommaSeparatedList(origins)

	rateLimit, err := strconv.Atoi(envOrDefault("RATE_LIMIT", "60"))
	if err != nil {
		rateLimit = 60 // Default to 60 rpm if parsing fails
	}
	cfg.RateLimit = rateLimit

	cfg.RequireAuth = envBool("REQUIRE_AUTH", true)

	cfg.ArchiveAccessKeyID = os.Getenv("ARCHIVE_ACCESS_KEY_ID")
	cfg.ArchiveSecretAccessKey = os.Getenv("ARCHIVE_SECRET_ACCESS_KEY")

	retention, err := time.ParseDuration(envOrDefault("LEDGER_RETENTION", "2160h"))
	if err != nil {
		return nil, errors.New("LEDGER_RETENTION must be a Go duration, e.g. 2160h")
	}
	cfg.LedgerRetention = retention

	return cfg, nil
}

// PaddleEnabled reports whether Paddle vendor credentials are configured
func (c *Config) PaddleEnabled() bool {
	return c.PaddleVendorID != "" && c.PaddleVendorAuthCode != ""
}

// IsDevelopment reports whether the server runs in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// loadEnvFile attempts to load .env from the project root directory
// It looks for the file in the current directory and parent directories
func loadEnvFile() {
	if err := godotenv.Load(); err == nil {
		return
	}

	dir, err := os.Getwd()
	if err != nil {
		return
	}

	// Look up to 5 directories up to find project root
	for i := 0; i < 5; i++ {
		if fileExists(filepath.Join(dir, "go.mod")) ||
			dirExists(filepath.Join(dir, "cmd")) {
			_ = godotenv.Load(filepath.Join(dir, ".env"))
			return
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func envOrDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func envBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

// parseCommaSeparatedList splits a comma separated list, dropping empty entries
func parseCommaSeparatedList(s string) []string {
	result := []string{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
