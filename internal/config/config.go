// Package config provides configuration loading and management for the missions service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/tier"
	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// The loading order ensures that system environment variables take precedence over .env files.
func init() {
	// godotenv.Load() does not override already-set environment variables,
	// preserving OS env > .env precedence

	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the missions service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Database connection string (PostgreSQL); empty selects the memory store
	RedisURL    string // Redis URL for the shared rate-limit backend
	NATSURL     string // NATS server URL for events and JetStream dispatch
	AMQPURL     string // RabbitMQ URL; used for dispatch when NATS is not configured

	// Recording storage
	S3Endpoint        string   // S3-compatible storage endpoint
	S3Region          string   // S3 region
	S3Bucket          string   // S3 bucket name
	S3AccessKey       string   // S3 access key
	S3SecretKey       string   // S3 secret key
	MaxRecordingSize  int64    // Maximum recording size in bytes
	AllowedAudioTypes []string // Allowed MIME types for recording uploads

	// Authentication
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation
	JWKSURL     string // JWKS endpoint; defaults to the issuer's well-known path

	// Balances
	ChainRPCURL           string        // Ethereum JSON-RPC endpoint
	TokenAddress          string        // Primary ERC-20 contract
	SecondaryTokenAddress string        // Secondary ERC-20 contract, dual eligibility only
	BalanceCacheTTL       time.Duration // How long a looked-up balance is reused
	BalanceTimeout        time.Duration // Upper bound for one balance lookup
	DevBalance            *big.Int      // Balance every wallet holds when no chain is configured (dev only)

	// Creator eligibility
	EligibilityMode            string   // single or dual
	CreatorMinBalance          *big.Int // Primary minimum; nil means the basic tier threshold
	CreatorSecondaryMinBalance *big.Int // Secondary minimum in dual mode

	// Voice provider
	VoiceURL        string        // Provider base URL
	VoiceAPIKey     string        // Provider API key
	VoiceTimeout    time.Duration // Upper bound for one synthesis call
	VoiceRateMax    int           // Requests per window per wallet
	VoiceRateWindow time.Duration // Rate-limit window
	VoicePace       float64       // Outbound requests per second toward the provider; 0 disables

	// Workers
	ModerationWorkers int // Async moderation workers
	DispatchWorkers   int // Burn action dispatch workers

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort              = "8080"
	defaultS3Region          = "us-east-1"
	defaultEnv               = "dev"
	defaultEligibilityMode   = "single"
	defaultBalanceCacheTTL   = 15 * time.Second
	defaultBalanceTimeout    = 5 * time.Second
	defaultVoiceTimeout      = 10 * time.Second
	defaultVoiceRateMax      = 10
	defaultVoiceRateWindow   = time.Hour
	defaultVoicePace         = 5
	defaultModerationWorkers = 2
	defaultDispatchWorkers   = 2
	defaultMaxRecordingSize  = 50 * 1024 * 1024
)

var defaultAudioTypes = []string{"audio/mpeg", "audio/wav", "audio/mp4", "audio/aac", "audio/ogg", "audio/webm", "audio/flac"}

// Load reads environment variables and produces a Config suitable for wiring the service.
// It handles both required and optional configuration parameters, providing defaults where appropriate.
// Returns an error if required parameters are missing or a value is malformed.
func Load() (Config, error) {
	cfg := Config{
		Env:               getEnv("MISSIONS_ENV", defaultEnv),
		Port:              getEnv("MISSIONS_PORT", defaultPort),
		DatabaseDSN:       os.Getenv("MISSIONS_DB_DSN"),
		RedisURL:          os.Getenv("MISSIONS_REDIS_URL"),
		NATSURL:           os.Getenv("MISSIONS_NATS_URL"),
		AMQPURL:           os.Getenv("MISSIONS_AMQP_URL"),
		S3Endpoint:        os.Getenv("MISSIONS_S3_ENDPOINT"),
		S3Region:          getEnv("MISSIONS_S3_REGION", defaultS3Region),
		S3Bucket:          os.Getenv("MISSIONS_S3_BUCKET"),
		S3AccessKey:       os.Getenv("MISSIONS_S3_ACCESS_KEY"),
		S3SecretKey:       os.Getenv("MISSIONS_S3_SECRET_KEY"),
		AllowedAudioTypes: defaultAudioTypes,
		JWTIssuer:         os.Getenv("MISSIONS_JWT_ISSUER"),
		JWTAudience:       os.Getenv("MISSIONS_JWT_AUDIENCE"),
		JWKSURL:           os.Getenv("MISSIONS_JWKS_URL"),
		ChainRPCURL:       os.Getenv("MISSIONS_CHAIN_RPC_URL"),
		TokenAddress:      os.Getenv("MISSIONS_TOKEN_ADDRESS"),
		EligibilityMode:   strings.ToLower(getEnv("MISSIONS_ELIGIBILITY_MODE", defaultEligibilityMode)),
		VoiceURL:          os.Getenv("MISSIONS_VOICE_URL"),
		VoiceAPIKey:       os.Getenv("MISSIONS_VOICE_API_KEY"),

		SecondaryTokenAddress: os.Getenv("MISSIONS_SECONDARY_TOKEN_ADDRESS"),
	}

	var err error
	if cfg.MaxRecordingSize, err = getInt64("MISSIONS_MAX_RECORDING_SIZE", defaultMaxRecordingSize); err != nil {
		return cfg, err
	}
	if types, exists := os.LookupEnv("MISSIONS_ALLOWED_AUDIO_TYPES"); exists && strings.TrimSpace(types) != "" {
		cfg.AllowedAudioTypes = splitList(types)
	}
	if cfg.BalanceCacheTTL, err = getDuration("MISSIONS_BALANCE_CACHE_TTL", defaultBalanceCacheTTL); err != nil {
		return cfg, err
	}
	if cfg.BalanceTimeout, err = getDuration("MISSIONS_BALANCE_TIMEOUT", defaultBalanceTimeout); err != nil {
		return cfg, err
	}
	if cfg.DevBalance, err = getBalance("MISSIONS_DEV_BALANCE"); err != nil {
		return cfg, err
	}
	if cfg.CreatorMinBalance, err = getBalance("MISSIONS_CREATOR_MIN_BALANCE"); err != nil {
		return cfg, err
	}
	if cfg.CreatorSecondaryMinBalance, err = getBalance("MISSIONS_CREATOR_SECONDARY_MIN_BALANCE"); err != nil {
		return cfg, err
	}
	if cfg.VoiceTimeout, err = getDuration("MISSIONS_VOICE_TIMEOUT", defaultVoiceTimeout); err != nil {
		return cfg, err
	}
	if cfg.VoiceRateMax, err = getInt("MISSIONS_VOICE_RATE_MAX", defaultVoiceRateMax); err != nil {
		return cfg, err
	}
	if cfg.VoiceRateWindow, err = getDuration("MISSIONS_VOICE_RATE_WINDOW", defaultVoiceRateWindow); err != nil {
		return cfg, err
	}
	if cfg.VoicePace, err = getFloat("MISSIONS_VOICE_PACE", defaultVoicePace); err != nil {
		return cfg, err
	}
	if cfg.ModerationWorkers, err = getInt("MISSIONS_MODERATION_WORKERS", defaultModerationWorkers); err != nil {
		return cfg, err
	}
	if cfg.DispatchWorkers, err = getInt("MISSIONS_DISPATCH_WORKERS", defaultDispatchWorkers); err != nil {
		return cfg, err
	}

	// Handle CORS configuration
	if corsOrigins, exists := os.LookupEnv("MISSIONS_CORS_ALLOWED_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = splitList(corsOrigins)
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("MISSIONS_JWT_ISSUER is required")
	}
	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("MISSIONS_JWT_AUDIENCE is required")
	}
	if cfg.EligibilityMode != "single" && cfg.EligibilityMode != "dual" {
		return cfg, fmt.Errorf("MISSIONS_ELIGIBILITY_MODE must be single or dual, got %q", cfg.EligibilityMode)
	}
	if cfg.EligibilityMode == "dual" {
		if cfg.SecondaryTokenAddress == "" && cfg.ChainRPCURL != "" {
			return cfg, fmt.Errorf("MISSIONS_SECONDARY_TOKEN_ADDRESS is required in dual eligibility mode")
		}
		if cfg.CreatorSecondaryMinBalance == nil {
			return cfg, fmt.Errorf("MISSIONS_CREATOR_SECONDARY_MIN_BALANCE is required in dual eligibility mode")
		}
	}
	if cfg.ChainRPCURL != "" && cfg.TokenAddress == "" {
		return cfg, fmt.Errorf("MISSIONS_TOKEN_ADDRESS is required when MISSIONS_CHAIN_RPC_URL is set")
	}
	if cfg.ChainRPCURL == "" && !cfg.IsDev() {
		return cfg, fmt.Errorf("MISSIONS_CHAIN_RPC_URL is required outside dev")
	}
	if cfg.VoiceRateMax <= 0 {
		return cfg, fmt.Errorf("MISSIONS_VOICE_RATE_MAX must be positive")
	}

	return cfg, nil
}

// IsDev reports whether the service runs in the development environment.
func (c Config) IsDev() bool {
	return c.Env == "dev"
}

// S3Enabled reports whether recording storage is configured.
func (c Config) S3Enabled() bool {
	return c.S3Endpoint != "" && c.S3Bucket != ""
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// getBalance parses an amount in the token's smallest unit; unset yields nil.
func getBalance(key string) (*big.Int, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return nil, nil
	}
	b, err := tier.ParseBalance(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
