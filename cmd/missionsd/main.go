// cmd/missionsd/main.go
// Package main implements the entry point for the missions service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/RegistryAccord/registryaccord-missions-go/internal/auth"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/burn"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/chain"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/config"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/dispatch"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/event"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/media"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/mission"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/ratelimit"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/server"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/telemetry"
	"github.com/RegistryAccord/registryaccord-missions-go/internal/voice"
)

const (
	serviceName    = "missions-service"
	serviceVersion = "0.1.0"
)

// main is the entry point for the missions service.
// It initializes all components, starts the HTTP server, and handles graceful shutdown.
func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.IsDev() {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(&cfg, logger); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server exited")
}

// run wires the collaborators, serves until SIGINT or SIGTERM and then
// drains everything in reverse order of construction.
func run(cfg *config.Config, logger *slog.Logger) error {
	startCtx, cancelStart := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStart()

	// Initialize OpenTelemetry
	if _, err := telemetry.InitTracer(serviceName, serviceVersion, cfg.IsDev()); err != nil {
		return fmt.Errorf("initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Initialize storage backend (PostgreSQL or in-memory)
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		pg, err := storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("initialize postgres storage: %w", err)
		}
		store = pg
	} else {
		logger.Warn("DATABASE_DSN not set, using in-memory storage")
		store = storage.NewMemory()
	}
	defer store.Close()

	balances, secondary, closeOracles, err := newOracles(startCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeOracles()

	readyChecks := map[string]func(context.Context) error{}

	// Quotas are shared across replicas when Redis is configured
	var closers []func() error
	defer func() {
		for _, c := range closers {
			_ = c()
		}
	}()
	var shared *ratelimit.RedisBackend
	if cfg.RedisURL != "" {
		if shared, err = ratelimit.NewRedisBackend(cfg.RedisURL); err != nil {
			return fmt.Errorf("initialize redis rate limiter: %w", err)
		}
		defer shared.Close()
		readyChecks["redis"] = shared.Ping
	}
	newLimiter := func(prefix string, max int, window time.Duration) *ratelimit.Limiter {
		opts := []ratelimit.Option{ratelimit.WithPrefix(prefix)}
		if shared != nil {
			return ratelimit.New(max, window, append(opts, ratelimit.WithBackend(shared))...)
		}
		l := ratelimit.New(max, window, opts...)
		closers = append(closers, l.Close)
		return l
	}
	limiter := newLimiter("voice:", cfg.VoiceRateMax, cfg.VoiceRateWindow)
	dailyVoice := newLimiter("voice_daily:", 0, 24*time.Hour)
	weeklySaves := newLimiter("saves_weekly:", 0, 7*24*time.Hour)

	var synth voice.Synthesizer
	if cfg.VoiceURL != "" {
		synth = voice.New(cfg.VoiceURL, cfg.VoiceAPIKey, cfg.VoiceTimeout, cfg.VoicePace)
	} else {
		logger.Warn("VOICE_URL not set, voice synthesis disabled")
	}

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()

	dispatcher, err := newDispatcher(cfg, logger)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	mode, err := mission.ParseEligibilityMode(cfg.EligibilityMode)
	if err != nil {
		return err
	}
	policy := mission.Policy{
		Mode:         mode,
		PrimaryMin:   cfg.CreatorMinBalance,
		SecondaryMin: cfg.CreatorSecondaryMinBalance,
	}

	m := metrics.NewMetrics()

	missions, err := mission.New(mission.Config{
		Store:             store,
		Balances:          balances,
		SecondaryBalances: secondary,
		Policy:            policy,
		VoiceLimiter:      limiter,
		DailyVoiceLimiter: dailyVoice,
		WeeklySaveLimiter: weeklySaves,
		Voice:             synth,
		VoiceTimeout:      cfg.VoiceTimeout,
		BalanceTimeout:    cfg.BalanceTimeout,
		Events:            pub,
		Metrics:           m,
		ModerationWorkers: cfg.ModerationWorkers,
	})
	if err != nil {
		return fmt.Errorf("initialize mission manager: %w", err)
	}
	missions.Start()
	defer missions.Close()

	burns, err := burn.New(burn.Config{
		Store:      store,
		Balances:   balances,
		Dispatcher: dispatcher,
		Events:     pub,
		Metrics:    m,
		Workers:    cfg.DispatchWorkers,

		BalanceTimeout: cfg.BalanceTimeout,
	})
	if err != nil {
		return fmt.Errorf("initialize burn ledger: %w", err)
	}
	burns.Start()
	defer burns.Close()

	// Tokens are verified against the issuer's published key set
	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = strings.TrimRight(cfg.JWTIssuer, "/") + "/.well-known/jwks.json"
	}
	verifier := auth.NewAuthenticator(auth.NewJWKSClient(jwksURL), cfg.JWTIssuer, cfg.JWTAudience)

	var uploads *media.Uploads
	if cfg.S3Enabled() {
		s3c, err := media.NewS3Client(startCtx, cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		if err != nil {
			return fmt.Errorf("initialize recording storage: %w", err)
		}
		uploads = media.NewUploads(s3c, cfg.MaxRecordingSize, cfg.AllowedAudioTypes)
	} else {
		logger.Warn("S3 not configured, recording uploads disabled")
	}

	validator, err := schema.NewValidator()
	if err != nil {
		return fmt.Errorf("compile request schemas: %w", err)
	}

	// Create HTTP mux with all handlers and middleware
	handler, err := server.NewMux(server.Deps{
		Missions:           missions,
		Burns:              burns,
		Uploads:            uploads,
		Auth:               verifier,
		Store:              store,
		Validator:          validator,
		Metrics:            m,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		ReadyChecks:        readyChecks,
	})
	if err != nil {
		return fmt.Errorf("initialize http handler: %w", err)
	}

	// Create HTTP server with timeout configuration
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.VoiceTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a separate goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "eligibility_mode", policy.Mode)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal or a listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed to start: %w", err)
		}
	}

	// Handle graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// newOracles builds the balance oracles. Without a chain RPC endpoint every
// wallet reports DEV_BALANCE, which config only permits in dev.
func newOracles(ctx context.Context, cfg *config.Config, logger *slog.Logger) (primary, secondary chain.Oracle, closeFn func(), err error) {
	if cfg.ChainRPCURL == "" {
		logger.Warn("CHAIN_RPC_URL not set, using static dev balances", "balance", cfg.DevBalance)
		primary = chain.NewStaticOracle(cfg.DevBalance)
		if strings.EqualFold(cfg.EligibilityMode, string(mission.ModeDual)) {
			secondary = chain.NewStaticOracle(cfg.DevBalance)
		}
		return primary, secondary, func() {}, nil
	}

	token, err := chain.DialERC20(ctx, cfg.ChainRPCURL, cfg.TokenAddress)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initialize token oracle: %w", err)
	}
	closers := []func(){token.Close}
	primary = chain.NewCachedOracle(token, cfg.BalanceCacheTTL)

	if cfg.SecondaryTokenAddress != "" {
		second, err := chain.DialERC20(ctx, cfg.ChainRPCURL, cfg.SecondaryTokenAddress)
		if err != nil {
			token.Close()
			return nil, nil, nil, fmt.Errorf("initialize secondary token oracle: %w", err)
		}
		closers = append(closers, second.Close)
		secondary = chain.NewCachedOracle(second, cfg.BalanceCacheTTL)
	}

	return primary, secondary, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}

// newDispatcher picks the burn action transport: JetStream when NATS is
// configured, then AMQP, then a logging dispatcher.
func newDispatcher(cfg *config.Config, logger *slog.Logger) (dispatch.Dispatcher, error) {
	switch {
	case cfg.NATSURL != "":
		d, err := dispatch.NewJetStream(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("initialize jetstream dispatcher: %w", err)
		}
		return d, nil
	case cfg.AMQPURL != "":
		d, err := dispatch.NewAMQP(cfg.AMQPURL)
		if err != nil {
			return nil, fmt.Errorf("initialize amqp dispatcher: %w", err)
		}
		return d, nil
	default:
		logger.Warn("no broker configured, burn actions are only logged")
		return dispatch.NewLog(), nil
	}
}
