// Package main provides the entry point for the billing server
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brandon/cotex-billing/internal/api"
	"github.com/brandon/cotex-billing/internal/archive"
	"github.com/brandon/cotex-billing/internal/auth"
	"github.com/brandon/cotex-billing/internal/billing"
	"github.com/brandon/cotex-billing/internal/config"
	"github.com/brandon/cotex-billing/internal/database"
	"github.com/brandon/cotex-billing/internal/housekeeping"
	"github.com/brandon/cotex-billing/internal/logger"
	"github.com/brandon/cotex-billing/internal/metrics"
	"github.com/brandon/cotex-billing/internal/middleware"
	"github.com/brandon/cotex-billing/internal/paddle"
	"github.com/brandon/cotex-billing/internal/realtime"
	"github.com/brandon/cotex-billing/internal/stripe"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {

	// Loading configs && logger ################################
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg)
	log := logger.Logger(map[string]interface{}{"component": "main"})

	log.Info().
		Str("port", cfg.Port).
		Str("environment", cfg.Environment).
		Str("database", cfg.DatabaseDriver).
		Msg("Starting billing server...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Auth && database ################################
	authenticator := auth.NewAuthenticator(cfg.SupabaseURL, cfg.SupabaseJWTSecret)
	log.Info().Msg("JWT authenticator initialized")

	db, err := database.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize billing store")
	}
	defer db.Close()
	log.Info().Str("driver", cfg.DatabaseDriver).Msg("Billing store initialized")

	// Realtime hub ################################
	hub := realtime.NewHub()
	wsUpgrader := realtime.NewUpgrader(cfg.AllowedOrigins)

	// Providers ################################
	catalog := billing.CatalogFromConfig(cfg)
	reconciler := billing.NewReconciler(db, catalog, hub)

	providers := []api.Provider{
		stripe.NewService(stripe.NewAPI(cfg.StripeSecretKey), db, reconciler, cfg.StripeWebhookSecret, cfg.SiteURL),
	}
	if cfg.PaddleEnabled() {
		client := paddle.NewClient(cfg.PaddleVendorURL, cfg.PaddleVendorID, cfg.PaddleVendorAuthCode)
		providers = append(providers, paddle.NewService(client, db, reconciler, cfg.PaddleWebhookSecret, cfg.SiteURL))
	}
	for _, p := range providers {
		log.Info().Str("provider", p.Name()).Msg("Payment provider enabled")
	}

	// Rate limiting ################################
	var limiter middleware.Limiter
	if cfg.RedisURL != "" {
		redisLimiter, err := middleware.NewRedisLimiter(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisLimiter.Close()
		limiter = redisLimiter
		log.Info().Msg("Redis rate limiter initialized")
	}

	// Metrics && archive ################################
	m := metrics.New(prometheus.NewRegistry(), hub.ConnectedUsers)

	var archiver archive.Archiver = archive.Nop{}
	if cfg.ArchiveBucket != "" {
		s3Archiver, err := archive.NewS3(ctx, archive.Config{
			Bucket:          cfg.ArchiveBucket,
			Prefix:          cfg.ArchivePrefix,
			Region:          cfg.ArchiveRegion,
			Endpoint:        cfg.ArchiveEndpoint,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize webhook archive")
		}
		archiver = s3Archiver
		log.Info().Str("bucket", cfg.ArchiveBucket).Msg("Webhook archive enabled")
	}

	scheduler, err := housekeeping.New(db, cfg.LedgerRetention, cfg.LedgerPurgeCron, m)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule housekeeping")
	}

	// Setup HTTP router and handlers ################################
	handler := api.NewHandler(db, providers, api.Options{
		Hub:         hub,
		Upgrader:    wsUpgrader,
		Archiver:    archiver,
		Metrics:     m,
		RequireAuth: cfg.RequireAuth,
	})
	router := api.NewRouter(authenticator, handler, limiter, m, cfg)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Msg("API router configured")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Msg("Server listening on port")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Server shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		handler.WaitArchives()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
	}
	log.Info().Msg("Server stopped")
}
