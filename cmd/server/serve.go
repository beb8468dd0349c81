package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/devlink/pairing-broker/internal/config"
	"github.com/devlink/pairing-broker/internal/database"
	"github.com/devlink/pairing-broker/internal/handler"
	"github.com/devlink/pairing-broker/internal/jobs"
	"github.com/devlink/pairing-broker/internal/middleware"
	"github.com/devlink/pairing-broker/internal/provider"
	"github.com/devlink/pairing-broker/internal/redis"
	"github.com/devlink/pairing-broker/internal/repository"
	"github.com/devlink/pairing-broker/internal/service"
	"github.com/devlink/pairing-broker/internal/session"
)

func serve(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().Str("version", version).Str("config", cfg.String()).Msg("starting pairing broker")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	log.Info().Str("driver", db.Driver).Msg("database connected")

	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	var (
		store   session.Store
		limiter middleware.Limiter
		sweep   []jobs.Task
	)
	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")

		store = session.NewRedisStore(redisClient)
		limiter = middleware.NewRedisRateLimiter(redisClient)
	} else {
		memStore := session.NewMemoryStore()
		memLimiter := middleware.NewMemoryRateLimiter()
		store, limiter = memStore, memLimiter
		sweep = append(sweep,
			jobs.Task{Name: "sessions", Prune: memStore.Prune},
			jobs.Task{Name: "rate limits", Prune: memLimiter.Prune},
		)
	}

	sessions, err := session.NewManager(store, cfg.SessionSecret, cfg.SessionTTL(), cfg.SecureCookies())
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}

	pages, err := handler.NewPages(version)
	if err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}

	idp := provider.NewOAuth2Provider(cfg.AzureClientID, cfg.AzureClientSecret, cfg.OAuthEndpoint(), config.ProviderExchangeTimeout)
	pairing := service.NewPairingService(
		repository.NewPairingCodeRepository(db),
		repository.NewUserRepository(db),
		db,
		idp,
		service.PairingOptions{
			AuthURLBase: cfg.AuthURLBase(),
			RedirectURI: cfg.RedirectURI(),
			Scopes:      cfg.Scopes(),
		},
	)

	router := handler.NewRouter(handler.RouterDeps{
		Pairing:     pairing,
		Sessions:    sessions,
		Pages:       pages,
		DB:          db,
		RateLimiter: limiter,
		RateLimit:   cfg.RateLimitPerMin,
		APISecret:   cfg.APISecret,
		Production:  cfg.SecureCookies(),
	})

	if len(sweep) > 0 {
		sweepJob := jobs.NewSweepJob(config.SweepJobInterval, sweep...)
		sweepJob.Start()
		defer sweepJob.Stop()
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr()).Str("baseUrl", cfg.BaseURL).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
	return nil
}
