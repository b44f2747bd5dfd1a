package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"licensegate.app/cloud/handlers"
	"licensegate.app/cloud/internal/config"
	"licensegate.app/cloud/internal/lock"
	"licensegate.app/cloud/internal/logger"
	"licensegate.app/cloud/internal/metrics"
	"licensegate.app/cloud/internal/ratelimit"
	"licensegate.app/cloud/internal/signer"
	"licensegate.app/cloud/internal/version"
	"licensegate.app/cloud/licensing"
	"licensegate.app/cloud/storage"
)

func main() {
	if err := run(); err != nil {
		logger.Error("Server exited with error", map[string]interface{}{
			"error": err.Error(),
		})
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel, logger.Format(cfg.LogFormat))

	if err := version.Load("VERSION"); err != nil {
		logger.Warn("Ignoring VERSION file", map[string]interface{}{
			"error": err.Error(),
		})
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Release:          version.Version,
		TracesSampleRate: 1.0,
	}); err != nil {
		return err
	}
	defer sentry.Flush(2 * time.Second)

	store, err := storage.NewSQLiteStorage(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		client := redis.NewClient(opts)
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.StoreTimeout)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return err
		}
		locker = lock.NewRedis(client, cfg.LockTTL)
		logger.Info("Using Redis activation lock", map[string]interface{}{
			"addr": opts.Addr,
		})
	}

	sign, err := signer.LoadFile(cfg.PrivateKeyPath)
	if err != nil {
		logger.Warn("Private key not loaded, responses will be unsigned", map[string]interface{}{
			"path":  cfg.PrivateKeyPath,
			"error": err.Error(),
		})
	}

	var auth *handlers.Auth
	if cfg.AdminEnabled() {
		auth = handlers.NewAuth(cfg.JWTSecret, cfg.AdminUsername, cfg.AdminPasswordHash)
	} else {
		logger.Warn("ADMIN_PASSWORD_HASH not set, admin API disabled")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	service := licensing.NewService(store, licensing.Options{
		Locker:       locker,
		StoreTimeout: cfg.StoreTimeout,
		Retries:      cfg.StoreRetries,
	})

	sweeper := licensing.NewSweeper(service, cfg.SweepInterval)
	sweeper.OnSweep(m.Expired)

	server := handlers.NewHttpServer(service, handlers.Options{
		Signer:      sign,
		Metrics:     m,
		RateLimit:   ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst),
		CORSOrigins: cfg.CORSOrigins,
		Auth:        auth,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("License server starting", map[string]interface{}{
			"version": version.Version,
			"port":    cfg.Port,
			"signed":  sign.Enabled(),
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
