// Package main provides the entry point for the etbguard server.
// It runs the security event log, login protection and alerting pipeline behind an HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/einsatzlog/etbguard/internal/alerting"
	"github.com/einsatzlog/etbguard/internal/api"
	"github.com/einsatzlog/etbguard/internal/api/gateway"
	"github.com/einsatzlog/etbguard/internal/archive"
	"github.com/einsatzlog/etbguard/internal/auth"
	"github.com/einsatzlog/etbguard/internal/config"
	"github.com/einsatzlog/etbguard/internal/detection"
	"github.com/einsatzlog/etbguard/internal/detection/sigma"
	"github.com/einsatzlog/etbguard/internal/lockout"
	"github.com/einsatzlog/etbguard/internal/notify"
	"github.com/einsatzlog/etbguard/internal/observability"
	"github.com/einsatzlog/etbguard/internal/reputation"
	"github.com/einsatzlog/etbguard/internal/response"
	"github.com/einsatzlog/etbguard/internal/seclog"
	"github.com/einsatzlog/etbguard/internal/security"
	"github.com/einsatzlog/etbguard/internal/store"
	"github.com/einsatzlog/etbguard/internal/store/memory"
	"github.com/einsatzlog/etbguard/internal/store/postgres"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("etbguard %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "etbguard: %v\n", err)
		os.Exit(1)
	}
	cfg.Telemetry.ServiceVersion = Version

	tel, err := observability.New(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "etbguard: telemetry: %v\n", err)
		os.Exit(1)
	}
	logger := tel.Logger()

	logger.Info("Starting etbguard",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	runErr := run(ctx, cfg, tel)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown error", zap.Error(err))
	}

	if runErr != nil {
		logger.Error("Server exited with error", zap.Error(runErr))
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

// run builds the component graph and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, tel *observability.Telemetry) error {
	logger := tel.Logger()
	metrics := tel.Metrics()

	st, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = openRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	var lockouts lockout.Manager = lockout.NewMemory()
	if cfg.Lockout.Backend == config.BackendRedis {
		lockouts = lockout.NewRedis(rdb, cfg.Lockout.KeyPrefix, logger)
	}

	hasher := seclog.NewHasher([]byte(config.Secret(cfg.Chain.HashKeyEnv)))
	if !hasher.Keyed() {
		logger.Warn("Security log chain is not keyed; set the chain hash key for HMAC protection",
			zap.String("env", cfg.Chain.HashKeyEnv))
	}
	chain := seclog.New(st, hasher, logger, seclog.WithMetrics(metrics))

	notifier, forwarder, err := buildNotifier(cfg, rdb, logger, metrics)
	if err != nil {
		return err
	}
	if forwarder != nil {
		go forwarder.Run(ctx)
	}
	logger.Info("Notifiers configured", zap.Strings("notifiers", notifier.Names()))

	responder := response.NewManager(lockouts, notifier, chain, logger)
	if cfg.Playbooks.Dir != "" {
		n, err := responder.LoadDir(cfg.Playbooks.Dir)
		switch {
		case errors.Is(err, os.ErrNotExist):
			logger.Info("No custom playbook directory", zap.String("dir", cfg.Playbooks.Dir))
		case err != nil:
			return fmt.Errorf("loading playbooks: %w", err)
		default:
			logger.Info("Custom playbooks loaded", zap.Int("count", n))
		}
	}

	alertOpts := []alerting.Option{
		alerting.WithResponder(responder),
		alerting.WithNotifier(notifier),
		alerting.WithMetrics(metrics),
	}
	intel, err := buildReputation(ctx, cfg.ThreatIntel, logger)
	if err != nil {
		return err
	}
	if intel.Len() > 0 {
		alertOpts = append(alertOpts, alerting.WithReputation(intel))
		logger.Info("Threat intel providers enabled", zap.Strings("providers", cfg.EnabledProviders()))
	}
	alerts := alerting.NewManager(st, chain, cfg.Alerting, logger, alertOpts...)

	detector := detection.NewDetector(st, cfg.Detection, logger)

	secOpts := []security.Option{
		security.WithNotifier(notifier),
		security.WithMetrics(metrics),
	}
	var rules *sigma.Engine
	if cfg.Rules.SigmaRulesPath != "" {
		rules, err = sigma.NewEngine(cfg.Rules.SigmaRulesPath, logger)
		if err != nil {
			logger.Warn("Sigma rules unavailable", zap.String("path", cfg.Rules.SigmaRulesPath), zap.Error(err))
		} else {
			secOpts = append(secOpts, security.WithRules(rules))
			stats := rules.Stats()
			logger.Info("Sigma rules loaded", zap.Int("loaded", stats.Loaded),
				zap.Int("skipped", stats.SkippedComplex+stats.SkippedDatasource+stats.SkippedInvalid))
		}
	}
	svc := security.NewService(st, chain, detector, alerts, lockouts, cfg.Security, logger, secOpts...)

	if rules != nil && cfg.Rules.Watch {
		go func() {
			err := rules.Watch(ctx, cfg.Rules.Debounce, func(err error) {
				if err != nil {
					logger.Warn("Sigma rule reload failed", zap.Error(err))
					return
				}
				logger.Info("Sigma rules reloaded", zap.Int("loaded", rules.Stats().Loaded))
			})
			if err != nil && ctx.Err() == nil {
				tel.RecordError(ctx, fmt.Errorf("sigma rule watcher stopped: %w", err))
			}
		}()
	}

	signingKey, err := config.RequireSecret(cfg.Auth.SigningKeyEnv)
	if err != nil {
		return err
	}
	authSvc, err := auth.NewService(cfg.Auth, []byte(signingKey), lockouts, svc, logger)
	if err != nil {
		return err
	}

	if cfg.Chain.VerifyOnStartup {
		if err := verifyOnStartup(ctx, tel, svc); err != nil {
			return err
		}
	}

	go svc.Run(ctx)
	go svc.RunRetention(ctx)
	if cfg.Chain.VerifyInterval > 0 {
		go svc.RunVerification(ctx, cfg.Chain.VerifyInterval)
	}
	go alerts.Run(ctx, cfg.Alerting.SweepInterval)
	tel.StartSystemMetricsCollector(ctx)

	if cfg.Archive.Enabled {
		s3c, err := archive.NewS3Client(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		archiver := archive.New(st, chain, chain, s3c, cfg.Archive, logger)
		go archiver.Run(ctx)
		logger.Info("Security log archive enabled", zap.String("bucket", cfg.Archive.Bucket))
	}

	// A typed nil *redis.Client must not reach the limiter.
	var scripter redis.Scripter
	if rdb != nil {
		scripter = rdb
	}
	limiter := gateway.NewRateLimiter(scripter, cfg.RateLimit, logger)

	server := api.NewServer(api.Deps{
		Security: svc,
		Alerts:   alerts,
		Auth:     authSvc,
		Events:   st,
		Attempts: st,
		Lockouts: lockouts,
		Rules:    rules,
		Limiter:  limiter,
		Metrics:  tel.MetricsHandler(),

		RequestMetrics: metrics,
		Ready: func(ctx context.Context) error {
			if err := st.Ping(ctx); err != nil {
				return fmt.Errorf("store: %w", err)
			}
			if rdb != nil {
				if err := rdb.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis: %w", err)
				}
			}
			return nil
		},
	}, cfg.Server, Version, logger)
	httpServer := server.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", zap.Error(err))
	}
	return nil
}

func verifyOnStartup(ctx context.Context, tel *observability.Telemetry, svc *security.Service) error {
	ctx, span := tel.StartSpan(ctx, "etbguard.startup_verification")
	defer span.End()

	report, err := svc.VerifyChain(ctx, 1, 0)
	if err != nil {
		tel.RecordError(ctx, err)
		return fmt.Errorf("startup chain verification: %w", err)
	}
	if !report.Valid {
		tel.RecordError(ctx, errors.New("security log chain failed verification at startup"),
			zap.Int64("checked", report.CheckedEvents), zap.Int("issues", len(report.Issues)))
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (store.Store, error) {
	if cfg.Driver != config.DriverPostgres {
		logger.Warn("Using in-memory storage; data is lost on restart")
		return memory.New(), nil
	}

	dsn, err := config.RequireSecret(cfg.DSNEnv)
	if err != nil {
		return nil, err
	}
	pg, err := postgres.Open(ctx, dsn, cfg.MaxConns)
	if err != nil {
		return nil, err
	}
	if cfg.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
	}
	logger.Info("Postgres storage ready", zap.Int32("max_conns", cfg.MaxConns))
	return pg, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: config.Secret(cfg.PasswordEnv),
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// buildNotifier assembles the configured channels. The Splunk forwarder is
// returned separately because it batches and needs its own flush loop.
func buildNotifier(cfg *config.Config, rdb *redis.Client, logger *zap.Logger, metrics *observability.Metrics) (*notify.Multi, *notify.SplunkForwarder, error) {
	multi := notify.NewMulti(logger, metrics)
	if cfg.Notify.Log {
		multi.Add(notify.NewLogNotifier(logger))
	}
	for _, wh := range cfg.Notify.Webhooks {
		n, err := notify.NewWebhookNotifier(wh)
		if err != nil {
			return nil, nil, fmt.Errorf("webhook %s: %w", wh.Name, err)
		}
		multi.Add(n)
	}
	if cfg.Notify.Redis.Enabled {
		multi.Add(notify.NewRedisNotifier(rdb, cfg.Notify.Redis.RedisConfig))
	}

	var forwarder *notify.SplunkForwarder
	if cfg.Notify.Splunk.Enabled {
		f, err := notify.NewSplunkForwarder(cfg.Notify.Splunk.SplunkConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("splunk forwarder: %w", err)
		}
		multi.Add(f)
		forwarder = f
	}
	return multi, forwarder, nil
}

func buildReputation(ctx context.Context, cfg config.ThreatIntelConfig, logger *zap.Logger) (*reputation.Multi, error) {
	var checkers []reputation.Checker
	if cfg.OTX.Enabled {
		otx, err := reputation.NewOTXClient(cfg.OTX, logger)
		if err != nil {
			return nil, fmt.Errorf("threat intel: %w", err)
		}
		otx.StartCacheCleanup(ctx, cfg.CacheCleanupInterval)
		checkers = append(checkers, otx)
	}
	if cfg.MISP.Enabled {
		misp, err := reputation.NewMISPClient(cfg.MISP, logger)
		if err != nil {
			return nil, fmt.Errorf("threat intel: %w", err)
		}
		misp.StartCacheCleanup(ctx, cfg.CacheCleanupInterval)
		checkers = append(checkers, misp)
	}
	return reputation.NewMulti(checkers...), nil
}
