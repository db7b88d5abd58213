// Command volsurface streams an option chain, keeps the live implied volatility surface and serves it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/volsurface/db/migrations"
	"github.com/coachpo/volsurface/internal/app/surface"
	"github.com/coachpo/volsurface/internal/app/viewer"
	"github.com/coachpo/volsurface/internal/domain/feed"
	"github.com/coachpo/volsurface/internal/infra/cache"
	"github.com/coachpo/volsurface/internal/infra/config"
	"github.com/coachpo/volsurface/internal/infra/feed/sim"
	"github.com/coachpo/volsurface/internal/infra/feed/wsbridge"
	"github.com/coachpo/volsurface/internal/infra/logging"
	"github.com/coachpo/volsurface/internal/infra/persistence"
	"github.com/coachpo/volsurface/internal/infra/persistence/migrations"
	"github.com/coachpo/volsurface/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/volsurface/internal/infra/server/http"
	"github.com/coachpo/volsurface/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	shutdownTimeout          = 30 * time.Second
	apiServerShutdownTimeout = 5 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	feedShutdownTimeout      = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	apiReadHeaderTimeout     = 5 * time.Second
	migrationTimeout         = 2 * time.Minute
)

func main() {
	cfgPathFlag, envFile := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	if err := config.LoadDotEnv(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		os.Exit(1)
	}
	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{
		Level:      appCfg.Logging.Level,
		Format:     appCfg.Logging.Format,
		File:       appCfg.Logging.File,
		MaxSizeMB:  appCfg.Logging.MaxSizeMB,
		MaxBackups: appCfg.Logging.MaxBackups,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "initialise logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()
	log := logger.Component("volsurface")
	log.WithFields(logrus.Fields{
		"env":    appCfg.Environment,
		"symbol": appCfg.Symbol,
		"feed":   appCfg.Feed.Mode,
	}).Info("configuration initialised")

	telemetryProvider, err := initTelemetry(ctx, log, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		log.WithError(err).Fatal("initialise telemetry")
	}

	var (
		pool    *pgxpool.Pool
		archive httpserver.Archive
	)
	if appCfg.Database.Enabled {
		pool, err = initDatabase(ctx, logger.Component("persistence"), appCfg.Database)
		if err != nil {
			log.WithError(err).Fatal("initialise database")
		}
		store := postgres.New(pool)
		archive = surface.NewWriter(store.Surfaces, logger.Component("writer"))
	} else {
		log.Info("snapshot persistence disabled")
	}

	var publisher *cache.RedisPublisher
	if appCfg.Redis.Enabled {
		publisher, err = cache.NewRedisPublisher(ctx, cache.Options{
			Addr:      appCfg.Redis.Addr,
			Password:  appCfg.Redis.Password,
			DB:        appCfg.Redis.DB,
			KeyPrefix: appCfg.Redis.KeyPrefix,
			TTL:       appCfg.Redis.TTL,
		}, logger.Component("cache"))
		if err != nil {
			log.WithError(err).Fatal("initialise redis frame cache")
		}
	}

	client := newFeedClient(appCfg, logger.Component("feed"))
	session, err := surface.NewSession(sessionConfigFrom(appCfg), client, logger.Component("session"))
	if err != nil {
		log.WithError(err).Fatal("create session")
	}
	if err := session.Start(ctx); err != nil {
		log.WithError(err).Fatal("start feed")
	}

	var lifecycle conc.WaitGroup

	viewerOpts := viewer.Options{
		RefreshInterval: appCfg.Viewer.RefreshInterval,
		MinPoints:       appCfg.Viewer.MinPoints,
	}
	if publisher != nil {
		viewerOpts.Publisher = publisher
	}
	view := viewer.New(session, viewer.NewState(), viewerOpts, logger.Component("viewer"))
	lifecycle.Go(func() {
		_ = view.Run(ctx)
	})

	lifecycle.Go(func() {
		report, err := session.Bootstrap(ctx)
		if err != nil {
			log.WithError(err).Error("bootstrap failed")
			return
		}
		log.WithFields(logrus.Fields{
			"session":    report.SessionID,
			"planned":    report.Planned,
			"subscribed": report.Subscribed,
		}).Info("surface streaming")
	})

	apiServer := &http.Server{
		Addr: appCfg.APIServer.Addr,
		Handler: httpserver.NewHandler(httpserver.Dependencies{
			Symbol:  appCfg.Symbol,
			Source:  session,
			Viewer:  view,
			Archive: archive,
			Ready:   sessionReady(session),
			Log:     logger.Component("http"),
		}),
		ReadHeaderTimeout: apiReadHeaderTimeout,
	}
	startAPIServer(&lifecycle, log, apiServer)
	log.WithField("addr", apiServer.Addr).Info("API listening")

	<-ctx.Done()
	log.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, log, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		session:    session,
		publisher:  publisher,
		pool:       pool,
		telemetry:  telemetryProvider,
	})
	log.WithField("elapsed", time.Since(shutdownStart).String()).Info("shutdown completed")
}

func parseFlags() (string, string) {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the configuration")
	flag.Parse()
	return *cfgPath, *envFile
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, log *logrus.Entry, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		log.WithFields(logrus.Fields{"endpoint": telemetryCfg.OTLPEndpoint, "service": telemetryCfg.ServiceName}).
			Info("telemetry initialised")
	} else {
		log.Info("telemetry disabled")
	}
	return provider, nil
}

func initDatabase(ctx context.Context, log *logrus.Entry, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.RunMigrations {
		migrateCtx, cancel := context.WithTimeout(ctx, migrationTimeout)
		err := migrations.ApplyEmbedded(migrateCtx, cfg.DSN, dbmigrations.Files, log)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := persistence.Connect(ctx, persistence.PoolOptions{
		DSN:               cfg.DSN,
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	})
	if err != nil {
		return nil, err
	}
	gauges := postgres.ObservePoolMetrics(pool, "snapshots")
	log.WithField("pool_gauges", gauges).Info("database connected")
	return pool, nil
}

func newFeedClient(cfg config.AppConfig, log *logrus.Entry) feed.Client {
	if cfg.Feed.Mode == config.FeedBridge {
		return wsbridge.NewClient(wsbridge.Options{URL: cfg.Feed.BridgeURL}, log)
	}
	return sim.NewClient(simOptionsFrom(cfg), log)
}

func simOptionsFrom(cfg config.AppConfig) sim.Options {
	s := cfg.Feed.Sim
	return sim.Options{
		Symbol:       cfg.Symbol,
		ConID:        s.ConID,
		Spot:         s.Spot,
		BaseVol:      s.BaseVol,
		Skew:         s.Skew,
		Smile:        s.Smile,
		Expirations:  s.Expirations,
		StrikeStep:   s.StrikeStep,
		StrikeCount:  s.StrikeCount,
		TickInterval: s.TickInterval,
		Workers:      s.Workers,
		InvalidEvery: s.InvalidEvery,
		Seed:         s.Seed,
		PrimaryRoute: cfg.Feed.PrimaryRoute,
	}
}

func sessionConfigFrom(cfg config.AppConfig) surface.SessionConfig {
	sessionCfg := surface.DefaultSessionConfig(cfg.Symbol)
	sessionCfg.Exchange = cfg.Feed.Exchange
	sessionCfg.Currency = cfg.Feed.Currency
	sessionCfg.ResolveTimeout = cfg.Feed.ResolveTimeout
	sessionCfg.ChainTimeout = cfg.Feed.ChainTimeout
	sessionCfg.SpotPollInterval = cfg.Feed.SpotPollInterval
	sessionCfg.SpotPollAttempts = cfg.Feed.SpotPollAttempts
	sessionCfg.OptionGenericTicks = cfg.Feed.OptionGenericTicks
	sessionCfg.RequestsPerSecond = cfg.Feed.RequestsPerSecond
	sessionCfg.MaxExpirations = cfg.Planner.MaxExpirations
	sessionCfg.StrikeBand = cfg.Planner.StrikeBand()

	spotTicks := make([]feed.TickType, 0, len(cfg.Feed.SpotTickTypes))
	for _, tick := range cfg.Feed.SpotTickTypes {
		spotTicks = append(spotTicks, feed.TickType(tick))
	}
	sessionCfg.Sink = surface.SinkConfig{
		PrimaryRoute:       cfg.Feed.PrimaryRoute,
		SpotTickTypes:      spotTicks,
		ImpliedVolTickType: feed.TickType(cfg.Feed.ImpliedVolTickType),
		InformationalCodes: append([]int(nil), cfg.Feed.InformationalCodes...),
	}
	return sessionCfg
}

func sessionReady(session *surface.Session) func() error {
	return func() error {
		if state := session.Sink().State(); state != surface.Connected {
			return fmt.Errorf("feed %s", state)
		}
		return nil
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, log *logrus.Entry, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("API server stopped")
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	session    *surface.Session
	publisher  *cache.RedisPublisher
	pool       *pgxpool.Pool
	telemetry  *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, log *logrus.Entry, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		log.Infof("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			log.WithError(err).Warnf("shutdown: %s failed", name)
		} else {
			log.Infof("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping API server", apiServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	log.Info("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitWithContext(stepCtx, cfg.lifecycle.Wait)
		})
	}

	if cfg.session != nil {
		shutdownStep("disconnecting feed", feedShutdownTimeout, func(stepCtx context.Context) error {
			var closeErr error
			if err := waitWithContext(stepCtx, func() { closeErr = cfg.session.Close() }); err != nil {
				return err
			}
			return closeErr
		})
	}

	if cfg.publisher != nil {
		shutdownStep("closing frame cache", feedShutdownTimeout, func(context.Context) error {
			return cfg.publisher.Close()
		})
	}

	if cfg.pool != nil {
		shutdownStep("closing database pool", feedShutdownTimeout, func(stepCtx context.Context) error {
			return waitWithContext(stepCtx, cfg.pool.Close)
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}

func waitWithContext(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout: %w", ctx.Err())
	}
}
