// Command server starts the CouchSync watch-party service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"couchsync/internal/auth"
	"couchsync/internal/catalog"
	"couchsync/internal/hub"
	"couchsync/internal/observability/logging"
	"couchsync/internal/observability/metrics"
	"couchsync/internal/server"
	"couchsync/internal/state"
)

func main() {
	envFile := flag.String("env-file", ".env", "path to an optional .env file")
	addr := flag.String("addr", "", "HTTP listen address")
	videoRoot := flag.String("video-root", "", "directory holding source videos")
	scanInterval := flag.Duration("scan-interval", 0, "period between library scans")
	encodeLimit := flag.Int("encode-limit", 0, "maximum concurrent transcodes")
	ffmpegBinary := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	sessionStoreDriver := flag.String("session-store", "", "session store driver (memory, redis, or postgres)")
	sessionTTLMs := flag.Int("session-ttl-ms", 0, "session lifetime in milliseconds")
	sessionSweep := flag.Duration("session-sweep-interval", 0, "period between expired-session sweeps")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	summaryInterval := flag.Duration("log-summary-interval", 0, "period between metrics summary log lines")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
			os.Exit(1)
		}
	}

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("COUCHSYNC_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("COUCHSYNC_LOG_FORMAT")),
	})
	recorder := metrics.New()

	operatorPassword := strings.TrimSpace(os.Getenv("COUCHSYNC_OPERATOR_PASSWORD"))
	viewerPassword := strings.TrimSpace(os.Getenv("COUCHSYNC_VIEWER_PASSWORD"))
	credentials, err := auth.NewCredentials(operatorPassword, viewerPassword)
	if err != nil {
		logger.Error("credentials are not configured", "error", err,
			"hint", "set COUCHSYNC_OPERATOR_PASSWORD and COUCHSYNC_VIEWER_PASSWORD")
		os.Exit(1)
	}

	sessionTTL := time.Duration(resolveInt(*sessionTTLMs, "COUCHSYNC_SESSION_TTL_MS")) * time.Millisecond
	sessionStore, sessionCloser, err := openSessionStore(firstNonEmpty(*sessionStoreDriver, os.Getenv("COUCHSYNC_SESSION_STORE")))
	if err != nil {
		logger.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	sessions := auth.NewSessionManager(sessionTTL, auth.WithStore(sessionStore))

	tuning := tuningFromEnv()
	core := state.New(state.Config{
		Tuning:  tuning,
		Logger:  logging.WithComponent(logger, "state"),
		Metrics: recorder,
	})

	encoder := catalog.NewFFmpegEncoder(logging.WithComponent(logger, "encoder"))
	if binary := firstNonEmpty(*ffmpegBinary, os.Getenv("COUCHSYNC_FFMPEG")); binary != "" {
		encoder.Binary = binary
	}
	library, err := catalog.New(catalog.Config{
		Root:        firstNonEmpty(*videoRoot, os.Getenv("COUCHSYNC_VIDEO_ROOT"), "videos"),
		Encoder:     encoder,
		Logger:      logging.WithComponent(logger, "catalog"),
		Metrics:     recorder,
		EncodeLimit: resolveInt(*encodeLimit, "COUCHSYNC_ENCODE_LIMIT"),
	})
	if err != nil {
		logger.Error("failed to open video catalog", "error", err)
		os.Exit(1)
	}

	syncHub := hub.New(hub.Config{
		Sessions:          sessions,
		Credentials:       credentials,
		Core:              core,
		Catalog:           library,
		Logger:            logging.WithComponent(logger, "hub"),
		Metrics:           recorder,
		AuthTimeout:       resolveDuration(0, "COUCHSYNC_AUTH_TIMEOUT", 0),
		HeartbeatInterval: resolveDuration(0, "COUCHSYNC_HEARTBEAT_INTERVAL", 0),
		HeartbeatLimit:    resolveInt(0, "COUCHSYNC_HEARTBEAT_LIMIT"),
	})

	handler := server.NewHandler(sessions, library, syncHub, logging.WithComponent(logger, "http"))
	srv, err := server.New(handler, server.Config{
		Addr: firstNonEmpty(*addr, os.Getenv("COUCHSYNC_ADDR"), ":4000"),
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("COUCHSYNC_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("COUCHSYNC_TLS_KEY")),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweepInterval := resolveDuration(*sessionSweep, "COUCHSYNC_SESSION_SWEEP_INTERVAL", 15*time.Minute)
	sessionSweepStop := startSessionSweeper(workerCtx, logging.WithComponent(logger, "session-sweeper"), sessions, sweepInterval)
	defer sessionSweepStop()

	library.StartScan(workerCtx, resolveDuration(*scanInterval, "COUCHSYNC_SCAN_INTERVAL", time.Minute))
	summaryStop := recorder.StartSummaryLoop(workerCtx, logging.WithComponent(logger, "metrics"), resolveDuration(*summaryInterval, "COUCHSYNC_LOG_SUMMARY_INTERVAL", time.Minute))
	defer summaryStop()
	go syncHub.Run(workerCtx)

	errs := make(chan error, 1)
	go func() {
		logger.Info("CouchSync listening", "addr", firstNonEmpty(*addr, os.Getenv("COUCHSYNC_ADDR"), ":4000"))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	sessionSweepStop()
	library.StopScan()
	core.Pause()
	syncHub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	if sessionCloser != nil {
		if err := sessionCloser(ctx); err != nil {
			logger.Warn("failed to close session store", "error", err)
		}
	}

	logger.Info("server stopped")
}

func openSessionStore(driver string) (auth.SessionStore, func(context.Context) error, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return auth.NewMemorySessionStore(), nil, nil
	case "redis":
		addr := strings.TrimSpace(os.Getenv("COUCHSYNC_SESSION_REDIS_ADDR"))
		if addr == "" {
			return nil, nil, fmt.Errorf("redis session store selected without COUCHSYNC_SESSION_REDIS_ADDR")
		}
		store, err := auth.NewRedisSessionStore(auth.RedisSessionStoreConfig{
			Addr:     addr,
			Username: os.Getenv("COUCHSYNC_SESSION_REDIS_USERNAME"),
			Password: os.Getenv("COUCHSYNC_SESSION_REDIS_PASSWORD"),
			DB:       resolveInt(0, "COUCHSYNC_SESSION_REDIS_DB"),
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func(context.Context) error { return store.Close() }, nil
	case "postgres":
		dsn := firstNonEmpty(os.Getenv("COUCHSYNC_SESSION_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
		if dsn == "" {
			return nil, nil, fmt.Errorf("postgres session store selected without DSN")
		}
		store, err := auth.NewPostgresSessionStore(dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store driver %q", driver)
	}
}

func tuningFromEnv() state.Tuning {
	tuning := state.DefaultTuning()
	tuning.DriftLow = resolveFloat(0, "COUCHSYNC_DRIFT_LOW", tuning.DriftLow)
	tuning.DriftHigh = resolveFloat(0, "COUCHSYNC_DRIFT_HIGH", tuning.DriftHigh)
	tuning.MinSyncInterval = resolveDuration(0, "COUCHSYNC_SYNC_INTERVAL_MIN", tuning.MinSyncInterval)
	tuning.MaxSyncInterval = resolveDuration(0, "COUCHSYNC_SYNC_INTERVAL_MAX", tuning.MaxSyncInterval)
	tuning.SyncStep = resolveDuration(0, "COUCHSYNC_SYNC_INTERVAL_STEP", tuning.SyncStep)
	tuning.DefaultInterval = resolveDuration(0, "COUCHSYNC_SYNC_INTERVAL_DEFAULT", tuning.DefaultInterval)
	tuning.RateMin = resolveFloat(0, "COUCHSYNC_RATE_MIN", tuning.RateMin)
	tuning.RateStep = resolveFloat(0, "COUCHSYNC_RATE_STEP", tuning.RateStep)
	tuning.RateTick = resolveDuration(0, "COUCHSYNC_RATE_TICK", tuning.RateTick)
	return tuning
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveFloat(flagValue float64, envKey string, fallback float64) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}
