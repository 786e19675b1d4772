package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"livewatch/internal/hlsengine"
	"livewatch/internal/orchestrator"
	"livewatch/internal/platform/config"
	"livewatch/internal/platform/logger"
	"livewatch/internal/platform/metrics"
	"livewatch/internal/session"
	"livewatch/internal/sink"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	maxRetries := config.GetEnvInt("MAX_RETRIES", session.DefaultMaxRetries)
	retryDelay := config.GetEnvDuration("RETRY_DELAY", session.DefaultRetryDelay)
	engineMode := config.GetEnv("PLAYBACK_ENGINE", "hls")
	nativeHLS := config.GetEnvBool("SINK_NATIVE_HLS", false)
	stallTimeout := config.GetEnvDuration("STALL_TIMEOUT", sink.DefaultStallTimeout)
	windowSize := config.GetEnvInt("RELAY_WINDOW_SIZE", sink.DefaultWindowSize)
	segmentRate := config.GetEnvFloat("SEGMENT_RATE", 0)
	httpTimeout := config.GetEnvDuration("HTTP_TIMEOUT", 10*time.Second)
	embedParent := config.GetEnv("EMBED_PARENT", "localhost")
	redisAddr := config.GetEnv("REDIS_ADDR", "")
	statusTTL := config.GetEnvDuration("STATUS_TTL", time.Hour)
	apiRateLimit := config.GetEnvInt("API_RATE_LIMIT", 600)

	log := logger.New(logLevel, logFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store orchestrator.Store = orchestrator.NewInMemoryStore()
	if redisAddr != "" {
		rs, err := orchestrator.NewRedisStore(ctx, orchestrator.RedisConfig{
			Addr:     redisAddr,
			Password: config.GetEnv("REDIS_PASSWORD", ""),
			DB:       config.GetEnvInt("REDIS_DB", 0),
			TTL:      statusTTL,
		}, log)
		if err != nil {
			log.Error("redis status store unavailable", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer rs.Close()
		store = rs
	}

	met := metrics.New()
	engines := &hlsengine.Factory{
		Options: hlsengine.Options{
			Client:      &http.Client{Timeout: httpTimeout},
			SegmentRate: segmentRate,
			Logger:      log.With(slog.String("component", "hlsengine")),
		},
		Disabled: engineMode == "none",
	}
	repo := orchestrator.NewInMemoryRepository()
	svc := orchestrator.NewService(repo, store, orchestrator.Config{
		Engines: engines,
		Sink: sink.Options{
			// Progressive pulls are open-ended; only the response headers are bounded.
			Client:       &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: httpTimeout}},
			Logger:       log.With(slog.String("component", "sink")),
			StallTimeout: stallTimeout,
			WindowSize:   windowSize,
			NativeHLS:    nativeHLS,
		},
		Policy:      session.RetryPolicy{MaxRetries: maxRetries, RetryDelay: retryDelay},
		EmbedParent: embedParent,
		Logger:      log,
		Metrics:     met,
	})
	h := orchestrator.NewHandler(svc, log)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(repo.ActiveSessionCount()) }).ServeHTTP(w, r)
	})
	r.Group(func(r chi.Router) {
		r.Use(orchestrator.RateLimit(apiRateLimit, time.Minute))
		h.RegisterRoutes(r)
	})

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		return errors.Join(err, svc.Shutdown(shutdownCtx))
	})

	log.Info("server starting",
		slog.String("port", port),
		slog.String("playback_engine", engineMode),
		slog.Int("max_retries", maxRetries),
		slog.Duration("retry_delay", retryDelay),
		slog.Bool("redis", redisAddr != ""),
		slog.String("log_level", logLevel),
	)

	if err := g.Wait(); err != nil {
		log.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("server stopped")
}
