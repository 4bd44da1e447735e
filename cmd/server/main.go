package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"radarproxy/internal/cache"
	"radarproxy/internal/config"
	httphandlers "radarproxy/internal/http"
	"radarproxy/internal/logger"
	"radarproxy/internal/metrics"
	"radarproxy/internal/queue"
	"radarproxy/internal/ratelimit"
	"radarproxy/internal/store"
	"radarproxy/internal/tile_proxy"
	"radarproxy/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("Starting radar tile proxy",
		zap.Int("port", cfg.Port),
		zap.Bool("radar_enabled", cfg.RadarEnabled()),
		zap.Int("hourly_limit", cfg.RateHourlyLimit),
		zap.Int("daily_limit", cfg.RateDailyLimit),
	)
	if !cfg.RadarEnabled() {
		log.Warn("TOMORROW_API_KEY not set, serving placeholder tiles only")
	}

	kv := store.New(context.Background(), store.Options{
		URL:           cfg.RedisURL,
		OpTimeout:     cfg.StoreTimeout,
		MemoryEntries: cfg.CacheMemoryEntries,
	}, log)
	if closer, ok := kv.(io.Closer); ok {
		defer closer.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	limiter := ratelimit.New(kv, ratelimit.Limits{
		Burst:   cfg.RateBurst,
		Spacing: cfg.RateSpacing,
		Hourly:  cfg.RateHourlyLimit,
		Daily:   cfg.RateDailyLimit,
	}, log)

	tileCache := cache.New(kv, cfg.CacheTTL, log, cache.WithStaleRetention(cfg.CacheStaleRetention))
	client := upstream.New(cfg.TomorrowBaseURL, cfg.TomorrowAPIKey, cfg.UpstreamTimeout, log)

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()

	proxy := tile_proxy.New(dispatchCtx, tileCache, limiter, client, tile_proxy.Config{
		QueueTimeout: cfg.QueueTimeout,
		Queue: queue.Config{
			RetryBackoff:         cfg.QueueRetryBackoff,
			DispatchDelay:        cfg.QueueDispatchDelay,
			DispatchDelayNearCap: cfg.QueueDispatchDelayNearCap,
		},
	}, log, tile_proxy.WithMetrics(metrics.New(registry)))

	handlers := httphandlers.New(cfg, log, proxy)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handlers.Routes(registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Server started", zap.Int("port", cfg.Port), zap.String("store", kv.Backend()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// queued requests resolve as timed out so in-flight handlers can return
	stopDispatch()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	proxy.Wait()

	log.Info("Server stopped")
}
