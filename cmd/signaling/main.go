package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/mesh-signaling/config"
	"github.com/mossy-p/mesh-signaling/internal/handlers"
	"github.com/mossy-p/mesh-signaling/internal/logger"
	"github.com/mossy-p/mesh-signaling/internal/metrics"
	"github.com/mossy-p/mesh-signaling/internal/redis"
	"github.com/mossy-p/mesh-signaling/internal/relay"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logg := logger.New(cfg.LogLevel, cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to Redis
	store, err := redis.Connect(ctx, cfg.Redis)
	if err != nil {
		logg.Fatal().Err(err).Str("addr", cfg.Redis.Addr()).Msg("failed to connect to redis")
	}
	defer store.Close()
	logg.Info().Str("addr", cfg.Redis.Addr()).Msg("redis connection established")

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := relay.NewHub(cfg.RelayOptions(), metrics.NewRelay(registry), store, logg)
	defer hub.Close()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(handlers.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
		Rooms:          handlers.NewRoomHandler(store, hub, logg),
		Signaling:      handlers.NewSignalingHandler(hub, cfg.Relay.SendQueue, logg),
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:         logg,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logg.Info().Str("port", cfg.Port).Msg("starting signaling relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logg.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Error().Err(err).Msg("graceful shutdown failed")
	}
}
