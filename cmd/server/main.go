package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dolr-ai/videohash-indexer/internal/api"
	"github.com/dolr-ai/videohash-indexer/internal/config"
	"github.com/dolr-ai/videohash-indexer/internal/logging"
	"github.com/dolr-ai/videohash-indexer/internal/orchestrator"
	"github.com/dolr-ai/videohash-indexer/internal/store"
	"github.com/dolr-ai/videohash-indexer/internal/warehouse"
)

func main() {
	cfg := config.Load()

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if !config.ValidMIHBlocks(cfg.MIHBlocks) {
		log.Fatal("MIH_BLOCKS must be 4, 8 or 16", zap.Int("mih_blocks", cfg.MIHBlocks))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	wh, err := warehouse.Connect(ctx, log)
	if err != nil {
		log.Fatal("failed to connect to warehouse", zap.Error(err))
	}

	idx := store.New(cfg.MIHBlocks, log)
	orch := orchestrator.New(idx, wh, cfg.SearchRadius, cfg.WarehouseTimeout, log)

	hub := api.NewHub(log)
	go hub.Run()

	if err := orch.Bootstrap(ctx); err != nil {
		log.Warn("bootstrap did not complete cleanly, starting with whatever loaded", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable at startup, rate limiter will fail open (allow requests) on redis errors", zap.Error(err))
		}
	}

	router := api.SetupRouter(api.Options{
		Orchestrator:    orch,
		Store:           idx,
		Hub:             hub,
		Log:             log,
		AllowedOrigins:  cfg.AllowedOrigins,
		APIAuthToken:    cfg.APIAuthToken,
		RedisClient:     redisClient,
		EnableSynthetic: cfg.EnableSynthetic,
	})

	srv := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: router,
	}

	go func() {
		log.Info("listening", zap.String("addr", cfg.BindAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed to start", zap.Error(err))
		}
	}()

	<-ctx.Done()
	stop()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
		os.Exit(1)
	}

	if redisClient != nil {
		redisClient.Close()
	}

	log.Info("shutdown complete")
}
