// Command server runs the trade settlement and ledger engine.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/coinpeak/ledger-engine/internal/config"
	"github.com/coinpeak/ledger-engine/internal/ledger"
	"github.com/coinpeak/ledger-engine/internal/metrics"
	"github.com/coinpeak/ledger-engine/internal/outcome"
	"github.com/coinpeak/ledger-engine/internal/pricefeed"
	"github.com/coinpeak/ledger-engine/internal/store"
	"github.com/coinpeak/ledger-engine/internal/stream"
	"github.com/coinpeak/ledger-engine/internal/trade"
	"github.com/coinpeak/ledger-engine/internal/wallet"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		slog.Error("store initialization failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	hub := stream.NewHub()
	go hub.Run()

	led := ledger.NewService(st, hub)
	resolver := outcome.NewResolver(st)
	feed := pricefeed.NewStaticFeed()
	engine := trade.NewEngine(st, led, resolver, feed, hub, decimal.NewFromFloat(cfg.FeeRate))

	sweeper := trade.NewSweeper(engine, cfg.SweepInterval)
	go sweeper.Run(ctx)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", hub.ServeWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/wallet", wallet.NewHandler(led).Routes)
		r.Route("/trades", trade.NewHandler(engine).Routes)
	})

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

// buildStore picks the persistence stack: PostgreSQL when configured,
// optionally wrapped with the Redis balance cache, otherwise memory.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	slog.Info("connected to postgres")

	var st store.Store = store.NewPostgresStore(pool)
	cleanup := func() { pool.Close() }

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			pool.Close()
			return nil, nil, err
		}
		slog.Info("connected to redis", "cache_ttl", cfg.BalanceCacheTTL)
		st = store.NewCachedStore(st, rdb, cfg.BalanceCacheTTL)
		cleanup = func() {
			rdb.Close()
			pool.Close()
		}
	}

	return st, cleanup, nil
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
