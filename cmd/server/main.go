package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/loanbook/position-engine/internal/agreement"
	"github.com/loanbook/position-engine/internal/api"
	"github.com/loanbook/position-engine/internal/config"
	"github.com/loanbook/position-engine/internal/feed"
	"github.com/loanbook/position-engine/internal/history"
	"github.com/loanbook/position-engine/internal/observability"
	"github.com/loanbook/position-engine/internal/paydown"
	"github.com/loanbook/position-engine/internal/servicing"
	"github.com/loanbook/position-engine/internal/settlement"
	"github.com/loanbook/position-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := observability.NewLogger("position-engine")
		boot.Fatal().Err(err).Msg("load config")
	}
	logger := observability.NewLoggerWithLevel("position-engine", observability.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Fatal().Err(err).Msg("position-engine failed")
	}
}

// run serves until ctx is cancelled or the listener fails. Resources opened
// along the way are released before it returns, on every path.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		if cfg.RunMigrations {
			applied, err := store.Migrate(ctx, pool)
			if err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			logger.Info().Strs("applied", applied).Msg("migrations complete")
		}
		st = store.NewPostgresStore(pool)
		logger.Info().Msg("connected to PostgreSQL")

		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("invalid REDIS_URL: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			logger.Info().Dur("ttl", cfg.CacheTTL).Msg("Redis cache enabled")
		}
	} else {
		logger.Warn().Msg("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Event feed ---
	hub := feed.NewHub(logger.With().Str("sink", "websocket").Logger())
	go hub.Run(ctx)
	sinks := feed.Multi{hub}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("position-engine"))
		if err != nil {
			return fmt.Errorf("NATS connection: %w", err)
		}
		cleanup = append(cleanup, func() { nc.Drain() })

		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("JetStream init: %w", err)
		}
		if err := feed.EnsureStream(ctx, js, cfg.NATSStream); err != nil {
			return fmt.Errorf("ensure stream %s: %w", cfg.NATSStream, err)
		}
		sinks = append(sinks, feed.NewNATSPublisher(js))
		logger.Info().Str("stream", cfg.NATSStream).Msg("NATS publisher enabled")
	}

	// --- Services ---
	rec := history.NewRecorder(st)
	paydowns := paydown.NewProcessor(st, rec, sinks, logger.With().Str("service", "paydown").Logger())
	handler := api.NewHandler(
		agreement.NewService(st, sinks, logger.With().Str("service", "agreement").Logger()),
		settlement.NewProcessor(st, rec, sinks, logger.With().Str("service", "settlement").Logger()),
		paydowns,
		servicing.NewService(st, paydowns, sinks, logger.With().Str("service", "servicing").Logger()),
		rec,
		logger,
	)

	router := api.NewRouter(handler, api.RouterConfig{
		WebSocket: hub.HandleWS,
		Timeout:   cfg.RequestTimeout,
		Logger:    logger,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Int("port", cfg.Port).Msg("position-engine listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info().Msg("shutting down position-engine")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	logger.Info().Msg("position-engine stopped")

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve: %w", err)
	default:
		return nil
	}
}
