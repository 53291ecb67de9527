// Package main our entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/johndosdos/huddle/internal"
	"github.com/johndosdos/huddle/internal/auth"
	"github.com/johndosdos/huddle/internal/broker"
	"github.com/johndosdos/huddle/internal/cache"
	"github.com/johndosdos/huddle/internal/chat"
	"github.com/johndosdos/huddle/internal/config"
	"github.com/johndosdos/huddle/internal/database"
	"github.com/johndosdos/huddle/internal/database/memory"
	"github.com/johndosdos/huddle/internal/handler"
	"github.com/johndosdos/huddle/internal/logging"
	"github.com/johndosdos/huddle/internal/model"
	"github.com/johndosdos/huddle/internal/ratelimiter"
	ws "github.com/johndosdos/huddle/internal/websocket"
)

type chatStore interface {
	chat.Store
	handler.History
}

func main() {
	boot := logging.New(os.Stdout, "info", "text")

	cfg, err := config.Load(boot, "config")
	if err != nil {
		boot.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting application...")
	checks := map[string]handler.Check{}

	// Init DB
	var (
		store chatStore
		users auth.UserLookup
	)
	if cfg.Database.URL != "" {
		logger.Info("Initializing Database connection...")

		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("could not connect to the postgresql database: %w", err)
		}
		defer pool.Close()

		if err := database.Migrate(ctx, pool); err != nil {
			return err
		}

		q := database.New(pool)
		store, users = q, q
		checks["postgres"] = pool.Ping
	} else {
		logger.Warn("database.url is not set, using the in-memory store")
		mem := memory.New()
		store, users = mem, provisioningUsers{mem}
	}

	reg := chat.NewRegistry(logger, cfg.Chat.DeliveryTimeout)

	// Init NATS
	var (
		fanout     chat.Fanout
		subscriber *broker.Subscriber
	)
	if cfg.NATS.URL != "" {
		logger.Info("Initializing NATS connection...")

		nc, err := connectNATS(cfg.NATS)
		if err != nil {
			return err
		}
		defer func() {
			if err := nc.Drain(); err != nil {
				logger.Warn("Couldn't drain NATS conn", slog.Any("error", err))
			}
		}()

		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("failed to create jetstream instance: %w", err)
		}
		stream, err := broker.EnsureStream(ctx, js, cfg.NATS.DupWindow)
		if err != nil {
			return err
		}

		seen := broker.NewSeen(cfg.NATS.DupWindow, nil)
		fanout = broker.NewPublisher(js, reg, seen, logger)
		subscriber = broker.NewSubscriber(stream, reg, seen, time.Minute, logger)
		checks["nats"] = func(context.Context) error {
			if s := nc.Status(); s != nats.CONNECTED {
				return fmt.Errorf("nats status %s", s)
			}
			return nil
		}
	} else {
		logger.Warn("nats.url is not set, broadcasting to local connections only")
	}

	// Init dedup cache
	var dedup chat.DedupCache
	if cfg.Dedup.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()

		rd := cache.NewRedisDedup(rdb, cache.DefaultPrefix)
		if err := rd.Ping(ctx); err != nil {
			return fmt.Errorf("could not reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		dedup = rd
		checks["redis"] = rd.Ping
	}

	coord := chat.New(store, reg, fanout, dedup, chat.Options{
		Pipeline: chat.PipelineConfig{
			StoreTimeout:     cfg.Chat.StoreTimeout,
			DedupTTL:         cfg.Dedup.TTL,
			MaxMessageLength: cfg.Chat.MaxMessageLength,
		},
		Throttle: chat.ThrottleConfig{
			MinWindow:      cfg.Throttle.MinWindow,
			MaxWindow:      cfg.Throttle.MaxWindow,
			BurstThreshold: cfg.Throttle.BurstThreshold,
			Tick:           cfg.Throttle.Tick,
		},
		TypingExpiry:  cfg.Typing.Expiry,
		TypingSweep:   cfg.Typing.SweepInterval,
		PresenceSweep: cfg.Presence.SweepInterval,
		Cadence:       cfg.Presence.Cadence,
	}, logger)

	ipLimiter := ratelimiter.NewIPRateLimiter(cfg.RateLimit.IP.Requests, cfg.RateLimit.IP.Window, ratelimiter.CleanupOpts{
		TTL:      cfg.RateLimit.IP.TTL,
		Interval: cfg.RateLimit.IP.Interval,
	}, logger)

	resolver := auth.NewResolver(cfg.Auth.JWTSecret, users)
	wsOpts := ws.Options{
		SendBuffer:       cfg.Chat.SendBuffer,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: cfg.Auth.HandshakeTimeout,
		MaxMessageBytes:  int64(cfg.Chat.MaxMessageLength) * 8,
		MessageLimit:     cfg.RateLimit.Messages,
		TypingLimit:      cfg.RateLimit.Typing,
		LimitWindow:      cfg.RateLimit.Window,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Get("/healthz", handler.ServeHealth(checks, 2*time.Second, logger))
	r.Group(func(r chi.Router) {
		r.Use(internal.Middleware(cfg.Auth.JWTSecret, logger))
		r.With(ipLimiter.Middleware).Get("/ws", handler.ServeWs(coord, resolver, wsOpts, logger))
		r.With(internal.RequireUser).Get("/rooms/{roomID}/messages", handler.ServeMessages(store, cfg.Chat.HistoryLimit, logger))
	})

	// Init server. Request contexts derive from ctx, so open websockets are
	// closed when the shutdown signal arrives.
	server := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           r,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return ipLimiter.Run(gctx) })
	if subscriber != nil {
		g.Go(func() error { return subscriber.Run(gctx) })
	}
	g.Go(func() error {
		logger.Info("Server starting", slog.String("address", cfg.Server.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received; shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func connectNATS(cfg config.NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{nats.Name("huddle"), nats.Timeout(5 * time.Second)}

	if cfg.Creds != "" {
		opts = append(opts, nats.UserCredentials(cfg.Creds))
	} else if cfg.User != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return nc, nil
}

// provisioningUsers creates a user the first time a valid token names it.
// The in-memory store starts empty on every boot, so there is nobody to
// look up otherwise.
type provisioningUsers struct {
	store *memory.Store
}

func (p provisioningUsers) GetUser(ctx context.Context, id uuid.UUID) (model.Identity, error) {
	u, err := p.store.GetUser(ctx, id)
	if !errors.Is(err, database.ErrNotFound) {
		return u, err
	}
	return p.store.CreateUser(ctx, model.Identity{ID: id, Username: "user-" + id.String()[:8]})
}
