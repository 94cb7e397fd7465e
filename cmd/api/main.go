// Package main is the entry point for the messaging server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/campswap/messaging/internal/auth"
	"github.com/campswap/messaging/internal/config"
	"github.com/campswap/messaging/internal/handler"
	"github.com/campswap/messaging/internal/middleware"
	natsclient "github.com/campswap/messaging/internal/nats"
	"github.com/campswap/messaging/internal/presence"
	"github.com/campswap/messaging/internal/realtime"
	"github.com/campswap/messaging/internal/service"
	"github.com/campswap/messaging/internal/store"
	"github.com/campswap/messaging/pkg/logger"
	"github.com/campswap/messaging/pkg/tracing"
)

// backend is what the services and health checks need from a store.
type backend interface {
	store.ConversationStore
	store.MessageStore
	store.UserDirectory
	store.Pinger
	auth.Directory
}

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.NewForEnv(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting messaging server", zap.String("environment", cfg.Environment))

	ctx := context.Background()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "campswap-messaging", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Store
	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer closeStore()

	checks := map[string]handler.Pinger{"store": st}

	// Domain events
	var publisher service.EventPublisher
	if cfg.NATSURL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		natsClient, err := natsclient.Connect(connectCtx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			cancel()
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()

		pub := natsclient.NewPublisher(natsClient, log)
		err = pub.EnsureStream(connectCtx)
		cancel()
		if err != nil {
			log.Fatal("failed to ensure stream", zap.Error(err))
		}
		publisher = pub
		checks["nats"] = natsClient
	} else {
		log.Info("NATS_URL not set, domain events disabled")
	}

	// Presence
	presenceOpts := []presence.Option{presence.WithGrace(cfg.PresenceGrace)}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unreachable, presence mirror writes will fail until it recovers", zap.Error(err))
		}

		nodeID, _ := os.Hostname()
		presenceOpts = append(presenceOpts, presence.WithMirror(presence.NewRedisMirror(rdb, nodeID, cfg.PresenceTTL)))
	}
	registry := presence.NewRegistry(log, presenceOpts...)
	defer registry.Close()

	hub := realtime.NewHub(registry, log)
	registry.Subscribe(hub)

	// Identity
	authn := auth.NewAuthenticator(cfg.JWTSecret,
		auth.WithIssuer(cfg.JWTIssuer),
		auth.WithTTL(cfg.JWTExpiration),
	)
	userSync := auth.NewUserSync(st, cfg.StoreTimeout)

	// Initialize services
	messageSvc := service.NewMessageService(st, st, st, log,
		service.WithBroadcaster(hub),
		service.WithPublisher(publisher),
		service.WithStoreTimeout(cfg.StoreTimeout),
	)
	conversationSvc := service.NewConversationService(st, st, st, cfg.StoreTimeout, log)

	gateway := realtime.NewGateway(hub, authn, messageSvc, conversationSvc, log, realtime.Options{
		AllowedOrigins:    cfg.WSAllowedOrigins,
		SendQueueSize:     cfg.WSSendQueue,
		WriteTimeout:      cfg.WSWriteTimeout,
		ReadIdleTimeout:   cfg.WSReadIdleTimeout,
		HeartbeatInterval: cfg.WSHeartbeatInterval,
		RateEvents:        cfg.WSRateEvents,
		RateWindow:        cfg.WSRateWindow,
		Users:             userSync,
	})

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(checks)
	conversationHandler := handler.NewConversationHandler(conversationSvc, log)
	messageHandler := handler.NewMessageHandler(messageSvc, conversationSvc, hub, log)
	presenceHandler := handler.NewPresenceHandler(registry, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Realtime gateway authenticates during the handshake.
	r.Handle("/ws", gateway)

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.CORSAllowedOrigins))
		r.Use(middleware.Auth(authn, userSync))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Post("/messages/send", messageHandler.Send)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", messageHandler.CreateConversation)
			r.Get("/", conversationHandler.List)
			r.Post("/group", conversationHandler.CreateGroup)
			r.Get("/unread", conversationHandler.UnreadTotal)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", conversationHandler.Get)
				r.Get("/messages", messageHandler.List)
				r.Patch("/read", messageHandler.MarkRead)
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(auth.RoleAdmin))
			r.Get("/presence", presenceHandler.Summary)
			r.Get("/presence/{userId}", presenceHandler.User)
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// openStore selects Postgres when DATABASE_URL is set and the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (backend, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store; data is lost on restart")
		return store.NewMemoryStore(store.WithOpenDirectory()), func() {}, nil
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.DBMaxConns)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	pg, err := store.NewPostgresStore(pool, store.WithSchema(cfg.DatabaseSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := pg.EnsureSchema(connectCtx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("connected to postgres", zap.String("schema", cfg.DatabaseSchema))
	return pg, pool.Close, nil
}
