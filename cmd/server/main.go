// fitcoach - onboarding and session API server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/fitcoach/internal/agent"
	"github.com/ashureev/fitcoach/internal/api"
	"github.com/ashureev/fitcoach/internal/auth"
	"github.com/ashureev/fitcoach/internal/bootstrap"
	"github.com/ashureev/fitcoach/internal/chat"
	"github.com/ashureev/fitcoach/internal/config"
	"github.com/ashureev/fitcoach/internal/events"
	"github.com/ashureev/fitcoach/internal/healthcheck"
	"github.com/ashureev/fitcoach/internal/plan"
	"github.com/ashureev/fitcoach/internal/profile"
	"github.com/ashureev/fitcoach/internal/questionnaire"
	"github.com/ashureev/fitcoach/internal/ratelimit"
	"github.com/ashureev/fitcoach/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "grpc_port", cfg.GRPCPort, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	requestLimiter, signInLimiter, closeLimiters := newLimiters(ctx, cfg)
	defer closeLimiters()

	authSvc := auth.NewService(repo, signInLimiter, auth.NewBus(), auth.Config{
		JWTSecret:                cfg.Auth.JWTSecret,
		AccessTTL:                cfg.Auth.AccessTTL,
		RefreshTTL:               cfg.Auth.RefreshTTL,
		BcryptCost:               cfg.Auth.BcryptCost,
		RequireEmailConfirmation: cfg.Auth.RequireEmailConfirmation,
	})
	sweeperDone := auth.StartSweeper(ctx, repo, cfg.Auth.SweepInterval)
	slog.Info("Refresh token sweeper started", "interval", cfg.Auth.SweepInterval)

	publisher := events.New(cfg.AMQP.URL, cfg.AMQP.Queue, cfg.AMQP.DialTimeout)
	defer func() {
		if closeErr := publisher.Close(); closeErr != nil {
			slog.Warn("Failed to close event publisher", "error", closeErr)
		}
	}()
	if cfg.AMQP.URL == "" {
		slog.Info("Event publishing disabled (AMQP_URL not set)")
	}

	fetcher := profile.NewFetcher(repo, cfg.Timeout.Database)

	// The chat model is optional: without it the chat reports the backend
	// unavailable and Finish still works.
	var model chat.Model
	checks := map[string]healthcheck.Check{"database": repo.Ping}
	aiEnabled := false
	//nolint:nestif // Startup wiring is intentionally sequential to keep dependency setup explicit.
	if cfg.AIEnabled() {
		provider, err := agent.NewProvider(ctx, cfg.LLM)
		if err != nil {
			slog.Warn("Failed to initialize LLM provider, AI features will be disabled", "provider", cfg.LLM.Provider, "error", err)
		} else {
			conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
				Enabled:       cfg.ConversationLog.Enabled,
				Dir:           cfg.ConversationLog.Dir,
				GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
				GlobalPath:    cfg.ConversationLog.GlobalPath,
				QueueSize:     cfg.ConversationLog.QueueSize,
			}, logger)
			if err != nil {
				slog.Error("Failed to initialize conversation logger", "error", err)
				os.Exit(1)
			}

			agentSvc := agent.NewService(provider, cfg.LLM.Timeout, conversationLogger)
			defer func() {
				if closeErr := agentSvc.Close(); closeErr != nil {
					slog.Warn("Failed to close agent service", "error", closeErr)
				}
			}()
			model = agentSvc
			checks["llm"] = agentSvc.Ping
			aiEnabled = true
			slog.Info("AI features enabled", "provider", agentSvc.Name(), "model", cfg.LLM.Model)
		}
	}
	if !aiEnabled {
		slog.Info("AI features disabled (LLM_API_KEY not set or provider failed)")
	}

	planSvc := plan.NewService(plan.NewClient(cfg.Plan.APIURL, cfg.Plan.Timeout), fetcher, publisher)
	if cfg.Plan.APIURL == "" {
		slog.Warn("Plan generation disabled (PLAN_API_URL not set)")
	}

	chatSvc := chat.NewService(repo, model, planSvc, chat.Config{
		MaxInteractions: cfg.Chat.MaxInteractions,
		IdleTTL:         cfg.Chat.IdleTTL,
	})
	janitorDone := chatSvc.StartJanitor(ctx, time.Minute)

	healthSrv := healthcheck.NewServer(checks, cfg.Timeout.HealthCheck)
	monitorDone := healthSrv.Monitor(ctx, cfg.Timeout.HealthMonitor)

	// Setup router.
	r := chi.NewRouter()
	r.Use(chiMiddleware.Logger)
	r.Mount("/", api.NewRouter(api.RouterDeps{
		Base:          api.NewHandler(repo, cfg),
		Auth:          authSvc,
		Bootstrap:     bootstrap.New(authSvc, repo, fetcher, cfg.Auth.RefreshWindow),
		Questionnaire: questionnaire.NewService(fetcher, repo, publisher),
		Chat:          chatSvc,
		Limiter:       requestLimiter,
		Monitor:       healthSrv,
		AIEnabled:     aiEnabled,
		Origins:       allowedOrigins(cfg),
	}))

	// Note: websocket chat connections are long lived, so there is no
	// WriteTimeout. Each websocket write carries its own deadline.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		slog.Error("Failed to listen for gRPC health", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := healthSrv.Serve(lis); err != nil {
			slog.Error("Health server failed", "error", err)
		}
	}()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.Shutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	healthSrv.Stop()
	<-sweeperDone
	<-janitorDone
	<-monitorDone

	slog.Info("Server stopped successfully")
}

// newLimiters returns the request limiter and the sign-in limiter. Both are
// backed by Redis when REDIS_ADDR is set, and by process memory otherwise.
func newLimiters(ctx context.Context, cfg *config.Config) (ratelimit.Limiter, ratelimit.Limiter, func()) {
	signInRefill := cfg.Auth.SignInWindow / time.Duration(max(cfg.Auth.SignInAttempts, 1))

	if cfg.Redis.Addr != "" {
		rdb, err := ratelimit.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err == nil {
			slog.Info("Using Redis rate limiter", "addr", cfg.Redis.Addr)
			var requests ratelimit.Limiter
			if cfg.RateLimit.Enabled {
				requests = ratelimit.NewRedis(rdb, cfg.RateLimit.Prefix, cfg.RateLimit.Capacity, cfg.RateLimit.RefillInterval)
			}
			signIn := ratelimit.NewRedis(rdb, cfg.RateLimit.Prefix+":signin", cfg.Auth.SignInAttempts, signInRefill)
			return requests, signIn, closeRedis(rdb)
		}
		slog.Warn("Redis unavailable, falling back to in-memory rate limiting", "error", err)
	}

	signIn := ratelimit.NewMemory(cfg.Auth.SignInAttempts, cfg.Auth.SignInWindow)
	if !cfg.RateLimit.Enabled {
		return nil, signIn, signIn.Close
	}
	window := cfg.RateLimit.RefillInterval * time.Duration(cfg.RateLimit.Capacity)
	requests := ratelimit.NewMemory(cfg.RateLimit.Capacity, window)
	return requests, signIn, func() {
		requests.Close()
		signIn.Close()
	}
}

func closeRedis(rdb *redis.Client) func() {
	return func() {
		if err := rdb.Close(); err != nil {
			slog.Warn("Failed to close Redis client", "error", err)
		}
	}
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" || cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
