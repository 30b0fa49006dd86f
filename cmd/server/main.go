// Showroom - car-brand concierge chat server
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

	"github.com/ashureev/showroom/internal/api"
	"github.com/ashureev/showroom/internal/assistant"
	"github.com/ashureev/showroom/internal/callback"
	"github.com/ashureev/showroom/internal/chat"
	"github.com/ashureev/showroom/internal/config"
	"github.com/ashureev/showroom/internal/gate"
	"github.com/ashureev/showroom/internal/middleware"
	"github.com/ashureev/showroom/internal/speech"
	"github.com/ashureev/showroom/internal/store"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.LogDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.SessionStore, "gate", cfg.Gate.Backend)

	// Initialize dependencies.
	repo, err := store.Open(cfg.SessionStore, cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close session store", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Session store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Session store connected")

	reset, err := repo.ResetRunning(context.Background())
	if err != nil {
		slog.Error("Failed to recover interrupted runs", "error", err)
		os.Exit(1)
	}
	slog.Info("Interrupted run recovery complete", "sessions_reset", reset)

	runGate, closeGate, err := newGate(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize run gate", "error", err)
		os.Exit(1)
	}
	defer closeGate()

	var client assistant.Client = assistant.Disabled{}
	if cfg.AssistantConfigured() {
		client, err = assistant.NewOpenAI(assistant.OpenAIConfig{
			APIKey:       cfg.Assistant.APIKey,
			AssistantID:  cfg.Assistant.AssistantID,
			BaseURL:      cfg.Assistant.BaseURL,
			PollInterval: cfg.Assistant.PollInterval,
			Logger:       logger,
		})
		if err != nil {
			slog.Error("Failed to initialize assistant client", "error", err)
			os.Exit(1)
		}
		slog.Info("Assistant client initialized", "assistant_id", cfg.Assistant.AssistantID)
	} else {
		slog.Warn("Assistant not configured (OPENAI_API_KEY or OPENAI_ASSISTANT_ID missing), chat turns will fail")
	}

	actions := assistant.DefaultActions()
	if cfg.ActionsFile != "" {
		actions, err = assistant.LoadActions(cfg.ActionsFile)
		if err != nil {
			slog.Error("Failed to load actions file", "path", cfg.ActionsFile, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("Assistant actions loaded", "actions", actions.Names())

	// Initialize services.
	svc := chat.NewService(repo, runGate, client, actions, chat.ServiceConfig{
		Executor: chat.ExecutorConfig{
			StallTimeout: cfg.Assistant.StallTimeout,
			Retry: chat.RetryPolicy{
				MaxAttempts:    cfg.Retry.MaxAttempts,
				InitialBackoff: cfg.Retry.InitialBackoff,
				MaxBackoff:     cfg.Retry.MaxBackoff,
				Multiplier:     2,
				Jitter:         0.1,
			},
		},
		Keepalive: cfg.KeepaliveInterval,
		Logger:    logger,
	})

	stt := speech.NewDeepgram(speech.DeepgramConfig{APIKey: cfg.Voice.DeepgramAPIKey})
	tts := speech.NewElevenLabs(speech.ElevenLabsConfig{
		APIKey:  cfg.Voice.ElevenLabsAPIKey,
		VoiceID: cfg.Voice.ElevenLabsVoice,
	})
	dispatcher := callback.New(callback.Config{URL: cfg.Callback.URL, APIKey: cfg.Callback.APIKey})
	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	origins := cfg.AllowedOrigins
	wsOrigins := api.OriginPatterns(origins)
	if cfg.IsDevelopment() {
		wsOrigins = []string{"*"}
	}

	// Setup router.
	r := api.NewRouter(api.RouterConfig{
		Chat:     api.NewChatHandler(svc, cfg.MaxRequestBodySize, logger),
		Voice:    api.NewVoiceHandler(stt, tts, svc, cfg.MaxRequestBodySize, wsOrigins, logger),
		Callback: api.NewCallbackHandler(dispatcher, cfg.MaxRequestBodySize, logger),
		Health: api.NewHealthHandler(repo, api.Integrations{
			Assistant: cfg.AssistantConfigured(),
			Voice:     cfg.VoiceConfigured(),
			Callback:  cfg.CallbackConfigured(),
		}, logger),
		Limiter:        limiter,
		AllowedOrigins: origins,
		IsDevelopment:  cfg.IsDevelopment(),
	})

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

	// Start background workers.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lifecycle := chat.NewLifecycle(repo, client, cfg.SessionIdleTTL, logger)
	lifecycle.Start(ctx, cfg.SessionSweepInterval)
	limiter.StartEviction(ctx, time.Minute)

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// newGate builds the configured run gate and a function releasing its resources.
func newGate(cfg *config.Config, logger *slog.Logger) (gate.Gate, func(), error) {
	if cfg.Gate.Backend != config.GateRedis {
		return gate.NewLocal(), func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Gate.RedisAddr,
		Password: cfg.Gate.RedisPassword,
		DB:       cfg.Gate.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	slog.Info("Redis run gate connected", "addr", cfg.Gate.RedisAddr)

	closeFn := func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Failed to close redis client", "error", err)
		}
	}
	return gate.NewRedis(rdb, gate.RedisOptions{TTL: cfg.Gate.LeaseTTL, Logger: logger}), closeFn, nil
}
