// llmchat - streaming chat proxy server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/llmchat/internal/api"
	"github.com/ashureev/llmchat/internal/backend"
	"github.com/ashureev/llmchat/internal/config"
	"github.com/ashureev/llmchat/internal/middleware"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"backend", cfg.Backend.Kind,
		"default_model", cfg.Chat.DefaultModel,
	)

	// Initialize the model backend.
	var modelBackend backend.Backend
	switch cfg.Backend.Kind {
	case config.BackendOpenAI:
		modelBackend = backend.NewOpenAI(cfg.Backend.URL, cfg.Backend.APIKey, nil, logger)
	default:
		modelBackend = backend.NewHTTP(cfg.Backend.URL, cfg.Backend.APIKey, nil, logger)
	}

	conversationLogger, err := api.NewConversationLogger(api.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	origins := cfg.AllowedOrigins()
	chatHandler := api.NewChatHandler(modelBackend, api.ChatOptions{
		Models: api.ModelPolicy{
			Default: cfg.Chat.DefaultModel,
			Allowed: cfg.Chat.AllowedModels,
		},
		SystemPrompt:       cfg.Chat.SystemPrompt,
		MaxRequestBodySize: cfg.MaxRequestBodySize,
		BackendTimeout:     cfg.Backend.Timeout,
		OriginPatterns:     websocketOrigins(origins),
	}, conversationLogger, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(origins))

	chatHandler.RegisterRoutes(r)

	// SSE responses stay open for the whole generation, so there is no
	// WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
		return
	}

	slog.Info("Server stopped successfully")
}

// websocketOrigins converts CORS origins to the host patterns the websocket
// library matches against.
func websocketOrigins(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
		}
	}
	return out
}
