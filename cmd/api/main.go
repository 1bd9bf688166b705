// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/aiturn"
	"github.com/capitalize-ai/messaging-core/internal/config"
	"github.com/capitalize-ai/messaging-core/internal/dispatcher"
	"github.com/capitalize-ai/messaging-core/internal/handler"
	"github.com/capitalize-ai/messaging-core/internal/history"
	"github.com/capitalize-ai/messaging-core/internal/llm"
	natsclient "github.com/capitalize-ai/messaging-core/internal/nats"
	"github.com/capitalize-ai/messaging-core/internal/readstate"
	"github.com/capitalize-ai/messaging-core/internal/service"
	"github.com/capitalize-ai/messaging-core/internal/source"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/tracing"
)

const serviceName = "messaging-core"

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("server exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting API server", zap.String("source_backend", cfg.SourceBackend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}

	src, checks, closeSource, err := openSource(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeSource()

	store, err := history.Open(cfg.HistoryDBPath, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close history store", zap.Error(err))
		}
	}()

	// A missing key leaves the assistant unconfigured rather than failing startup.
	var client llm.Client
	client, err = llm.NewClient(llm.Provider(cfg.AIProvider), cfg.AIAPIKey())
	if err != nil {
		log.Warn("AI endpoint not configured, assistant disabled", zap.Error(err))
		client = nil
	}

	tracker := readstate.NewTracker(src, log)
	convs := service.NewConversationService(src, log)
	registry := aiturn.NewRegistry(client, store, aiturn.Config{
		Model:        cfg.AIModel,
		MaxTokens:    cfg.AIMaxTokens,
		Timeout:      cfg.AITimeout,
		MaxHistory:   cfg.AIMaxHistory,
		SystemPrompt: cfg.AISystemPrompt,
		Stream:       cfg.AIStream,
	}, log, aiturn.WithIdleTTL(cfg.AISessionTTL), aiturn.WithMaxSessions(cfg.AIMaxSessions))

	router := handler.NewRouter(handler.RouterConfig{
		Health:            handler.NewHealthHandler(checks...),
		Conversations:     handler.NewConversationHandler(convs, log),
		Messages:          handler.NewMessageHandler(dispatcher.New(src, log), tracker, convs, log),
		Stream:            handler.NewStreamHandler(src, tracker, convs, cfg.ReadMarkTimeout, log),
		Assistant:         handler.NewAssistantHandler(registry, log),
		JWTSecret:         cfg.JWTSecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Logger:            log,
	})

	go registry.Run(ctx, time.Minute)

	server := newServer(":"+cfg.ServerPort, router, cfg.ServerReadTimeout)

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

// newServer builds the HTTP server. Request contexts derive from a base
// context that is cancelled when Shutdown starts, so open snapshot and
// assistant streams end and release their subscriptions instead of holding
// shutdown until their clients disconnect. WriteTimeout stays zero so
// streams are not cut off; each AI request is bounded by AI_TIMEOUT instead.
func newServer(addr string, h http.Handler, readTimeout time.Duration) *http.Server {
	base, cancel := context.WithCancel(context.Background())
	server := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	server.RegisterOnShutdown(cancel)
	return server
}

// openSource selects the conversation store backend.
func openSource(ctx context.Context, cfg *config.Config, log *logger.Logger) (source.Source, []handler.Check, func(), error) {
	switch cfg.SourceBackend {
	case config.BackendMemory:
		log.Warn("using in-memory conversation store, data is lost on restart")
		return source.NewMemory(), nil, func() {}, nil

	case config.BackendNATS:
		client, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     serviceName,
		}, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}

		kv, err := natsclient.NewKVSource(ctx, client, cfg.NATSKVBucket, log)
		if err != nil {
			client.Close()
			return nil, nil, nil, err
		}

		checks := []handler.Check{{
			Name: "nats",
			Fn:   client.Check,
		}}
		return kv, checks, client.Close, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown SOURCE_BACKEND %q", cfg.SourceBackend)
	}
}
