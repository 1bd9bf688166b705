package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/messaging-core/internal/middleware"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

// RouterConfig holds the handlers and settings of the HTTP surface.
type RouterConfig struct {
	Health        *HealthHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Stream        *StreamHandler
	Assistant     *AssistantHandler

	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Logger            *logger.Logger
}

// NewRouter wires the API routes.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", cfg.Conversations.Create)
			r.Get("/", cfg.Conversations.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Use(middleware.RequireIDParams("id"))

				r.Get("/", cfg.Conversations.Get)
				r.Delete("/", cfg.Conversations.Archive)

				r.Post("/messages", cfg.Messages.Send)
				r.Post("/read", cfg.Messages.MarkRead)
				r.Get("/stream", cfg.Stream.Stream)
			})
		})

		r.Route("/assistant", func(r chi.Router) {
			r.Get("/status", cfg.Assistant.Status)

			r.Route("/{session}", func(r chi.Router) {
				r.Use(middleware.RequireIDParams("session"))

				r.Get("/history", cfg.Assistant.History)
				r.Post("/messages", cfg.Assistant.Send)
			})
		})
	})

	return r
}
