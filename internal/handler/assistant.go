package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/messaging-core/internal/aiturn"
	"github.com/capitalize-ai/messaging-core/internal/middleware"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

// AssistantHandler exposes AI sessions.
type AssistantHandler struct {
	registry *aiturn.Registry
	logger   *logger.Logger
}

// NewAssistantHandler creates a new assistant handler.
func NewAssistantHandler(registry *aiturn.Registry, log *logger.Logger) *AssistantHandler {
	return &AssistantHandler{
		registry: registry,
		logger:   log,
	}
}

// Status handles GET /api/v1/assistant/status
func (h *AssistantHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{
		"configured": h.registry.IsConfigured(),
	})
}

// History handles GET /api/v1/assistant/{session}/history
func (h *AssistantHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	turns, err := h.registry.History(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "session"))
	if err != nil {
		writeAppError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusOK, &model.AssistantHistoryResponse{
		Turns:      turns,
		Configured: h.registry.IsConfigured(),
	})
}

// Send handles POST /api/v1/assistant/{session}/messages. Immediate
// failures (not configured, invalid, busy) are plain JSON errors; once the
// request is accepted the lifecycle is streamed as SSE events:
// typing_start, token*, response or error, typing_end.
func (h *AssistantHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := middleware.RequestLogger(ctx, h.logger)

	var req model.AssistantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	c, err := h.registry.Controller(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "session"))
	if err != nil {
		writeAppError(w, log, err)
		return
	}

	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	events, err := c.Send(ctx, req.Content, req.Role)
	if err != nil {
		writeAppError(w, log, err)
		return
	}

	sse, _ := newSSEWriter(w)
	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	for ev := range events {
		var data interface{} = struct{}{}
		switch ev.Type {
		case aiturn.EventToken:
			data = &model.TokenEvent{Token: ev.Token, Index: ev.Index}
		case aiturn.EventResponse:
			data = &model.ResponseEvent{Text: ev.Text}
		case aiturn.EventError:
			data = errorEvent(ev.Err)
		}
		// keep draining after a write error so the controller can finish
		_ = sse.send(ev.Type.String(), data)
	}
}
