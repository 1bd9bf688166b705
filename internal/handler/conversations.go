// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/messaging-core/internal/middleware"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/service"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// Create handles POST /api/v1/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.CreateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	conv, err := h.service.Create(ctx, middleware.GetUserID(ctx), &req)
	if err != nil {
		writeAppError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	resp, err := h.service.ListForParticipant(ctx, middleware.GetUserID(ctx), limit)
	if err != nil {
		writeAppError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	conv, err := h.service.Get(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Archive handles DELETE /api/v1/conversations/{id}
func (h *ConversationHandler) Archive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.service.Archive(ctx, middleware.GetUserID(ctx), chi.URLParam(r, "id")); err != nil {
		writeAppError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
