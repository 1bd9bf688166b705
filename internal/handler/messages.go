package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/messaging-core/internal/dispatcher"
	"github.com/capitalize-ai/messaging-core/internal/middleware"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/readstate"
	"github.com/capitalize-ai/messaging-core/internal/service"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

// MessageHandler handles message endpoints.
type MessageHandler struct {
	dispatcher *dispatcher.Dispatcher
	tracker    *readstate.Tracker
	convs      *service.ConversationService
	logger     *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(d *dispatcher.Dispatcher, tracker *readstate.Tracker, convs *service.ConversationService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		dispatcher: d,
		tracker:    tracker,
		convs:      convs,
		logger:     log,
	}
}

// Send handles POST /api/v1/conversations/{id}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body")
		return
	}

	senderName := req.SenderName
	if senderName == "" {
		senderName = middleware.GetDisplayName(ctx)
	}

	res, err := h.dispatcher.Send(ctx, dispatcher.SendRequest{
		ConversationID: chi.URLParam(r, "id"),
		SenderID:       middleware.GetUserID(ctx),
		SenderName:     senderName,
		Content:        req.Content,
		Kind:           req.Kind,
		MediaRef:       req.MediaRef,
	})
	if err != nil {
		writeAppError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusCreated, &model.SendMessageResponse{
		Message:        &res.Message,
		PreviewUpdated: res.PreviewUpdated,
	})
}

// MarkRead handles POST /api/v1/conversations/{id}/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conversationID := chi.URLParam(r, "id")
	userID := middleware.GetUserID(ctx)

	if _, err := h.convs.Get(ctx, userID, conversationID); err != nil {
		writeAppError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	res, err := h.tracker.MarkRead(ctx, conversationID, userID)
	if err != nil {
		writeAppError(w, middleware.RequestLogger(ctx, h.logger), err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}
