package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/middleware"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/readstate"
	"github.com/capitalize-ai/messaging-core/internal/service"
	"github.com/capitalize-ai/messaging-core/internal/source"
	"github.com/capitalize-ai/messaging-core/internal/synchronizer"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

const heartbeatInterval = 30 * time.Second

// StreamHandler pushes conversation snapshots over SSE.
type StreamHandler struct {
	src         source.Source
	tracker     *readstate.Tracker
	convs       *service.ConversationService
	markTimeout time.Duration
	logger      *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(
	src source.Source,
	tracker *readstate.Tracker,
	convs *service.ConversationService,
	markTimeout time.Duration,
	log *logger.Logger,
) *StreamHandler {
	return &StreamHandler{
		src:         src,
		tracker:     tracker,
		convs:       convs,
		markTimeout: markTimeout,
		logger:      log,
	}
}

// Stream handles GET /api/v1/conversations/{id}/stream. Every change to the
// conversation produces a "snapshot" event with the full ordered list. A
// failed subscription ends the stream with an "error" event; the client
// reconnects to subscribe again.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	conversationID := chi.URLParam(r, "id")
	log := middleware.RequestLogger(ctx, h.logger).WithConversation(conversationID)

	if _, err := h.convs.Get(ctx, userID, conversationID); err != nil {
		writeAppError(w, log, err)
		return
	}

	syncer := synchronizer.New(h.src, h.tracker, userID, log, synchronizer.WithMarkTimeout(h.markTimeout))
	defer syncer.Close()

	sub, err := syncer.Subscribe(ctx, conversationID)
	if err != nil {
		writeAppError(w, log, err)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported")
		return
	}

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return

		case snap, ok := <-sub.Snapshots():
			if !ok {
				return
			}
			if snap.Err != nil {
				log.Warn("conversation stream ended", zap.Error(snap.Err))
				_ = sse.send("error", errorEvent(snap.Err))
				return
			}
			if err := sse.send("snapshot", &model.SnapshotEvent{
				ConversationID: snap.ConversationID,
				Messages:       snap.Messages,
				Unread:         snap.Unread,
				Revision:       snap.Revision,
			}); err != nil {
				log.Debug("failed to write snapshot", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			_ = sse.send("heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			})
		}
	}
}
