// Package readstate records how far each participant has read in a
// conversation. Receipts live in their own documents; message documents
// are never written here.
package readstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/apperr"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/source"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

// Result is the outcome of MarkRead.
type Result struct {
	Receipt model.ReadReceipt `json:"receipt"`
	Changed bool              `json:"changed"`
}

// Tracker marks conversations as read for a participant.
type Tracker struct {
	src    source.Source
	logger *logger.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*keyLock
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the clock used for UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a read-state tracker.
func NewTracker(src source.Source, log *logger.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		src:    src,
		logger: log,
		now:    time.Now,
		locks:  make(map[string]*keyLock),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MarkRead moves the participant's watermark to the newest message of the
// conversation. It is a successful no-op when the watermark is already
// there, and it never moves the watermark backwards.
func (t *Tracker) MarkRead(ctx context.Context, conversationID, participantID string) (*Result, error) {
	if !model.ValidID(conversationID) || !model.ValidID(participantID) {
		return nil, apperr.Validation("invalid conversation or participant ID")
	}

	latest, err := t.latestMessage(ctx, conversationID)
	if err != nil {
		metrics.ReadMarksTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	return t.advance(ctx, conversationID, participantID, latest)
}

// MarkReadUpTo moves the participant's watermark to newest, a message the
// caller has already seen, without reading the conversation's messages.
// The same rules as MarkRead apply.
func (t *Tracker) MarkReadUpTo(ctx context.Context, conversationID, participantID string, newest model.Message) (*Result, error) {
	if !model.ValidID(conversationID) || !model.ValidID(participantID) {
		return nil, apperr.Validation("invalid conversation or participant ID")
	}
	if newest.ID == "" {
		return nil, apperr.Validation("message ID is required")
	}
	return t.advance(ctx, conversationID, participantID, &newest)
}

func (t *Tracker) advance(ctx context.Context, conversationID, participantID string, latest *model.Message) (*Result, error) {
	unlock := t.lock(conversationID + "/" + participantID)
	defer unlock()

	current, err := t.Receipt(ctx, conversationID, participantID)
	if err != nil {
		metrics.ReadMarksTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if latest == nil || current.Covers(latest) {
		metrics.ReadMarksTotal.WithLabelValues("noop").Inc()
		return &Result{Receipt: *current}, nil
	}

	receipt := model.ReadReceipt{
		ConversationID:    conversationID,
		ParticipantID:     participantID,
		LastReadMessageID: latest.ID,
		LastReadAt:        latest.Timestamp,
		UpdatedAt:         model.Millis(t.now()),
	}
	if err := t.src.Set(ctx, source.ReadStatePath(conversationID, participantID), receipt); err != nil {
		metrics.ReadMarksTotal.WithLabelValues("error").Inc()
		return nil, apperr.Delivery(err)
	}

	metrics.ReadMarksTotal.WithLabelValues("updated").Inc()
	t.logger.Debug("read state advanced",
		zap.String("conversation_id", conversationID),
		zap.String("participant_id", participantID),
		zap.String("message_id", latest.ID),
	)
	return &Result{Receipt: receipt, Changed: true}, nil
}

// Receipt returns the stored receipt, or an empty one when the participant
// has never read the conversation.
func (t *Tracker) Receipt(ctx context.Context, conversationID, participantID string) (*model.ReadReceipt, error) {
	doc, err := t.src.Get(ctx, source.ReadStatePath(conversationID, participantID))
	if err != nil {
		if errors.Is(err, source.ErrNotFound) {
			return &model.ReadReceipt{ConversationID: conversationID, ParticipantID: participantID}, nil
		}
		return nil, fmt.Errorf("failed to load read receipt: %w", err)
	}

	var receipt model.ReadReceipt
	if err := doc.Decode(&receipt); err != nil {
		return nil, fmt.Errorf("failed to decode read receipt: %w", err)
	}
	return &receipt, nil
}

func (t *Tracker) latestMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	docs, err := t.src.Query(ctx, source.Query{
		Collection: source.MessagesCollection(conversationID),
		OrderBy:    "timestamp",
		Descending: true,
		Limit:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load latest message: %w", err)
	}
	if len(docs) == 0 {
		return nil, nil
	}

	var msg model.Message
	if err := docs[0].Decode(&msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}

// lock serializes marks per key. Entries are dropped once no caller holds
// or waits for them.
func (t *Tracker) lock(key string) func() {
	t.mu.Lock()
	l, ok := t.locks[key]
	if !ok {
		l = &keyLock{}
		t.locks[key] = l
	}
	l.refs++
	t.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		t.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
	}
}

type keyLock struct {
	sync.Mutex
	refs int
}
