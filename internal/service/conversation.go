// Package service provides conversation provisioning and listing on top of
// the conversation store.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/apperr"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/source"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

var validate = validator.New()

// ConversationService handles conversation operations.
type ConversationService struct {
	src    source.Source
	logger *logger.Logger
	now    func() time.Time
}

// NewConversationService creates a new conversation service.
func NewConversationService(src source.Source, log *logger.Logger) *ConversationService {
	return &ConversationService{
		src:    src,
		logger: log,
		now:    time.Now,
	}
}

// Create provisions a conversation. The creator is always a participant.
func (s *ConversationService) Create(ctx context.Context, creatorID string, req *model.CreateConversationRequest) (*model.Conversation, error) {
	if err := validate.Struct(req); err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	if !req.Kind.Valid() {
		return nil, apperr.Validation("unknown conversation kind %q", req.Kind)
	}

	participants := lo.Uniq(append([]string{creatorID}, lo.Map(req.Participants, func(p string, _ int) string {
		return strings.TrimSpace(p)
	})...))
	if _, bad := lo.Find(participants, func(p string) bool { return !model.ValidID(p) }); bad {
		return nil, apperr.Validation("invalid participant ID")
	}
	switch {
	case req.Kind == model.ConversationDirect && len(participants) != 2:
		return nil, apperr.Validation("direct conversations have exactly two participants")
	case req.Kind == model.ConversationGroup && len(participants) < 2:
		return nil, apperr.Validation("group conversations need at least two participants")
	}

	conv := &model.Conversation{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Kind:         req.Kind,
		Name:         strings.TrimSpace(req.Name),
		Participants: participants,
		CreatedAt:    model.Millis(s.now()),
		Active:       true,
	}
	if err := s.src.Set(ctx, source.ConversationPath(conv.ID), conv); err != nil {
		return nil, apperr.Delivery(err)
	}

	s.logger.Info("conversation created",
		zap.String("conversation_id", conv.ID),
		zap.String("kind", string(conv.Kind)),
		zap.Int("participants", len(conv.Participants)),
	)
	return conv, nil
}

// Get returns a conversation the participant belongs to. Conversations of
// other participants are reported as not found.
func (s *ConversationService) Get(ctx context.Context, participantID, conversationID string) (*model.Conversation, error) {
	if !model.ValidID(conversationID) {
		return nil, apperr.Validation("invalid conversation ID format")
	}

	doc, err := s.src.Get(ctx, source.ConversationPath(conversationID))
	if err != nil {
		return nil, err
	}
	var conv model.Conversation
	if err := doc.Decode(&conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	if !conv.HasParticipant(participantID) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, apperr.ErrNotFound)
	}
	return &conv, nil
}

// ListForParticipant returns the participant's active conversations, newest
// first.
func (s *ConversationService) ListForParticipant(ctx context.Context, participantID string, limit int) (*model.ListConversationsResponse, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	docs, err := s.src.Query(ctx, source.Query{
		Collection: source.ConversationsCollection,
		Filters: []source.Filter{
			source.Where("active", true),
			source.Contains("participants", participantID),
		},
		OrderBy:    "created_at",
		Descending: true,
		Limit:      limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	convs := lo.FilterMap(docs, func(d source.Document, _ int) (model.Conversation, bool) {
		var conv model.Conversation
		if err := d.Decode(&conv); err != nil {
			s.logger.Warn("skipping undecodable conversation", zap.String("path", d.Path), zap.Error(err))
			return conv, false
		}
		return conv, true
	})

	return &model.ListConversationsResponse{
		Conversations: convs,
		Total:         len(convs),
	}, nil
}

// Archive marks a conversation inactive. It stays readable but accepts no
// new messages and drops out of listings.
func (s *ConversationService) Archive(ctx context.Context, participantID, conversationID string) error {
	if _, err := s.Get(ctx, participantID, conversationID); err != nil {
		return err
	}
	if err := s.src.Update(ctx, source.ConversationPath(conversationID), map[string]any{"active": false}); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		return apperr.Delivery(err)
	}
	s.logger.Info("conversation archived", zap.String("conversation_id", conversationID))
	return nil
}
