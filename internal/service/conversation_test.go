package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/messaging-core/internal/apperr"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/source"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

func newService(src source.Source) *ConversationService {
	s := NewConversationService(src, logger.NewNop())
	tick := int64(0)
	s.now = func() time.Time {
		tick++
		return time.UnixMilli(1_700_000_000_000 + tick)
	}
	return s
}

func TestConversationService_Create(t *testing.T) {
	t.Run("should add the creator and dedupe participants", func(t *testing.T) {
		req := require.New(t)
		s := newService(source.NewMemory())

		conv, err := s.Create(context.Background(), "u1", &model.CreateConversationRequest{
			Kind:         model.ConversationGroup,
			Name:         " team ",
			Participants: []string{"u2", "u1", "u3", "u2"},
		})
		req.NoError(err)
		req.Equal([]string{"u1", "u2", "u3"}, conv.Participants)
		req.Equal("team", conv.Name)
		req.True(conv.Active)
	})

	t.Run("should reject bad requests", func(t *testing.T) {
		req := require.New(t)
		s := newService(source.NewMemory())
		ctx := context.Background()

		_, err := s.Create(ctx, "u1", &model.CreateConversationRequest{Kind: "channel", Participants: []string{"u2"}})
		req.ErrorIs(err, apperr.ErrValidation)

		_, err = s.Create(ctx, "u1", &model.CreateConversationRequest{Kind: model.ConversationDirect, Participants: []string{"u2", "u3"}})
		req.ErrorIs(err, apperr.ErrValidation)

		_, err = s.Create(ctx, "u1", &model.CreateConversationRequest{Kind: model.ConversationGroup})
		req.ErrorIs(err, apperr.ErrValidation)

		_, err = s.Create(ctx, "u1", &model.CreateConversationRequest{Kind: model.ConversationGroup, Participants: []string{"a/b"}})
		req.ErrorIs(err, apperr.ErrValidation)

		// the creator alone does not make a group
		_, err = s.Create(ctx, "u1", &model.CreateConversationRequest{Kind: model.ConversationGroup, Participants: []string{"u1", " u1 "}})
		req.ErrorIs(err, apperr.ErrValidation)
	})
}

func TestConversationService_ListAndArchive(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := newService(source.NewMemory())

	first, err := s.Create(ctx, "u1", &model.CreateConversationRequest{Kind: model.ConversationDirect, Participants: []string{"u2"}})
	req.NoError(err)
	second, err := s.Create(ctx, "u1", &model.CreateConversationRequest{Kind: model.ConversationGroup, Participants: []string{"u3"}})
	req.NoError(err)
	_, err = s.Create(ctx, "u4", &model.CreateConversationRequest{Kind: model.ConversationAIAssistant, Participants: []string{"u4"}})
	req.NoError(err)

	list, err := s.ListForParticipant(ctx, "u1", 0)
	req.NoError(err)
	req.Equal(2, list.Total)
	req.Equal(second.ID, list.Conversations[0].ID)
	req.Equal(first.ID, list.Conversations[1].ID)

	list, err = s.ListForParticipant(ctx, "u1", 1)
	req.NoError(err)
	req.Len(list.Conversations, 1)

	_, err = s.Get(ctx, "u4", first.ID)
	req.ErrorIs(err, apperr.ErrNotFound)

	req.NoError(s.Archive(ctx, "u1", second.ID))
	list, err = s.ListForParticipant(ctx, "u1", 0)
	req.NoError(err)
	req.Len(list.Conversations, 1)
	req.Equal(first.ID, list.Conversations[0].ID)

	conv, err := s.Get(ctx, "u1", second.ID)
	req.NoError(err)
	req.False(conv.Active)
}
