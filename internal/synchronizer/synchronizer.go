// Package synchronizer keeps a local, ordered view of a conversation's
// messages in step with the remote store and pushes full snapshots to a
// single listener.
package synchronizer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/capitalize-ai/messaging-core/internal/apperr"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/readstate"
	"github.com/capitalize-ai/messaging-core/internal/source"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

const defaultMarkTimeout = 10 * time.Second

// ErrClosed is returned by Subscribe after the synchronizer was closed.
var ErrClosed = errors.New("synchronizer closed")

// ReadMarker is the read-state collaborator. The synchronizer only reads
// receipts and asks for marks; it never writes read state itself.
type ReadMarker interface {
	MarkReadUpTo(ctx context.Context, conversationID, participantID string, newest model.Message) (*readstate.Result, error)
	Receipt(ctx context.Context, conversationID, participantID string) (*model.ReadReceipt, error)
}

// Snapshot is the full ordered message list of a conversation at one point.
// A snapshot with Err set is the last one of its subscription.
type Snapshot struct {
	ConversationID string
	Messages       []model.Message
	Unread         int
	Revision       uint64
	Err            error
}

// Synchronizer owns at most one live conversation subscription.
type Synchronizer struct {
	src         source.Source
	marker      ReadMarker
	identity    string
	logger      *logger.Logger
	markTimeout time.Duration

	marks singleflight.Group

	mu     sync.Mutex
	active *Subscription
	closed bool
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithMarkTimeout bounds each background mark-as-read call.
func WithMarkTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		s.markTimeout = d
	}
}

// New creates a synchronizer acting on behalf of identity. marker may be nil,
// in which case nothing is marked read and every message from another
// sender counts as unread.
func New(src source.Source, marker ReadMarker, identity string, log *logger.Logger, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		src:         src,
		marker:      marker,
		identity:    identity,
		logger:      log,
		markTimeout: defaultMarkTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe starts listening to a conversation. Any previous subscription of
// this synchronizer is torn down, and its channel closed, before the new one
// is registered.
func (s *Synchronizer) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	if !model.ValidID(conversationID) {
		return nil, apperr.Validation("invalid conversation ID format")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.active != nil {
		s.active.Close()
		s.active = nil
	}

	upstream, err := s.src.Subscribe(ctx, source.Query{
		Collection: source.MessagesCollection(conversationID),
	})
	if err != nil {
		metrics.SubscriptionErrors.Inc()
		return nil, apperr.Subscription(err)
	}

	sub := newSubscription(s, conversationID, upstream)
	s.active = sub

	metrics.SubscriptionsActive.Inc()
	go sub.run()

	s.logger.Debug("subscribed", zap.String("conversation_id", conversationID))
	return sub, nil
}

// Unsubscribe closes the active subscription, if any.
func (s *Synchronizer) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		s.active.Close()
		s.active = nil
	}
}

// Close tears down the active subscription and rejects further ones.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		s.active.Close()
		s.active = nil
	}
	s.closed = true
}

// triggerMarkRead marks the conversation read up to newest in the
// background. Calls for the same conversation coalesce while one is in
// flight; a coalesced call can miss the newest message, and the next
// snapshot marks again.
func (s *Synchronizer) triggerMarkRead(conversationID string, messages []model.Message) {
	if s.marker == nil || s.identity == "" || len(messages) == 0 {
		return
	}
	newest := messages[len(messages)-1]

	go func() {
		_, err, _ := s.marks.Do(conversationID, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), s.markTimeout)
			defer cancel()
			return s.marker.MarkReadUpTo(ctx, conversationID, s.identity, newest)
		})
		if err != nil {
			s.logger.Warn("failed to mark conversation read",
				zap.String("conversation_id", conversationID),
				zap.String("participant_id", s.identity),
				zap.Error(err),
			)
		}
	}()
}

func (s *Synchronizer) receipt(ctx context.Context, conversationID string) (*model.ReadReceipt, error) {
	if s.marker == nil || s.identity == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.markTimeout)
	defer cancel()
	return s.marker.Receipt(ctx, conversationID, s.identity)
}
