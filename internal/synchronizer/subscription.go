package synchronizer

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/apperr"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/source"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
)

var errSourceClosed = errors.New("change stream closed by source")

type entry struct {
	msg      model.Message
	revision uint64
}

// Subscription is a live view of one conversation. Snapshots are delivered
// on a single channel owned by the subscription; when the listener falls
// behind, an undelivered snapshot is replaced by the newer one.
type Subscription struct {
	owner          *Synchronizer
	conversationID string
	upstream       source.Subscription

	out      chan Snapshot
	done     chan struct{}
	finished chan struct{}
	once     sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	// owned by the run goroutine
	entries    map[string]entry
	tombstones map[string]uint64
	revision   uint64
	receipt    *model.ReadReceipt
	primed     bool
}

func newSubscription(owner *Synchronizer, conversationID string, upstream source.Subscription) *Subscription {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscription{
		owner:          owner,
		conversationID: conversationID,
		upstream:       upstream,
		out:            make(chan Snapshot),
		done:           make(chan struct{}),
		finished:       make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
		entries:        make(map[string]entry),
		tombstones:     make(map[string]uint64),
	}
}

// ConversationID returns the conversation being watched.
func (s *Subscription) ConversationID() string {
	return s.conversationID
}

// Snapshots returns the delivery channel. It is closed when the
// subscription ends.
func (s *Subscription) Snapshots() <-chan Snapshot {
	return s.out
}

// Close stops delivery and releases the upstream registration. Nothing is
// delivered after Close returns. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		if err := s.upstream.Close(); err != nil {
			s.owner.logger.Warn("failed to release subscription",
				zap.String("conversation_id", s.conversationID),
				zap.Error(err),
			)
		}
	})
	<-s.finished
}

func (s *Subscription) run() {
	defer close(s.finished)
	defer close(s.out)
	defer metrics.SubscriptionsActive.Dec()

	in := s.upstream.Changes()
	var pending *Snapshot

	for {
		var out chan Snapshot
		var next Snapshot
		if pending != nil {
			out = s.out
			next = *pending
		}

		select {
		case <-s.done:
			return

		case cs, ok := <-in:
			if !ok {
				s.fail(pending, errSourceClosed)
				return
			}
			if cs.Err != nil {
				s.fail(pending, cs.Err)
				return
			}
			if s.apply(cs) {
				snap := s.build()
				pending = &snap
			}

		case out <- next:
			pending = nil
			metrics.SnapshotsDelivered.Inc()
			s.owner.triggerMarkRead(s.conversationID, next.Messages)
		}
	}
}

// fail delivers any pending snapshot, then the terminal error. The upstream
// registration is released; the caller decides whether to subscribe again.
func (s *Subscription) fail(pending *Snapshot, cause error) {
	metrics.SubscriptionErrors.Inc()
	s.owner.logger.Warn("conversation subscription failed",
		zap.String("conversation_id", s.conversationID),
		zap.Error(cause),
	)
	_ = s.upstream.Close()

	if pending != nil {
		select {
		case s.out <- *pending:
			metrics.SnapshotsDelivered.Inc()
		case <-s.done:
			return
		}
	}

	select {
	case s.out <- Snapshot{ConversationID: s.conversationID, Err: apperr.Subscription(cause)}:
	case <-s.done:
	}
}

// apply folds a change set into the local entries and reports whether the
// visible list may have changed. Changes older than what is already held
// for a document are dropped.
func (s *Subscription) apply(cs source.ChangeSet) bool {
	changed := !s.primed
	s.primed = true

	for _, c := range cs.Changes {
		id := c.Doc.ID()
		rev := c.Doc.Revision
		if rev > s.revision {
			s.revision = rev
		}

		if rev != 0 {
			if cur, ok := s.entries[id]; ok && cur.revision >= rev {
				continue
			}
			if dead, ok := s.tombstones[id]; ok && dead >= rev {
				continue
			}
		}

		switch c.Op {
		case source.ChangeDelete:
			if _, ok := s.entries[id]; ok {
				delete(s.entries, id)
				changed = true
			}
			s.tombstones[id] = rev

		case source.ChangePut:
			var msg model.Message
			if err := c.Doc.Decode(&msg); err != nil {
				s.owner.logger.Warn("skipping undecodable message",
					zap.String("path", c.Doc.Path),
					zap.Error(err),
				)
				continue
			}
			if msg.ConversationID != s.conversationID {
				continue
			}
			msg.ID = id
			s.entries[id] = entry{msg: msg, revision: rev}
			delete(s.tombstones, id)
			changed = true
		}
	}
	return changed
}

// build derives a new ordered list from the entries. The slice is never
// shared with a previous snapshot.
func (s *Subscription) build() Snapshot {
	msgs := make([]model.Message, 0, len(s.entries))
	for _, e := range s.entries {
		msgs = append(msgs, e.msg)
	}
	model.SortMessages(msgs)

	receipt, err := s.owner.receipt(s.ctx, s.conversationID)
	if err != nil {
		s.owner.logger.Debug("using cached read receipt",
			zap.String("conversation_id", s.conversationID),
			zap.Error(err),
		)
	} else {
		s.receipt = receipt
	}

	unread := 0
	for i := range msgs {
		m := &msgs[i]
		m.Read = m.SenderID == s.owner.identity || s.receipt.Covers(m)
		if !m.Read {
			unread++
		}
	}

	return Snapshot{
		ConversationID: s.conversationID,
		Messages:       msgs,
		Unread:         unread,
		Revision:       s.revision,
	}
}
