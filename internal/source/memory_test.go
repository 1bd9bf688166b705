package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type doc struct {
	ID        string   `json:"id"`
	Timestamp int64    `json:"timestamp"`
	Active    bool     `json:"active"`
	Members   []string `json:"members,omitempty"`
}

func nextChangeSet(t *testing.T, sub Subscription) ChangeSet {
	t.Helper()
	select {
	case cs, ok := <-sub.Changes():
		require.True(t, ok, "subscription closed")
		return cs
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change set")
	}
	return ChangeSet{}
}

func TestMemory_GetSetUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("should return not found for missing documents", func(t *testing.T) {
		req := require.New(t)
		m := NewMemory()

		_, err := m.Get(ctx, "conversations/c1")
		req.ErrorIs(err, ErrNotFound)

		err = m.Update(ctx, "conversations/c1", map[string]any{"active": false})
		req.ErrorIs(err, ErrNotFound)
	})

	t.Run("should merge updated fields", func(t *testing.T) {
		req := require.New(t)
		m := NewMemory()
		req.NoError(m.Set(ctx, "conversations/c1", doc{ID: "c1", Timestamp: 10, Active: true}))

		req.NoError(m.Update(ctx, "conversations/c1", map[string]any{"active": false}))

		got, err := m.Get(ctx, "conversations/c1")
		req.NoError(err)
		var d doc
		req.NoError(got.Decode(&d))
		req.Equal(doc{ID: "c1", Timestamp: 10, Active: false}, d)
		req.Equal("c1", got.ID())
		req.Equal(uint64(2), got.Revision)
	})
}

func TestMemory_Query(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	m := NewMemory()

	req.NoError(m.Set(ctx, "conversations/a", doc{ID: "a", Timestamp: 100, Active: true, Members: []string{"u1"}}))
	req.NoError(m.Set(ctx, "conversations/b", doc{ID: "b", Timestamp: 300, Active: true, Members: []string{"u1", "u2"}}))
	req.NoError(m.Set(ctx, "conversations/c", doc{ID: "c", Timestamp: 200, Active: false, Members: []string{"u1"}}))
	req.NoError(m.Set(ctx, "conversations/d", doc{ID: "d", Timestamp: 300, Active: true, Members: []string{"u2"}}))
	req.NoError(m.Set(ctx, "conversations/a/messages/m1", doc{ID: "m1"}))

	docs, err := m.Query(ctx, Query{
		Collection: ConversationsCollection,
		Filters:    []Filter{Where("active", true)},
		OrderBy:    "timestamp",
		Descending: true,
	})
	req.NoError(err)
	req.Equal([]string{"d", "b", "a"}, ids(docs))

	docs, err = m.Query(ctx, Query{
		Collection: ConversationsCollection,
		Filters:    []Filter{Where("active", true), Contains("members", "u1")},
		OrderBy:    "timestamp",
		Descending: true,
		Limit:      1,
	})
	req.NoError(err)
	req.Equal([]string{"b"}, ids(docs))

	docs, err = m.Query(ctx, Query{Collection: MessagesCollection("a")})
	req.NoError(err)
	req.Equal([]string{"m1"}, ids(docs))
}

func TestMemory_Subscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("should deliver initial documents then live changes", func(t *testing.T) {
		req := require.New(t)
		m := NewMemory()
		req.NoError(m.Set(ctx, MessagePath("c1", "m1"), doc{ID: "m1"}))
		req.NoError(m.Set(ctx, MessagePath("c2", "m9"), doc{ID: "m9"}))

		sub, err := m.Subscribe(ctx, Query{Collection: MessagesCollection("c1")})
		req.NoError(err)
		defer sub.Close()

		initial := nextChangeSet(t, sub)
		req.Len(initial.Changes, 1)
		req.Equal(MessagePath("c1", "m1"), initial.Changes[0].Doc.Path)

		req.NoError(m.Set(ctx, MessagePath("c1", "m2"), doc{ID: "m2"}))
		live := nextChangeSet(t, sub)
		req.Len(live.Changes, 1)
		req.Equal(ChangePut, live.Changes[0].Op)
		req.Equal("m2", live.Changes[0].Doc.ID())

		req.NoError(m.Delete(ctx, MessagePath("c1", "m1")))
		deleted := nextChangeSet(t, sub)
		req.Equal(ChangeDelete, deleted.Changes[0].Op)
	})

	t.Run("should release the registration on close", func(t *testing.T) {
		req := require.New(t)
		m := NewMemory()

		sub, err := m.Subscribe(ctx, Query{Collection: MessagesCollection("c1")})
		req.NoError(err)
		nextChangeSet(t, sub)
		req.Equal(1, m.Subscribers())

		req.NoError(sub.Close())
		req.NoError(sub.Close())
		req.Equal(0, m.Subscribers())

		_, open := <-sub.Changes()
		req.False(open)
	})

	t.Run("should terminate with an error when interrupted", func(t *testing.T) {
		req := require.New(t)
		m := NewMemory()
		boom := errors.New("permission denied")

		sub, err := m.Subscribe(ctx, Query{Collection: MessagesCollection("c1")})
		req.NoError(err)
		nextChangeSet(t, sub)

		m.Interrupt(boom)
		cs := nextChangeSet(t, sub)
		req.ErrorIs(cs.Err, boom)

		_, open := <-sub.Changes()
		req.False(open)
	})
}

func ids(docs []Document) []string {
	out := make([]string, len(docs))
	for i := range docs {
		out[i] = docs[i].ID()
	}
	return out
}
