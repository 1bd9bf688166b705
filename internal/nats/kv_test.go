package nats

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/source"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

const wait = 5 * time.Second

func TestKeyMapping(t *testing.T) {
	req := require.New(t)

	p := source.MessagePath("c1", "018f-a1")
	req.Equal("conversations.c1.messages.018f-a1", KeyFor(p))
	req.Equal(p, PathFor(KeyFor(p)))
	req.Equal("conversations.c1.messages.*", CollectionFilter(source.MessagesCollection("c1")))
	req.Equal("conversations.*", CollectionFilter(source.ConversationsCollection))
}

// runJetStream starts an embedded JetStream server and returns a client
// connected to it.
func runJetStream(t *testing.T) *Client {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), Config{URL: srv.ClientURL(), Name: "kv-test"}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func newKVSource(t *testing.T) *KVSource {
	t.Helper()
	kv, err := NewKVSource(context.Background(), runJetStream(t), "", logger.NewNop())
	require.NoError(t, err)
	return kv
}

func message(convID, id string, ts int64) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       "u2",
		Content:        "hi " + id,
		Kind:           model.KindText,
		Timestamp:      ts,
	}
}

func recv(t *testing.T, sub source.Subscription) source.ChangeSet {
	t.Helper()
	select {
	case cs, ok := <-sub.Changes():
		require.True(t, ok, "subscription closed")
		return cs
	case <-time.After(wait):
		t.Fatal("no change set received")
	}
	return source.ChangeSet{}
}

func TestKVSource_Documents(t *testing.T) {
	ctx := context.Background()
	src := newKVSource(t)

	t.Run("should report missing documents as not found", func(t *testing.T) {
		req := require.New(t)
		_, err := src.Get(ctx, source.ConversationPath("missing"))
		req.ErrorIs(err, source.ErrNotFound)

		err = src.Update(ctx, source.ConversationPath("missing"), map[string]any{"active": false})
		req.ErrorIs(err, source.ErrNotFound)
	})

	t.Run("should write, read and merge a document", func(t *testing.T) {
		req := require.New(t)
		p := source.ConversationPath("c1")
		req.NoError(src.Set(ctx, p, model.Conversation{
			ID: "c1", Kind: model.ConversationGroup, Participants: []string{"u1", "u2"}, Active: true,
		}))

		req.NoError(src.Update(ctx, p, map[string]any{
			"last_message": model.LastMessagePreview{Content: "hello", SenderID: "u1", Timestamp: 7},
		}))

		doc, err := src.Get(ctx, p)
		req.NoError(err)
		req.NotZero(doc.Revision)

		var conv model.Conversation
		req.NoError(doc.Decode(&conv))
		req.True(conv.Active)
		req.Equal([]string{"u1", "u2"}, conv.Participants)
		req.Equal("hello", conv.LastMessage.Content)
	})
}

func TestKVSource_Query(t *testing.T) {
	ctx := context.Background()
	src := newKVSource(t)

	t.Run("should return nothing for an empty collection", func(t *testing.T) {
		req := require.New(t)
		docs, err := src.Query(ctx, source.Query{Collection: source.MessagesCollection("empty")})
		req.NoError(err)
		req.Empty(docs)
	})

	t.Run("should read current documents with order and limit", func(t *testing.T) {
		req := require.New(t)
		req.NoError(src.Set(ctx, source.MessagePath("c1", "c"), message("c1", "c", 50)))
		req.NoError(src.Set(ctx, source.MessagePath("c1", "a"), message("c1", "a", 100)))
		req.NoError(src.Set(ctx, source.MessagePath("c1", "b"), message("c1", "b", 100)))
		req.NoError(src.Set(ctx, source.MessagePath("c2", "z"), message("c2", "z", 900)))

		all, err := src.Query(ctx, source.Query{Collection: source.MessagesCollection("c1"), OrderBy: "timestamp"})
		req.NoError(err)
		req.Len(all, 3)

		newest, err := src.Query(ctx, source.Query{
			Collection: source.MessagesCollection("c1"),
			OrderBy:    "timestamp",
			Descending: true,
			Limit:      1,
		})
		req.NoError(err)
		req.Len(newest, 1)
		req.Equal(source.MessagePath("c1", "b"), newest[0].Path)
	})

	t.Run("should skip deleted documents", func(t *testing.T) {
		req := require.New(t)
		req.NoError(src.kv.Delete(ctx, KeyFor(source.MessagePath("c1", "c"))))

		docs, err := src.Query(ctx, source.Query{Collection: source.MessagesCollection("c1")})
		req.NoError(err)
		req.Len(docs, 2)
	})
}

func TestKVSource_Subscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("should deliver the initial documents as one change set", func(t *testing.T) {
		req := require.New(t)
		src := newKVSource(t)
		for i, id := range []string{"m1", "m2", "m3"} {
			req.NoError(src.Set(ctx, source.MessagePath("c1", id), message("c1", id, int64(i))))
		}

		sub, err := src.Subscribe(ctx, source.Query{Collection: source.MessagesCollection("c1")})
		req.NoError(err)
		defer sub.Close()

		first := recv(t, sub)
		req.NoError(first.Err)
		req.Len(first.Changes, 3)
		for _, c := range first.Changes {
			req.Equal(source.ChangePut, c.Op)
		}

		req.NoError(src.Set(ctx, source.MessagePath("c1", "m4"), message("c1", "m4", 4)))
		next := recv(t, sub)
		req.Len(next.Changes, 1)
		req.Equal(source.MessagePath("c1", "m4"), next.Changes[0].Doc.Path)
	})

	t.Run("should start with an empty change set for an empty collection", func(t *testing.T) {
		req := require.New(t)
		src := newKVSource(t)

		sub, err := src.Subscribe(ctx, source.Query{Collection: source.MessagesCollection("c1")})
		req.NoError(err)
		defer sub.Close()

		first := recv(t, sub)
		req.NoError(first.Err)
		req.NotNil(first.Changes)
		req.Empty(first.Changes)
	})

	t.Run("should report deletes and purges", func(t *testing.T) {
		req := require.New(t)
		src := newKVSource(t)
		req.NoError(src.Set(ctx, source.MessagePath("c1", "m1"), message("c1", "m1", 1)))
		req.NoError(src.Set(ctx, source.MessagePath("c1", "m2"), message("c1", "m2", 2)))

		sub, err := src.Subscribe(ctx, source.Query{Collection: source.MessagesCollection("c1")})
		req.NoError(err)
		defer sub.Close()
		req.Len(recv(t, sub).Changes, 2)

		req.NoError(src.kv.Delete(ctx, KeyFor(source.MessagePath("c1", "m1"))))
		deleted := recv(t, sub)
		req.Len(deleted.Changes, 1)
		req.Equal(source.ChangeDelete, deleted.Changes[0].Op)
		req.Equal(source.MessagePath("c1", "m1"), deleted.Changes[0].Doc.Path)
		req.Empty(deleted.Changes[0].Doc.Data)

		req.NoError(src.kv.Purge(ctx, KeyFor(source.MessagePath("c1", "m2"))))
		purged := recv(t, sub)
		req.Equal(source.ChangeDelete, purged.Changes[0].Op)
		req.Equal(source.MessagePath("c1", "m2"), purged.Changes[0].Doc.Path)
	})

	t.Run("should turn a document leaving the filter into a delete", func(t *testing.T) {
		req := require.New(t)
		src := newKVSource(t)
		p := source.ConversationPath("c1")
		req.NoError(src.Set(ctx, p, model.Conversation{ID: "c1", Participants: []string{"u1", "u2"}, Active: true}))
		req.NoError(src.Set(ctx, source.ConversationPath("c2"), model.Conversation{ID: "c2", Participants: []string{"u3"}, Active: true}))

		sub, err := src.Subscribe(ctx, source.Query{
			Collection: source.ConversationsCollection,
			Filters:    []source.Filter{source.Contains("participants", "u1")},
		})
		req.NoError(err)
		defer sub.Close()

		first := recv(t, sub)
		puts := 0
		for _, c := range first.Changes {
			if c.Op == source.ChangePut {
				puts++
				req.Equal(p, c.Doc.Path)
			}
		}
		req.Equal(1, puts)

		req.NoError(src.Update(ctx, p, map[string]any{"participants": []string{"u2"}}))
		left := recv(t, sub)
		req.Len(left.Changes, 1)
		req.Equal(source.ChangeDelete, left.Changes[0].Op)
		req.Equal(p, left.Changes[0].Doc.Path)
	})

	t.Run("should close the channel after Close", func(t *testing.T) {
		req := require.New(t)
		src := newKVSource(t)

		sub, err := src.Subscribe(ctx, source.Query{Collection: source.MessagesCollection("c1")})
		req.NoError(err)
		recv(t, sub)

		req.NoError(sub.Close())
		req.NoError(sub.Close())
		select {
		case _, ok := <-sub.Changes():
			req.False(ok)
		case <-time.After(wait):
			t.Fatal("channel not closed")
		}
	})
}

// racingKV lets another writer change a key between each read and the
// conditional write that follows it.
type racingKV struct {
	jetstream.KeyValue

	mu    sync.Mutex
	races int
}

func (r *racingKV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	r.mu.Lock()
	race := r.races > 0
	if race {
		r.races--
	}
	r.mu.Unlock()

	if race {
		entry, err := r.KeyValue.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		var doc map[string]any
		if err := json.Unmarshal(entry.Value(), &doc); err != nil {
			return 0, err
		}
		doc["name"] = "renamed elsewhere"
		data, _ := json.Marshal(doc)
		if _, err := r.KeyValue.Put(ctx, key, data); err != nil {
			return 0, err
		}
	}
	return r.KeyValue.Update(ctx, key, value, revision)
}

func TestKVSource_UpdateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	base := newKVSource(t)
	p := source.ConversationPath("c1")

	t.Run("should re-read and keep the concurrent write", func(t *testing.T) {
		req := require.New(t)
		req.NoError(base.Set(ctx, p, model.Conversation{ID: "c1", Name: "original", Active: true}))

		src := &KVSource{kv: &racingKV{KeyValue: base.kv, races: 1}, logger: logger.NewNop()}
		req.NoError(src.Update(ctx, p, map[string]any{"active": false}))

		doc, err := src.Get(ctx, p)
		req.NoError(err)
		var conv model.Conversation
		req.NoError(doc.Decode(&conv))
		req.False(conv.Active)
		req.Equal("renamed elsewhere", conv.Name)
	})

	t.Run("should give up after repeated conflicts", func(t *testing.T) {
		req := require.New(t)
		req.NoError(base.Set(ctx, p, model.Conversation{ID: "c1", Name: "original", Active: true}))

		src := &KVSource{kv: &racingKV{KeyValue: base.kv, races: updateAttempts}, logger: logger.NewNop()}
		err := src.Update(ctx, p, map[string]any{"active": false})
		req.Error(err)
		req.NotErrorIs(err, source.ErrNotFound)

		doc, err := src.Get(ctx, p)
		req.NoError(err)
		var conv model.Conversation
		req.NoError(doc.Decode(&conv))
		req.True(conv.Active)
	})
}
