package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/source"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

const (
	updateAttempts = 3
	queryTimeout   = 5 * time.Second
)

// Compile-time check that KVSource implements source.Source.
var _ source.Source = (*KVSource)(nil)

// KVSource stores conversation documents in a JetStream key-value bucket.
// Document paths map onto keys by replacing "/" with "."; collection
// subscriptions are key watchers on "<collection>.*".
type KVSource struct {
	kv     jetstream.KeyValue
	logger *logger.Logger
}

// NewKVSource serves documents from the client's bucket, creating it when
// it does not exist.
func NewKVSource(ctx context.Context, client *Client, bucket string, log *logger.Logger) (*KVSource, error) {
	kv, err := client.Bucket(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return &KVSource{kv: kv, logger: log}, nil
}

// KeyFor converts a document path to a bucket key.
func KeyFor(p string) string {
	return strings.ReplaceAll(p, "/", ".")
}

// PathFor converts a bucket key back to a document path.
func PathFor(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

// CollectionFilter returns the key filter for the documents of a collection.
func CollectionFilter(collection string) string {
	return KeyFor(collection) + ".*"
}

// Get reads one document.
func (s *KVSource) Get(ctx context.Context, p string) (*source.Document, error) {
	entry, err := s.kv.Get(ctx, KeyFor(p))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("%s: %w", p, source.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get %s: %w", p, err)
	}
	return &source.Document{Path: p, Data: entry.Value(), Revision: entry.Revision()}, nil
}

// Set writes a whole document.
func (s *KVSource) Set(ctx context.Context, p string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	if _, err := s.kv.Put(ctx, KeyFor(p), data); err != nil {
		return fmt.Errorf("failed to put %s: %w", p, err)
	}
	return nil
}

// Update merges fields into an existing document with a revision check,
// re-reading and retrying when a concurrent writer got there first.
func (s *KVSource) Update(ctx context.Context, p string, fields map[string]any) error {
	key := KeyFor(p)

	var lastErr error
	for attempt := 0; attempt < updateAttempts; attempt++ {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				return fmt.Errorf("%s: %w", p, source.ErrNotFound)
			}
			return fmt.Errorf("failed to get %s: %w", p, err)
		}

		data, err := source.MergeFields(entry.Value(), fields)
		if err != nil {
			return err
		}

		if _, err := s.kv.Update(ctx, key, data, entry.Revision()); err != nil {
			lastErr = err
			s.logger.Debug("kv update conflict",
				zap.String("key", key),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			continue
		}
		return nil
	}
	return fmt.Errorf("failed to update %s: %w", p, lastErr)
}

// Query reads the current documents of a collection and applies q.
func (s *KVSource) Query(ctx context.Context, q source.Query) ([]source.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	w, err := s.kv.Watch(ctx, CollectionFilter(q.Collection), jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", q.Collection, err)
	}
	defer w.Stop()

	var docs []source.Document
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to read %s: %w", q.Collection, ctx.Err())
		case entry, ok := <-w.Updates():
			if !ok {
				return nil, fmt.Errorf("watcher for %s closed", q.Collection)
			}
			if entry == nil {
				return source.Apply(docs, q)
			}
			docs = append(docs, toDocument(entry))
		}
	}
}

// Subscribe watches a collection. Initial values are batched into a single
// change set; every later update is delivered as its own change set.
func (s *KVSource) Subscribe(ctx context.Context, q source.Query) (source.Subscription, error) {
	wctx, cancel := context.WithCancel(context.Background())
	w, err := s.kv.Watch(wctx, CollectionFilter(q.Collection))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch %s: %w", q.Collection, err)
	}

	sub := &kvSubscription{
		watcher: w,
		query:   q,
		cancel:  cancel,
		out:     make(chan source.ChangeSet),
		done:    make(chan struct{}),
		logger:  s.logger,
	}
	go sub.run()
	return sub, nil
}

type kvSubscription struct {
	watcher jetstream.KeyWatcher
	query   source.Query
	cancel  context.CancelFunc
	out     chan source.ChangeSet
	done    chan struct{}
	once    sync.Once
	logger  *logger.Logger
}

func (s *kvSubscription) Changes() <-chan source.ChangeSet {
	return s.out
}

func (s *kvSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.watcher.Stop()
		s.cancel()
	})
	return err
}

func (s *kvSubscription) run() {
	defer close(s.out)

	var initial []source.Change
	initialDone := false

	for {
		select {
		case <-s.done:
			return
		case entry, ok := <-s.watcher.Updates():
			if !ok {
				s.emit(source.ChangeSet{Err: errors.New("key watcher closed")})
				return
			}

			if entry == nil {
				initialDone = true
				changes := initial
				initial = nil
				if changes == nil {
					changes = []source.Change{}
				}
				if !s.emit(source.ChangeSet{Changes: changes}) {
					return
				}
				continue
			}

			change, err := s.toChange(entry)
			if err != nil {
				s.logger.Warn("skipping undecodable document",
					zap.String("key", entry.Key()),
					zap.Error(err),
				)
				continue
			}

			if !initialDone {
				initial = append(initial, change)
				continue
			}
			if !s.emit(source.ChangeSet{Changes: []source.Change{change}}) {
				return
			}
		}
	}
}

func (s *kvSubscription) emit(cs source.ChangeSet) bool {
	select {
	case s.out <- cs:
		return true
	case <-s.done:
		return false
	}
}

func (s *kvSubscription) toChange(entry jetstream.KeyValueEntry) (source.Change, error) {
	doc := toDocument(entry)

	switch entry.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		doc.Data = nil
		return source.Change{Op: source.ChangeDelete, Doc: doc}, nil
	}

	ok, err := source.Matches(doc, s.query.Filters)
	if err != nil {
		return source.Change{}, err
	}
	if !ok {
		doc.Data = nil
		return source.Change{Op: source.ChangeDelete, Doc: doc}, nil
	}
	return source.Change{Op: source.ChangePut, Doc: doc}, nil
}

func toDocument(entry jetstream.KeyValueEntry) source.Document {
	return source.Document{
		Path:     PathFor(entry.Key()),
		Data:     entry.Value(),
		Revision: entry.Revision(),
	}
}
