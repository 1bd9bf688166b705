package source

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is an in-process Source. It backs local development and tests.
type Memory struct {
	mu       sync.Mutex
	docs     map[string]Document
	revision uint64
	subs     map[*memorySubscription]struct{}
}

// NewMemory creates an empty in-memory source.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]Document),
		subs: make(map[*memorySubscription]struct{}),
	}
}

// Get reads one document.
func (m *Memory) Get(ctx context.Context, p string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return &doc, nil
}

// Set writes a whole document.
func (m *Memory) Set(ctx context.Context, p string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(p, data)
	return nil
}

// Update merges top-level fields into an existing document.
func (m *Memory) Update(ctx context.Context, p string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[p]
	if !ok {
		return fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	data, err := MergeFields(doc.Data, fields)
	if err != nil {
		return err
	}
	m.put(p, data)
	return nil
}

// Query returns matching documents of a collection.
func (m *Memory) Query(ctx context.Context, q Query) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Apply(m.snapshot(), q)
}

// Subscribe registers a live listener on a collection.
func (m *Memory) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := newMemorySubscription(m, q)

	m.mu.Lock()
	initial := make([]Change, 0)
	for _, d := range m.docs {
		if !InCollection(d.Path, q.Collection) {
			continue
		}
		if ok, _ := Matches(d, q.Filters); ok {
			initial = append(initial, Change{Op: ChangePut, Doc: d})
		}
	}
	sub.push(ChangeSet{Changes: initial})
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	go sub.run()
	return sub, nil
}

// Delete removes a document. Provisioning and tests use it; the core never
// deletes messages.
func (m *Memory) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[p]
	if !ok {
		return fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	delete(m.docs, p)
	m.revision++
	doc.Data = nil
	doc.Revision = m.revision
	m.notify(Change{Op: ChangeDelete, Doc: doc})
	return nil
}

// Interrupt terminates every live subscription with err.
func (m *Memory) Interrupt(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs {
		sub.push(ChangeSet{Err: err})
		delete(m.subs, sub)
	}
}

// Subscribers returns the number of live subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Memory) put(p string, data []byte) {
	m.revision++
	doc := Document{Path: p, Data: data, Revision: m.revision}
	m.docs[p] = doc
	m.notify(Change{Op: ChangePut, Doc: doc})
}

// notify must be called with m.mu held.
func (m *Memory) notify(c Change) {
	for sub := range m.subs {
		if !InCollection(c.Doc.Path, sub.query.Collection) {
			continue
		}
		change := c
		if c.Op == ChangePut {
			if ok, _ := Matches(c.Doc, sub.query.Filters); !ok {
				change = Change{Op: ChangeDelete, Doc: Document{Path: c.Doc.Path, Revision: c.Doc.Revision}}
			}
		}
		sub.push(ChangeSet{Changes: []Change{change}})
	}
}

func (m *Memory) snapshot() []Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := make([]Document, 0, len(m.docs))
	for _, d := range m.docs {
		docs = append(docs, d)
	}
	return docs
}

func (m *Memory) remove(sub *memorySubscription) {
	m.mu.Lock()
	delete(m.subs, sub)
	m.mu.Unlock()
}

// memorySubscription queues change sets so writers never block on a slow
// listener.
type memorySubscription struct {
	owner *Memory
	query Query

	mu     sync.Mutex
	queue  []ChangeSet
	wake   chan struct{}
	out    chan ChangeSet
	done   chan struct{}
	closed sync.Once
}

func newMemorySubscription(owner *Memory, q Query) *memorySubscription {
	return &memorySubscription{
		owner: owner,
		query: q,
		wake:  make(chan struct{}, 1),
		out:   make(chan ChangeSet),
		done:  make(chan struct{}),
	}
}

func (s *memorySubscription) Changes() <-chan ChangeSet {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.closed.Do(func() {
		close(s.done)
		s.owner.remove(s)
	})
	return nil
}

func (s *memorySubscription) push(cs ChangeSet) {
	s.mu.Lock()
	s.queue = append(s.queue, cs)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySubscription) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, cs := range pending {
			select {
			case s.out <- cs:
			case <-s.done:
				return
			}
			if cs.Err != nil {
				return
			}
		}

		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

// MergeFields sets top-level fields on a JSON object.
func MergeFields(data json.RawMessage, fields map[string]any) ([]byte, error) {
	obj, err := decodeFields(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal field %s: %w", k, err)
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}
