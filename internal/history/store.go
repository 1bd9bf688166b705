// Package history persists AI conversation transcripts in Pebble. A
// transcript is append-only: turns are written under ordered keys and never
// rewritten.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

// ErrClosed is returned after the store was closed.
var ErrClosed = errors.New("history store closed")

// Store is a Pebble-backed transcript store.
type Store struct {
	db     *pebble.DB
	logger *logger.Logger
}

type options struct {
	fs vfs.FS
}

// Option configures Open.
type Option func(*options)

// InMemory keeps the database in memory. Used by tests.
func InMemory() Option {
	return func(o *options) {
		o.fs = vfs.NewMem()
	}
}

// Open opens (or creates) the transcript database at path.
func Open(path string, log *logger.Logger, opts ...Option) (*Store, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	pebbleOpts := &pebble.Options{}
	if o.fs != nil {
		pebbleOpts.FS = o.fs
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	log.Info("history store opened", zap.String("path", path))
	return &Store{db: db, logger: log}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func prefix(session string) []byte {
	return []byte("hist:" + session + ":")
}

func turnKey(session string, position int) []byte {
	return []byte(fmt.Sprintf("hist:%s:%020d", session, position))
}

// Load returns the full transcript of session in append order.
func (s *Store) Load(ctx context.Context, session string) ([]model.Turn, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := prefix(session)
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	turns := make([]model.Turn, 0)
	for iter.SeekGE(p); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), p) {
			break
		}
		var turn model.Turn
		if err := json.Unmarshal(iter.Value(), &turn); err != nil {
			return nil, fmt.Errorf("invalid turn at %s: %w", iter.Key(), err)
		}
		turns = append(turns, turn)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}
	return turns, nil
}

// Append writes turns in a single synced batch: either all of them are
// stored or none is. Each turn is keyed by its Position.
func (s *Store) Append(ctx context.Context, session string, turns ...model.Turn) error {
	if s.db == nil {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, turn := range turns {
		data, err := json.Marshal(turn)
		if err != nil {
			return fmt.Errorf("failed to marshal turn: %w", err)
		}
		if err := batch.Set(turnKey(session, turn.Position), data, nil); err != nil {
			return fmt.Errorf("failed to stage turn: %w", err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		s.logger.Error("failed to append transcript",
			zap.String("session", session),
			zap.Error(err),
		)
		return fmt.Errorf("failed to append transcript: %w", err)
	}
	return nil
}
