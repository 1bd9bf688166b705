package aiturn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/apperr"
	"github.com/capitalize-ai/messaging-core/internal/llm"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
)

const (
	DefaultIdleTTL     = 30 * time.Minute
	DefaultMaxSessions = 10000
)

// Registry hands out one controller per (identity, session) pair. A
// session seen for the first time is resumed from the history store.
// Controllers idle for longer than the TTL are dropped, and when the
// registry is full the least recently used idle controller makes room.
// A controller with a request in flight is never dropped.
type Registry struct {
	client      llm.Client
	store       HistoryStore
	cfg         Config
	logger      *logger.Logger
	idleTTL     time.Duration
	maxSessions int
	now         func() time.Time

	mu          sync.Mutex
	controllers map[string]*session
}

type session struct {
	controller *Controller
	lastUsed   time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithIdleTTL sets how long an unused controller is kept.
func WithIdleTTL(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.idleTTL = d
		}
	}
}

// WithMaxSessions caps the number of retained controllers.
func WithMaxSessions(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.maxSessions = n
		}
	}
}

// WithRegistryClock overrides the clock used for idle tracking.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry creates a registry. client may be nil when no AI endpoint is
// configured.
func NewRegistry(client llm.Client, store HistoryStore, cfg Config, log *logger.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		client:      client,
		store:       store,
		cfg:         cfg.withDefaults(),
		logger:      log,
		idleTTL:     DefaultIdleTTL,
		maxSessions: DefaultMaxSessions,
		now:         time.Now,
		controllers: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IsConfigured reports whether controllers can reach an AI endpoint.
func (r *Registry) IsConfigured() bool {
	return r.client != nil
}

// Len returns the number of retained controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.controllers)
}

// Controller returns the controller for identity's session, creating it
// and loading its transcript on first use.
func (r *Registry) Controller(ctx context.Context, identity, sessionID string) (*Controller, error) {
	if !model.ValidID(identity) || !model.ValidID(sessionID) {
		return nil, apperr.Validation("invalid identity or session ID")
	}
	key := sessionKey(identity, sessionID)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if s, ok := r.controllers[key]; ok {
		s.lastUsed = now
		return s.controller, nil
	}

	var opts []Option
	if r.store != nil {
		turns, err := r.store.Load(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to resume session: %w", err)
		}
		opts = append(opts, WithHistory(turns))
	}

	r.sweepLocked(now)
	if len(r.controllers) >= r.maxSessions {
		r.evictOldestLocked()
	}

	c := NewController(r.client, r.store, key, r.cfg, r.logger.WithSession(key), opts...)
	r.controllers[key] = &session{controller: c, lastUsed: now}

	r.logger.Debug("AI session opened",
		zap.String("identity", identity),
		zap.String("session", sessionID),
		zap.Int("turns", len(c.GetConversationHistory())),
		zap.Int("sessions", len(r.controllers)),
	)
	return c, nil
}

// History returns the newest turns of identity's session without opening
// a controller for it.
func (r *Registry) History(ctx context.Context, identity, sessionID string) ([]model.Turn, error) {
	if !model.ValidID(identity) || !model.ValidID(sessionID) {
		return nil, apperr.Validation("invalid identity or session ID")
	}
	key := sessionKey(identity, sessionID)

	r.mu.Lock()
	s, ok := r.controllers[key]
	r.mu.Unlock()
	if ok {
		return s.controller.GetConversationHistory(), nil
	}

	if r.store == nil {
		return []model.Turn{}, nil
	}
	turns, err := r.store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}
	if over := len(turns) - r.cfg.MaxHistory; over > 0 {
		turns = turns[over:]
	}
	return turns, nil
}

// Sweep drops controllers that have been idle longer than the TTL and
// returns how many were dropped.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(r.now())
}

// Run sweeps idle controllers every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug("AI sessions expired", zap.Int("count", n))
			}
		}
	}
}

func (r *Registry) sweepLocked(now time.Time) int {
	dropped := 0
	for key, s := range r.controllers {
		if now.Sub(s.lastUsed) >= r.idleTTL && s.controller.State() == StateIdle {
			delete(r.controllers, key)
			dropped++
		}
	}
	return dropped
}

func (r *Registry) evictOldestLocked() {
	var oldest string
	var at time.Time
	for key, s := range r.controllers {
		if s.controller.State() != StateIdle {
			continue
		}
		if oldest == "" || s.lastUsed.Before(at) {
			oldest, at = key, s.lastUsed
		}
	}
	if oldest != "" {
		delete(r.controllers, oldest)
	}
}

func sessionKey(identity, sessionID string) string {
	return identity + ":" + sessionID
}
