// Package aiturn drives a linear conversation with an AI endpoint: one
// request in flight at a time, lifecycle events for the caller, and an
// append-only transcript.
package aiturn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/apperr"
	"github.com/capitalize-ai/messaging-core/internal/llm"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
	"github.com/capitalize-ai/messaging-core/pkg/tracing"
)

const (
	DefaultTimeout    = 60 * time.Second
	DefaultMaxHistory = 200

	persistTimeout = 5 * time.Second
)

var tracer = tracing.Tracer("messaging-core/aiturn")

// HistoryStore persists transcripts. Append must store all turns or none.
type HistoryStore interface {
	Load(ctx context.Context, session string) ([]model.Turn, error)
	Append(ctx context.Context, session string, turns ...model.Turn) error
}

// Config bounds and shapes AI requests.
type Config struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	Timeout      time.Duration
	MaxHistory   int
	SystemPrompt string
	Stream       bool
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	return c
}

// Controller owns one AI session.
type Controller struct {
	client  llm.Client
	store   HistoryStore
	session string
	cfg     Config
	logger  *logger.Logger
	now     func() time.Time

	mu    sync.Mutex
	state State
	turns []model.Turn
	next  int
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the clock used for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// WithHistory seeds the transcript of a resumed session. Only the newest
// MaxHistory turns are kept in memory.
func WithHistory(turns []model.Turn) Option {
	return func(c *Controller) {
		c.turns = append([]model.Turn(nil), turns...)
		if n := len(turns); n > 0 {
			c.next = turns[n-1].Position + 1
		}
	}
}

// NewController creates a controller. A nil client leaves it unconfigured;
// a nil store keeps the transcript in memory only.
func NewController(client llm.Client, store HistoryStore, session string, cfg Config, log *logger.Logger, opts ...Option) *Controller {
	c := &Controller{
		client:  client,
		store:   store,
		session: session,
		cfg:     cfg.withDefaults(),
		logger:  log,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.trim()
	return c
}

// IsConfigured reports whether an AI endpoint is available.
func (c *Controller) IsConfigured() bool {
	return c.client != nil
}

// State returns the current request state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetConversationHistory returns a copy of the transcript in append order.
func (c *Controller) GetConversationHistory() []model.Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Send starts a request for userText, with roleContext describing who the
// user is. Configuration, validation and busy failures are returned
// immediately; everything else is reported on the event channel, which is
// closed after EventTypingEnd. TypingStart, the terminal event and
// TypingEnd are always delivered, also when ctx is cancelled; cancelling
// only ends the request early and stops tokens. The caller must drain the
// channel when streaming is enabled.
func (c *Controller) Send(ctx context.Context, userText, roleContext string) (<-chan Event, error) {
	if !c.IsConfigured() {
		metrics.AIRequestsTotal.WithLabelValues("not_configured").Inc()
		return nil, apperr.Configuration("no AI endpoint is configured")
	}

	text := strings.TrimSpace(userText)
	if text == "" {
		metrics.AIRequestsTotal.WithLabelValues("invalid").Inc()
		return nil, apperr.Validation("content cannot be empty")
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		metrics.AIRequestsTotal.WithLabelValues("busy").Inc()
		return nil, apperr.ErrBusy
	}
	c.state = StateAwaitingResponse
	c.mu.Unlock()

	events := make(chan Event, lifecycleEvents)
	go c.run(ctx, text, strings.TrimSpace(roleContext), events)
	return events, nil
}

func (c *Controller) run(ctx context.Context, text, role string, events chan<- Event) {
	defer close(events)

	ctx, span := tracer.Start(ctx, "aiturn.Send")
	defer span.End()
	span.SetAttributes(
		attribute.String("ai.session", c.session),
		attribute.String("ai.provider", c.client.Name()),
	)

	e := &emitter{events: events}
	e.send(Event{Type: EventTypingStart})

	reply, err := c.request(ctx, text, role, e)
	if err == nil {
		err = c.record(ctx, text, reply)
	}

	e.finish()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Code(err))
		c.logger.Warn("AI request failed",
			zap.String("session", c.session),
			zap.Error(err),
		)
		e.send(Event{Type: EventError, Err: err})
	} else {
		e.send(Event{Type: EventResponse, Text: reply})
	}

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()

	e.send(Event{Type: EventTypingEnd})
}

// request calls the endpoint under the configured bound. The endpoint call
// runs in its own goroutine so a client that ignores cancellation cannot
// hold the session past the timeout.
func (c *Controller) request(ctx context.Context, text, role string, e *emitter) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := &llm.CompletionRequest{
		Model:       c.cfg.Model,
		System:      c.systemPrompt(role),
		Messages:    []llm.ChatMessage{{Role: string(model.RoleUser), Content: text}},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}

	type outcome struct {
		resp *llm.CompletionResponse
		err  error
	}
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		var resp *llm.CompletionResponse
		var err error
		if c.cfg.Stream {
			resp, err = c.client.CompleteStream(reqCtx, req, func(token string, index int) error {
				return e.token(reqCtx, token, index)
			})
		} else {
			resp, err = c.client.Complete(reqCtx, req)
		}
		done <- outcome{resp: resp, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-reqCtx.Done():
		out = outcome{err: reqCtx.Err()}
	}
	elapsed := time.Since(start).Seconds()

	switch {
	case out.err == nil && out.resp == nil:
		out.err = errors.New("empty response from AI endpoint")
	case out.err == nil && strings.TrimSpace(out.resp.Content) == "":
		out.err = errors.New("AI endpoint returned no text")
	}

	if out.err != nil {
		status := "error"
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			status = "timeout"
			out.err = apperr.Timeout(fmt.Errorf("no response within %s", c.cfg.Timeout))
		}
		metrics.RecordAIRequest(c.client.Name(), "", status, elapsed, 0, 0)
		return "", out.err
	}

	metrics.RecordAIRequest(c.client.Name(), out.resp.Model, "success", elapsed, out.resp.TokensIn, out.resp.TokensOut)
	return out.resp.Content, nil
}

// record appends the user turn and the assistant turn, persisted first and
// then kept in memory. Nothing is appended when persistence fails.
func (c *Controller) record(ctx context.Context, text, reply string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := model.Millis(c.now())
	turns := []model.Turn{
		{Role: model.RoleUser, Content: text, Position: c.next, CreatedAt: ts},
		{Role: model.RoleAssistant, Content: reply, Position: c.next + 1, CreatedAt: ts},
	}

	if c.store != nil {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := c.store.Append(persistCtx, c.session, turns...); err != nil {
			return fmt.Errorf("failed to record transcript: %w", err)
		}
	}

	c.turns = append(c.turns, turns...)
	c.next += len(turns)
	c.trim()
	return nil
}

// trim keeps the newest MaxHistory turns. Must be called with c.mu held or
// before the controller is shared.
func (c *Controller) trim() {
	if over := len(c.turns) - c.cfg.MaxHistory; over > 0 {
		c.turns = append([]model.Turn(nil), c.turns[over:]...)
	}
}

func (c *Controller) systemPrompt(role string) string {
	base := strings.TrimSpace(c.cfg.SystemPrompt)
	if role == "" {
		return base
	}
	if base == "" {
		return fmt.Sprintf("The user is a %s.", role)
	}
	return fmt.Sprintf("%s\nThe user is a %s.", base, role)
}

// lifecycleEvents is the number of events every accepted request emits:
// TypingStart, Response or Error, and TypingEnd. The event channel holds
// them all, so they never wait on a reader that went away.
const lifecycleEvents = 3

// emitter serializes events of one request. Once finish is called, late
// tokens from the endpoint are dropped.
type emitter struct {
	events chan<- Event

	mu       sync.Mutex
	finished bool
}

// send delivers a lifecycle event. It is not cancellable.
func (e *emitter) send(ev Event) {
	e.events <- ev
}

func (e *emitter) token(reqCtx context.Context, token string, index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return context.Canceled
	}
	select {
	case e.events <- Event{Type: EventToken, Token: token, Index: index}:
		return nil
	case <-reqCtx.Done():
		return reqCtx.Err()
	}
}

func (e *emitter) finish() {
	e.mu.Lock()
	e.finished = true
	e.mu.Unlock()
}
