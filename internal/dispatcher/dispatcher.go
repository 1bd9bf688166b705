// Package dispatcher writes outgoing messages to the conversation store.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/messaging-core/internal/apperr"
	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/source"
	"github.com/capitalize-ai/messaging-core/pkg/logger"
	"github.com/capitalize-ai/messaging-core/pkg/metrics"
	"github.com/capitalize-ai/messaging-core/pkg/tracing"
)

// MaxContentBytes is the largest accepted message body.
const MaxContentBytes = 100000

var (
	validate = validator.New()
	tracer   = tracing.Tracer("messaging-core/dispatcher")

	errInactive = errors.New("conversation is not active")
	// Outsiders learn nothing about the conversation.
	errNotParticipant = fmt.Errorf("sender is not a participant: %w", apperr.ErrNotFound)
)

// SendRequest is one outgoing message.
type SendRequest struct {
	ConversationID string            `validate:"required,max=128"`
	SenderID       string            `validate:"required,max=128"`
	SenderName     string            `validate:"max=256"`
	Content        string            `validate:"required"`
	Kind           model.MessageKind `validate:"omitempty,oneof=text image file system"`
	MediaRef       string            `validate:"max=2048"`
}

// Result is the outcome of a successful send. PreviewUpdated is false when
// the message was stored but the conversation preview could not be updated.
type Result struct {
	Message        model.Message
	PreviewUpdated bool
}

// Dispatcher sends messages. Every Send performs at most one message write
// and never retries.
type Dispatcher struct {
	src    source.Source
	logger *logger.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the clock used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

// WithIDGenerator overrides message id generation.
func WithIDGenerator(newID func() string) Option {
	return func(d *Dispatcher) {
		d.newID = newID
	}
}

// New creates a dispatcher writing to src.
func New(src source.Source, log *logger.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		src:    src,
		logger: log,
		now:    time.Now,
		newID: func() string {
			return uuid.Must(uuid.NewV7()).String()
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send validates req, stores the message, then refreshes the conversation's
// last-message preview. Validation failures happen before any store access.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*Result, error) {
	ctx, span := tracer.Start(ctx, "dispatcher.Send")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("sender.id", req.SenderID),
	)

	req, err := normalize(req)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(string(req.Kind), "invalid").Inc()
		span.SetStatus(codes.Error, "invalid request")
		return nil, err
	}

	conv, err := d.conversation(ctx, req.ConversationID)
	if err != nil {
		return nil, d.failed(span, req, err)
	}
	if !conv.Active {
		return nil, d.failed(span, req, apperr.Delivery(errInactive))
	}
	if !conv.HasParticipant(req.SenderID) {
		return nil, d.failed(span, req, apperr.Delivery(errNotParticipant))
	}

	msg := model.Message{
		ID:             d.newID(),
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		SenderName:     req.SenderName,
		Content:        req.Content,
		Kind:           req.Kind,
		MediaRef:       req.MediaRef,
		Timestamp:      model.Millis(d.now()),
	}
	if err := d.src.Set(ctx, source.MessagePath(msg.ConversationID, msg.ID), msg); err != nil {
		return nil, d.failed(span, req, apperr.Delivery(err))
	}
	metrics.MessagesTotal.WithLabelValues(string(req.Kind), "sent").Inc()
	span.SetAttributes(attribute.String("message.id", msg.ID))

	result := &Result{Message: msg, PreviewUpdated: true}

	preview := model.LastMessagePreview{
		Content:   msg.Content,
		SenderID:  msg.SenderID,
		Timestamp: msg.Timestamp,
	}
	err = d.src.Update(ctx, source.ConversationPath(msg.ConversationID), map[string]any{
		"last_message": preview,
	})
	if err != nil {
		// The message stands; the preview catches up on the next send.
		result.PreviewUpdated = false
		metrics.PreviewUpdateFailures.Inc()
		d.logger.Warn("failed to update conversation preview",
			zap.String("conversation_id", msg.ConversationID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}

	d.logger.Debug("message sent",
		zap.String("conversation_id", msg.ConversationID),
		zap.String("message_id", msg.ID),
		zap.String("kind", string(msg.Kind)),
	)
	return result, nil
}

func (d *Dispatcher) conversation(ctx context.Context, id string) (*model.Conversation, error) {
	doc, err := d.src.Get(ctx, source.ConversationPath(id))
	if err != nil {
		return nil, apperr.Delivery(err)
	}
	var conv model.Conversation
	if err := doc.Decode(&conv); err != nil {
		return nil, apperr.Delivery(fmt.Errorf("failed to decode conversation: %w", err))
	}
	return &conv, nil
}

func (d *Dispatcher) failed(span trace.Span, req SendRequest, err error) error {
	metrics.MessagesTotal.WithLabelValues(string(req.Kind), "failed").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, "send failed")
	d.logger.Warn("failed to send message",
		zap.String("conversation_id", req.ConversationID),
		zap.String("sender_id", req.SenderID),
		zap.Error(err),
	)
	return err
}

// normalize trims and validates req. The returned request is what gets
// stored.
func normalize(req SendRequest) (SendRequest, error) {
	req.Content = strings.TrimSpace(req.Content)
	req.SenderName = strings.TrimSpace(req.SenderName)
	if req.Kind == "" {
		req.Kind = model.KindText
	}

	if err := validate.Struct(req); err != nil {
		return req, apperr.Validation("%s", describe(err))
	}
	if !model.ValidID(req.ConversationID) {
		return req, apperr.Validation("invalid conversation ID format")
	}
	if len(req.Content) > MaxContentBytes {
		return req, apperr.Validation("content exceeds maximum length")
	}
	if !utf8.ValidString(req.Content) {
		return req, apperr.Validation("content must be valid UTF-8")
	}
	if req.Kind.HasMedia() && req.MediaRef == "" {
		return req, apperr.Validation("%s messages require a media reference", req.Kind)
	}
	return req, nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	if fe.Field() == "Content" && fe.Tag() == "required" {
		return "content cannot be empty"
	}
	return fmt.Sprintf("%s failed %q check", strings.ToLower(fe.Field()), fe.Tag())
}
