//go:generate go run go.uber.org/mock/mockgen -source=source.go -destination=../mocks/mock_source.go -package=mocks

// Package source defines the remote conversation store consumed by the
// messaging core: point reads, writes, filtered queries and live change
// subscriptions over slash-separated document paths.
package source

import (
	"context"
	"encoding/json"
	"path"
	"strings"

	"github.com/capitalize-ai/messaging-core/internal/apperr"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = apperr.ErrNotFound

// Document is a stored JSON document.
type Document struct {
	Path     string          `json:"path"`
	Data     json.RawMessage `json:"data"`
	Revision uint64          `json:"revision"`
}

// ID returns the last path segment.
func (d *Document) ID() string {
	return path.Base(d.Path)
}

// Decode unmarshals the document data into v.
func (d *Document) Decode(v any) error {
	return json.Unmarshal(d.Data, v)
}

// Operator is a filter comparison.
type Operator string

const (
	OpEqual         Operator = "=="
	OpArrayContains Operator = "array-contains"
)

// Filter restricts query results on a top-level field.
type Filter struct {
	Field string
	Op    Operator
	Value any
}

// Where builds an equality filter.
func Where(field string, value any) Filter {
	return Filter{Field: field, Op: OpEqual, Value: value}
}

// Contains builds an array membership filter.
func Contains(field string, value any) Filter {
	return Filter{Field: field, Op: OpArrayContains, Value: value}
}

// Query selects documents directly under a collection path.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// ChangeOp is the kind of a document change.
type ChangeOp int

const (
	ChangePut ChangeOp = iota
	ChangeDelete
)

// Change is one document change. Doc.Data is empty for deletes.
type Change struct {
	Op  ChangeOp
	Doc Document
}

// ChangeSet is one notification from a subscription. The first change set
// of a subscription holds every document matching the query at the time
// of subscribing. A change set with a non-nil Err is terminal and the
// channel is closed after it.
type ChangeSet struct {
	Changes []Change
	Err     error
}

// Subscription is a live registration on a query.
type Subscription interface {
	// Changes returns the notification channel. It is closed when the
	// subscription ends.
	Changes() <-chan ChangeSet

	// Close releases the registration. It is safe to call more than once.
	Close() error
}

// Source is the remote conversation store.
type Source interface {
	// Get reads one document. Returns ErrNotFound when missing.
	Get(ctx context.Context, path string) (*Document, error)

	// Set writes a whole document, creating or replacing it.
	Set(ctx context.Context, path string, v any) error

	// Update merges top-level fields into an existing document.
	// Returns ErrNotFound when missing.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Query returns the documents of a collection that match q.
	Query(ctx context.Context, q Query) ([]Document, error)

	// Subscribe registers a live listener on a collection. Ordering and
	// limit are ignored for subscriptions; filters are honored.
	Subscribe(ctx context.Context, q Query) (Subscription, error)
}

// ConversationPath returns the path of a conversation document.
func ConversationPath(conversationID string) string {
	return "conversations/" + conversationID
}

// ConversationsCollection is the collection of all conversations.
const ConversationsCollection = "conversations"

// MessagesCollection returns the message subcollection of a conversation.
func MessagesCollection(conversationID string) string {
	return ConversationPath(conversationID) + "/messages"
}

// MessagePath returns the path of a message document.
func MessagePath(conversationID, messageID string) string {
	return MessagesCollection(conversationID) + "/" + messageID
}

// ReadStatePath returns the path of a participant's read receipt.
func ReadStatePath(conversationID, participantID string) string {
	return ConversationPath(conversationID) + "/readstate/" + participantID
}

// InCollection reports whether p is a document directly under collection.
func InCollection(p, collection string) bool {
	rest, ok := strings.CutPrefix(p, collection+"/")
	return ok && rest != "" && !strings.Contains(rest, "/")
}
