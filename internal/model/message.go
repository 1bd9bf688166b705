package model

import (
	"sort"
)

// MessageKind is the content type of a message.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindFile   MessageKind = "file"
	KindSystem MessageKind = "system"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindSystem:
		return true
	}
	return false
}

// HasMedia reports whether messages of this kind carry a media reference.
func (k MessageKind) HasMedia() bool {
	return k == KindImage || k == KindFile
}

// Message represents a conversation message.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	// Sender, denormalized at send time
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`

	// Content
	Content  string      `json:"content"`
	Kind     MessageKind `json:"kind"`
	MediaRef string      `json:"media_ref,omitempty"`

	// Timestamp is assigned by the sender clock, in unix milliseconds.
	Timestamp int64 `json:"timestamp"`

	// Read is derived per recipient when a snapshot is built; it is never
	// written to the store.
	Read bool `json:"read"`
}

// Less orders messages by timestamp, then by identifier.
func Less(a, b *Message) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}

// After reports whether the position (ts, id) comes after m.
func (m *Message) After(ts int64, id string) bool {
	if m.Timestamp != ts {
		return m.Timestamp > ts
	}
	return m.ID > id
}

// SortMessages sorts msgs ascending by (timestamp, id) in place.
func SortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return Less(&msgs[i], &msgs[j])
	})
}

// SendMessageRequest is the API request to send a new message.
type SendMessageRequest struct {
	Content    string      `json:"content"`
	Kind       MessageKind `json:"kind,omitempty"`
	MediaRef   string      `json:"media_ref,omitempty"`
	SenderName string      `json:"sender_name,omitempty"`
}

// SendMessageResponse is the API response after sending a message.
type SendMessageResponse struct {
	Message        *Message `json:"message"`
	PreviewUpdated bool     `json:"preview_updated"`
}
