// Package model defines data structures for the messaging core.
package model

import (
	"regexp"
	"time"
)

// ConversationKind is the type of a conversation channel.
type ConversationKind string

const (
	ConversationDirect      ConversationKind = "direct"
	ConversationGroup       ConversationKind = "group"
	ConversationAIAssistant ConversationKind = "ai_assistant"
)

// Valid reports whether k is a known conversation kind.
func (k ConversationKind) Valid() bool {
	switch k {
	case ConversationDirect, ConversationGroup, ConversationAIAssistant:
		return true
	}
	return false
}

// Conversation represents a conversation channel.
type Conversation struct {
	ID           string              `json:"id"`
	Kind         ConversationKind    `json:"kind"`
	Name         string              `json:"name"`
	Participants []string            `json:"participants"`
	LastMessage  *LastMessagePreview `json:"last_message,omitempty"`
	CreatedAt    int64               `json:"created_at"`
	Active       bool                `json:"active"`
}

// LastMessagePreview is the denormalized summary of the newest message,
// kept on the conversation for list views. It is advisory: the message
// documents are authoritative.
type LastMessagePreview struct {
	Content   string `json:"content"`
	SenderID  string `json:"sender_id"`
	Timestamp int64  `json:"timestamp"`
}

// HasParticipant reports whether id belongs to the conversation.
func (c *Conversation) HasParticipant(id string) bool {
	for _, p := range c.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// CreateConversationRequest is the request to provision a new conversation.
type CreateConversationRequest struct {
	Kind         ConversationKind `json:"kind" validate:"required"`
	Name         string           `json:"name" validate:"max=256"`
	Participants []string         `json:"participants" validate:"required,min=1,dive,required"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidID reports whether id can be used as a document identifier.
// Identifiers end up in store keys, so separators are not allowed.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Millis converts t to the unix millisecond timestamps used on documents.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
