package model

import (
	"time"
)

// SnapshotEvent is pushed to stream clients whenever the message list changes.
type SnapshotEvent struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	Unread         int       `json:"unread"`
	Revision       uint64    `json:"revision"`
}

// TokenEvent represents a streaming token event.
type TokenEvent struct {
	Token string `json:"token"`
	Index int    `json:"index"`
}

// ResponseEvent carries the assistant reply.
type ResponseEvent struct {
	Text string `json:"text"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
