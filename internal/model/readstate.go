package model

// ReadReceipt is the read watermark of one participant in one conversation.
// The watermark only moves forward in (timestamp, id) order.
type ReadReceipt struct {
	ConversationID    string `json:"conversation_id"`
	ParticipantID     string `json:"participant_id"`
	LastReadMessageID string `json:"last_read_message_id"`
	LastReadAt        int64  `json:"last_read_at"`
	UpdatedAt         int64  `json:"updated_at"`
}

// Covers reports whether the receipt already includes m.
func (r *ReadReceipt) Covers(m *Message) bool {
	if r == nil || r.LastReadMessageID == "" {
		return false
	}
	return !m.After(r.LastReadAt, r.LastReadMessageID)
}
