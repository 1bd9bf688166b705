package model

// Role represents the author of an AI conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance of a linear AI transcript.
type Turn struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Position  int    `json:"position"`
	CreatedAt int64  `json:"created_at"`
}

// AssistantRequest is the API request for a new AI turn.
type AssistantRequest struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

// AssistantHistoryResponse is the API response for a transcript.
type AssistantHistoryResponse struct {
	Turns      []Turn `json:"turns"`
	Configured bool   `json:"configured"`
}
