package aiturn

// EventType identifies a lifecycle event of one AI request.
type EventType int

const (
	EventTypingStart EventType = iota
	EventToken
	EventResponse
	EventError
	EventTypingEnd
)

func (t EventType) String() string {
	switch t {
	case EventTypingStart:
		return "typing_start"
	case EventToken:
		return "token"
	case EventResponse:
		return "response"
	case EventError:
		return "error"
	case EventTypingEnd:
		return "typing_end"
	default:
		return "unknown"
	}
}

// Event is delivered on the channel returned by Controller.Send. Every
// request yields EventTypingStart, optional EventToken events, exactly one of
// EventResponse or EventError, then EventTypingEnd.
type Event struct {
	Type EventType

	// Token and Index are set on EventToken.
	Token string
	Index int

	// Text is set on EventResponse.
	Text string

	// Err is set on EventError.
	Err error
}

// State is the request state of a controller.
type State int

const (
	StateIdle State = iota
	StateAwaitingResponse
)

func (s State) String() string {
	if s == StateAwaitingResponse {
		return "awaiting_response"
	}
	return "idle"
}
