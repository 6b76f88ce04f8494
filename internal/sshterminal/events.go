package sshterminal

// EventType is the wire name of an outbound terminal event.
type EventType string

const (
	EventConnected    EventType = "terminal_connected"
	EventError        EventType = "terminal_error"
	EventOutput       EventType = "terminal_output"
	EventClosed       EventType = "terminal_closed"
	EventDisconnected EventType = "terminal_disconnected"
)

// Event is pushed to the client. It marshals directly into the JSON frame
// written by the WebSocket gateway.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Protocol  Protocol  `json:"protocol,omitempty"`
	Message   string    `json:"message,omitempty"`
	Error     string    `json:"error,omitempty"`
	Data      string    `json:"data,omitempty"`
}

// Emitter receives events from a Manager. Emit is called from command
// goroutines and from session pumps, and must not call back into the Manager.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }
