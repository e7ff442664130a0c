package wire

import (
	"encoding/json"
	"fmt"
)

// EventStreamTurn is the Socket.IO event name carrying turn events.
const EventStreamTurn = "turn-event"

// Turn event types. The stream for one accepted turn is a sequence of
// non-terminal events followed by exactly one terminal event.
const (
	// TurnContentDelta carries an incremental text fragment.
	TurnContentDelta = "content-delta"
	// TurnToolUse reports a tool invocation by the agent (debug mode only).
	TurnToolUse = "tool-use"
	// TurnSessionUpdated carries the resumable runtime session id. It is
	// emitted as soon as the runtime assigns one, even if the turn is later
	// cancelled.
	TurnSessionUpdated = "session-updated"
	// TurnCompleted terminates a turn successfully (including user stop).
	TurnCompleted = "completed"
	// TurnError terminates a turn with a failure.
	TurnError = "error"
)

// TurnEvent is the discriminated envelope pushed to the UI while a turn
// streams. Type selects which optional fields are meaningful.
type TurnEvent struct {
	// Type is one of the Turn* constants.
	Type string `json:"type"`
	// Turn is the backend-local turn sequence number the event belongs to.
	Turn uint64 `json:"turn"`
	// Text is the text fragment for content-delta events.
	Text string `json:"text,omitempty"`
	// ToolName identifies the tool for tool-use events.
	ToolName string `json:"toolName,omitempty"`
	// ToolInput is the raw tool input for tool-use events.
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
	// SessionID is the runtime session id for session-updated events.
	SessionID string `json:"sessionId,omitempty"`
	// Error is the human-readable failure message for error events.
	Error string `json:"error,omitempty"`
}

// Terminal reports whether the event ends its turn.
func (e TurnEvent) Terminal() bool {
	return e.Type == TurnCompleted || e.Type == TurnError
}

// ParseTurnEvent parses a loosely-typed Socket.IO payload into a TurnEvent.
func ParseTurnEvent(v any) (TurnEvent, error) {
	var ev TurnEvent
	if err := DecodeParams(v, &ev); err != nil {
		return TurnEvent{}, err
	}
	switch ev.Type {
	case TurnContentDelta, TurnToolUse, TurnSessionUpdated, TurnCompleted, TurnError:
		return ev, nil
	default:
		return TurnEvent{}, fmt.Errorf("unknown turn event type: %q", ev.Type)
	}
}
