// Package agent runs conversation turns against the Anthropic Messages API,
// streaming incremental output as it arrives.
package agent

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pheuter/claude-agent-desktop/shared/wire"
)

// ErrSessionNotFound is returned when a turn names a runtime session this
// process no longer holds, such as after a backend restart.
var ErrSessionNotFound = errors.New("agent session not found")

// StreamEventType discriminates incremental stream events.
type StreamEventType string

const (
	// StreamSessionStarted reports the id of a freshly created runtime
	// session, before any model output arrives.
	StreamSessionStarted StreamEventType = "session-started"
	// StreamTextDelta carries an incremental chunk of assistant text.
	StreamTextDelta StreamEventType = "text-delta"
	// StreamToolUse carries one completed tool invocation block.
	StreamToolUse StreamEventType = "tool-use"
)

// StreamEvent is one incremental event observed while a turn streams.
type StreamEvent struct {
	Type      StreamEventType
	Text      string
	ToolName  string
	ToolInput json.RawMessage
	SessionID string
}

// TurnRequest describes one turn to run.
type TurnRequest struct {
	// SessionID resumes an existing runtime session; nil starts a new one.
	SessionID *string
	// Prompt is the user's message for this turn.
	Prompt string
	// Model is the concrete model identifier to use.
	Model string
	// System optionally overrides the system prompt for new sessions.
	System string
}

// Usage is the token accounting reported for a turn.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// TurnResult is the terminal outcome of a successfully streamed turn.
type TurnResult struct {
	// SessionID identifies the runtime session the turn ran in. For a turn
	// started without one, this is the freshly created session's id.
	SessionID  string
	Text       string
	StopReason string
	Usage      Usage
}

// Runtime streams conversation turns. emit is called from the streaming
// goroutine, in order, for each incremental event; it stops being called
// once StreamTurn returns.
type Runtime interface {
	StreamTurn(ctx context.Context, req TurnRequest, emit func(StreamEvent)) (TurnResult, error)
}

// Model identifiers per preference tier.
const (
	modelFast        = "claude-3-5-haiku-latest"
	modelSmartSonnet = "claude-sonnet-4-5"
	modelSmartOpus   = "claude-opus-4-1"
)

// ResolveModel maps a stored model preference to a concrete model id.
// Unknown preferences fall back to the fast tier.
func ResolveModel(pref wire.ModelPreference) string {
	switch pref {
	case wire.ModelSmartSonnet:
		return modelSmartSonnet
	case wire.ModelSmartOpus:
		return modelSmartOpus
	default:
		return modelFast
	}
}
