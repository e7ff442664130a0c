package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseTurnEvent(t *testing.T) {
	ev, err := ParseTurnEvent(map[string]any{
		"type": "content-delta",
		"turn": 3,
		"text": "hello",
	})
	require.NoError(t, err)
	require.Equal(t, TurnContentDelta, ev.Type)
	require.Equal(t, uint64(3), ev.Turn)
	require.Equal(t, "hello", ev.Text)
	require.False(t, ev.Terminal())
}

func TestParseTurnEvent_Terminal(t *testing.T) {
	ev, err := ParseTurnEvent(map[string]any{"type": "completed", "turn": 1})
	require.NoError(t, err)
	require.True(t, ev.Terminal())

	ev, err = ParseTurnEvent(map[string]any{"type": "error", "turn": 1, "error": "boom"})
	require.NoError(t, err)
	require.True(t, ev.Terminal())
	require.Equal(t, "boom", ev.Error)
}

func TestParseTurnEvent_RejectsUnknownType(t *testing.T) {
	_, err := ParseTurnEvent(map[string]any{"type": "telemetry"})
	require.Error(t, err)
}
