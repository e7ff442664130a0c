package agent

import (
	"sync"

	"github.com/google/uuid"
)

// sessionTable holds per-session conversation history, keyed by runtime
// session id. It is safe for concurrent use.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*sessionHistory
}

type sessionHistory struct {
	system   string
	messages []apiMessage
}

func (h *sessionHistory) snapshot() []apiMessage {
	out := make([]apiMessage, len(h.messages))
	copy(out, h.messages)
	return out
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: map[string]*sessionHistory{}}
}

// resume returns the history for id, or creates a fresh session when id is
// nil. A non-nil id that is not present fails with ErrSessionNotFound.
func (t *sessionTable) resume(id *string, system string) (string, *sessionHistory, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id != nil {
		history, ok := t.sessions[*id]
		if !ok {
			return "", nil, ErrSessionNotFound
		}
		return *id, history, nil
	}

	fresh := uuid.NewString()
	history := &sessionHistory{system: system}
	t.sessions[fresh] = history
	return fresh, history, nil
}

// commit appends a completed user/assistant exchange to the session.
// Committing to a session dropped mid-turn is a no-op.
func (t *sessionTable) commit(id, prompt, reply string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	history, ok := t.sessions[id]
	if !ok {
		return
	}
	history.messages = append(history.messages,
		apiMessage{Role: "user", Content: prompt},
		apiMessage{Role: "assistant", Content: reply},
	)
}

func (t *sessionTable) drop(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}
