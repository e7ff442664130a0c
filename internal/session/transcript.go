package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pheuter/claude-agent-desktop/internal/conversations"
)

// transcript accumulates the streaming assistant reply for the current turn
// so it can be persisted independently of the UI's own saves.
type transcript struct {
	mu             sync.Mutex
	turnID         uint64
	conversationID string
	// messageID identifies the assistant message this turn owns in the
	// stored array, so later saves replace it and never a message the UI
	// wrote in between.
	messageID string
	text      strings.Builder
	wrote     bool
	dirty     bool
}

func (tr *transcript) reset(turnID uint64, conversationID string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.turnID = turnID
	tr.conversationID = conversationID
	tr.messageID = uuid.NewString()
	tr.text.Reset()
	tr.wrote = false
	tr.dirty = false
}

// append adds a delta; deltas from a superseded turn are dropped.
func (tr *transcript) append(turnID uint64, delta string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.turnID != turnID {
		return
	}
	tr.text.WriteString(delta)
	tr.dirty = true
}

// saveTranscript writes the accumulated assistant text into the turn's
// conversation record. The first save appends an assistant message; later
// saves replace it with the longer text. A failed save leaves the
// transcript dirty so the next attempt retries.
func (c *Controller) saveTranscript(ctx context.Context) error {
	tr := &c.transcript
	tr.mu.Lock()
	if !tr.dirty {
		tr.mu.Unlock()
		return nil
	}
	conversationID := tr.conversationID
	messageID := tr.messageID
	text := tr.text.String()
	replace := tr.wrote
	tr.dirty = false
	tr.mu.Unlock()

	if conversationID == "" || text == "" || c.cfg.Conversations == nil {
		return nil
	}

	current, err := c.cfg.Conversations.Get(ctx, conversationID)
	if err != nil {
		tr.redirty()
		return fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	merged, err := mergeAssistantText(current.Messages, text, messageID, replace)
	if err != nil {
		tr.redirty()
		return err
	}
	_, err = c.cfg.Conversations.Update(ctx, conversations.UpdateParams{
		ID:       conversationID,
		Messages: merged,
	})
	if err != nil {
		tr.redirty()
		return fmt.Errorf("save conversation %s: %w", conversationID, err)
	}

	tr.mu.Lock()
	if tr.conversationID == conversationID {
		tr.wrote = true
	}
	tr.mu.Unlock()
	return nil
}

func (tr *transcript) redirty() {
	tr.mu.Lock()
	tr.dirty = true
	tr.mu.Unlock()
}

type chatMessage struct {
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

// mergeAssistantText folds the streamed assistant text into the stored
// message array. The first save appends a message carrying messageID; a
// replacing save overwrites that message wherever it now sits, so writes the
// UI lands in between are never clobbered. If the UI dropped the message
// entirely, the text is re-appended.
func mergeAssistantText(messages json.RawMessage, text, messageID string, replace bool) (json.RawMessage, error) {
	var items []json.RawMessage
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &items); err != nil {
			return nil, fmt.Errorf("parse stored messages: %w", err)
		}
	}

	entry, err := json.Marshal(chatMessage{ID: messageID, Role: "assistant", Content: text})
	if err != nil {
		return nil, err
	}
	if replace {
		for i := len(items) - 1; i >= 0; i-- {
			var stored struct {
				ID string `json:"id"`
			}
			if json.Unmarshal(items[i], &stored) == nil && stored.ID == messageID {
				items[i] = entry
				return json.Marshal(items)
			}
		}
	}
	items = append(items, entry)
	return json.Marshal(items)
}
