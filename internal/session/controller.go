// Package session owns the turn lifecycle between the UI and the agent
// runtime: accepting turns, streaming their events, cancelling, and
// persisting streamed output.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/pheuter/claude-agent-desktop/internal/agent"
	"github.com/pheuter/claude-agent-desktop/internal/clock"
	"github.com/pheuter/claude-agent-desktop/internal/conversations"
	"github.com/pheuter/claude-agent-desktop/internal/persist"
	"github.com/pheuter/claude-agent-desktop/internal/settings"
	"github.com/pheuter/claude-agent-desktop/shared/logger"
	"github.com/pheuter/claude-agent-desktop/shared/wire"
)

// State is the controller's streaming state.
type State string

const (
	// StateIdle means no turn is in flight; SendMessage is accepted.
	StateIdle State = "idle"
	// StateStreaming means a turn is streaming; SendMessage is a no-op.
	StateStreaming State = "streaming"
	// StateCancelling means a stop was requested and the turn is winding
	// down under a bounded grace period.
	StateCancelling State = "cancelling"
)

const (
	defaultCancelGrace  = 5 * time.Second
	defaultPersistDelay = 2 * time.Second
)

// Emitter pushes turn events to the connected UI.
type Emitter interface {
	EmitTurnEvent(event wire.TurnEvent)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(event wire.TurnEvent)

// EmitTurnEvent implements Emitter.
func (f EmitterFunc) EmitTurnEvent(event wire.TurnEvent) { f(event) }

// Config wires a Controller's collaborators.
type Config struct {
	Runtime       agent.Runtime
	Conversations *conversations.Store
	Settings      *settings.Store
	Emitter       Emitter
	Clock         clock.Clock
	// Credentials gates turn acceptance: a send is rejected up front when no
	// usable credential can be resolved. Nil skips the gate.
	Credentials agent.CredentialProvider
	// WorkspaceDir resolves the directory attachments are saved under.
	WorkspaceDir func(ctx context.Context) (string, error)
	// CancelGrace bounds how long a stopped turn may take to wind down
	// before the controller forces itself back to idle.
	CancelGrace time.Duration
	// PersistDelay is the debounce window for streamed transcript writes.
	PersistDelay time.Duration
}

// Controller is the single-flight turn state machine.
//
// At most one turn streams at a time. Every accepted turn produces exactly
// one terminal event (completed or error), whatever combination of
// completion, failure, stop, and reset it runs into.
type Controller struct {
	cfg       Config
	persister *persist.Debouncer

	mu             sync.Mutex
	state          State
	turnSeq        uint64
	active         *turn
	sessionID      *string
	conversationID string

	transcript transcript
}

// turn is the book-keeping for one accepted turn.
type turn struct {
	id             uint64
	conversationID string
	debug          bool
	cancel         context.CancelFunc
	done           chan struct{}
	terminal       sync.Once
}

// NewController creates an idle controller.
func NewController(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = defaultCancelGrace
	}
	if cfg.PersistDelay <= 0 {
		cfg.PersistDelay = defaultPersistDelay
	}
	c := &Controller{cfg: cfg, state: StateIdle}
	c.persister = persist.New(cfg.Clock, cfg.PersistDelay, func() {
		if err := c.saveTranscript(context.Background()); err != nil {
			logger.Warnf("debounced transcript save failed: %v", err)
		}
	})
	return c
}

// State returns the current streaming state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendMessage accepts a turn for streaming, or reports a no-op when one is
// already in flight. The reply never travels in the response; it arrives as
// turn events.
func (c *Controller) SendMessage(ctx context.Context, req wire.SendMessageRequest) wire.SendMessageResponse {
	text := strings.TrimSpace(req.Text)
	if text == "" && len(req.Attachments) == 0 {
		return wire.SendMessageResponse{Error: "message is empty"}
	}

	// Resolve the credential before touching disk or accepting the turn so a
	// missing credential fails the call itself, not the stream.
	if c.cfg.Credentials != nil {
		if _, err := c.cfg.Credentials.ValidAccessToken(ctx); err != nil {
			logger.Warnf("send rejected: %v", err)
			return wire.SendMessageResponse{Error: "no usable credential"}
		}
	}

	var saved []wire.SavedAttachmentInfo
	if len(req.Attachments) > 0 {
		dir, err := c.cfg.WorkspaceDir(ctx)
		if err != nil {
			return wire.SendMessageResponse{Error: "resolve workspace directory: " + err.Error()}
		}
		saved, err = SaveAttachments(dir, req.Attachments)
		if err != nil {
			return wire.SendMessageResponse{Error: err.Error()}
		}
	}

	debug, err := c.cfg.Settings.GetBool(ctx, settings.KeyDebugMode)
	if err != nil {
		logger.Warnf("read debug mode: %v", err)
	}
	model := agent.ResolveModel(c.modelPreference(ctx))

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		logger.Debugf("send rejected: a turn is already %s", c.State())
		return wire.SendMessageResponse{NoOp: true}
	}
	c.turnSeq++
	turnCtx, cancel := context.WithCancel(context.Background())
	t := &turn{
		id:             c.turnSeq,
		conversationID: req.ConversationID,
		debug:          debug,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	sessionID := c.sessionID
	switched := req.ConversationID != "" && req.ConversationID != c.conversationID
	if req.ConversationID != "" {
		c.conversationID = req.ConversationID
	}
	c.active = t
	c.state = StateStreaming
	c.mu.Unlock()

	if switched {
		// Pending writes belong to the previous conversation; land them
		// before the new turn starts producing text.
		c.persister.Flush()
	}
	c.transcript.reset(t.id, req.ConversationID)

	go c.run(turnCtx, t, agent.TurnRequest{
		SessionID: sessionID,
		Prompt:    buildPrompt(text, saved),
		Model:     model,
	})

	return wire.SendMessageResponse{Success: true, Attachments: saved}
}

// Stop requests cancellation of the in-flight turn. Stopping while idle is a
// successful no-op. The stopped turn terminates with a completed event, not
// an error; if it fails to wind down within the grace period the controller
// forces itself back to idle and suppresses the turn's late events.
func (c *Controller) Stop() wire.StopMessageResponse {
	c.mu.Lock()
	t := c.active
	if t == nil || c.state != StateStreaming {
		c.mu.Unlock()
		return wire.StopMessageResponse{Success: true}
	}
	c.state = StateCancelling
	c.mu.Unlock()

	t.cancel()
	go c.awaitCancel(t)
	return wire.StopMessageResponse{Success: true}
}

func (c *Controller) awaitCancel(t *turn) {
	timer := c.cfg.Clock.NewTimer(c.cfg.CancelGrace)
	defer timer.Stop()
	select {
	case <-t.done:
	case <-timer.C():
		logger.Warnf("turn %d did not wind down within %s, forcing idle", t.id, c.cfg.CancelGrace)
		c.finishTurn(t, wire.TurnEvent{Type: wire.TurnCompleted, Turn: t.id})
	}
}

// Reset abandons any in-flight turn and clears (or reseeds) the runtime
// session association. It is safe from any state.
func (c *Controller) Reset(req wire.ResetSessionRequest) wire.ResetSessionResponse {
	c.mu.Lock()
	t := c.active
	if req.ResumeSessionID != "" {
		sid := req.ResumeSessionID
		c.sessionID = &sid
	} else {
		c.sessionID = nil
	}
	c.conversationID = ""
	c.mu.Unlock()

	if t != nil {
		t.cancel()
		c.finishTurn(t, wire.TurnEvent{Type: wire.TurnCompleted, Turn: t.id})
	}
	c.persister.Flush()
	return wire.ResetSessionResponse{Success: true}
}

// Shutdown stops streaming and lands any pending transcript writes.
func (c *Controller) Shutdown(ctx context.Context) {
	c.mu.Lock()
	t := c.active
	c.mu.Unlock()
	if t != nil {
		t.cancel()
		c.finishTurn(t, wire.TurnEvent{Type: wire.TurnCompleted, Turn: t.id})
	}
	c.persister.Stop()
	if err := c.saveTranscript(ctx); err != nil {
		logger.Errorf("final transcript save failed: %v", err)
	}
}

// run executes one accepted turn on its own goroutine.
func (c *Controller) run(ctx context.Context, t *turn, req agent.TurnRequest) {
	defer close(t.done)

	emitStream := func(ev agent.StreamEvent) {
		if !c.isCurrent(t) {
			return
		}
		switch ev.Type {
		case agent.StreamSessionStarted:
			c.adoptSession(t, ev.SessionID)
		case agent.StreamTextDelta:
			c.transcript.append(t.id, ev.Text)
			c.persister.Trigger()
			c.emit(wire.TurnEvent{Type: wire.TurnContentDelta, Turn: t.id, Text: ev.Text})
		case agent.StreamToolUse:
			if t.debug {
				c.emit(wire.TurnEvent{Type: wire.TurnToolUse, Turn: t.id, ToolName: ev.ToolName, ToolInput: ev.ToolInput})
			}
		}
	}

	result, err := c.cfg.Runtime.StreamTurn(ctx, req, emitStream)
	if err != nil && req.SessionID != nil && errors.Is(err, agent.ErrSessionNotFound) {
		// The runtime lost the session (restart, eviction). Fall back to a
		// fresh session rather than failing the turn.
		logger.Infof("runtime session %s is gone, starting fresh", *req.SessionID)
		fresh := req
		fresh.SessionID = nil
		result, err = c.cfg.Runtime.StreamTurn(ctx, fresh, emitStream)
	}

	if err != nil {
		if ctx.Err() != nil {
			// A user stop is a successful outcome for the turn.
			if ferr := c.saveTranscript(context.Background()); ferr != nil {
				logger.Warnf("transcript save after stop failed: %v", ferr)
			}
			c.finishTurn(t, wire.TurnEvent{Type: wire.TurnCompleted, Turn: t.id})
			return
		}
		// Keep whatever streamed before the failure.
		if ferr := c.saveTranscript(context.Background()); ferr != nil {
			logger.Warnf("transcript save after stream error failed: %v", ferr)
		}
		c.finishTurn(t, wire.TurnEvent{Type: wire.TurnError, Turn: t.id, Error: err.Error()})
		return
	}

	c.adoptSession(t, result.SessionID)
	if ferr := c.saveTranscript(context.Background()); ferr != nil {
		c.finishTurn(t, wire.TurnEvent{Type: wire.TurnError, Turn: t.id, Error: "failed to save conversation: " + ferr.Error()})
		return
	}
	c.finishTurn(t, wire.TurnEvent{Type: wire.TurnCompleted, Turn: t.id})
}

// finishTurn emits the turn's terminal event exactly once and, if the turn
// is still current, returns the controller to idle.
func (c *Controller) finishTurn(t *turn, terminal wire.TurnEvent) {
	t.terminal.Do(func() {
		c.emit(terminal)
	})
	c.mu.Lock()
	if c.active == t {
		c.active = nil
		c.state = StateIdle
	}
	c.mu.Unlock()
}

// adoptSession records a runtime session id, announces it to the UI, and
// stamps it onto the turn's conversation record so a later launch can
// resume. The announcement happens even if the turn is later cancelled.
func (c *Controller) adoptSession(t *turn, sessionID string) {
	if sessionID == "" {
		return
	}
	c.mu.Lock()
	changed := c.sessionID == nil || *c.sessionID != sessionID
	c.sessionID = &sessionID
	c.mu.Unlock()
	if !changed {
		return
	}

	c.emit(wire.TurnEvent{Type: wire.TurnSessionUpdated, Turn: t.id, SessionID: sessionID})
	if t.conversationID == "" || c.cfg.Conversations == nil {
		return
	}
	_, err := c.cfg.Conversations.Update(context.Background(), conversations.UpdateParams{
		ID:        t.conversationID,
		SessionID: &sessionID,
	})
	if err != nil {
		logger.Warnf("record session id on conversation %s: %v", t.conversationID, err)
	}
}

func (c *Controller) isCurrent(t *turn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == t
}

func (c *Controller) emit(event wire.TurnEvent) {
	if c.cfg.Emitter != nil {
		c.cfg.Emitter.EmitTurnEvent(event)
	}
}

func (c *Controller) modelPreference(ctx context.Context) wire.ModelPreference {
	value, ok, err := c.cfg.Settings.Get(ctx, settings.KeyModelPreference)
	if err != nil {
		logger.Warnf("read model preference: %v", err)
	}
	pref := wire.ModelPreference(value)
	if !ok || !pref.Valid() {
		return wire.ModelFast
	}
	return pref
}

// buildPrompt folds saved attachment paths into the turn prompt so the
// agent can reference them.
func buildPrompt(text string, saved []wire.SavedAttachmentInfo) string {
	if len(saved) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for _, info := range saved {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("[Attached file: " + info.AbsolutePath + "]")
	}
	return b.String()
}
