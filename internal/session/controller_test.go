package session

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pheuter/claude-agent-desktop/internal/agent"
	"github.com/pheuter/claude-agent-desktop/internal/clock/clocktest"
	"github.com/pheuter/claude-agent-desktop/internal/conversations"
	"github.com/pheuter/claude-agent-desktop/internal/creds"
	"github.com/pheuter/claude-agent-desktop/internal/database"
	"github.com/pheuter/claude-agent-desktop/internal/settings"
	"github.com/pheuter/claude-agent-desktop/shared/wire"
	"github.com/stretchr/testify/require"
)

type fakeRuntime struct {
	mu      sync.Mutex
	calls   []agent.TurnRequest
	handler func(ctx context.Context, req agent.TurnRequest, emit func(agent.StreamEvent)) (agent.TurnResult, error)
}

func (f *fakeRuntime) StreamTurn(ctx context.Context, req agent.TurnRequest, emit func(agent.StreamEvent)) (agent.TurnResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	handler := f.handler
	f.mu.Unlock()
	return handler(ctx, req, emit)
}

func (f *fakeRuntime) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRuntime) call(i int) agent.TurnRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type fakeCredentials struct {
	calls int
	err   error
}

func (f *fakeCredentials) ValidAccessToken(ctx context.Context) (creds.Credential, error) {
	f.calls++
	if f.err != nil {
		return creds.Credential{}, f.err
	}
	return creds.Credential{Value: "sk-test", Method: creds.MethodAPIKey}, nil
}

type eventCollector struct {
	mu     sync.Mutex
	events []wire.TurnEvent
}

func (c *eventCollector) EmitTurnEvent(event wire.TurnEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *eventCollector) snapshot() []wire.TurnEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.TurnEvent, len(c.events))
	copy(out, c.events)
	return out
}

func (c *eventCollector) terminals() []wire.TurnEvent {
	var out []wire.TurnEvent
	for _, ev := range c.snapshot() {
		if ev.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

func (c *eventCollector) waitTerminal(t *testing.T) wire.TurnEvent {
	t.Helper()
	var terminal wire.TurnEvent
	require.Eventually(t, func() bool {
		terms := c.terminals()
		if len(terms) == 0 {
			return false
		}
		terminal = terms[0]
		return true
	}, 2*time.Second, time.Millisecond)
	return terminal
}

type fixture struct {
	controller    *Controller
	runtime       *fakeRuntime
	events        *eventCollector
	conversations *conversations.Store
	settings      *settings.Store
	clk           *clocktest.FakeClock
}

func newFixture(t *testing.T, runtime *fakeRuntime) *fixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		runtime:       runtime,
		events:        &eventCollector{},
		conversations: conversations.NewStore(db.DB),
		settings:      settings.NewStore(db.DB),
		clk:           clocktest.NewFakeClock(time.UnixMilli(1_700_000_000_000)),
	}
	workspace := t.TempDir()
	f.controller = NewController(Config{
		Runtime:       runtime,
		Conversations: f.conversations,
		Settings:      f.settings,
		Emitter:       f.events,
		Clock:         f.clk,
		WorkspaceDir:  func(context.Context) (string, error) { return workspace, nil },
		CancelGrace:   5 * time.Second,
		PersistDelay:  2 * time.Second,
	})
	return f
}

func textRuntime(sessionID string, chunks ...string) *fakeRuntime {
	return &fakeRuntime{handler: func(ctx context.Context, req agent.TurnRequest, emit func(agent.StreamEvent)) (agent.TurnResult, error) {
		if req.SessionID == nil {
			emit(agent.StreamEvent{Type: agent.StreamSessionStarted, SessionID: sessionID})
		}
		var text string
		for _, chunk := range chunks {
			emit(agent.StreamEvent{Type: agent.StreamTextDelta, Text: chunk})
			text += chunk
		}
		return agent.TurnResult{SessionID: sessionID, Text: text, StopReason: "end_turn"}, nil
	}}
}

func TestSendMessage_StreamsAndCompletes(t *testing.T) {
	f := newFixture(t, textRuntime("sess-1", "Hel", "lo"))
	ctx := context.Background()

	conv, err := f.conversations.Create(ctx, "chat", json.RawMessage(`[{"role":"user","content":"hi"}]`), nil)
	require.NoError(t, err)

	resp := f.controller.SendMessage(ctx, wire.SendMessageRequest{Text: "hi", ConversationID: conv.ID})
	require.True(t, resp.Success)
	require.False(t, resp.NoOp)

	terminal := f.events.waitTerminal(t)
	require.Equal(t, wire.TurnCompleted, terminal.Type)
	require.Eventually(t, func() bool { return f.controller.State() == StateIdle }, time.Second, time.Millisecond)

	events := f.events.snapshot()
	var deltas []string
	var sessions []string
	for _, ev := range events {
		switch ev.Type {
		case wire.TurnContentDelta:
			deltas = append(deltas, ev.Text)
		case wire.TurnSessionUpdated:
			sessions = append(sessions, ev.SessionID)
		}
	}
	require.Equal(t, []string{"Hel", "lo"}, deltas)
	require.Equal(t, []string{"sess-1"}, sessions)
	require.Len(t, f.events.terminals(), 1)

	// The streamed reply and the session id landed on the record.
	stored, err := f.conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.SessionID)
	require.Equal(t, "sess-1", *stored.SessionID)
	var messages []chatMessage
	require.NoError(t, json.Unmarshal(stored.Messages, &messages))
	require.Len(t, messages, 2)
	require.Equal(t, chatMessage{Role: "user", Content: "hi"}, messages[0])
	require.Equal(t, "assistant", messages[1].Role)
	require.Equal(t, "Hello", messages[1].Content)
	require.NotEmpty(t, messages[1].ID)
}

func TestSendMessage_NoCredentialFailsTheCall(t *testing.T) {
	f := newFixture(t, textRuntime("sess-1", "ok"))
	f.controller.cfg.Credentials = &fakeCredentials{err: creds.ErrNoCredential}

	resp := f.controller.SendMessage(context.Background(), wire.SendMessageRequest{Text: "hi"})
	require.False(t, resp.Success)
	require.False(t, resp.NoOp)
	require.Equal(t, "no usable credential", resp.Error)

	// The failure is the call's result, not a streamed event.
	require.Equal(t, StateIdle, f.controller.State())
	require.Zero(t, f.runtime.callCount())
	require.Empty(t, f.events.snapshot())
}

func TestSendMessage_CredentialResolvedBeforeAccepting(t *testing.T) {
	f := newFixture(t, textRuntime("sess-1", "ok"))
	provider := &fakeCredentials{}
	f.controller.cfg.Credentials = provider

	resp := f.controller.SendMessage(context.Background(), wire.SendMessageRequest{Text: "hi"})
	require.True(t, resp.Success)
	require.Equal(t, 1, provider.calls)

	terminal := f.events.waitTerminal(t)
	require.Equal(t, wire.TurnCompleted, terminal.Type)
}

func TestSendMessage_RejectsEmpty(t *testing.T) {
	f := newFixture(t, textRuntime("sess-1"))

	resp := f.controller.SendMessage(context.Background(), wire.SendMessageRequest{Text: "   "})
	require.False(t, resp.Success)
	require.False(t, resp.NoOp)
	require.NotEmpty(t, resp.Error)
}

func TestSendMessage_SecondSendIsNoOp(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	runtime := &fakeRuntime{handler: func(ctx context.Context, req agent.TurnRequest, emit func(agent.StreamEvent)) (agent.TurnResult, error) {
		close(started)
		<-release
		return agent.TurnResult{SessionID: "sess-1"}, nil
	}}
	f := newFixture(t, runtime)
	ctx := context.Background()

	first := f.controller.SendMessage(ctx, wire.SendMessageRequest{Text: "one"})
	require.True(t, first.Success)
	<-started

	second := f.controller.SendMessage(ctx, wire.SendMessageRequest{Text: "two"})
	require.False(t, second.Success)
	require.True(t, second.NoOp)

	close(release)
	terminal := f.events.waitTerminal(t)
	require.Equal(t, wire.TurnCompleted, terminal.Type)
	require.Equal(t, 1, f.runtime.callCount())
	require.Len(t, f.events.terminals(), 1)
}

func TestStop_CancellationCompletesWithoutError(t *testing.T) {
	started := make(chan struct{})
	runtime := &fakeRuntime{handler: func(ctx context.Context, req agent.TurnRequest, emit func(agent.StreamEvent)) (agent.TurnResult, error) {
		emit(agent.StreamEvent{Type: agent.StreamTextDelta, Text: "partial"})
		close(started)
		<-ctx.Done()
		return agent.TurnResult{}, ctx.Err()
	}}
	f := newFixture(t, runtime)

	resp := f.controller.SendMessage(context.Background(), wire.SendMessageRequest{Text: "go"})
	require.True(t, resp.Success)
	<-started

	stop := f.controller.Stop()
	require.True(t, stop.Success)

	terminal := f.events.waitTerminal(t)
	require.Equal(t, wire.TurnCompleted, terminal.Type)
	require.Empty(t, terminal.Error)
	require.Eventually(t, func() bool { return f.controller.State() == StateIdle }, time.Second, time.Millisecond)
	require.Len(t, f.events.terminals(), 1)
}

func TestStop_WhileIdleIsNoOp(t *testing.T) {
	f := newFixture(t, textRuntime("sess-1"))

	resp := f.controller.Stop()
	require.True(t, resp.Success)
	require.Equal(t, StateIdle, f.controller.State())
	require.Empty(t, f.events.snapshot())
}

func TestStop_HungTurnForcesIdleAfterGrace(t *testing.T) {
	hang := make(chan struct{})
	started := make(chan struct{})
	runtime := &fakeRuntime{handler: func(ctx context.Context, req agent.TurnRequest, emit func(agent.StreamEvent)) (agent.TurnResult, error) {
		close(started)
		// Ignores cancellation entirely.
		<-hang
		return agent.TurnResult{}, errors.New("late failure")
	}}
	f := newFixture(t, runtime)
	ctx := context.Background()

	require.True(t, f.controller.SendMessage(ctx, wire.SendMessageRequest{Text: "go"}).Success)
	<-started
	require.True(t, f.controller.Stop().Success)
	require.Equal(t, StateCancelling, f.controller.State())

	// The grace timer is armed asynchronously; advance until it fires.
	require.Eventually(t, func() bool {
		f.clk.Advance(5 * time.Second)
		return f.controller.State() == StateIdle
	}, 2*time.Second, time.Millisecond)

	terminal := f.events.waitTerminal(t)
	require.Equal(t, wire.TurnCompleted, terminal.Type)

	// A new turn is accepted while the old one is still wedged.
	require.True(t, f.controller.SendMessage(ctx, wire.SendMessageRequest{Text: "again"}).Success)

	// The wedged turn finally returns; its late terminal must be suppressed.
	close(hang)
	require.Eventually(t, func() bool { return f.runtime.callCount() == 2 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, f.events.terminals(), 1)
}

func TestRun_ErrorEmitsSingleErrorEvent(t *testing.T) {
	runtime := &fakeRuntime{handler: func(ctx context.Context, req agent.TurnRequest, emit func(agent.StreamEvent)) (agent.TurnResult, error) {
		return agent.TurnResult{}, errors.New("model unavailable")
	}}
	f := newFixture(t, runtime)

	require.True(t, f.controller.SendMessage(context.Background(), wire.SendMessageRequest{Text: "go"}).Success)

	terminal := f.events.waitTerminal(t)
	require.Equal(t, wire.TurnError, terminal.Type)
	require.Contains(t, terminal.Error, "model unavailable")
	require.Len(t, f.events.terminals(), 1)
	require.Eventually(t, func() bool { return f.controller.State() == StateIdle }, time.Second, time.Millisecond)
}

func TestRun_ResumeFallbackStartsFresh(t *testing.T) {
	runtime := &fakeRuntime{handler: func(ctx context.Context, req agent.TurnRequest, emit func(agent.StreamEvent)) (agent.TurnResult, error) {
		if req.SessionID != nil {
			return agent.TurnResult{}, agent.ErrSessionNotFound
		}
		emit(agent.StreamEvent{Type: agent.StreamSessionStarted, SessionID: "sess-fresh"})
		emit(agent.StreamEvent{Type: agent.StreamTextDelta, Text: "ok"})
		return agent.TurnResult{SessionID: "sess-fresh", Text: "ok"}, nil
	}}
	f := newFixture(t, runtime)

	f.controller.Reset(wire.ResetSessionRequest{ResumeSessionID: "sess-gone"})
	require.True(t, f.controller.SendMessage(context.Background(), wire.SendMessageRequest{Text: "go"}).Success)

	terminal := f.events.waitTerminal(t)
	require.Equal(t, wire.TurnCompleted, terminal.Type)

	require.Equal(t, 2, f.runtime.callCount())
	require.NotNil(t, f.runtime.call(0).SessionID)
	require.Equal(t, "sess-gone", *f.runtime.call(0).SessionID)
	require.Nil(t, f.runtime.call(1).SessionID)

	var sessions []string
	for _, ev := range f.events.snapshot() {
		if ev.Type == wire.TurnSessionUpdated {
			sessions = append(sessions, ev.SessionID)
		}
	}
	require.Equal(t, []string{"sess-fresh"}, sessions)
}

func TestRun_ResumeFailureWithoutSessionIsError(t *testing.T) {
	runtime := &fakeRuntime{handler: func(ctx context.Context, req agent.TurnRequest, emit func(agent.StreamEvent)) (agent.TurnResult, error) {
		return agent.TurnResult{}, agent.ErrSessionNotFound
	}}
	f := newFixture(t, runtime)

	require.True(t, f.controller.SendMessage(context.Background(), wire.SendMessageRequest{Text: "go"}).Success)

	terminal := f.events.waitTerminal(t)
	require.Equal(t, wire.TurnError, terminal.Type)
	require.Equal(t, 1, f.runtime.callCount())
}

func TestReset_AbandonsActiveTurn(t *testing.T) {
	started := make(chan struct{})
	hang := make(chan struct{})
	runtime := &fakeRuntime{handler: func(ctx context.Context, req agent.TurnRequest, emit func(agent.StreamEvent)) (agent.TurnResult, error) {
		close(started)
		select {
		case <-ctx.Done():
			return agent.TurnResult{}, ctx.Err()
		case <-hang:
			return agent.TurnResult{}, nil
		}
	}}
	f := newFixture(t, runtime)

	require.True(t, f.controller.SendMessage(context.Background(), wire.SendMessageRequest{Text: "go"}).Success)
	<-started

	resp := f.controller.Reset(wire.ResetSessionRequest{})
	require.True(t, resp.Success)
	require.Equal(t, StateIdle, f.controller.State())

	terminal := f.events.waitTerminal(t)
	require.Equal(t, wire.TurnCompleted, terminal.Type)
	require.Eventually(t, func() bool { return len(f.events.terminals()) == 1 }, time.Second, time.Millisecond)
}

func TestRun_ToolUseForwardedOnlyInDebugMode(t *testing.T) {
	makeRuntime := func() *fakeRuntime {
		return &fakeRuntime{handler: func(ctx context.Context, req agent.TurnRequest, emit func(agent.StreamEvent)) (agent.TurnResult, error) {
			emit(agent.StreamEvent{Type: agent.StreamToolUse, ToolName: "read_file", ToolInput: json.RawMessage(`{}`)})
			return agent.TurnResult{SessionID: "sess-1"}, nil
		}}
	}

	quiet := newFixture(t, makeRuntime())
	require.True(t, quiet.controller.SendMessage(context.Background(), wire.SendMessageRequest{Text: "go"}).Success)
	quiet.events.waitTerminal(t)
	for _, ev := range quiet.events.snapshot() {
		require.NotEqual(t, wire.TurnToolUse, ev.Type)
	}

	verbose := newFixture(t, makeRuntime())
	require.NoError(t, verbose.settings.SetBool(context.Background(), settings.KeyDebugMode, true))
	require.True(t, verbose.controller.SendMessage(context.Background(), wire.SendMessageRequest{Text: "go"}).Success)
	verbose.events.waitTerminal(t)

	var tools []wire.TurnEvent
	for _, ev := range verbose.events.snapshot() {
		if ev.Type == wire.TurnToolUse {
			tools = append(tools, ev)
		}
	}
	require.Len(t, tools, 1)
	require.Equal(t, "read_file", tools[0].ToolName)
}

func TestRun_DebouncedPersistenceOfPartialText(t *testing.T) {
	release := make(chan struct{})
	runtime := &fakeRuntime{handler: func(ctx context.Context, req agent.TurnRequest, emit func(agent.StreamEvent)) (agent.TurnResult, error) {
		emit(agent.StreamEvent{Type: agent.StreamSessionStarted, SessionID: "sess-1"})
		emit(agent.StreamEvent{Type: agent.StreamTextDelta, Text: "Hello "})
		emit(agent.StreamEvent{Type: agent.StreamTextDelta, Text: "wor"})
		<-release
		emit(agent.StreamEvent{Type: agent.StreamTextDelta, Text: "ld"})
		return agent.TurnResult{SessionID: "sess-1", Text: "Hello world"}, nil
	}}
	f := newFixture(t, runtime)
	ctx := context.Background()

	conv, err := f.conversations.Create(ctx, "chat", json.RawMessage(`[{"role":"user","content":"hi"}]`), nil)
	require.NoError(t, err)

	require.True(t, f.controller.SendMessage(ctx, wire.SendMessageRequest{Text: "hi", ConversationID: conv.ID}).Success)

	// Wait for the first deltas, then let the debounce window elapse: the
	// partial text must be on disk while the stream is still open.
	require.Eventually(t, func() bool {
		return len(f.events.snapshot()) >= 2
	}, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		f.clk.Advance(2 * time.Second)
		stored, err := f.conversations.Get(ctx, conv.ID)
		if err != nil {
			return false
		}
		return string(stored.Messages) != string(conv.Messages)
	}, 2*time.Second, time.Millisecond)

	stored, err := f.conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Contains(t, string(stored.Messages), "Hello wor")

	close(release)
	terminal := f.events.waitTerminal(t)
	require.Equal(t, wire.TurnCompleted, terminal.Type)

	// The final save replaced the partial assistant message in place.
	final, err := f.conversations.Get(ctx, conv.ID)
	require.NoError(t, err)
	var messages []chatMessage
	require.NoError(t, json.Unmarshal(final.Messages, &messages))
	require.Len(t, messages, 2)
	require.Equal(t, chatMessage{Role: "user", Content: "hi"}, messages[0])
	require.Equal(t, "assistant", messages[1].Role)
	require.Equal(t, "Hello world", messages[1].Content)
}

func TestSendMessage_AttachmentTooLargeRejected(t *testing.T) {
	f := newFixture(t, textRuntime("sess-1"))

	resp := f.controller.SendMessage(context.Background(), wire.SendMessageRequest{
		Text: "here",
		Attachments: []wire.AttachmentPayload{
			{Name: "huge.bin", Data: make([]byte, MaxAttachmentSize+1)},
		},
	})
	require.False(t, resp.Success)
	require.Contains(t, resp.Error, "size limit")
	require.Equal(t, StateIdle, f.controller.State())
	require.Zero(t, f.runtime.callCount())
}

func TestSendMessage_AttachmentsSavedAndFoldedIntoPrompt(t *testing.T) {
	f := newFixture(t, textRuntime("sess-1", "ok"))

	resp := f.controller.SendMessage(context.Background(), wire.SendMessageRequest{
		Text: "look at this",
		Attachments: []wire.AttachmentPayload{
			{Name: "notes.txt", MimeType: "text/plain", Data: []byte("hello")},
		},
	})
	require.True(t, resp.Success)
	require.Len(t, resp.Attachments, 1)
	require.Equal(t, "notes.txt", resp.Attachments[0].Name)
	require.Equal(t, int64(5), resp.Attachments[0].Size)

	f.events.waitTerminal(t)
	prompt := f.runtime.call(0).Prompt
	require.Contains(t, prompt, "look at this")
	require.Contains(t, prompt, resp.Attachments[0].AbsolutePath)
}
