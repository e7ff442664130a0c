package update

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pheuter/claude-agent-desktop/shared/wire"
	"github.com/stretchr/testify/require"
)

type statusCollector struct {
	mu     sync.Mutex
	events []wire.UpdateStatusEvent
}

func (c *statusCollector) EmitUpdateStatus(event wire.UpdateStatusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *statusCollector) states() []wire.UpdateState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.UpdateState, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.State
	}
	return out
}

func TestCheck_UpToDate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version":"0.4.0","url":"http://example.invalid/build"}`))
	}))
	t.Cleanup(server.Close)

	events := &statusCollector{}
	c := NewController(Config{
		FeedURL:        server.URL,
		StageDir:       t.TempDir(),
		CurrentVersion: "0.4.0",
		Emitter:        events,
	})

	status, err := c.Check(context.Background())
	require.NoError(t, err)
	require.Equal(t, wire.UpdateIdle, status.State)
	require.Equal(t, []wire.UpdateState{wire.UpdateChecking, wire.UpdateIdle}, events.states())
}

func TestCheck_DownloadsAndStagesNewerVersion(t *testing.T) {
	stage := t.TempDir()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version":"0.5.0","url":"` + server.URL + `/build"}`))
	})
	mux.HandleFunc("/build", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("binary bytes"))
	})

	events := &statusCollector{}
	c := NewController(Config{
		FeedURL:        server.URL + "/feed",
		StageDir:       stage,
		CurrentVersion: "0.4.0",
		Emitter:        events,
	})

	status, err := c.Check(context.Background())
	require.NoError(t, err)
	require.Equal(t, wire.UpdateReady, status.State)
	require.Equal(t, "0.5.0", status.Version)
	require.Equal(t, []wire.UpdateState{
		wire.UpdateChecking, wire.UpdateAvailable, wire.UpdateDownloading, wire.UpdateReady,
	}, events.states())

	data, err := os.ReadFile(filepath.Join(stage, "update-0.5.0"))
	require.NoError(t, err)
	require.Equal(t, "binary bytes", string(data))

	// No .partial leftovers.
	entries, err := os.ReadDir(stage)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCheck_FeedFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	events := &statusCollector{}
	c := NewController(Config{FeedURL: server.URL, StageDir: t.TempDir(), Emitter: events})

	status, err := c.Check(context.Background())
	require.Error(t, err)
	require.Equal(t, wire.UpdateError, status.State)
	require.NotEmpty(t, status.Error)
}

func TestCheck_StagedBuildNotRechecked(t *testing.T) {
	stage := t.TempDir()
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version":"0.5.0","url":"` + server.URL + `/build"}`))
	})
	mux.HandleFunc("/build", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	})

	c := NewController(Config{FeedURL: server.URL + "/feed", StageDir: stage, CurrentVersion: "0.4.0"})

	status, err := c.Check(context.Background())
	require.NoError(t, err)
	require.Equal(t, wire.UpdateReady, status.State)

	// A second check while a build is staged keeps it staged.
	status, err = c.Check(context.Background())
	require.NoError(t, err)
	require.Equal(t, wire.UpdateReady, status.State)
}

func TestCheck_NoFeedConfigured(t *testing.T) {
	c := NewController(Config{StageDir: t.TempDir()})

	status, err := c.Check(context.Background())
	require.NoError(t, err)
	require.Equal(t, wire.UpdateIdle, status.State)
}

func TestNewerThan(t *testing.T) {
	require.True(t, newerThan("0.5.0", "0.4.0"))
	require.True(t, newerThan("1.0.0", "0.9.9"))
	require.True(t, newerThan("v0.4.1", "0.4.0"))
	require.True(t, newerThan("0.4.0.1", "0.4.0"))
	require.False(t, newerThan("0.4.0", "0.4.0"))
	require.False(t, newerThan("0.3.9", "0.4.0"))
	require.False(t, newerThan("garbage", "0.4.0"))
}
