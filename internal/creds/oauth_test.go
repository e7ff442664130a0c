package creds

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pheuter/claude-agent-desktop/internal/database"
	"github.com/pheuter/claude-agent-desktop/internal/settings"
	"github.com/stretchr/testify/require"
)

func newTestLoginFlow(t *testing.T) (*LoginFlow, *Store, *settings.Store) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	settingsStore := settings.NewStore(db.DB)
	store := NewStore(settingsStore, &[32]byte{1}, nil, WithLookupEnv(noEnv))
	flow := NewLoginFlow(store, settingsStore)
	return flow, store, settingsStore
}

func TestLoginFlow_StartBuildsAuthorizeURL(t *testing.T) {
	flow, _, _ := newTestLoginFlow(t)

	authURL, err := flow.Start(LoginModeClaudeAI)
	require.NoError(t, err)
	require.True(t, flow.Active())

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	require.Equal(t, "claude.ai", parsed.Host)
	require.Equal(t, oauthClientID, parsed.Query().Get("client_id"))
	require.Equal(t, "S256", parsed.Query().Get("code_challenge_method"))
	require.NotEmpty(t, parsed.Query().Get("code_challenge"))
	require.NotEmpty(t, parsed.Query().Get("state"))

	consoleURL, err := flow.Start(LoginModeConsole)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(consoleURL, authorizeURLConsole))

	_, err = flow.Start("browser")
	require.Error(t, err)
}

func TestLoginFlow_CompleteWithoutStart(t *testing.T) {
	flow, _, _ := newTestLoginFlow(t)

	err := flow.Complete(context.Background(), "some-code", false)
	require.ErrorIs(t, err, ErrNoLoginInProgress)
}

func TestLoginFlow_CompleteExchangesAndStores(t *testing.T) {
	flow, store, _ := newTestLoginFlow(t)

	var gotGrant, gotCode, gotVerifier string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotGrant = body["grant_type"]
		gotCode = body["code"]
		gotVerifier = body["code_verifier"]
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken:  "at-new",
			RefreshToken: "rt-new",
			ExpiresIn:    3600,
		})
	}))
	t.Cleanup(server.Close)
	flow.tokenURL = server.URL
	flow.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	authURL, err := flow.Start(LoginModeClaudeAI)
	require.NoError(t, err)
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	state := parsed.Query().Get("state")

	require.NoError(t, flow.Complete(context.Background(), "the-code#"+state, false))
	require.False(t, flow.Active())

	require.Equal(t, "authorization_code", gotGrant)
	require.Equal(t, "the-code", gotCode)
	require.NotEmpty(t, gotVerifier)

	pair, ok, err := store.loadTokenPair(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "at-new", pair.Access)
	require.Equal(t, "rt-new", pair.Refresh)
	require.Equal(t, time.UnixMilli(1_700_000_000_000).Add(time.Hour).UnixMilli(), pair.ExpiresAt)
}

func TestLoginFlow_CompleteRejectsStateMismatch(t *testing.T) {
	flow, _, _ := newTestLoginFlow(t)

	_, err := flow.Start(LoginModeClaudeAI)
	require.NoError(t, err)

	err = flow.Complete(context.Background(), "the-code#wrong-state", false)
	require.ErrorIs(t, err, ErrLoginRejected)
	// The attempt is consumed either way.
	require.False(t, flow.Active())
}

func TestLoginFlow_CompleteCreatesAPIKey(t *testing.T) {
	flow, _, settingsStore := newTestLoginFlow(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken:  "at-new",
			RefreshToken: "rt-new",
			ExpiresIn:    3600,
		})
	})
	mux.HandleFunc("/key", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer at-new", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(createKeyResponse{RawKey: "sk-minted"})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	flow.tokenURL = server.URL + "/token"
	flow.apiKeyURL = server.URL + "/key"

	authURL, err := flow.Start(LoginModeConsole)
	require.NoError(t, err)
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)

	require.NoError(t, flow.Complete(context.Background(), "the-code#"+parsed.Query().Get("state"), true))

	key, ok, err := settingsStore.Get(context.Background(), settings.KeyAPIKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sk-minted", key)
}

func TestLoginFlow_Cancel(t *testing.T) {
	flow, _, _ := newTestLoginFlow(t)

	_, err := flow.Start(LoginModeClaudeAI)
	require.NoError(t, err)
	require.True(t, flow.Active())

	flow.Cancel()
	require.False(t, flow.Active())

	err = flow.Complete(context.Background(), "code", false)
	require.ErrorIs(t, err, ErrNoLoginInProgress)
}

func TestHTTPRefresher_Refresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "refresh_token", body["grant_type"])
		require.Equal(t, "rt-old", body["refresh_token"])
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken:  "at-new",
			RefreshToken: "rt-new",
			ExpiresIn:    28800,
		})
	}))
	t.Cleanup(server.Close)

	now := time.UnixMilli(1_700_000_000_000)
	refresher := &HTTPRefresher{TokenURL: server.URL, Now: func() time.Time { return now }}

	pair, err := refresher.Refresh(context.Background(), "rt-old")
	require.NoError(t, err)
	require.Equal(t, "at-new", pair.Access)
	require.Equal(t, "rt-new", pair.Refresh)
	require.Equal(t, now.Add(8*time.Hour).UnixMilli(), pair.ExpiresAt)
}

func TestHTTPRefresher_RefreshErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	t.Cleanup(server.Close)

	refresher := &HTTPRefresher{TokenURL: server.URL}
	_, err := refresher.Refresh(context.Background(), "rt-old")
	require.Error(t, err)
}
