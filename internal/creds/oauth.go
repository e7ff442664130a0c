package creds

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pheuter/claude-agent-desktop/internal/crypto"
	"github.com/pheuter/claude-agent-desktop/internal/settings"
	"github.com/pheuter/claude-agent-desktop/shared/logger"
)

// OAuth endpoints and client registration for the desktop login flow.
const (
	oauthClientID    = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	oauthRedirectURI = "https://console.anthropic.com/oauth/code/callback"
	oauthScopes      = "org:create_api_key user:profile user:inference"

	authorizeURLClaudeAI = "https://claude.ai/oauth/authorize"
	authorizeURLConsole  = "https://console.anthropic.com/oauth/authorize"
	defaultTokenURL      = "https://console.anthropic.com/v1/oauth/token"
	defaultAPIKeyURL     = "https://api.anthropic.com/api/oauth/claude_cli/create_api_key"
)

// Login modes select which authorization host the browser is sent to.
const (
	LoginModeClaudeAI = "claudeai"
	LoginModeConsole  = "console"
)

var (
	// ErrNoLoginInProgress means Complete was called without a prior Start.
	ErrNoLoginInProgress = errors.New("no login in progress")
	// ErrLoginRejected means the authorization code exchange was refused.
	ErrLoginRejected = errors.New("login rejected")
)

// LoginFlow drives the PKCE browser login.
//
// The code verifier lives only in this struct for the duration of one
// attempt; it is never persisted and is discarded on Complete or Cancel.
type LoginFlow struct {
	store      *Store
	settings   *settings.Store
	httpClient *http.Client
	tokenURL   string
	apiKeyURL  string
	now        func() time.Time

	mu       sync.Mutex
	verifier string
	state    string
}

// NewLoginFlow creates a login flow writing credentials through store.
func NewLoginFlow(store *Store, settingsStore *settings.Store) *LoginFlow {
	return &LoginFlow{
		store:      store,
		settings:   settingsStore,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokenURL:   defaultTokenURL,
		apiKeyURL:  defaultAPIKeyURL,
		now:        time.Now,
	}
}

// Start begins a login attempt and returns the authorization URL to open.
// A second Start discards the previous attempt's verifier.
func (f *LoginFlow) Start(mode string) (string, error) {
	var base string
	switch mode {
	case LoginModeClaudeAI, "":
		base = authorizeURLClaudeAI
	case LoginModeConsole:
		base = authorizeURLConsole
	default:
		return "", fmt.Errorf("unknown login mode %q", mode)
	}

	verifierBytes, err := crypto.RandBytes(make([]byte, 32))
	if err != nil {
		return "", fmt.Errorf("generate verifier: %w", err)
	}
	stateBytes, err := crypto.RandBytes(make([]byte, 32))
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(verifierBytes)
	state := base64.RawURLEncoding.EncodeToString(stateBytes)

	challengeSum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(challengeSum[:])

	f.mu.Lock()
	f.verifier = verifier
	f.state = state
	f.mu.Unlock()

	query := url.Values{}
	query.Set("code", "true")
	query.Set("client_id", oauthClientID)
	query.Set("response_type", "code")
	query.Set("redirect_uri", oauthRedirectURI)
	query.Set("scope", oauthScopes)
	query.Set("code_challenge", challenge)
	query.Set("code_challenge_method", "S256")
	query.Set("state", state)

	return base + "?" + query.Encode(), nil
}

// Cancel abandons the current login attempt, discarding its verifier.
func (f *LoginFlow) Cancel() {
	f.mu.Lock()
	f.verifier = ""
	f.state = ""
	f.mu.Unlock()
}

// Active reports whether a login attempt is awaiting its code.
func (f *LoginFlow) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifier != ""
}

// Complete exchanges the pasted authorization code for a token pair and
// stores it. The code may carry the state fragment ("code#state") as pasted
// from the callback page. When createAPIKey is set, a long-lived API key is
// minted with the fresh access token and stored in place of OAuth use.
//
// The attempt's verifier is discarded whether or not the exchange succeeds.
func (f *LoginFlow) Complete(ctx context.Context, code string, createAPIKey bool) error {
	f.mu.Lock()
	verifier := f.verifier
	expectedState := f.state
	f.verifier = ""
	f.state = ""
	f.mu.Unlock()

	if verifier == "" {
		return ErrNoLoginInProgress
	}

	code = strings.TrimSpace(code)
	state := expectedState
	if split := strings.SplitN(code, "#", 2); len(split) == 2 {
		code, state = split[0], split[1]
	}
	if state != expectedState {
		return fmt.Errorf("%w: state mismatch", ErrLoginRejected)
	}

	pair, err := f.exchangeCode(ctx, code, verifier, state)
	if err != nil {
		return err
	}
	if err := f.store.StoreTokenPair(ctx, pair); err != nil {
		return fmt.Errorf("store token pair: %w", err)
	}

	if createAPIKey {
		if err := f.createAPIKey(ctx, pair.Access); err != nil {
			// OAuth login itself succeeded; surface the key failure without
			// rolling back the stored pair.
			logger.Warnf("api key creation after login failed: %v", err)
			return fmt.Errorf("create api key: %w", err)
		}
	}
	return nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (f *LoginFlow) exchangeCode(ctx context.Context, code, verifier, state string) (TokenPair, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"state":         state,
		"client_id":     oauthClientID,
		"redirect_uri":  oauthRedirectURI,
		"code_verifier": verifier,
	})
	if err != nil {
		return TokenPair{}, fmt.Errorf("marshal token request: %w", err)
	}

	resp, err := f.postJSON(ctx, f.tokenURL, "", body)
	if err != nil {
		return TokenPair{}, fmt.Errorf("exchange code: %w", err)
	}

	var token tokenResponse
	if err := json.Unmarshal(resp, &token); err != nil {
		return TokenPair{}, fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		return TokenPair{}, fmt.Errorf("%w: incomplete token response", ErrLoginRejected)
	}

	return TokenPair{
		Access:    token.AccessToken,
		Refresh:   token.RefreshToken,
		ExpiresAt: f.now().Add(time.Duration(token.ExpiresIn) * time.Second).UnixMilli(),
	}, nil
}

type createKeyResponse struct {
	RawKey string `json:"raw_key"`
}

func (f *LoginFlow) createAPIKey(ctx context.Context, accessToken string) error {
	resp, err := f.postJSON(ctx, f.apiKeyURL, accessToken, []byte("{}"))
	if err != nil {
		return err
	}
	var key createKeyResponse
	if err := json.Unmarshal(resp, &key); err != nil {
		return fmt.Errorf("decode key response: %w", err)
	}
	if key.RawKey == "" {
		return errors.New("empty key in response")
	}
	return f.settings.Set(ctx, settings.KeyAPIKey, key.RawKey)
}

func (f *LoginFlow) postJSON(ctx context.Context, endpoint, bearer string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrLoginRejected, resp.StatusCode)
	}
	return payload, nil
}

// HTTPRefresher refreshes OAuth token pairs against the token endpoint.
type HTTPRefresher struct {
	// TokenURL overrides the token endpoint; empty means the default.
	TokenURL string
	// HTTPClient overrides the transport; nil means a 30s-timeout client.
	HTTPClient *http.Client
	// Now overrides the time source for expiry computation.
	Now func() time.Time
}

// Refresh exchanges refreshToken for a new token pair.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	endpoint := r.TokenURL
	if endpoint == "" {
		endpoint = defaultTokenURL
	}
	client := r.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}

	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     oauthClientID,
	})
	if err != nil {
		return TokenPair{}, fmt.Errorf("marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return TokenPair{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return TokenPair{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TokenPair{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return TokenPair{}, fmt.Errorf("refresh endpoint returned status %d", resp.StatusCode)
	}

	var token tokenResponse
	if err := json.Unmarshal(payload, &token); err != nil {
		return TokenPair{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		return TokenPair{}, errors.New("incomplete refresh response")
	}

	return TokenPair{
		Access:    token.AccessToken,
		Refresh:   token.RefreshToken,
		ExpiresAt: now().Add(time.Duration(token.ExpiresIn) * time.Second).UnixMilli(),
	}, nil
}
