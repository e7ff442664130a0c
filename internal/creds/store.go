// Package creds resolves the bearer credential used for agent runtime calls.
//
// Precedence: ANTHROPIC_API_KEY environment override, then the stored API
// key, then the stored OAuth token pair (refreshed transparently near
// expiry). The OAuth pair is sealed with the per-install secret before it
// touches the settings store.
package creds

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pheuter/claude-agent-desktop/internal/config"
	"github.com/pheuter/claude-agent-desktop/internal/crypto"
	"github.com/pheuter/claude-agent-desktop/internal/settings"
	"github.com/pheuter/claude-agent-desktop/shared/logger"
)

var (
	// ErrNoCredential means no usable token or key could be resolved.
	ErrNoCredential = errors.New("no credential available")
	// ErrRefreshFailed means a refresh was attempted and rejected; the stale
	// pair is retained.
	ErrRefreshFailed = errors.New("credential refresh failed")
)

// refreshLookahead is how soon before expiry we refresh the access token, so
// a token cannot expire mid-call.
const refreshLookahead = 5 * time.Minute

// Method identifies the kind of credential in use.
type Method string

const (
	// MethodAPIKey means a static API key is in use.
	MethodAPIKey Method = "api-key"
	// MethodOAuth means an OAuth access token is in use.
	MethodOAuth Method = "oauth"
)

// Credential is a resolved bearer credential.
type Credential struct {
	// Value is the token or key to present to the runtime.
	Value string
	// Method is how the credential authenticates.
	Method Method
	// Source is which configuration layer supplied it.
	Source config.Source
}

// TokenPair is the stored OAuth credential record.
//
// A refresh replaces the whole record; Access and Refresh are never updated
// independently.
type TokenPair struct {
	Access    string `json:"access"`
	Refresh   string `json:"refresh"`
	ExpiresAt int64  `json:"expiresAtEpochMs"`
}

// Refresher exchanges a refresh token for a new token pair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}

// Store resolves and persists credentials.
type Store struct {
	settings  *settings.Store
	secret    *[32]byte
	refresher Refresher
	now       func() time.Time
	lookupEnv func(string) (string, bool)

	mu       sync.Mutex
	inflight *refreshResult
}

type refreshResult struct {
	done chan struct{}
	pair TokenPair
	err  error
}

// Option configures a Store.
type Option func(*Store)

// WithNow injects a time source for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLookupEnv injects an environment lookup for tests.
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(s *Store) { s.lookupEnv = lookup }
}

// NewStore creates a credential store. secret seals the OAuth pair at rest.
func NewStore(settingsStore *settings.Store, secret *[32]byte, refresher Refresher, opts ...Option) *Store {
	s := &Store{
		settings:  settingsStore,
		secret:    secret,
		refresher: refresher,
		now:       time.Now,
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidAccessToken returns a usable bearer credential, refreshing the OAuth
// pair when it is within the expiry look-ahead window.
//
// It never panics or leaks transport errors: callers get either a credential
// or ErrNoCredential (possibly wrapping ErrRefreshFailed).
func (s *Store) ValidAccessToken(ctx context.Context) (Credential, error) {
	if env, ok := s.lookupEnv(config.EnvAPIKey); ok && env != "" {
		return Credential{Value: env, Method: MethodAPIKey, Source: config.SourceEnv}, nil
	}

	stored, ok, err := s.settings.Get(ctx, settings.KeyAPIKey)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrNoCredential, err)
	}
	if ok && stored != "" {
		return Credential{Value: stored, Method: MethodAPIKey, Source: config.SourceStored}, nil
	}

	pair, ok, err := s.loadTokenPair(ctx)
	if err != nil || !ok {
		return Credential{}, ErrNoCredential
	}

	now := s.now()
	if time.UnixMilli(pair.ExpiresAt).After(now.Add(refreshLookahead)) {
		return Credential{Value: pair.Access, Method: MethodOAuth, Source: config.SourceStored}, nil
	}

	refreshed, err := s.refresh(ctx, pair)
	if err != nil {
		// The stale pair is retained; keep using it while it is still live.
		if time.UnixMilli(pair.ExpiresAt).After(now) {
			logger.Warnf("credential refresh failed, using stale access token: %v", err)
			return Credential{Value: pair.Access, Method: MethodOAuth, Source: config.SourceStored}, nil
		}
		return Credential{}, fmt.Errorf("%w: %w", ErrNoCredential, err)
	}
	return Credential{Value: refreshed.Access, Method: MethodOAuth, Source: config.SourceStored}, nil
}

// refresh runs at most one refresh at a time; concurrent callers share the
// in-flight result instead of firing a second network call.
func (s *Store) refresh(ctx context.Context, stale TokenPair) (TokenPair, error) {
	s.mu.Lock()
	if s.inflight != nil {
		result := s.inflight
		s.mu.Unlock()
		select {
		case <-result.done:
			return result.pair, result.err
		case <-ctx.Done():
			return TokenPair{}, ctx.Err()
		}
	}
	result := &refreshResult{done: make(chan struct{})}
	s.inflight = result
	s.mu.Unlock()

	pair, err := s.doRefresh(ctx, stale)
	result.pair, result.err = pair, err
	close(result.done)

	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()

	return pair, err
}

func (s *Store) doRefresh(ctx context.Context, stale TokenPair) (TokenPair, error) {
	if s.refresher == nil {
		return TokenPair{}, ErrRefreshFailed
	}
	pair, err := s.refresher.Refresh(ctx, stale.Refresh)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if pair.Access == "" || pair.Refresh == "" {
		return TokenPair{}, fmt.Errorf("%w: incomplete token pair", ErrRefreshFailed)
	}
	// Persist only after a fully successful exchange; a failed refresh must
	// leave the previous pair byte-identical.
	if err := s.StoreTokenPair(ctx, pair); err != nil {
		return TokenPair{}, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	return pair, nil
}

// StoreTokenPair seals and persists a full OAuth token pair.
func (s *Store) StoreTokenPair(ctx context.Context, pair TokenPair) error {
	sealed, err := crypto.Seal(pair, s.secret)
	if err != nil {
		return fmt.Errorf("seal token pair: %w", err)
	}
	return s.settings.Set(ctx, settings.KeyOAuthTokens, base64.StdEncoding.EncodeToString(sealed))
}

func (s *Store) loadTokenPair(ctx context.Context) (TokenPair, bool, error) {
	encoded, ok, err := s.settings.Get(ctx, settings.KeyOAuthTokens)
	if err != nil || !ok {
		return TokenPair{}, false, err
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return TokenPair{}, false, fmt.Errorf("decode token pair: %w", err)
	}
	var pair TokenPair
	if err := crypto.Open(sealed, s.secret, &pair); err != nil {
		return TokenPair{}, false, fmt.Errorf("open token pair: %w", err)
	}
	return pair, true, nil
}

// SetAPIKey stores or clears the static API key.
func (s *Store) SetAPIKey(ctx context.Context, key *string) error {
	if key == nil || *key == "" {
		return s.settings.Delete(ctx, settings.KeyAPIKey)
	}
	return s.settings.Set(ctx, settings.KeyAPIKey, *key)
}

// Status describes the active credential for status reporting.
type Status struct {
	// Configured indicates a usable credential exists.
	Configured bool
	// Method is the active credential kind when configured.
	Method Method
	// Source is the layer that supplies it when configured.
	Source config.Source
}

// APIKeyStatus reports whether an API key is configured and from where.
//
// The environment override is reported even when a different key is stored
// locally.
func (s *Store) APIKeyStatus(ctx context.Context) (Status, error) {
	env, envSet := s.lookupEnv(config.EnvAPIKey)
	stored, _, err := s.settings.Get(ctx, settings.KeyAPIKey)
	if err != nil {
		return Status{}, err
	}
	effective, source := config.Resolve(env, envSet, stored)
	if effective == "" {
		return Status{}, nil
	}
	return Status{Configured: true, Method: MethodAPIKey, Source: source}, nil
}

// AuthStatus reports the overall authentication state: an API key wins over
// a stored OAuth pair, mirroring resolution order.
func (s *Store) AuthStatus(ctx context.Context) (Status, error) {
	keyStatus, err := s.APIKeyStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	if keyStatus.Configured {
		return keyStatus, nil
	}
	_, ok, err := s.loadTokenPair(ctx)
	if err != nil {
		return Status{}, err
	}
	if !ok {
		return Status{}, nil
	}
	return Status{Configured: true, Method: MethodOAuth, Source: config.SourceStored}, nil
}

// ClearOAuth removes the stored OAuth pair (logout). Environment overrides
// are untouched.
func (s *Store) ClearOAuth(ctx context.Context) error {
	return s.settings.Delete(ctx, settings.KeyOAuthTokens)
}
