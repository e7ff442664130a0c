package ipc

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/pheuter/claude-agent-desktop/internal/config"
	"github.com/pheuter/claude-agent-desktop/internal/conversations"
	"github.com/pheuter/claude-agent-desktop/internal/creds"
	"github.com/pheuter/claude-agent-desktop/internal/session"
	"github.com/pheuter/claude-agent-desktop/internal/settings"
	"github.com/pheuter/claude-agent-desktop/internal/update"
	"github.com/pheuter/claude-agent-desktop/shared/logger"
	"github.com/pheuter/claude-agent-desktop/shared/wire"
)

// Handlers implements every request/response operation of the UI boundary.
//
// Each method resolves to a success-flag response; no raw error ever crosses
// the socket. The Socket.IO layer only decodes, dispatches, and acks.
type Handlers struct {
	Sessions      *session.Controller
	Conversations *conversations.Store
	Settings      *settings.Store
	Creds         *creds.Store
	Login         *creds.LoginFlow
	Updates       *update.Controller
	// DefaultWorkspace is used when no workspace directory is stored.
	DefaultWorkspace string
	// LookupEnv defaults to os.LookupEnv; injected in tests.
	LookupEnv func(string) (string, bool)
}

func (h *Handlers) lookupEnv(name string) (string, bool) {
	if h.LookupEnv != nil {
		return h.LookupEnv(name)
	}
	return os.LookupEnv(name)
}

// --- chat.* ---

func (h *Handlers) SendMessage(ctx context.Context, req wire.SendMessageRequest) wire.SendMessageResponse {
	return h.Sessions.SendMessage(ctx, req)
}

func (h *Handlers) StopMessage(ctx context.Context) wire.StopMessageResponse {
	return h.Sessions.Stop()
}

func (h *Handlers) ResetSession(ctx context.Context, req wire.ResetSessionRequest) wire.ResetSessionResponse {
	return h.Sessions.Reset(req)
}

func (h *Handlers) GetModelPreference(ctx context.Context) wire.ModelPreferenceResponse {
	value, ok, err := h.Settings.Get(ctx, settings.KeyModelPreference)
	if err != nil {
		return wire.ModelPreferenceResponse{Error: err.Error()}
	}
	pref := wire.ModelPreference(value)
	if !ok || !pref.Valid() {
		pref = wire.ModelFast
	}
	return wire.ModelPreferenceResponse{Success: true, Preference: pref}
}

func (h *Handlers) SetModelPreference(ctx context.Context, req wire.SetModelPreferenceRequest) wire.ModelPreferenceResponse {
	if !req.Preference.Valid() {
		return wire.ModelPreferenceResponse{Error: "unknown model preference: " + string(req.Preference)}
	}
	if err := h.Settings.Set(ctx, settings.KeyModelPreference, string(req.Preference)); err != nil {
		return wire.ModelPreferenceResponse{Error: err.Error()}
	}
	return wire.ModelPreferenceResponse{Success: true, Preference: req.Preference}
}

// --- conversation.* ---

func (h *Handlers) CreateConversation(ctx context.Context, req wire.CreateConversationRequest) wire.ConversationResponse {
	conv, err := h.Conversations.Create(ctx, req.Title, req.Messages, req.SessionID)
	if err != nil {
		return wire.ConversationResponse{Error: conversationError(err)}
	}
	return wire.ConversationResponse{Success: true, Conversation: &conv}
}

func (h *Handlers) UpdateConversation(ctx context.Context, req wire.UpdateConversationRequest) wire.ConversationResponse {
	conv, err := h.Conversations.Update(ctx, conversations.UpdateParams{
		ID:        req.ID,
		Title:     req.Title,
		Messages:  req.Messages,
		SessionID: req.SessionID,
	})
	if err != nil {
		return wire.ConversationResponse{Error: conversationError(err)}
	}
	return wire.ConversationResponse{Success: true, Conversation: &conv}
}

func (h *Handlers) GetConversation(ctx context.Context, req wire.ConversationIDRequest) wire.ConversationResponse {
	conv, err := h.Conversations.Get(ctx, req.ID)
	if err != nil {
		return wire.ConversationResponse{Error: conversationError(err)}
	}
	return wire.ConversationResponse{Success: true, Conversation: &conv}
}

func (h *Handlers) ListConversations(ctx context.Context) wire.ConversationListResponse {
	list, err := h.Conversations.List(ctx)
	if err != nil {
		return wire.ConversationListResponse{Error: err.Error()}
	}
	if list == nil {
		list = []wire.Conversation{}
	}
	return wire.ConversationListResponse{Success: true, Conversations: list}
}

func (h *Handlers) DeleteConversation(ctx context.Context, req wire.ConversationIDRequest) wire.SuccessResponse {
	if err := h.Conversations.Delete(ctx, req.ID); err != nil {
		return wire.SuccessResponse{Error: conversationError(err)}
	}
	return wire.SuccessResponse{Success: true}
}

func conversationError(err error) string {
	switch {
	case errors.Is(err, conversations.ErrNotFound):
		return "conversation not found"
	case errors.Is(err, conversations.ErrInvalidMessages):
		return "messages is not valid JSON"
	default:
		logger.Errorf("conversation store: %v", err)
		return "failed to access conversation store"
	}
}

// --- config.* ---

// ResolveWorkspaceDir returns the effective workspace directory, creating it
// if needed. The session controller saves attachments under it.
func (h *Handlers) ResolveWorkspaceDir(ctx context.Context) (string, error) {
	dir, ok, err := h.Settings.Get(ctx, settings.KeyWorkspaceDir)
	if err != nil {
		return "", err
	}
	if !ok || dir == "" {
		dir = h.DefaultWorkspace
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (h *Handlers) GetWorkspaceDir(ctx context.Context) wire.WorkspaceDirResponse {
	dir, err := h.ResolveWorkspaceDir(ctx)
	if err != nil {
		return wire.WorkspaceDirResponse{Error: err.Error()}
	}
	return wire.WorkspaceDirResponse{Success: true, Path: dir}
}

func (h *Handlers) SetWorkspaceDir(ctx context.Context, req wire.SetWorkspaceDirRequest) wire.WorkspaceDirResponse {
	if req.Path == "" || !filepath.IsAbs(req.Path) {
		return wire.WorkspaceDirResponse{Error: "workspace directory must be an absolute path"}
	}
	if err := h.Settings.Set(ctx, settings.KeyWorkspaceDir, req.Path); err != nil {
		return wire.WorkspaceDirResponse{Error: err.Error()}
	}
	return wire.WorkspaceDirResponse{Success: true, Path: req.Path}
}

func (h *Handlers) GetDebugMode(ctx context.Context) wire.DebugModeResponse {
	enabled, err := h.Settings.GetBool(ctx, settings.KeyDebugMode)
	if err != nil {
		return wire.DebugModeResponse{Error: err.Error()}
	}
	return wire.DebugModeResponse{Success: true, Enabled: enabled}
}

func (h *Handlers) SetDebugMode(ctx context.Context, req wire.SetDebugModeRequest) wire.DebugModeResponse {
	if err := h.Settings.SetBool(ctx, settings.KeyDebugMode, req.Enabled); err != nil {
		return wire.DebugModeResponse{Error: err.Error()}
	}
	return wire.DebugModeResponse{Success: true, Enabled: req.Enabled}
}

func (h *Handlers) GetKeyStatus(ctx context.Context) wire.KeyStatusResponse {
	status, err := h.Creds.APIKeyStatus(ctx)
	if err != nil {
		return wire.KeyStatusResponse{Error: err.Error()}
	}
	return wire.KeyStatusResponse{
		Success:    true,
		Configured: status.Configured,
		Source:     wireSource(status.Source),
	}
}

func (h *Handlers) SetApiKey(ctx context.Context, req wire.SetApiKeyRequest) wire.KeyStatusResponse {
	if err := h.Creds.SetAPIKey(ctx, req.Key); err != nil {
		return wire.KeyStatusResponse{Error: err.Error()}
	}
	return h.GetKeyStatus(ctx)
}

func (h *Handlers) GetBaseUrl(ctx context.Context) wire.BaseUrlStatusResponse {
	stored, _, err := h.Settings.Get(ctx, settings.KeyBaseURL)
	if err != nil {
		return wire.BaseUrlStatusResponse{Error: err.Error()}
	}
	env, envSet := h.lookupEnv(config.EnvBaseURL)
	effective, source := config.Resolve(env, envSet, stored)
	return wire.BaseUrlStatusResponse{
		Success: true,
		URL:     effective,
		Source:  wireSource(source),
	}
}

func (h *Handlers) SetBaseUrl(ctx context.Context, req wire.SetBaseUrlRequest) wire.BaseUrlStatusResponse {
	var err error
	if req.URL == nil || *req.URL == "" {
		err = h.Settings.Delete(ctx, settings.KeyBaseURL)
	} else {
		err = h.Settings.Set(ctx, settings.KeyBaseURL, *req.URL)
	}
	if err != nil {
		return wire.BaseUrlStatusResponse{Error: err.Error()}
	}
	return h.GetBaseUrl(ctx)
}

// ResolveBaseURL returns the effective API base URL for runtime calls, or
// empty for the provider default.
func (h *Handlers) ResolveBaseURL(ctx context.Context) string {
	stored, _, err := h.Settings.Get(ctx, settings.KeyBaseURL)
	if err != nil {
		logger.Warnf("read base url: %v", err)
	}
	env, envSet := h.lookupEnv(config.EnvBaseURL)
	effective, _ := config.Resolve(env, envSet, stored)
	return effective
}

func wireSource(source config.Source) *wire.CredentialSource {
	switch source {
	case config.SourceEnv:
		s := wire.SourceEnv
		return &s
	case config.SourceStored:
		s := wire.SourceStored
		return &s
	default:
		return nil
	}
}

// --- oauth.* ---

func (h *Handlers) StartLogin(ctx context.Context, req wire.StartLoginRequest) wire.StartLoginResponse {
	url, err := h.Login.Start(req.Mode)
	if err != nil {
		return wire.StartLoginResponse{Error: err.Error()}
	}
	return wire.StartLoginResponse{Success: true, URL: url}
}

func (h *Handlers) CompleteLogin(ctx context.Context, req wire.CompleteLoginRequest) wire.SuccessResponse {
	if err := h.Login.Complete(ctx, req.Code, req.CreateApiKey); err != nil {
		return wire.SuccessResponse{Error: err.Error()}
	}
	return wire.SuccessResponse{Success: true}
}

func (h *Handlers) CancelLogin(ctx context.Context) wire.SuccessResponse {
	h.Login.Cancel()
	return wire.SuccessResponse{Success: true}
}

func (h *Handlers) OAuthStatus(ctx context.Context) wire.OAuthStatusResponse {
	status, err := h.Creds.AuthStatus(ctx)
	if err != nil {
		return wire.OAuthStatusResponse{Error: err.Error()}
	}
	return wire.OAuthStatusResponse{
		Success:  true,
		LoggedIn: status.Configured,
		Method:   string(status.Method),
		Source:   wireSource(status.Source),
	}
}

func (h *Handlers) Logout(ctx context.Context) wire.SuccessResponse {
	if err := h.Creds.ClearOAuth(ctx); err != nil {
		return wire.SuccessResponse{Error: err.Error()}
	}
	return wire.SuccessResponse{Success: true}
}

func (h *Handlers) GetAccessToken(ctx context.Context) wire.AccessTokenResponse {
	cred, err := h.Creds.ValidAccessToken(ctx)
	if err != nil {
		return wire.AccessTokenResponse{Error: "no usable credential"}
	}
	return wire.AccessTokenResponse{Success: true, Token: cred.Value}
}

// --- update.* ---

func (h *Handlers) CheckForUpdate(ctx context.Context) wire.UpdateStatusEvent {
	status, err := h.Updates.Check(ctx)
	if err != nil {
		logger.Warnf("on-demand update check: %v", err)
	}
	return status
}

func (h *Handlers) UpdateStatus(ctx context.Context) wire.UpdateStatusEvent {
	return h.Updates.Status()
}
