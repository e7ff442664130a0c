// Package wire defines the JSON payloads exchanged between the UI process and
// the privileged backend over the Socket.IO boundary.
//
// Every request/response call resolves to a success-flag-plus-message shape;
// no handler surfaces a raw error across the boundary.
package wire

import "encoding/json"

// SocketAuthPayload is the handshake auth object presented by the UI when
// connecting to the event socket.
type SocketAuthPayload struct {
	// Token is the signed handshake token minted by the backend.
	Token string `json:"token"`
	// ClientType identifies the connecting surface (currently always "ui").
	ClientType string `json:"clientType"`
}

// ModelPreference selects the model tier used for agent turns.
type ModelPreference string

const (
	// ModelFast selects the low-latency model tier.
	ModelFast ModelPreference = "fast"
	// ModelSmartSonnet selects the balanced model tier.
	ModelSmartSonnet ModelPreference = "smart-sonnet"
	// ModelSmartOpus selects the most capable model tier.
	ModelSmartOpus ModelPreference = "smart-opus"
)

// Valid reports whether p is a recognized preference value.
func (p ModelPreference) Valid() bool {
	switch p {
	case ModelFast, ModelSmartSonnet, ModelSmartOpus:
		return true
	}
	return false
}

// AttachmentPayload carries one attachment's transient bytes from the UI.
type AttachmentPayload struct {
	// Name is the original file name as dropped/selected in the UI.
	Name string `json:"name"`
	// MimeType is the UI-reported content type (best-effort).
	MimeType string `json:"mimeType"`
	// Data is the raw file content (base64 in JSON).
	Data []byte `json:"data"`
}

// SavedAttachmentInfo reports where an attachment was persisted in the
// workspace so the UI can replace its transient preview with the saved path.
type SavedAttachmentInfo struct {
	// Name is the saved file name (may differ from the original on collision).
	Name string `json:"name"`
	// MimeType is the stored content type.
	MimeType string `json:"mimeType"`
	// Size is the file size in bytes.
	Size int64 `json:"size"`
	// AbsolutePath is the absolute on-disk path of the saved file.
	AbsolutePath string `json:"absolutePath"`
	// RelativePath is the path relative to the workspace directory.
	RelativePath string `json:"relativePath"`
}

// SendMessageRequest is the payload for "chat.sendMessage".
type SendMessageRequest struct {
	// Text is the user's free-text content (may be empty if attachments exist).
	Text string `json:"text"`
	// ConversationID names the conversation the streamed reply is persisted
	// into. Empty leaves persistence entirely to the UI.
	ConversationID string `json:"conversationId,omitempty"`
	// Attachments are files to persist and forward with the turn.
	Attachments []AttachmentPayload `json:"attachments,omitempty"`
}

// SendMessageResponse reports whether a turn was accepted for streaming.
//
// The agent's reply arrives as turn events, never in this response.
type SendMessageResponse struct {
	// Success indicates the turn was accepted and streaming has begun.
	Success bool `json:"success"`
	// NoOp indicates the request was rejected because a turn is already
	// streaming; the caller should not treat this as a failure.
	NoOp bool `json:"noOp,omitempty"`
	// Error contains a human-readable message when Success is false.
	Error string `json:"error,omitempty"`
	// Attachments lists where each attachment was saved, in request order.
	Attachments []SavedAttachmentInfo `json:"attachments,omitempty"`
}

// StopMessageResponse is the payload for "chat.stopMessage".
type StopMessageResponse struct {
	// Success indicates the stop request was processed (no-op when idle).
	Success bool `json:"success"`
	// Error contains an error message when Success is false.
	Error string `json:"error,omitempty"`
}

// ResetSessionRequest is the payload for "chat.resetSession".
type ResetSessionRequest struct {
	// ResumeSessionID optionally seeds the next turn with a prior runtime
	// session id to resume. Empty means start fresh.
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
}

// ResetSessionResponse is the payload for "chat.resetSession" responses.
type ResetSessionResponse struct {
	// Success is always true; reset is safe from any state.
	Success bool `json:"success"`
}

// ModelPreferenceResponse reports the current (or newly applied) preference.
type ModelPreferenceResponse struct {
	// Success indicates whether the operation succeeded.
	Success bool `json:"success"`
	// Preference is the effective model preference.
	Preference ModelPreference `json:"preference"`
	// Error contains an error message when Success is false.
	Error string `json:"error,omitempty"`
}

// SetModelPreferenceRequest is the payload for "chat.setModelPreference".
type SetModelPreferenceRequest struct {
	// Preference is the requested model preference.
	Preference ModelPreference `json:"preference"`
}

// Conversation is the wire form of a persisted conversation record.
type Conversation struct {
	// ID is the stable conversation identifier.
	ID string `json:"id"`
	// Title is the user-visible conversation title.
	Title string `json:"title"`
	// Messages is the opaque serialized message array.
	Messages json.RawMessage `json:"messages"`
	// SessionID is the last known resumable runtime session id, if any.
	SessionID *string `json:"sessionId,omitempty"`
	// CreatedAt is the creation time in ms since epoch.
	CreatedAt int64 `json:"createdAt"`
	// UpdatedAt is the last update time in ms since epoch.
	UpdatedAt int64 `json:"updatedAt"`
}

// CreateConversationRequest is the payload for "conversation.create".
type CreateConversationRequest struct {
	// Title is the initial title (may be empty).
	Title string `json:"title,omitempty"`
	// Messages is the serialized message array to store.
	Messages json.RawMessage `json:"messages"`
	// SessionID optionally records the runtime session id.
	SessionID *string `json:"sessionId,omitempty"`
}

// UpdateConversationRequest is the payload for "conversation.update".
//
// Nil fields are left untouched (merge semantics).
type UpdateConversationRequest struct {
	// ID is the conversation to update.
	ID string `json:"id"`
	// Title replaces the stored title when non-nil.
	Title *string `json:"title,omitempty"`
	// Messages replaces the stored message array when non-nil.
	Messages json.RawMessage `json:"messages,omitempty"`
	// SessionID replaces the stored session id when non-nil.
	SessionID *string `json:"sessionId,omitempty"`
}

// ConversationIDRequest addresses a single conversation by id.
type ConversationIDRequest struct {
	// ID is the conversation identifier.
	ID string `json:"id"`
}

// ConversationResponse carries one conversation record.
type ConversationResponse struct {
	// Success indicates whether the operation succeeded.
	Success bool `json:"success"`
	// Conversation is the record on success.
	Conversation *Conversation `json:"conversation,omitempty"`
	// Error contains an error message when Success is false.
	Error string `json:"error,omitempty"`
}

// ConversationListResponse carries all conversation records, most recently
// updated first.
type ConversationListResponse struct {
	// Success indicates whether the operation succeeded.
	Success bool `json:"success"`
	// Conversations is ordered by recency.
	Conversations []Conversation `json:"conversations"`
	// Error contains an error message when Success is false.
	Error string `json:"error,omitempty"`
}

// WorkspaceDirResponse reports the effective workspace directory.
type WorkspaceDirResponse struct {
	// Success indicates whether the operation succeeded.
	Success bool `json:"success"`
	// Path is the absolute workspace directory.
	Path string `json:"path"`
	// Error contains an error message when Success is false.
	Error string `json:"error,omitempty"`
}

// SetWorkspaceDirRequest is the payload for "config.setWorkspaceDir".
type SetWorkspaceDirRequest struct {
	// Path is the new workspace directory.
	Path string `json:"path"`
}

// DebugModeResponse reports the effective debug flag.
type DebugModeResponse struct {
	// Success indicates whether the operation succeeded.
	Success bool `json:"success"`
	// Enabled is the effective debug mode.
	Enabled bool `json:"enabled"`
	// Error contains an error message when Success is false.
	Error string `json:"error,omitempty"`
}

// SetDebugModeRequest is the payload for "config.setDebugMode".
type SetDebugModeRequest struct {
	// Enabled is the requested debug mode.
	Enabled bool `json:"enabled"`
}

// CredentialSource identifies where an effective credential value came from.
type CredentialSource string

const (
	// SourceEnv means the value came from an environment variable override.
	SourceEnv CredentialSource = "env"
	// SourceStored means the value came from the persisted settings store.
	SourceStored CredentialSource = "stored"
)

// KeyStatusResponse reports whether an API key is configured and from where.
type KeyStatusResponse struct {
	// Success indicates whether the operation succeeded.
	Success bool `json:"success"`
	// Configured indicates a usable API key exists.
	Configured bool `json:"configured"`
	// Source is "env" or "stored" when configured; nil otherwise.
	Source *CredentialSource `json:"source"`
	// Error contains an error message when Success is false.
	Error string `json:"error,omitempty"`
}

// SetApiKeyRequest is the payload for "config.setApiKey".
//
// A nil Key clears the stored API key.
type SetApiKeyRequest struct {
	// Key is the API key to store, or nil to clear it.
	Key *string `json:"key"`
}

// BaseUrlStatusResponse reports the effective API base URL and its source.
type BaseUrlStatusResponse struct {
	// Success indicates whether the operation succeeded.
	Success bool `json:"success"`
	// URL is the effective base URL (empty means the provider default).
	URL string `json:"url,omitempty"`
	// Source is "env" or "stored" when a non-default URL applies; nil otherwise.
	Source *CredentialSource `json:"source"`
	// Error contains an error message when Success is false.
	Error string `json:"error,omitempty"`
}

// SetBaseUrlRequest is the payload for "config.setBaseUrl".
//
// A nil URL clears the stored override.
type SetBaseUrlRequest struct {
	// URL is the base URL to store, or nil to clear it.
	URL *string `json:"url"`
}

// StartLoginRequest is the payload for "oauth.startLogin".
type StartLoginRequest struct {
	// Mode selects the login surface ("claudeai" or "console").
	Mode string `json:"mode"`
}

// StartLoginResponse carries the authorization URL for the browser.
type StartLoginResponse struct {
	// Success indicates whether the flow started.
	Success bool `json:"success"`
	// URL is the authorization URL to open.
	URL string `json:"url,omitempty"`
	// Error contains an error message when Success is false.
	Error string `json:"error,omitempty"`
}

// CompleteLoginRequest is the payload for "oauth.completeLogin".
type CompleteLoginRequest struct {
	// Code is the authorization code pasted by the user.
	Code string `json:"code"`
	// CreateApiKey requests minting a long-lived API key after the exchange.
	CreateApiKey bool `json:"createApiKey,omitempty"`
}

// OAuthStatusResponse reports the current authentication state.
type OAuthStatusResponse struct {
	// Success indicates whether the operation succeeded.
	Success bool `json:"success"`
	// LoggedIn indicates a usable credential exists.
	LoggedIn bool `json:"loggedIn"`
	// Method is "oauth" or "api-key" when logged in.
	Method string `json:"method,omitempty"`
	// Source is "env" or "stored" when logged in; nil otherwise.
	Source *CredentialSource `json:"source"`
	// Error contains an error message when Success is false.
	Error string `json:"error,omitempty"`
}

// AccessTokenResponse carries a live bearer credential for direct UI use.
type AccessTokenResponse struct {
	// Success indicates a credential was resolved.
	Success bool `json:"success"`
	// Token is the bearer credential on success.
	Token string `json:"token,omitempty"`
	// Error contains an error message when Success is false.
	Error string `json:"error,omitempty"`
}

// SuccessResponse is a generic JSON response payload with a "success" key.
type SuccessResponse struct {
	// Success indicates whether the operation succeeded.
	Success bool `json:"success"`
	// Error contains an error message when Success is false.
	Error string `json:"error,omitempty"`
}

// DecodeParams decodes a loosely-typed Socket.IO params value into out.
func DecodeParams(v any, out any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
