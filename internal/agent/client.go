package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pheuter/claude-agent-desktop/internal/creds"
	"github.com/pheuter/claude-agent-desktop/shared/logger"
)

const (
	defaultEndpoint  = "https://api.anthropic.com"
	messagesPath     = "/v1/messages"
	anthropicVersion = "2023-06-01"
	oauthBeta        = "oauth-2025-04-20"
	maxTokens        = 8192
)

// CredentialProvider resolves the bearer credential for runtime calls.
// *creds.Store satisfies it.
type CredentialProvider interface {
	ValidAccessToken(ctx context.Context) (creds.Credential, error)
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL with a resolver, consulted per
// turn so a settings change takes effect without a restart.
func WithBaseURL(resolve func(ctx context.Context) string) Option {
	return func(c *Client) { c.baseURL = resolve }
}

// WithHTTPClient overrides the transport.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// Client is a streaming Messages API client that keeps per-session
// conversation history in memory.
//
// Histories do not survive a process restart; a resumed turn against a lost
// session fails with ErrSessionNotFound and the caller starts fresh.
type Client struct {
	credentials CredentialProvider
	baseURL     func(ctx context.Context) string
	httpClient  *http.Client

	sessions *sessionTable
}

// NewClient creates a runtime client.
func NewClient(credentials CredentialProvider, opts ...Option) *Client {
	c := &Client{
		credentials: credentials,
		baseURL:     func(context.Context) string { return defaultEndpoint },
		httpClient:  &http.Client{Timeout: 10 * time.Minute},
		sessions:    newSessionTable(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Runtime = (*Client)(nil)

// StreamTurn runs one turn, emitting incremental events as the response
// streams. On success the assistant's reply is appended to the session
// history so the next turn carries full context.
func (c *Client) StreamTurn(ctx context.Context, req TurnRequest, emit func(StreamEvent)) (TurnResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return TurnResult{}, errors.New("prompt is required")
	}
	if strings.TrimSpace(req.Model) == "" {
		return TurnResult{}, errors.New("model is required")
	}

	credential, err := c.credentials.ValidAccessToken(ctx)
	if err != nil {
		return TurnResult{}, err
	}

	sessionID, history, err := c.sessions.resume(req.SessionID, req.System)
	if err != nil {
		return TurnResult{}, err
	}
	if req.SessionID == nil {
		emit(StreamEvent{Type: StreamSessionStarted, SessionID: sessionID})
	}

	messages := append(history.snapshot(), apiMessage{Role: "user", Content: req.Prompt})
	payload := messagesRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		Stream:    true,
		System:    history.system,
		Messages:  messages,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return TurnResult{}, fmt.Errorf("marshal turn request: %w", err)
	}

	endpoint := strings.TrimRight(c.baseURL(ctx), "/") + messagesPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return TurnResult{}, fmt.Errorf("build turn request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	switch credential.Method {
	case creds.MethodOAuth:
		httpReq.Header.Set("Authorization", "Bearer "+credential.Value)
		httpReq.Header.Set("anthropic-beta", oauthBeta)
	default:
		httpReq.Header.Set("x-api-key", credential.Value)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return TurnResult{}, fmt.Errorf("call messages api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TurnResult{}, parseAPIError(resp)
	}

	streamed, err := parseStream(resp.Body, emit)
	if err != nil {
		return TurnResult{}, err
	}

	c.sessions.commit(sessionID, req.Prompt, streamed.text)
	logger.Debugf("turn complete: session=%s stop=%s in=%d out=%d",
		sessionID, streamed.stopReason, streamed.usage.InputTokens, streamed.usage.OutputTokens)

	return TurnResult{
		SessionID:  sessionID,
		Text:       streamed.text,
		StopReason: streamed.stopReason,
		Usage:      streamed.usage,
	}, nil
}

// DropSession discards a session's in-memory history.
func (c *Client) DropSession(id string) {
	c.sessions.drop(id)
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Stream    bool         `json:"stream"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
}

type apiErrorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func parseAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	message := strings.TrimSpace(string(body))
	if len(body) > 0 {
		var parsed apiErrorEnvelope
		if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Error.Message) != "" {
			message = parsed.Error.Message
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("messages api rejected credential (status %d): %s", resp.StatusCode, message)
	case http.StatusTooManyRequests:
		return fmt.Errorf("messages api rate limited: %s", message)
	default:
		return fmt.Errorf("messages api status %d: %s", resp.StatusCode, message)
	}
}

// --- SSE stream parsing ---

type sseEvent struct {
	Type         string           `json:"type"`
	Index        int              `json:"index"`
	Message      *sseMessage      `json:"message"`
	ContentBlock *sseContentBlock `json:"content_block"`
	Delta        *sseDelta        `json:"delta"`
	Usage        *sseUsage        `json:"usage"`
	Error        *apiError        `json:"error"`
}

type sseMessage struct {
	ID    string   `json:"id"`
	Model string   `json:"model"`
	Usage sseUsage `json:"usage"`
}

type sseContentBlock struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type sseDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

type sseUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type streamOutcome struct {
	text       string
	stopReason string
	usage      Usage
}

type openBlock struct {
	kind      string
	toolName  string
	toolInput strings.Builder
}

// parseStream consumes one event-stream response, invoking emit for each
// text delta and each completed tool_use block, and returns the assembled
// outcome once message_stop arrives.
func parseStream(reader io.Reader, emit func(StreamEvent)) (streamOutcome, error) {
	stream := bufio.NewReader(reader)
	outcome := streamOutcome{}
	blocks := map[int]*openBlock{}
	var text strings.Builder
	var dataLines []string
	stopped := false

	process := func(lines []string) (bool, error) {
		if len(lines) == 0 {
			return false, nil
		}
		payload := strings.TrimSpace(strings.Join(lines, "\n"))
		if payload == "" || payload == "[DONE]" {
			return false, nil
		}

		var event sseEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return false, fmt.Errorf("parse stream event: %w", err)
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				outcome.usage.InputTokens = event.Message.Usage.InputTokens
			}
		case "content_block_start":
			block := &openBlock{}
			if event.ContentBlock != nil {
				block.kind = event.ContentBlock.Type
				block.toolName = event.ContentBlock.Name
			}
			blocks[event.Index] = block
		case "content_block_delta":
			if event.Delta == nil {
				break
			}
			switch event.Delta.Type {
			case "text_delta":
				text.WriteString(event.Delta.Text)
				emit(StreamEvent{Type: StreamTextDelta, Text: event.Delta.Text})
			case "input_json_delta":
				if block := blocks[event.Index]; block != nil {
					block.toolInput.WriteString(event.Delta.PartialJSON)
				}
			}
		case "content_block_stop":
			block := blocks[event.Index]
			delete(blocks, event.Index)
			if block == nil || block.kind != "tool_use" {
				break
			}
			input := json.RawMessage(strings.TrimSpace(block.toolInput.String()))
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			if !json.Valid(input) {
				return false, fmt.Errorf("tool_use input at index %d is not valid JSON", event.Index)
			}
			emit(StreamEvent{Type: StreamToolUse, ToolName: block.toolName, ToolInput: input})
		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				outcome.stopReason = event.Delta.StopReason
			}
			if event.Usage != nil && event.Usage.OutputTokens != 0 {
				outcome.usage.OutputTokens = event.Usage.OutputTokens
			}
		case "message_stop":
			return true, nil
		case "error":
			message := payload
			if event.Error != nil && strings.TrimSpace(event.Error.Message) != "" {
				message = event.Error.Message
			}
			return false, fmt.Errorf("stream error: %s", message)
		}
		return false, nil
	}

	for {
		line, err := stream.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return streamOutcome{}, err
		}

		if len(line) > 0 {
			trimmed := strings.TrimRight(line, "\r\n")
			switch {
			case trimmed == "":
				done, parseErr := process(dataLines)
				if parseErr != nil {
					return streamOutcome{}, parseErr
				}
				if done {
					stopped = true
				}
				dataLines = dataLines[:0]
			case strings.HasPrefix(trimmed, "data:"):
				dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
			}
		}

		if stopped {
			break
		}
		if errors.Is(err, io.EOF) {
			if len(dataLines) > 0 {
				done, parseErr := process(dataLines)
				if parseErr != nil {
					return streamOutcome{}, parseErr
				}
				stopped = done
			}
			break
		}
	}

	if !stopped {
		return streamOutcome{}, errors.New("stream ended before message_stop")
	}
	outcome.text = text.String()
	return outcome, nil
}
