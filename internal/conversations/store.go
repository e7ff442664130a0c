// Package conversations provides durable CRUD over conversation records.
//
// A record's message log is stored as an opaque serialized blob; writes are
// transactional so a crash mid-save never leaves a half-written record
// observable by Get or List.
package conversations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pheuter/claude-agent-desktop/shared/wire"
)

// ErrNotFound is returned when the addressed conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// ErrInvalidMessages is returned when a caller supplies a message blob that
// is not valid JSON. Invalid payloads are rejected up front so the stored
// blob is always parseable.
var ErrInvalidMessages = errors.New("messages is not valid JSON")

// Store persists conversation records in sqlite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a conversation store over an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// NewStoreWithNow creates a store with an injected time source for tests.
func NewStoreWithNow(db *sql.DB, now func() time.Time) *Store {
	return &Store{db: db, now: now}
}

// UpdateParams selects which fields an Update call replaces.
//
// Nil fields are left untouched (merge semantics).
type UpdateParams struct {
	ID        string
	Title     *string
	Messages  json.RawMessage
	SessionID *string
}

// Create inserts a new conversation and returns the stored record.
func (s *Store) Create(ctx context.Context, title string, messages json.RawMessage, sessionID *string) (wire.Conversation, error) {
	if messages == nil {
		messages = json.RawMessage("[]")
	}
	if !json.Valid(messages) {
		return wire.Conversation{}, ErrInvalidMessages
	}

	nowMs := s.now().UnixMilli()
	conv := wire.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		Messages:  append(json.RawMessage(nil), messages...),
		SessionID: sessionID,
		CreatedAt: nowMs,
		UpdatedAt: nowMs,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, title, messages, session_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.Title, string(conv.Messages), sessionID, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return wire.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	return conv, nil
}

// Update replaces the fields selected in params and returns the merged record.
func (s *Store) Update(ctx context.Context, params UpdateParams) (wire.Conversation, error) {
	if params.Messages != nil && !json.Valid(params.Messages) {
		return wire.Conversation{}, ErrInvalidMessages
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wire.Conversation{}, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	current, err := scanConversation(tx.QueryRowContext(ctx, `
		SELECT id, title, messages, session_id, created_at, updated_at
		FROM conversations WHERE id = ?
	`, params.ID))
	if err != nil {
		return wire.Conversation{}, err
	}

	if params.Title != nil {
		current.Title = *params.Title
	}
	if params.Messages != nil {
		current.Messages = append(json.RawMessage(nil), params.Messages...)
	}
	if params.SessionID != nil {
		current.SessionID = params.SessionID
	}
	current.UpdatedAt = s.now().UnixMilli()

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET title = ?, messages = ?, session_id = ?, updated_at = ?
		WHERE id = ?
	`, current.Title, string(current.Messages), current.SessionID, current.UpdatedAt, current.ID)
	if err != nil {
		return wire.Conversation{}, fmt.Errorf("update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return wire.Conversation{}, fmt.Errorf("commit update: %w", err)
	}

	return current, nil
}

// Get returns one conversation by id.
func (s *Store) Get(ctx context.Context, id string) (wire.Conversation, error) {
	return scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, title, messages, session_id, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id))
}

// List returns all conversations, most recently updated first.
func (s *Store) List(ctx context.Context) ([]wire.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, messages, session_id, created_at, updated_at
		FROM conversations
		ORDER BY updated_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []wire.Conversation
	for rows.Next() {
		conv, err := scanConversationRow(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return conversations, nil
}

// Delete removes one conversation. Deleting a missing id returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row *sql.Row) (wire.Conversation, error) {
	conv, err := scanConversationRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return wire.Conversation{}, ErrNotFound
	}
	return conv, err
}

func scanConversationRow(row rowScanner) (wire.Conversation, error) {
	var conv wire.Conversation
	var messages string
	var sessionID sql.NullString
	if err := row.Scan(&conv.ID, &conv.Title, &messages, &sessionID, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return wire.Conversation{}, err
		}
		return wire.Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	conv.Messages = json.RawMessage(messages)
	if sessionID.Valid {
		conv.SessionID = &sessionID.String
	}
	return conv, nil
}
