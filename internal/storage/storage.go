// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/chatrelay/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when a conversation does not exist or does
	// not belong to the requesting subject. The two cases are deliberately
	// indistinguishable so callers cannot probe for other subjects' data.
	ErrNotFound = errors.New("conversation not found")

	// ErrDatabaseError wraps unexpected failures from the database layer.
	ErrDatabaseError = errors.New("database error")
)

// =============================================================================
// STORE
// =============================================================================

// Store persists conversations and messages in SQLite.
//
// All reads and writes that reference a conversation filter by
// (id, subject) jointly. Conflicting writes are serialized by the
// database; the store holds no application-level locks.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and bootstraps
// the schema.
func Open(path string) (*Store, error) {
	dbDir := filepath.Dir(path)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA foreign_keys=ON", // Required for ON DELETE CASCADE
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if _, err := db.Exec(InitMetadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize metadata: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// CONVERSATION OPERATIONS
// =============================================================================

// CreateConversation inserts a new conversation record.
func (s *Store) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, subject_id, title, model, temperature, pinned, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.Subject, conv.Title, conv.Model, conv.Temperature, boolToInt(conv.Pinned), conv.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return nil
}

// GetConversation loads a conversation by id, scoped to its owner.
// Returns ErrNotFound for a missing id and for an id owned by another
// subject alike.
func (s *Store) GetConversation(ctx context.Context, id, subject string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, title, model, temperature, pinned, created_at
		FROM conversations
		WHERE id = ? AND subject_id = ?
	`, id, subject)

	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return conv, nil
}

// ListConversations returns all conversations for a subject, pinned first,
// then most recently created first.
func (s *Store) ListConversations(ctx context.Context, subject string) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, title, model, temperature, pinned, created_at
		FROM conversations
		WHERE subject_id = ?
		ORDER BY pinned DESC, created_at DESC
	`, subject)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	convs := []model.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		convs = append(convs, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return convs, nil
}

// SetPinned updates the pinned flag, scoped to the owner.
func (s *Store) SetPinned(ctx context.Context, id, subject string, pinned bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET pinned = ? WHERE id = ? AND subject_id = ?
	`, boolToInt(pinned), id, subject)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return requireAffected(result)
}

// DeleteConversation removes a conversation and, via the schema's cascade,
// its messages. Scoped to the owner.
func (s *Store) DeleteConversation(ctx context.Context, id, subject string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations WHERE id = ? AND subject_id = ?
	`, id, subject)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return requireAffected(result)
}

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// AppendMessage writes one transcript turn. Messages are immutable once
// written; there is no update operation.
func (s *Store) AppendMessage(ctx context.Context, msg *model.Message) error {
	if !model.ValidRole(msg.Role) {
		return fmt.Errorf("invalid message role %q", msg.Role)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return nil
}

// ListMessages returns the transcript of a conversation in creation order,
// after verifying that the conversation belongs to the subject. A missing
// or foreign conversation yields ErrNotFound, never an empty transcript.
func (s *Store) ListMessages(ctx context.Context, conversationID, subject string) ([]model.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID, subject); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	defer rows.Close()

	msgs := []model.Message{}
	for rows.Next() {
		var msg model.Message
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
		}
		msg.CreatedAt = time.Unix(0, createdAt)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return msgs, nil
}

// CountMessages returns the number of messages in a conversation,
// ownership-checked like ListMessages.
func (s *Store) CountMessages(ctx context.Context, conversationID, subject string) (int, error) {
	if _, err := s.GetConversation(ctx, conversationID, subject); err != nil {
		return 0, err
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	return count, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// scanner abstracts sql.Row and sql.Rows for scanConversation.
type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*model.Conversation, error) {
	var conv model.Conversation
	var pinned int
	var createdAt int64

	err := row.Scan(&conv.ID, &conv.Subject, &conv.Title, &conv.Model, &conv.Temperature, &pinned, &createdAt)
	if err != nil {
		return nil, err
	}
	conv.Pinned = pinned != 0
	conv.CreatedAt = time.Unix(0, createdAt)
	return &conv, nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseError, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
