// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides SQLite-backed conversation persistence.
package storage

const (
	// SchemaVersion tracks the database schema version for migrations
	SchemaVersion = 1
)

// SQLite schema for conversations and their transcripts.
//
// Deleting a conversation cascades to its messages via the foreign key;
// foreign_keys=ON is set per connection in Open.
const Schema = `
-- Metadata table for schema version
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;

-- Conversations table: one row per chat session, owned by a subject
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,       -- owning subject from the identity verifier
    title TEXT NOT NULL,
    model TEXT NOT NULL DEFAULT '',
    temperature REAL NOT NULL DEFAULT 0,
    pinned INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL     -- Unix nanoseconds
);

CREATE INDEX IF NOT EXISTS idx_conversations_subject
    ON conversations(subject_id, pinned DESC, created_at DESC);

-- Messages table: immutable transcript turns
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,             -- "user" or "assistant"
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,    -- Unix nanoseconds
    FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
    ON messages(conversation_id, created_at);
`

// InitMetadata initializes the metadata table with default values
const InitMetadata = `
INSERT OR IGNORE INTO metadata (key, value) VALUES ('schema_version', '1');
INSERT OR IGNORE INTO metadata (key, value) VALUES ('created_at', strftime('%s', 'now'));
`
