// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// MESSAGE
// =============================================================================

// Message roles. The transcript only ever stores user and assistant turns;
// system prompts travel with the request and are not persisted.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one immutable turn in a conversation transcript.
// Ownership is inherited through the parent conversation. The transcript
// order is creation time ascending; there is no separate sequence counter.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewMessageID generates a unique message ID. Nanosecond creation time is
// embedded so IDs for the same conversation are monotonically orderable.
func NewMessageID() string {
	return fmt.Sprintf("msg_%d_%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

// NewUserMessage creates a user turn ready for persistence.
func NewUserMessage(conversationID, content string) *Message {
	return &Message{
		ID:             NewMessageID(),
		ConversationID: conversationID,
		Role:           RoleUser,
		Content:        content,
		CreatedAt:      time.Now(),
	}
}

// NewAssistantMessage creates an assistant turn ready for persistence.
func NewAssistantMessage(conversationID, content string) *Message {
	return &Message{
		ID:             NewMessageID(),
		ConversationID: conversationID,
		Role:           RoleAssistant,
		Content:        content,
		CreatedAt:      time.Now(),
	}
}

// ValidRole reports whether role is one of the accepted message roles.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}
