// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/chatrelay/internal/util"
)

// =============================================================================
// CONVERSATION
// =============================================================================

// TitleMaxRunes is the maximum length of a derived conversation title.
const TitleMaxRunes = 40

// Conversation is one chat session owned by a single subject.
//
// A conversation is only ever visible to, and mutable by, its owning
// subject. Every store operation filters by (id, subject) jointly; the id
// alone is not authorization.
type Conversation struct {
	ID          string    `json:"id"`
	Subject     string    `json:"-"`
	Title       string    `json:"title"`
	Model       string    `json:"model,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Pinned      bool      `json:"pinned"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewConversationID generates a unique conversation ID.
// The creation time is embedded so IDs sort roughly by age; the uuid
// suffix avoids collisions between conversations created in the same
// millisecond.
func NewConversationID() string {
	return fmt.Sprintf("chat_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// TitleFromContent derives a display title from the first user message.
// Newlines are flattened and the result is truncated rune-safely.
func TitleFromContent(content string) string {
	title := strings.ReplaceAll(content, "\n", " ")
	title = strings.ReplaceAll(title, "\r", "")
	title = strings.TrimSpace(title)
	if title == "" {
		return "New conversation"
	}
	return util.TruncateRunes(title, TitleMaxRunes)
}
