// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/jeranaias/chatrelay/internal/background"
	"github.com/jeranaias/chatrelay/internal/model"
	"github.com/jeranaias/chatrelay/internal/storage"
	"github.com/jeranaias/chatrelay/internal/upstream"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrEmptyMessage indicates the request carried no message content.
var ErrEmptyMessage = errors.New("message content is empty")

// =============================================================================
// STREAM REQUEST
// =============================================================================

// StreamRequest is the body of a stream request from the browser.
//
// ConversationID empty means "start a new conversation". Model and
// Temperature are optional; unset values fall back to the server
// defaults.
type StreamRequest struct {
	ConversationID string  `json:"conversation_id,omitempty"`
	Message        string  `json:"message"`
	Model          string  `json:"model,omitempty"`
	Temperature    float64 `json:"temperature,omitempty"`
}

// =============================================================================
// CORE
// =============================================================================

// relayChunkSize is the relay loop's copy buffer size.
const relayChunkSize = 4 * 1024

// Core wires the upstream client, the store, and the background runner
// into the streaming relay.
type Core struct {
	store  *storage.Store
	client *upstream.Client
	runner *background.Runner
}

// NewCore creates the relay core.
func NewCore(store *storage.Store, client *upstream.Client, runner *background.Runner) *Core {
	return &Core{store: store, client: client, runner: runner}
}

// ServeStream handles one streaming chat turn.
//
// The upstream SSE bytes are forwarded to w unmodified while a tee branch
// accumulates the assistant text for persistence after the response ends.
// Errors before the first streamed byte are returned for the caller to
// map to a status code; once streaming has begun, failures abort the
// stream and are only logged.
func (c *Core) ServeStream(ctx context.Context, w http.ResponseWriter, subject string, req StreamRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return ErrEmptyMessage
	}

	conv, history, isNew, err := c.resolveConversation(ctx, subject, req)
	if err != nil {
		return err
	}

	// The user turn is persisted synchronously: if it cannot be stored,
	// the caller gets an error instead of a stream it will never see in
	// the transcript again.
	userMsg := model.NewUserMessage(conv.ID, req.Message)
	if err := c.store.AppendMessage(ctx, userMsg); err != nil {
		return fmt.Errorf("failed to persist user message: %w", err)
	}

	messages := append(history, upstream.ChatMessage{Role: model.RoleUser, Content: req.Message})

	body, err := c.client.OpenStream(ctx, upstream.ChatRequest{
		Model:       conv.Model,
		Temperature: conv.Temperature,
		Messages:    messages,
	})
	if err != nil {
		return err
	}
	defer body.Close()

	_, clientBranch, accumBranch := NewTee(body)

	// Persistence is detached from the response lifecycle: it keeps
	// running after the last byte reaches the browser, on its own budget.
	convID := conv.ID
	c.runner.Go("persist_assistant", func(taskCtx context.Context) error {
		text, err := upstream.Accumulate(accumBranch)
		if err != nil {
			// Broken stream: discard the partial text rather than store
			// a transcript the user never fully received.
			log.Printf("STREAM_DISCARDED | conversation=%s partial_chars=%d error=%v", convID, len(text), err)
			return nil
		}
		if text == "" {
			return nil
		}
		if err := c.store.AppendMessage(taskCtx, model.NewAssistantMessage(convID, text)); err != nil {
			return fmt.Errorf("failed to persist assistant message: %w", err)
		}
		log.Printf("ASSISTANT_PERSISTED | conversation=%s chars=%d", convID, len(text))
		return nil
	})

	c.relay(ctx, w, body, clientBranch, conv, isNew)
	return nil
}

// resolveConversation loads an existing conversation and its transcript,
// or creates a new one from the first user message.
func (c *Core) resolveConversation(ctx context.Context, subject string, req StreamRequest) (*model.Conversation, []upstream.ChatMessage, bool, error) {
	if req.ConversationID != "" {
		conv, err := c.store.GetConversation(ctx, req.ConversationID, subject)
		if err != nil {
			return nil, nil, false, err
		}

		stored, err := c.store.ListMessages(ctx, conv.ID, subject)
		if err != nil {
			return nil, nil, false, err
		}
		history := make([]upstream.ChatMessage, 0, len(stored))
		for _, msg := range stored {
			history = append(history, upstream.ChatMessage{Role: msg.Role, Content: msg.Content})
		}
		return conv, history, false, nil
	}

	conv := &model.Conversation{
		ID:          model.NewConversationID(),
		Subject:     subject,
		Title:       model.TitleFromContent(req.Message),
		Model:       req.Model,
		Temperature: req.Temperature,
	}
	if conv.Model == "" {
		conv.Model = c.client.DefaultModel()
	}
	if err := c.store.CreateConversation(ctx, conv); err != nil {
		return nil, nil, false, err
	}
	log.Printf("CONVERSATION_CREATED | conversation=%s subject=%s", conv.ID, subject)
	return conv, nil, true, nil
}

// relay copies the client branch to the response writer, flushing after
// every chunk. Closing the upstream body on failure tears down the pump,
// which aborts the accumulator branch as well.
func (c *Core) relay(ctx context.Context, w http.ResponseWriter, body io.Closer, branch *Branch, conv *model.Conversation, isNew bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)

	// New conversations announce their id before the first token so the
	// browser can address follow-up turns.
	if isNew {
		fmt.Fprintf(w, "event: conversation_id\ndata: %s\n\n", conv.ID)
		if canFlush {
			flusher.Flush()
		}
	}

	buf := make([]byte, relayChunkSize)
	for {
		select {
		case <-ctx.Done():
			body.Close()
			log.Printf("STREAM_CANCELED | conversation=%s", conv.ID)
			return
		default:
		}

		n, err := branch.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				body.Close()
				log.Printf("STREAM_CLIENT_GONE | conversation=%s error=%v", conv.ID, werr)
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Printf("STREAM_ERROR | conversation=%s error=%v", conv.ID, err)
			}
			return
		}
	}
}
