// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/chatrelay/internal/background"
	"github.com/jeranaias/chatrelay/internal/model"
	"github.com/jeranaias/chatrelay/internal/storage"
	"github.com/jeranaias/chatrelay/internal/upstream"
)

func testCore(t *testing.T, handler http.HandlerFunc) (*Core, *storage.Store, *background.Runner) {
	t.Helper()

	store, err := storage.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := upstream.NewClient("sk-test").WithBaseURL(srv.URL)
	runner := background.NewRunner(2 * time.Second)
	return NewCore(store, client, runner), store, runner
}

func drain(t *testing.T, runner *background.Runner) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := runner.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
}

func sseHandler(blocks ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, b := range blocks {
			w.Write([]byte("data: " + b + "\n\n"))
		}
	}
}

func delta(content string) string {
	return `{"choices":[{"delta":{"content":"` + content + `"}}]}`
}

func TestServeStream_NewConversation(t *testing.T) {
	core, store, runner := testCore(t, sseHandler(delta("Hello"), delta(" there"), "[DONE]"))

	rec := httptest.NewRecorder()
	err := core.ServeStream(context.Background(), rec, "user_a", StreamRequest{
		Message: "Say hello",
	})
	if err != nil {
		t.Fatalf("ServeStream failed: %v", err)
	}
	drain(t, runner)

	resp := rec.Body.String()
	if !strings.Contains(resp, "event: conversation_id\n") {
		t.Error("new conversation should announce its id as the first frame")
	}
	// The upstream bytes pass through unmodified.
	if !strings.Contains(resp, delta("Hello")) || !strings.Contains(resp, "data: [DONE]") {
		t.Errorf("response should relay raw upstream frames, got:\n%s", resp)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	convs, err := store.ListConversations(context.Background(), "user_a")
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	if convs[0].Title != "Say hello" {
		t.Errorf("title = %q, want %q", convs[0].Title, "Say hello")
	}

	msgs, err := store.ListMessages(context.Background(), convs[0].ID, "user_a")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want user + assistant", len(msgs))
	}
	if msgs[0].Role != model.RoleUser || msgs[0].Content != "Say hello" {
		t.Errorf("first turn = (%s, %q), want user turn", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != model.RoleAssistant || msgs[1].Content != "Hello there" {
		t.Errorf("second turn = (%s, %q), want accumulated assistant text", msgs[1].Role, msgs[1].Content)
	}
}

func TestServeStream_ExistingConversationSendsHistory(t *testing.T) {
	var received []upstream.ChatMessage
	handler := func(w http.ResponseWriter, r *http.Request) {
		var req upstream.ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		received = req.Messages
		sseHandler(delta("four"), "[DONE]")(w, r)
	}
	core, store, runner := testCore(t, handler)
	ctx := context.Background()

	conv := &model.Conversation{ID: model.NewConversationID(), Subject: "user_a", Title: "counting", Model: "deepseek-chat"}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	store.AppendMessage(ctx, &model.Message{ID: model.NewMessageID(), ConversationID: conv.ID, Role: model.RoleUser, Content: "one two", CreatedAt: time.Now()})
	store.AppendMessage(ctx, &model.Message{ID: model.NewMessageID(), ConversationID: conv.ID, Role: model.RoleAssistant, Content: "three", CreatedAt: time.Now().Add(time.Millisecond)})

	rec := httptest.NewRecorder()
	err := core.ServeStream(ctx, rec, "user_a", StreamRequest{
		ConversationID: conv.ID,
		Message:        "next?",
	})
	if err != nil {
		t.Fatalf("ServeStream failed: %v", err)
	}
	drain(t, runner)

	// Full transcript plus the new turn goes upstream.
	if len(received) != 3 {
		t.Fatalf("upstream received %d messages, want 3", len(received))
	}
	if received[0].Content != "one two" || received[1].Content != "three" || received[2].Content != "next?" {
		t.Errorf("upstream transcript wrong: %+v", received)
	}

	// No conversation_id frame for existing conversations.
	if strings.Contains(rec.Body.String(), "event: conversation_id") {
		t.Error("existing conversation should not announce an id")
	}

	msgs, _ := store.ListMessages(ctx, conv.ID, "user_a")
	if len(msgs) != 4 {
		t.Errorf("transcript has %d turns, want 4", len(msgs))
	}
}

func TestServeStream_EmptyMessage(t *testing.T) {
	core, _, _ := testCore(t, sseHandler("[DONE]"))

	rec := httptest.NewRecorder()
	err := core.ServeStream(context.Background(), rec, "user_a", StreamRequest{Message: "   \n"})
	if !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("error = %v, want ErrEmptyMessage", err)
	}
}

func TestServeStream_ForeignConversation(t *testing.T) {
	core, store, _ := testCore(t, sseHandler("[DONE]"))
	ctx := context.Background()

	conv := &model.Conversation{ID: model.NewConversationID(), Subject: "user_a", Title: "private"}
	store.CreateConversation(ctx, conv)

	rec := httptest.NewRecorder()
	err := core.ServeStream(ctx, rec, "user_b", StreamRequest{
		ConversationID: conv.ID,
		Message:        "let me in",
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("error = %v, want storage.ErrNotFound", err)
	}
}

func TestServeStream_BrokenStreamDiscardsPartial(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: " + delta("partial text") + "\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		// Abort the connection without finishing the stream.
		panic(http.ErrAbortHandler)
	}
	core, store, runner := testCore(t, handler)

	rec := httptest.NewRecorder()
	err := core.ServeStream(context.Background(), rec, "user_a", StreamRequest{Message: "hello"})
	if err != nil {
		t.Fatalf("ServeStream failed: %v", err)
	}
	drain(t, runner)

	convs, _ := store.ListConversations(context.Background(), "user_a")
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	msgs, _ := store.ListMessages(context.Background(), convs[0].ID, "user_a")
	if len(msgs) != 1 || msgs[0].Role != model.RoleUser {
		t.Errorf("broken stream should persist only the user turn, got %d messages", len(msgs))
	}
}

func TestServeStream_MalformedBlocksRelayedButNotAccumulated(t *testing.T) {
	core, store, runner := testCore(t, sseHandler(delta("good"), `{broken json`, delta(" text"), "[DONE]"))

	rec := httptest.NewRecorder()
	err := core.ServeStream(context.Background(), rec, "user_a", StreamRequest{Message: "go"})
	if err != nil {
		t.Fatalf("ServeStream failed: %v", err)
	}
	drain(t, runner)

	// Raw pass-through still carries the malformed block.
	if !strings.Contains(rec.Body.String(), "{broken json") {
		t.Error("malformed block should be relayed verbatim to the client")
	}

	convs, _ := store.ListConversations(context.Background(), "user_a")
	msgs, _ := store.ListMessages(context.Background(), convs[0].ID, "user_a")
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[1].Content != "good text" {
		t.Errorf("assistant text = %q, want %q", msgs[1].Content, "good text")
	}
}

func TestServeStream_EmptyAccumulationNotPersisted(t *testing.T) {
	core, store, runner := testCore(t, sseHandler("[DONE]"))

	rec := httptest.NewRecorder()
	err := core.ServeStream(context.Background(), rec, "user_a", StreamRequest{Message: "silent"})
	if err != nil {
		t.Fatalf("ServeStream failed: %v", err)
	}
	drain(t, runner)

	convs, _ := store.ListConversations(context.Background(), "user_a")
	msgs, _ := store.ListMessages(context.Background(), convs[0].ID, "user_a")
	if len(msgs) != 1 {
		t.Errorf("empty assistant reply should not be persisted, got %d messages", len(msgs))
	}
}

func TestServeStream_ModelDefaults(t *testing.T) {
	var gotModel string
	var gotTemp float64
	handler := func(w http.ResponseWriter, r *http.Request) {
		var req upstream.ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		gotTemp = req.Temperature
		sseHandler("[DONE]")(w, r)
	}
	core, store, runner := testCore(t, handler)

	rec := httptest.NewRecorder()
	err := core.ServeStream(context.Background(), rec, "user_a", StreamRequest{
		Message:     "defaults please",
		Temperature: 0.3,
	})
	if err != nil {
		t.Fatalf("ServeStream failed: %v", err)
	}
	drain(t, runner)

	if gotModel != upstream.DefaultModel {
		t.Errorf("model = %q, want server default %q", gotModel, upstream.DefaultModel)
	}
	if gotTemp != 0.3 {
		t.Errorf("temperature = %v, want caller value 0.3", gotTemp)
	}

	// The chosen model is recorded on the conversation.
	convs, _ := store.ListConversations(context.Background(), "user_a")
	if convs[0].Model != upstream.DefaultModel {
		t.Errorf("stored model = %q, want %q", convs[0].Model, upstream.DefaultModel)
	}
}
