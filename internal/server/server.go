// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the HTTP API for the chat relay.
//
// Endpoints:
//   - POST   /api/stream              - Stream a chat turn (SSE relay)
//   - GET    /api/chats               - List the caller's conversations
//   - GET    /api/chats/{id}/messages - Load a conversation transcript
//   - PUT    /api/chats/{id}          - Update conversation flags (pinned)
//   - DELETE /api/chats/{id}          - Delete a conversation
//   - GET    /api/identity-key        - Identity provider bootstrap (public)
//   - GET    /health                  - Health check (public)
//
// All /api routes except identity-key require bearer authentication; the
// verified subject scopes every storage operation.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/jeranaias/chatrelay/internal/identity"
	"github.com/jeranaias/chatrelay/internal/relay"
	"github.com/jeranaias/chatrelay/internal/storage"
	"github.com/jeranaias/chatrelay/internal/upstream"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultPort is the default port for the HTTP server.
	DefaultPort = 8787

	// MaxRequestBodySize caps request bodies to prevent abuse (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// MaxMessageLength is the maximum length of a single chat message.
	MaxMessageLength = 100000

	// MinTemperature and MaxTemperature bound the temperature parameter.
	MinTemperature = 0.0
	MaxTemperature = 2.0

	// Version is the server version.
	Version = "0.1.0"
)

// ============================================================================
// SERVER
// ============================================================================

// Server is the HTTP API server.
type Server struct {
	port   int
	router *http.ServeMux
	server *http.Server

	core     *relay.Core
	store    *storage.Store
	verifier identity.Verifier

	// publishableKey is served to browsers for identity bootstrap.
	publishableKey string

	cors *CORSConfig
}

// NewServer creates a new Server. If port is 0, DefaultPort is used.
func NewServer(port int, core *relay.Core, store *storage.Store, verifier identity.Verifier) *Server {
	if port == 0 {
		port = DefaultPort
	}

	s := &Server{
		port:     port,
		router:   http.NewServeMux(),
		core:     core,
		store:    store,
		verifier: verifier,
		cors:     DefaultCORSConfig(),
	}

	s.setupRoutes()
	return s
}

// WithPublishableKey sets the identity provider key served to browsers.
func (s *Server) WithPublishableKey(key string) *Server {
	s.publishableKey = key
	return s
}

// WithCORS sets a custom CORS configuration.
func (s *Server) WithCORS(config *CORSConfig) *Server {
	s.cors = config
	return s
}

// Port returns the server port.
func (s *Server) Port() int {
	return s.port
}

// Handler returns the fully assembled handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(log.Default()),
		CORSMiddleware(s.cors),
	)(s.router)
}

// ============================================================================
// ROUTES
// ============================================================================

// setupRoutes configures all HTTP routes. Protected routes are wrapped
// individually so the public bootstrap and health routes stay open.
func (s *Server) setupRoutes() {
	auth := AuthMiddleware(s.verifier)

	s.router.Handle("POST /api/stream", auth(http.HandlerFunc(s.handleStream)))
	s.router.Handle("GET /api/chats", auth(http.HandlerFunc(s.handleListChats)))
	s.router.Handle("GET /api/chats/{id}/messages", auth(http.HandlerFunc(s.handleListMessages)))
	s.router.Handle("PUT /api/chats/{id}", auth(http.HandlerFunc(s.handleUpdateChat)))
	s.router.Handle("DELETE /api/chats/{id}", auth(http.HandlerFunc(s.handleDeleteChat)))

	s.router.HandleFunc("GET /api/identity-key", s.handleIdentityKey)
	s.router.HandleFunc("GET /health", s.handleHealth)
}

// ============================================================================
// STREAM HANDLER
// ============================================================================

// handleStream handles POST /api/stream.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)

	var req relay.StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("BAD_REQUEST | path=%s error=%v", r.URL.Path, err)
		writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}

	if len(req.Message) > MaxMessageLength {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Message exceeds maximum length of %d", MaxMessageLength))
		return
	}
	if req.Temperature < MinTemperature || req.Temperature > MaxTemperature {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("temperature must be between %.1f and %.1f", MinTemperature, MaxTemperature))
		return
	}

	subject := SubjectFromContext(r.Context())
	if err := s.core.ServeStream(r.Context(), w, subject, req); err != nil {
		s.writeStreamError(w, err)
	}
}

// writeStreamError maps pre-stream relay failures to status codes.
// Nothing has been written yet when these occur.
func (s *Server) writeStreamError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, relay.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "Message must not be empty")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "Conversation not found")
	case errors.Is(err, upstream.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "Upstream not configured")
	case errors.Is(err, upstream.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "Upstream rate limited")
	case errors.Is(err, upstream.ErrAuthFailed), errors.Is(err, upstream.ErrModelNotFound):
		log.Printf("UPSTREAM_ERROR | error=%v", err)
		writeError(w, http.StatusBadGateway, "Upstream request failed")
	default:
		log.Printf("STREAM_SETUP_ERROR | error=%v", err)
		writeError(w, http.StatusInternalServerError, "Request processing failed. Please try again.")
	}
}

// ============================================================================
// CONVERSATION HANDLERS
// ============================================================================

// handleListChats handles GET /api/chats.
func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())

	convs, err := s.store.ListConversations(r.Context(), subject)
	if err != nil {
		log.Printf("LIST_CHATS_ERROR | subject=%s error=%v", subject, err)
		writeError(w, http.StatusInternalServerError, "Failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"chats": convs})
}

// handleListMessages handles GET /api/chats/{id}/messages.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	id := r.PathValue("id")

	msgs, err := s.store.ListMessages(r.Context(), id, subject)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		log.Printf("LIST_MESSAGES_ERROR | conversation=%s error=%v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to load transcript")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// updateChatRequest is the body of PUT /api/chats/{id}. Pinned is a
// pointer so "absent" and "false" are distinguishable.
type updateChatRequest struct {
	Pinned *bool `json:"pinned"`
}

// handleUpdateChat handles PUT /api/chats/{id}.
func (s *Server) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	id := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	var req updateChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if req.Pinned == nil {
		writeError(w, http.StatusBadRequest, "No updatable fields in request")
		return
	}

	if err := s.store.SetPinned(r.Context(), id, subject, *req.Pinned); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		log.Printf("UPDATE_CHAT_ERROR | conversation=%s error=%v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to update conversation")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "pinned": *req.Pinned})
}

// handleDeleteChat handles DELETE /api/chats/{id}.
func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	subject := SubjectFromContext(r.Context())
	id := r.PathValue("id")

	if err := s.store.DeleteConversation(r.Context(), id, subject); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Conversation not found")
			return
		}
		log.Printf("DELETE_CHAT_ERROR | conversation=%s error=%v", id, err)
		writeError(w, http.StatusInternalServerError, "Failed to delete conversation")
		return
	}

	log.Printf("CONVERSATION_DELETED | conversation=%s subject=%s", id, subject)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// ============================================================================
// PUBLIC HANDLERS
// ============================================================================

// handleIdentityKey handles GET /api/identity-key. The browser calls this
// before sign-in, so the route is unauthenticated.
func (s *Server) handleIdentityKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"publishable_key": s.publishableKey})
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: Version})
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: completion streams legitimately run for
		// minutes and are bounded by the client context instead.
		IdleTimeout: 120 * time.Second,
	}

	log.Printf("SERVER_START | addr=%s version=%s", addr, Version)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	log.Printf("SERVER_SHUTDOWN | starting graceful shutdown")
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	})
}
