// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package identity

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// PROVIDER VERIFIER
// =============================================================================

const (
	// defaultProviderTimeout bounds a single verification round trip.
	defaultProviderTimeout = 10 * time.Second

	// maxProviderResponse caps the verification response body.
	maxProviderResponse = 64 * 1024

	// cacheTTL is how long a verified token stays valid without re-asking
	// the provider. Short enough that revocation takes effect quickly.
	cacheTTL = 60 * time.Second
)

// Shared HTTP client with connection pooling for provider calls.
var providerHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
	Timeout: defaultProviderTimeout,
}

// ProviderVerifier verifies tokens against a hosted identity provider.
//
// The provider exposes a verification endpoint that accepts the session
// token and answers with the subject it belongs to. The publishable key is
// not used for verification; it is served to browser clients so they can
// initialize the provider's frontend SDK.
type ProviderVerifier struct {
	verifyURL      string
	secretKey      string
	publishableKey string

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	subject string
	expires time.Time
}

// verifyResponse is the provider's answer to a verification request.
type verifyResponse struct {
	Subject string `json:"sub"`
	Status  string `json:"status,omitempty"`
}

// NewProviderVerifier creates a verifier against the given provider
// verification endpoint.
func NewProviderVerifier(verifyURL, secretKey, publishableKey string) *ProviderVerifier {
	return &ProviderVerifier{
		verifyURL:      strings.TrimSuffix(verifyURL, "/"),
		secretKey:      strings.TrimSpace(secretKey),
		publishableKey: strings.TrimSpace(publishableKey),
		cache:          make(map[string]cacheEntry),
	}
}

// PublishableKey returns the provider key browser clients use to
// initialize their session. Safe to expose publicly.
func (v *ProviderVerifier) PublishableKey() string {
	return v.publishableKey
}

// Verify asks the provider whether token is a valid session token and
// returns the owning subject. Successful verifications are cached briefly.
func (v *ProviderVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}

	if subject, ok := v.cached(token); ok {
		return subject, nil
	}

	bodyBytes, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return "", fmt.Errorf("failed to marshal verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+v.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := providerHTTPClient.Do(req)
	if err != nil {
		log.Printf("IDENTITY_PROVIDER_ERROR | error=%v", err)
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponse))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// Fall through to parse
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusNotFound:
		return "", ErrUnauthorized
	case resp.StatusCode >= 500:
		log.Printf("IDENTITY_PROVIDER_ERROR | status=%d", resp.StatusCode)
		return "", fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	default:
		return "", ErrUnauthorized
	}

	var verified verifyResponse
	if err := json.Unmarshal(body, &verified); err != nil {
		return "", fmt.Errorf("%w: malformed response", ErrProviderUnavailable)
	}
	if verified.Subject == "" {
		return "", ErrUnauthorized
	}
	if verified.Status != "" && verified.Status != "active" {
		return "", ErrUnauthorized
	}

	v.store(token, verified.Subject)
	return verified.Subject, nil
}

func (v *ProviderVerifier) cached(token string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	entry, ok := v.cache[token]
	if !ok || time.Now().After(entry.expires) {
		delete(v.cache, token)
		return "", false
	}
	return entry.subject, true
}

func (v *ProviderVerifier) store(token, subject string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	// Opportunistic sweep keeps the cache from growing without bound.
	now := time.Now()
	for key, entry := range v.cache {
		if now.After(entry.expires) {
			delete(v.cache, key)
		}
	}
	v.cache[token] = cacheEntry{subject: subject, expires: now.Add(cacheTTL)}
}
