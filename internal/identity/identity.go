// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package identity verifies bearer tokens and resolves them to a stable
// subject identifier.
//
// Every protected request carries "Authorization: Bearer <token>". The
// verifier turns that token into the subject that owns the caller's
// conversations; no other claim from the token is used. Two
// implementations exist: a provider-backed verifier that asks the hosted
// identity service, and a static token map for local and test use.
package identity

import (
	"context"
	"errors"
	"strings"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnauthorized indicates the token is missing, malformed, expired,
	// or otherwise not acceptable. Callers translate it to 401.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrProviderUnavailable indicates the identity provider could not be
	// reached. Distinct from ErrUnauthorized so callers can answer 503
	// instead of blaming the caller's credentials.
	ErrProviderUnavailable = errors.New("identity provider unavailable")
)

// =============================================================================
// VERIFIER
// =============================================================================

// Verifier resolves a bearer token to a subject identifier.
type Verifier interface {
	// Verify validates token and returns the subject it belongs to.
	// Returns ErrUnauthorized for any token that does not verify.
	Verify(ctx context.Context, token string) (subject string, err error)
}

// TokenFromHeader extracts the bearer token from an Authorization header
// value. Returns "" when the header is absent or not a Bearer scheme.
func TokenFromHeader(header string) string {
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
