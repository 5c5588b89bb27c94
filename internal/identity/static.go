// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package identity

import (
	"context"
	"crypto/subtle"
)

// =============================================================================
// STATIC VERIFIER
// =============================================================================

// StaticVerifier validates tokens against a fixed token-to-subject map.
// Intended for local development and tests where no identity provider is
// running.
type StaticVerifier struct {
	// tokens maps bearer token to subject. Immutable after construction.
	tokens map[string]string
}

// NewStaticVerifier creates a verifier from a token-to-subject map.
// An empty or nil map rejects everything.
func NewStaticVerifier(tokens map[string]string) *StaticVerifier {
	copied := make(map[string]string, len(tokens))
	for token, subject := range tokens {
		if token == "" || subject == "" {
			continue
		}
		copied[token] = subject
	}
	return &StaticVerifier{tokens: copied}
}

// Verify checks token against the configured map using constant-time
// comparison to prevent timing attacks.
func (v *StaticVerifier) Verify(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}

	// Compare against every entry so verification time does not depend on
	// which token matched.
	var subject string
	matched := 0
	for known, sub := range v.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(known)) == 1 {
			subject = sub
			matched = 1
		}
	}
	if matched != 1 {
		return "", ErrUnauthorized
	}
	return subject, nil
}
