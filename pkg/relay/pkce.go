// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/oauth2"
)

// PKCE challenge methods per RFC 7636 Section 4.2.
const (
	// CodeChallengeMethodS256 hashes the verifier with SHA-256.
	CodeChallengeMethodS256 = "S256"
	// CodeChallengeMethodPlain uses the verifier as the challenge directly.
	CodeChallengeMethodPlain = "plain"
)

// GeneratePKCEVerifier generates a cryptographically random code_verifier
// per RFC 7636 Section 4.1. It delegates to oauth2.GenerateVerifier and
// panics on crypto/rand read failure.
func GeneratePKCEVerifier() string {
	return oauth2.GenerateVerifier()
}

// ComputeS256Challenge computes the S256 code_challenge for a verifier:
// BASE64URL(SHA256(code_verifier)).
func ComputeS256Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// normalizeChallengeMethod validates a code_challenge_method parameter.
// An absent method defaults to "plain" per RFC 7636 Section 4.3.
func normalizeChallengeMethod(method string) (string, error) {
	switch method {
	case "":
		return CodeChallengeMethodPlain, nil
	case CodeChallengeMethodS256, CodeChallengeMethodPlain:
		return method, nil
	default:
		return "", fmt.Errorf("unsupported code_challenge_method %q", method)
	}
}

// verifyCodeChallenge checks a code_verifier against the challenge recorded
// at authorization time. The comparison is constant-time so the verifier
// cannot be probed byte by byte.
func verifyCodeChallenge(challenge, method, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}

	var derived string
	switch method {
	case CodeChallengeMethodS256:
		derived = ComputeS256Challenge(verifier)
	case CodeChallengeMethodPlain:
		derived = verifier
	default:
		return false
	}

	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}
