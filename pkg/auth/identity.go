// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth provides bearer token validation for the relay's protected
// endpoints. Tokens are validated against the upstream provider's userinfo
// endpoint, with results cached to keep hot request paths off the network.
package auth

// Identity is an authenticated caller.
type Identity struct {
	// Subject is the unique identifier for the user (sub claim).
	Subject string

	// Name is the user's full name, if known.
	Name string

	// Email is the user's email address, if known.
	Email string

	// Token is the bearer token the identity was resolved from.
	Token string

	// Claims contains all claims returned by the upstream userinfo endpoint.
	Claims map[string]any
}
