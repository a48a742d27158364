// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// stateBlob carries the client's original authorization parameters through
// the upstream redirect. It is serialized as base64url-encoded JSON and sent
// to the upstream IDP as the state parameter, so the callback can correlate
// the upstream response with the pending authorization without a cookie.
type stateBlob struct {
	// RedirectURI is the client's original redirect_uri.
	RedirectURI string `json:"redirect_uri"`

	// State is the client's original state parameter, if any.
	State string `json:"state,omitempty"`

	// ClientID is the client that initiated the authorization.
	ClientID string `json:"client_id"`

	// Code is the local authorization code minted for this flow. It keys
	// the pending authorization store.
	Code string `json:"code"`
}

// encodeState serializes a state blob for the upstream authorization request.
func encodeState(blob *stateBlob) (string, error) {
	data, err := json.Marshal(blob)
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// decodeState parses a state parameter returned by the upstream IDP.
func decodeState(encoded string) (*stateBlob, error) {
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("state is not valid base64url: %w", err)
	}

	blob := &stateBlob{}
	if err := json.Unmarshal(data, blob); err != nil {
		return nil, fmt.Errorf("state is not valid JSON: %w", err)
	}

	if blob.Code == "" || blob.RedirectURI == "" || blob.ClientID == "" {
		return nil, errors.New("state is missing required fields")
	}

	return blob, nil
}
