// Copyright 2025 Stacklok, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stacklok/relaygate/pkg/logger"
	"github.com/stacklok/relaygate/pkg/upstream"
)

// defaultExpiresIn is reported to clients when the upstream provider does
// not include an expires_in in its token response.
const defaultExpiresIn = 3600

// TokenHandler handles POST /oauth/token requests.
// For the authorization_code grant it verifies PKCE against the pending
// authorization, exchanges the attached upstream code with the IDP, and
// returns the upstream tokens to the client unchanged. For the
// refresh_token grant the request is forwarded to the upstream provider.
func (rt *Router) TokenHandler(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, errInvalidRequest, "malformed request body")
		return
	}

	switch grantType := req.PostForm.Get("grant_type"); grantType {
	case "authorization_code":
		rt.handleAuthorizationCodeGrant(w, req)
	case "refresh_token":
		rt.handleRefreshTokenGrant(w, req)
	default:
		writeTokenError(w, http.StatusBadRequest, errUnsupportedGrantType,
			"grant_type must be authorization_code or refresh_token")
	}
}

func (rt *Router) handleAuthorizationCodeGrant(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	code := req.PostForm.Get("code")
	clientID := req.PostForm.Get("client_id")
	redirectURI := req.PostForm.Get("redirect_uri")
	codeVerifier := req.PostForm.Get("code_verifier")

	if code == "" {
		writeTokenError(w, http.StatusBadRequest, errInvalidRequest, "code is required")
		return
	}

	if clientID == "" {
		writeTokenError(w, http.StatusBadRequest, errInvalidRequest, "client_id is required")
		return
	}

	if _, err := rt.clients.Get(clientID); err != nil {
		logger.Warnw("token request from unknown client",
			"client_id", clientID,
		)
		writeTokenError(w, http.StatusUnauthorized, errInvalidClient, "client not found")
		return
	}

	// Single use: the pending record is gone after this, whatever happens.
	pending, err := rt.pending.Consume(code)
	if err != nil {
		logger.Warnw("authorization code not found",
			"client_id", clientID,
		)
		writeTokenError(w, http.StatusBadRequest, errInvalidGrant, "authorization code is invalid or expired")
		return
	}

	if pending.ClientID != clientID {
		logger.Warnw("authorization code was issued to a different client",
			"client_id", clientID,
			"code_client_id", pending.ClientID,
		)
		writeTokenError(w, http.StatusBadRequest, errInvalidGrant, "authorization code was issued to a different client")
		return
	}

	// redirect_uri is checked only when the client repeats it; RFC 6749
	// requires it solely for requests that included it at authorize time,
	// and PKCE already binds the flow.
	if redirectURI != "" && redirectURI != pending.RedirectURI {
		writeTokenError(w, http.StatusBadRequest, errInvalidGrant, "redirect_uri does not match authorization request")
		return
	}

	// PKCE applies only when the authorization registered a challenge. A
	// verifier supplied without one is ignored.
	if pending.CodeChallenge != "" {
		if codeVerifier == "" {
			writeTokenError(w, http.StatusBadRequest, errInvalidRequest, "code_verifier is required")
			return
		}

		if !verifyCodeChallenge(pending.CodeChallenge, pending.CodeChallengeMethod, codeVerifier) {
			logger.Warnw("PKCE verification failed",
				"client_id", clientID,
				"method", pending.CodeChallengeMethod,
			)
			writeTokenError(w, http.StatusBadRequest, errInvalidGrant, "code verifier does not match challenge")
			return
		}
	}

	if pending.UpstreamCode == "" {
		writeTokenError(w, http.StatusBadRequest, errInvalidGrant, "authorization has not been completed upstream")
		return
	}

	tokens, err := rt.upstream.ExchangeCode(ctx, pending.UpstreamCode)
	if err != nil {
		rt.writeUpstreamError(w, err, "failed to exchange authorization code")
		return
	}

	logger.Infow("token exchange successful",
		"client_id", clientID,
		"has_refresh_token", tokens.RefreshToken != "",
	)

	writeTokenResponse(w, tokens)
}

func (rt *Router) handleRefreshTokenGrant(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	refreshToken := req.PostForm.Get("refresh_token")
	if refreshToken == "" {
		writeTokenError(w, http.StatusBadRequest, errInvalidRequest, "refresh_token is required")
		return
	}

	tokens, err := rt.upstream.RefreshTokens(ctx, refreshToken)
	if err != nil {
		rt.writeUpstreamError(w, err, "failed to refresh tokens")
		return
	}

	writeTokenResponse(w, tokens)
}

// writeUpstreamError maps an upstream token endpoint failure to a client
// response. Upstream OAuth errors are forwarded with their error code;
// anything else becomes a server_error. The exchange is never retried: the
// upstream code is single use and a replayed request would fail anyway.
func (*Router) writeUpstreamError(w http.ResponseWriter, err error, description string) {
	logger.Errorw("upstream token request failed",
		"error", err.Error(),
	)

	var tokenErr *upstream.TokenError
	if errors.As(err, &tokenErr) {
		status := http.StatusBadRequest
		if tokenErr.StatusCode >= 500 {
			status = http.StatusBadGateway
		}
		writeTokenError(w, status, tokenErr.Code, tokenErr.Description)
		return
	}

	writeTokenError(w, http.StatusBadGateway, errServerError, description)
}

// writeTokenResponse writes the upstream token response to the client in
// wire format. When the provider omitted expires_in, a default lifetime is
// reported so clients always have a refresh horizon.
func writeTokenResponse(w http.ResponseWriter, tokens *upstream.Tokens) {
	if tokens.ExpiresIn == 0 {
		tokens.ExpiresIn = defaultExpiresIn
	}
	if tokens.TokenType == "" {
		tokens.TokenType = "Bearer"
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if err := json.NewEncoder(w).Encode(tokens); err != nil {
		logger.Errorw("failed to encode token response",
			"error", err.Error(),
		)
	}
}
