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
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/relaygate/pkg/logger"
)

// AuthorizeHandler handles GET /oauth/authorize requests.
// It validates the client's authorization request, mints a local
// authorization code, and redirects the user to the upstream IDP with the
// client's original parameters folded into the state blob.
func (rt *Router) AuthorizeHandler(w http.ResponseWriter, req *http.Request) {
	clientID := req.URL.Query().Get("client_id")
	redirectURI := req.URL.Query().Get("redirect_uri")
	state := req.URL.Query().Get("state")
	codeChallenge := req.URL.Query().Get("code_challenge")
	codeChallengeMethod := req.URL.Query().Get("code_challenge_method")
	scope := req.URL.Query().Get("scope")
	responseType := req.URL.Query().Get("response_type")

	if clientID == "" {
		writeAuthorizeError(w, errInvalidRequest, "client_id is required")
		return
	}

	if redirectURI == "" {
		writeAuthorizeError(w, errInvalidRequest, "redirect_uri is required")
		return
	}

	client, err := rt.clients.Get(clientID)
	if err != nil {
		logger.Warnw("client not found",
			"client_id", clientID,
			"error", err.Error(),
		)
		writeAuthorizeError(w, errInvalidClient, "client not found")
		return
	}

	if !client.MatchRedirectURI(redirectURI) {
		logger.Warnw("invalid redirect_uri",
			"client_id", clientID,
			"redirect_uri", redirectURI,
		)
		writeAuthorizeError(w, errInvalidRequest, "redirect_uri does not match registered URIs")
		return
	}

	// From here on, errors can be redirected to the client's redirect_uri.
	if responseType != "code" {
		redirectWithError(w, redirectURI, state, "unsupported_response_type", "only response_type=code is supported")
		return
	}

	// PKCE is optional: a client that registers no challenge here is not
	// asked for a verifier at redemption time.
	var method string
	if codeChallenge != "" {
		method, err = normalizeChallengeMethod(codeChallengeMethod)
		if err != nil {
			redirectWithError(w, redirectURI, state, errInvalidRequest, err.Error())
			return
		}
	}

	if state == "" {
		logger.Warnw("authorization request missing state parameter",
			"client_id", clientID,
		)
	}

	var scopes []string
	if scope != "" {
		scopes = strings.Split(scope, " ")
	}

	code, err := generateRandomCode()
	if err != nil {
		logger.Errorw("failed to generate authorization code",
			"error", err.Error(),
		)
		redirectWithError(w, redirectURI, state, errServerError, "failed to generate authorization code")
		return
	}

	pending := &PendingAuthorization{
		Code:                code,
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		State:               state,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: method,
		Scopes:              scopes,
		CreatedAt:           time.Now(),
	}

	if err := rt.pending.Create(pending); err != nil {
		logger.Errorw("failed to store pending authorization",
			"error", err.Error(),
		)
		redirectWithError(w, redirectURI, state, errServerError, "failed to store authorization request")
		return
	}

	encodedState, err := encodeState(&stateBlob{
		RedirectURI: redirectURI,
		State:       state,
		ClientID:    clientID,
		Code:        code,
	})
	if err != nil {
		logger.Errorw("failed to encode state",
			"error", err.Error(),
		)
		_, _ = rt.pending.Consume(code)
		redirectWithError(w, redirectURI, state, errServerError, "failed to encode state")
		return
	}

	upstreamURL, err := rt.upstream.AuthorizationURL(encodedState, nil)
	if err != nil {
		logger.Errorw("failed to build upstream authorization URL",
			"error", err.Error(),
		)
		_, _ = rt.pending.Consume(code)
		redirectWithError(w, redirectURI, state, errServerError, "failed to build authorization URL")
		return
	}

	logger.Infow("redirecting to upstream IDP",
		"client_id", clientID,
		"upstream_provider", rt.upstream.Type(),
	)

	http.Redirect(w, req, upstreamURL, http.StatusFound)
}

// CallbackHandler handles GET /oauth/callback requests from the upstream
// IDP. It attaches the upstream authorization code to the pending
// authorization and redirects the user back to the client with the local
// code. The upstream code is not exchanged here; that happens when the
// client redeems the local code at the token endpoint.
func (rt *Router) CallbackHandler(w http.ResponseWriter, req *http.Request) {
	code := req.URL.Query().Get("code")
	encodedState := req.URL.Query().Get("state")
	errorParam := req.URL.Query().Get("error")
	errorDescription := req.URL.Query().Get("error_description")

	if errorParam != "" {
		logger.Warnw("upstream IDP returned error",
			"error", errorParam,
			"error_description", errorDescription,
		)

		// Relay the error to the client when the state still decodes.
		if blob, err := decodeState(encodedState); err == nil {
			_, _ = rt.pending.Consume(blob.Code)
			redirectWithError(w, blob.RedirectURI, blob.State, errorParam, errorDescription)
			return
		}

		http.Error(w, "upstream authentication failed: "+errorParam, http.StatusBadRequest)
		return
	}

	if encodedState == "" {
		logger.Warn("callback missing state parameter")
		http.Error(w, "missing state parameter", http.StatusBadRequest)
		return
	}

	if code == "" {
		logger.Warn("callback missing code parameter")
		http.Error(w, "missing code parameter", http.StatusBadRequest)
		return
	}

	blob, err := decodeState(encodedState)
	if err != nil {
		logger.Warnw("callback state is invalid",
			"error", err.Error(),
		)
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}

	pending, err := rt.pending.AttachUpstreamCode(blob.Code, code)
	if err != nil {
		// Upstream redirect for an abandoned or expired flow. Send the
		// client back with the local code anyway; redemption will fail
		// because the pending record no longer exists.
		logger.Warnw("pending authorization not found",
			"error", err.Error(),
		)
		http.Redirect(w, req, buildCallbackURL(blob.RedirectURI, blob.Code, blob.State), http.StatusFound)
		return
	}

	// The blob travels through the upstream IDP, so cross-check it against
	// the record the relay kept.
	if pending.ClientID != blob.ClientID || pending.RedirectURI != blob.RedirectURI {
		logger.Warnw("callback state does not match pending authorization",
			"client_id", blob.ClientID,
		)
		http.Error(w, "state does not match authorization request", http.StatusBadRequest)
		return
	}

	logger.Infow("upstream authorization complete, redirecting to client",
		"client_id", pending.ClientID,
	)

	http.Redirect(w, req, buildCallbackURL(pending.RedirectURI, pending.Code, pending.State), http.StatusFound)
}

// writeAuthorizeError writes an OAuth error object when we cannot redirect
// to the client.
func writeAuthorizeError(w http.ResponseWriter, errorCode, description string) {
	writeTokenError(w, http.StatusBadRequest, errorCode, description)
}

// redirectWithError redirects to the client with an OAuth error response.
func redirectWithError(w http.ResponseWriter, redirectURI, state, errorCode, description string) {
	if redirectURI == "" {
		http.Error(w, description, http.StatusBadRequest)
		return
	}

	u, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "invalid redirect URI", http.StatusBadRequest)
		return
	}

	q := u.Query()
	q.Set("error", errorCode)
	if description != "" {
		q.Set("error_description", description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	w.Header().Set("Location", u.String())
	w.WriteHeader(http.StatusFound)
}

// buildCallbackURL builds the client callback URL with code and state.
func buildCallbackURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}

	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()

	return u.String()
}
