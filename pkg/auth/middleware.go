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

package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/stacklok/relaygate/pkg/logger"
)

// ErrNoToken is returned when a request carries no bearer token.
var ErrNoToken = errors.New("no bearer token provided")

// ExtractBearerToken pulls the bearer token from a request's Authorization
// header.
func ExtractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrNoToken
	}

	scheme, token, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", ErrNoToken
	}

	return token, nil
}

// Middleware gates requests on a valid bearer token. Unauthenticated
// requests get a 401 with an RFC 6750 / RFC 9728 WWW-Authenticate challenge;
// authenticated requests proceed with the resolved Identity in the context.
func (v *TokenValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := ExtractBearerToken(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", v.buildWWWAuthenticate(false, ""))
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		identity, err := v.ValidateToken(r.Context(), token)
		if err != nil {
			logger.Debugw("rejecting request with invalid token",
				"path", r.URL.Path,
				"error", err.Error(),
			)
			w.Header().Set("WWW-Authenticate", v.buildWWWAuthenticate(true, "token validation failed"))
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// buildWWWAuthenticate builds an RFC 6750 / RFC 9728 compliant value for the
// WWW-Authenticate header. It always includes realm and, if set,
// resource_metadata. If includeError is true, it appends
// error="invalid_token" and an optional description.
func (v *TokenValidator) buildWWWAuthenticate(includeError bool, errDescription string) string {
	var parts []string

	if v.issuer != "" {
		parts = append(parts, `realm="`+escapeQuotes(v.issuer)+`"`)
	}

	if v.resourceMetadataURL != "" {
		parts = append(parts, `resource_metadata="`+escapeQuotes(v.resourceMetadataURL)+`"`)
	}

	if includeError {
		parts = append(parts, `error="invalid_token"`)
		if errDescription != "" {
			parts = append(parts, `error_description="`+escapeQuotes(errDescription)+`"`)
		}
	}

	return "Bearer " + strings.Join(parts, ", ")
}

// escapeQuotes escapes backslashes and double quotes for use inside a
// quoted-string header parameter.
func escapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
