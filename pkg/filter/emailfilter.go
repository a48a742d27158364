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

package filter

import (
	"net/http"
	"strings"

	"github.com/stacklok/relaygate/pkg/auth"
	"github.com/stacklok/relaygate/pkg/logger"
)

// EmailFilter restricts authenticated requests to an allowlist of email
// addresses. It must run after the token gate so the identity is in the
// request context.
type EmailFilter struct {
	allowed map[string]struct{}
}

// NewEmailFilter parses a comma-separated list of email addresses. Matching
// is case-insensitive. An empty list yields a filter that allows everything.
func NewEmailFilter(allowed string) *EmailFilter {
	f := &EmailFilter{allowed: make(map[string]struct{})}

	for entry := range strings.SplitSeq(allowed, ",") {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry != "" {
			f.allowed[entry] = struct{}{}
		}
	}

	return f
}

// Enabled reports whether the filter has any entries.
func (f *EmailFilter) Enabled() bool {
	return len(f.allowed) > 0
}

// Allowed reports whether an email matches the allowlist.
func (f *EmailFilter) Allowed(email string) bool {
	_, ok := f.allowed[strings.ToLower(strings.TrimSpace(email))]
	return ok
}

// Middleware rejects authenticated identities whose email is not on the
// allowlist with a 403. An identity without an email claim is rejected when
// the filter is enabled.
func (f *EmailFilter) Middleware(next http.Handler) http.Handler {
	if !f.Enabled() {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := auth.IdentityFromContext(r.Context())
		if !ok || identity.Email == "" {
			logger.Warnw("rejecting request without email claim",
				"path", r.URL.Path,
			)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if !f.Allowed(identity.Email) {
			logger.Warnw("rejecting request from disallowed email",
				"subject", identity.Subject,
				"path", r.URL.Path,
			)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
