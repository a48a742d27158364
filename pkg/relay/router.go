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

// Package relay implements an OAuth 2.0 authorization relay. It fronts an
// upstream identity provider with its own authorization, callback, token,
// and registration endpoints: clients complete an authorization-code flow
// with PKCE against the relay, the relay completes the matching flow against
// the upstream provider, and the upstream tokens are handed back to the
// client unchanged.
package relay

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/relaygate/pkg/upstream"
)

// Config holds the relay's settings.
type Config struct {
	// Issuer is the relay's public base URL, used in metadata documents
	// and as the issuer identifier.
	Issuer string

	// AllowUnregisteredClients enables implicit registration for clients
	// whose IDs carry the "mcp_" prefix.
	AllowUnregisteredClients bool
}

// Router bundles the relay's HTTP handlers with their shared state.
type Router struct {
	config   *Config
	upstream upstream.Provider
	pending  *PendingStore
	clients  *ClientStore
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithPendingStore sets a custom pending authorization store. Used by tests
// to shorten TTLs.
func WithPendingStore(store *PendingStore) RouterOption {
	return func(r *Router) {
		r.pending = store
	}
}

// NewRouter creates a relay router backed by the given upstream provider.
func NewRouter(config *Config, provider upstream.Provider, opts ...RouterOption) *Router {
	r := &Router{
		config:   config,
		upstream: provider,
		clients:  NewClientStore(config.AllowUnregisteredClients),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.pending == nil {
		r.pending = NewPendingStore()
	}

	return r
}

// Routes returns the relay's endpoints, intended to be mounted at /oauth.
func (rt *Router) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/authorize", rt.AuthorizeHandler)
	r.Get("/callback", rt.CallbackHandler)
	r.Post("/token", rt.TokenHandler)
	r.Post("/register", rt.RegisterClientHandler)

	return r
}

// Clients exposes the client store so other components (e.g. metadata
// handlers or tests) can pre-register clients.
func (rt *Router) Clients() *ClientStore {
	return rt.clients
}

// Close releases the router's background resources.
func (rt *Router) Close() error {
	return rt.pending.Close()
}

// generateRandomCode generates a cryptographically secure random code.
func generateRandomCode() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
