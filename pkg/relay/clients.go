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
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"
)

// autoRegisterPrefix is the client_id prefix eligible for implicit
// registration when the relay is configured to allow unregistered clients.
const autoRegisterPrefix = "mcp_"

// ErrClientNotFound is returned when a client_id is not registered.
var ErrClientNotFound = errors.New("client not found")

// Client is an OAuth 2.0 client registered with the relay. All clients are
// public: they authenticate with PKCE, not a client secret.
type Client struct {
	// ID is the client identifier.
	ID string

	// Name is the human-readable client name, if provided at registration.
	Name string

	// RedirectURIs are the registered redirect URIs.
	RedirectURIs []string

	// AutoRegistered marks clients created implicitly rather than through
	// dynamic registration. They have no registered redirect URIs; the
	// PKCE challenge binds the flow instead.
	AutoRegistered bool

	// CreatedAt is when the client was registered.
	CreatedAt time.Time
}

// MatchRedirectURI reports whether a redirect_uri is acceptable for this
// client. Registered URIs are matched exactly, except loopback URIs which
// match any port per RFC 8252 Section 7.3. Auto-registered clients accept
// any parseable URI.
func (c *Client) MatchRedirectURI(redirectURI string) bool {
	if _, err := url.Parse(redirectURI); err != nil {
		return false
	}

	if c.AutoRegistered {
		return true
	}

	for _, registered := range c.RedirectURIs {
		if registered == redirectURI {
			return true
		}
		if matchLoopbackRedirectURI(registered, redirectURI) {
			return true
		}
	}

	return false
}

// matchLoopbackRedirectURI compares two URIs ignoring the port when the
// registered URI is a loopback address. Native clients bind an ephemeral
// port at runtime, so the registered port cannot be authoritative.
func matchLoopbackRedirectURI(registered, requested string) bool {
	regURL, err := url.Parse(registered)
	if err != nil {
		return false
	}

	reqURL, err := url.Parse(requested)
	if err != nil {
		return false
	}

	if !isLoopbackHost(regURL.Hostname()) || !isLoopbackHost(reqURL.Hostname()) {
		return false
	}

	return regURL.Scheme == reqURL.Scheme &&
		regURL.Hostname() == reqURL.Hostname() &&
		regURL.Path == reqURL.Path
}

func isLoopbackHost(hostname string) bool {
	return hostname == "localhost" || hostname == "127.0.0.1" || hostname == "::1"
}

// ClientStore holds registered OAuth 2.0 clients in memory.
type ClientStore struct {
	mu      sync.RWMutex
	clients map[string]*Client

	// allowUnregistered enables implicit registration of clients whose
	// IDs carry the autoRegisterPrefix.
	allowUnregistered bool
}

// NewClientStore creates an empty client store.
func NewClientStore(allowUnregistered bool) *ClientStore {
	return &ClientStore{
		clients:           make(map[string]*Client),
		allowUnregistered: allowUnregistered,
	}
}

// Register adds or replaces a client.
func (s *ClientStore) Register(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ID] = client
}

// Get looks up a client by ID. When unregistered clients are allowed and the
// ID carries the autoRegisterPrefix, an unknown client is registered
// implicitly on first use.
func (s *ClientStore) Get(clientID string) (*Client, error) {
	s.mu.RLock()
	client, ok := s.clients[clientID]
	s.mu.RUnlock()
	if ok {
		return client, nil
	}

	if !s.allowUnregistered || !strings.HasPrefix(clientID, autoRegisterPrefix) {
		return nil, ErrClientNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-check under the write lock in case another request registered it.
	if client, ok := s.clients[clientID]; ok {
		return client, nil
	}

	client = &Client{
		ID:             clientID,
		AutoRegistered: true,
		CreatedAt:      time.Now(),
	}
	s.clients[clientID] = client

	return client, nil
}

// Len returns the number of registered clients.
func (s *ClientStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
