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
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultPendingTTL is how long an authorization flow may take before
	// the pending record expires.
	DefaultPendingTTL = 10 * time.Minute

	// DefaultStoreCleanupInterval is how often expired pending
	// authorizations are swept.
	DefaultStoreCleanupInterval = time.Minute
)

// ErrPendingNotFound is returned when a pending authorization does not exist
// or has expired.
var ErrPendingNotFound = errors.New("pending authorization not found or expired")

// PendingAuthorization tracks an authorization flow between the initial
// /authorize request and the final token exchange. The local code is minted
// at authorize time; the upstream code is attached when the IDP redirects
// back to /callback.
type PendingAuthorization struct {
	// Code is the local authorization code issued to the client.
	Code string

	// ClientID is the client that initiated the flow.
	ClientID string

	// RedirectURI is the client's redirect_uri for this flow.
	RedirectURI string

	// State is the client's original state parameter.
	State string

	// CodeChallenge is the client's PKCE challenge.
	CodeChallenge string

	// CodeChallengeMethod is "S256" or "plain".
	CodeChallengeMethod string

	// Scopes are the scopes the client requested.
	Scopes []string

	// UpstreamCode is the authorization code returned by the upstream IDP.
	// Empty until the callback completes.
	UpstreamCode string

	// CreatedAt is when the flow started.
	CreatedAt time.Time
}

// timedEntry wraps a value with its expiry for TTL tracking.
type timedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// PendingStore holds pending authorizations in memory. Records are single
// use: Consume removes the record atomically so an authorization code can
// never be redeemed twice. A background goroutine sweeps expired records.
type PendingStore struct {
	mu      sync.RWMutex
	pending map[string]*timedEntry[*PendingAuthorization]

	ttl             time.Duration
	cleanupInterval time.Duration

	// stopCleanup signals the cleanup goroutine to stop.
	stopCleanup chan struct{}
	// cleanupDone is closed when the cleanup goroutine has fully stopped.
	cleanupDone chan struct{}
}

// PendingStoreOption configures a PendingStore.
type PendingStoreOption func(*PendingStore)

// WithPendingTTL sets a custom lifetime for pending authorizations.
func WithPendingTTL(ttl time.Duration) PendingStoreOption {
	return func(s *PendingStore) {
		s.ttl = ttl
	}
}

// WithStoreCleanupInterval sets a custom sweep interval.
func WithStoreCleanupInterval(interval time.Duration) PendingStoreOption {
	return func(s *PendingStore) {
		s.cleanupInterval = interval
	}
}

// NewPendingStore creates a PendingStore and starts its cleanup goroutine.
func NewPendingStore(opts ...PendingStoreOption) *PendingStore {
	s := &PendingStore{
		pending:         make(map[string]*timedEntry[*PendingAuthorization]),
		ttl:             DefaultPendingTTL,
		cleanupInterval: DefaultStoreCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.cleanupLoop()

	return s
}

// Create stores a new pending authorization keyed by its local code.
func (s *PendingStore) Create(pending *PendingAuthorization) error {
	if pending == nil || pending.Code == "" {
		return errors.New("pending authorization requires a code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pending[pending.Code]; exists {
		return fmt.Errorf("authorization code collision for %q", pending.Code)
	}

	s.pending[pending.Code] = &timedEntry[*PendingAuthorization]{
		value:     pending,
		expiresAt: time.Now().Add(s.ttl),
	}

	return nil
}

// AttachUpstreamCode records the upstream IDP's authorization code on the
// pending authorization identified by the local code. Returns a copy of the
// updated record.
func (s *PendingStore) AttachUpstreamCode(code, upstreamCode string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pending[code]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, ErrPendingNotFound
	}

	entry.value.UpstreamCode = upstreamCode

	copied := *entry.value
	return &copied, nil
}

// Consume atomically removes and returns the pending authorization for a
// local code. A second Consume for the same code returns ErrPendingNotFound,
// which makes authorization codes single use even under concurrent redemption
// attempts.
func (s *PendingStore) Consume(code string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pending[code]
	if !ok {
		return nil, ErrPendingNotFound
	}

	delete(s.pending, code)

	if time.Now().After(entry.expiresAt) {
		return nil, ErrPendingNotFound
	}

	return entry.value, nil
}

// Len returns the number of pending authorizations, including any that have
// expired but not yet been swept.
func (s *PendingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

// Close stops the cleanup goroutine and waits for it to finish.
func (s *PendingStore) Close() error {
	close(s.stopCleanup)
	<-s.cleanupDone
	return nil
}

func (s *PendingStore) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanupExpired()
		}
	}
}

// cleanupExpired removes expired pending authorizations. Keys are collected
// under a read lock first so the write lock is held only for the deletes.
func (s *PendingStore) cleanupExpired() {
	now := time.Now()

	s.mu.RLock()
	var expired []string
	for code, entry := range s.pending {
		if now.After(entry.expiresAt) {
			expired = append(expired, code)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	for _, code := range expired {
		if entry, ok := s.pending[code]; ok && now.After(entry.expiresAt) {
			delete(s.pending, code)
		}
	}
	s.mu.Unlock()
}
