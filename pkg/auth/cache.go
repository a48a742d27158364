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
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultPositiveTTL is how long a successful validation is cached.
	DefaultPositiveTTL = 5 * time.Minute

	// DefaultNegativeTTL is how long a rejected token is cached. Kept
	// short so a token that becomes valid (e.g. after propagation delay
	// at the provider) is not locked out for long.
	DefaultNegativeTTL = 30 * time.Second

	// DefaultMaxEntries bounds the cache size.
	DefaultMaxEntries = 10000

	// DefaultCacheSweepInterval is how often expired entries are swept.
	DefaultCacheSweepInterval = time.Minute
)

// cacheEntry records the outcome of one validation.
type cacheEntry struct {
	identity  *Identity
	valid     bool
	expiresAt time.Time
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// TokenCache caches token validation results. Successful validations are
// held for the positive TTL, rejections for the much shorter negative TTL,
// and a positive entry is never served past the token's own exp claim. The
// cache is bounded: when full, entries are evicted in insertion order. A
// background goroutine sweeps expired entries.
type TokenCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry

	// order tracks insertion order for eviction. Entries removed by the
	// sweeper leave stale keys behind; eviction skips them.
	order []string

	positiveTTL   time.Duration
	negativeTTL   time.Duration
	maxEntries    int
	sweepInterval time.Duration

	hits      uint64
	misses    uint64
	evictions uint64

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// TokenCacheOption configures a TokenCache.
type TokenCacheOption func(*TokenCache)

// WithPositiveTTL sets a custom lifetime for successful validations.
func WithPositiveTTL(ttl time.Duration) TokenCacheOption {
	return func(c *TokenCache) {
		c.positiveTTL = ttl
	}
}

// WithNegativeTTL sets a custom lifetime for rejected tokens.
func WithNegativeTTL(ttl time.Duration) TokenCacheOption {
	return func(c *TokenCache) {
		c.negativeTTL = ttl
	}
}

// WithMaxEntries sets a custom size bound.
func WithMaxEntries(n int) TokenCacheOption {
	return func(c *TokenCache) {
		c.maxEntries = n
	}
}

// WithSweepInterval sets a custom sweep interval.
func WithSweepInterval(interval time.Duration) TokenCacheOption {
	return func(c *TokenCache) {
		c.sweepInterval = interval
	}
}

// NewTokenCache creates a TokenCache and starts its sweep goroutine.
func NewTokenCache(opts ...TokenCacheOption) *TokenCache {
	c := &TokenCache{
		entries:       make(map[string]*cacheEntry),
		positiveTTL:   DefaultPositiveTTL,
		negativeTTL:   DefaultNegativeTTL,
		maxEntries:    DefaultMaxEntries,
		sweepInterval: DefaultCacheSweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	go c.sweepLoop()

	return c
}

// Get returns the cached validation outcome for a token. The second return
// is false when the token has no live cache entry.
func (c *TokenCache) Get(token string) (identity *Identity, valid, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[token]
	if !exists || time.Now().After(entry.expiresAt) {
		c.misses++
		return nil, false, false
	}

	c.hits++
	return entry.identity, entry.valid, true
}

// PutValid caches a successful validation. The entry lives for the positive
// TTL, capped by the token's own expiry so a cached result is never served
// after the token itself expires.
func (c *TokenCache) PutValid(token string, identity *Identity) {
	expiresAt := time.Now().Add(c.positiveTTL)
	if exp, ok := tokenExpiry(token); ok && exp.Before(expiresAt) {
		expiresAt = exp
	}

	c.put(token, &cacheEntry{
		identity:  identity,
		valid:     true,
		expiresAt: expiresAt,
	})
}

// PutInvalid caches a rejected token for the negative TTL.
func (c *TokenCache) PutInvalid(token string) {
	c.put(token, &cacheEntry{
		valid:     false,
		expiresAt: time.Now().Add(c.negativeTTL),
	})
}

func (c *TokenCache) put(token string, entry *cacheEntry) {
	// An entry that is expired on arrival is not worth storing.
	if !time.Now().Before(entry.expiresAt) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[token]; !exists {
		c.order = append(c.order, token)
	}
	c.entries[token] = entry

	for len(c.entries) > c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			c.evictions++
		}
	}
}

// Stats returns a snapshot of the cache counters.
func (c *TokenCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return CacheStats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// Close stops the sweep goroutine and waits for it to finish.
func (c *TokenCache) Close() error {
	close(c.stopSweep)
	<-c.sweepDone
	return nil
}

func (c *TokenCache) sweepLoop() {
	defer close(c.sweepDone)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

// sweepExpired removes expired entries and compacts the insertion-order
// queue. Keys are collected under a read lock first so the write lock is
// held only for the deletes.
func (c *TokenCache) sweepExpired() {
	now := time.Now()

	c.mu.RLock()
	var expired []string
	for token, entry := range c.entries {
		if now.After(entry.expiresAt) {
			expired = append(expired, token)
		}
	}
	c.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	c.mu.Lock()
	for _, token := range expired {
		if entry, ok := c.entries[token]; ok && now.After(entry.expiresAt) {
			delete(c.entries, token)
		}
	}

	// Drop stale keys so the queue cannot grow unbounded.
	live := c.order[:0]
	for _, token := range c.order {
		if _, ok := c.entries[token]; ok {
			live = append(live, token)
		}
	}
	c.order = live
	c.mu.Unlock()
}

// tokenExpiry extracts the exp claim from a JWT access token without
// verifying its signature; the signature is the upstream provider's concern.
// Opaque tokens return false and fall back to the cache TTL alone.
func tokenExpiry(token string) (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}

	return exp.Time, true
}
