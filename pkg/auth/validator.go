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
	"context"
	"errors"
	"fmt"

	"github.com/stacklok/relaygate/pkg/logger"
	"github.com/stacklok/relaygate/pkg/upstream"
)

// ErrInvalidToken is returned when a bearer token is rejected.
var ErrInvalidToken = errors.New("invalid or expired token")

// TokenValidator validates bearer tokens against the upstream provider's
// userinfo endpoint, caching the outcome of each check.
type TokenValidator struct {
	provider upstream.Provider
	cache    *TokenCache

	// issuer is the relay's public base URL, used as the realm in
	// WWW-Authenticate challenges.
	issuer string

	// resourceMetadataURL points at the RFC 9728 protected resource
	// metadata document, advertised in WWW-Authenticate challenges.
	resourceMetadataURL string
}

// TokenValidatorOption configures a TokenValidator.
type TokenValidatorOption func(*TokenValidator)

// WithCache sets a custom token cache. Used by tests to shorten TTLs.
func WithCache(cache *TokenCache) TokenValidatorOption {
	return func(v *TokenValidator) {
		v.cache = cache
	}
}

// NewTokenValidator creates a validator backed by the given upstream
// provider.
func NewTokenValidator(provider upstream.Provider, issuer, resourceMetadataURL string, opts ...TokenValidatorOption) *TokenValidator {
	v := &TokenValidator{
		provider:            provider,
		issuer:              issuer,
		resourceMetadataURL: resourceMetadataURL,
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.cache == nil {
		v.cache = NewTokenCache()
	}

	return v
}

// ValidateToken resolves a bearer token to an identity. Cached results are
// served without touching the upstream provider; a cache miss triggers a
// userinfo request whose outcome is cached either way. Failures are held
// only for the short negative TTL, so a flapping provider recovers quickly
// without being hammered on every request in the meantime.
func (v *TokenValidator) ValidateToken(ctx context.Context, token string) (*Identity, error) {
	if identity, valid, ok := v.cache.Get(token); ok {
		if !valid {
			return nil, ErrInvalidToken
		}
		return identity, nil
	}

	info, err := v.provider.UserInfo(ctx, token)
	if err != nil {
		v.cache.PutInvalid(token)
		if errors.Is(err, upstream.ErrInvalidToken) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("token validation failed: %w", err)
	}

	identity := &Identity{
		Subject: info.Subject,
		Name:    info.Name,
		Email:   info.Email,
		Token:   token,
		Claims:  info.Claims,
	}
	v.cache.PutValid(token, identity)

	logger.Debugw("token validated against upstream provider",
		"subject", identity.Subject,
	)

	return identity, nil
}

// CacheStats exposes the validator's cache counters.
func (v *TokenValidator) CacheStats() CacheStats {
	return v.cache.Stats()
}

// Close releases the validator's background resources.
func (v *TokenValidator) Close() error {
	return v.cache.Close()
}
