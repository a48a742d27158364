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

// Package upstream implements clients for upstream OAuth 2.0 and OIDC
// identity providers. The relay uses these clients to redirect users to the
// provider's authorization endpoint, exchange authorization codes for tokens,
// and validate access tokens against the provider's userinfo endpoint.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ProviderType identifies the type of upstream Identity Provider.
type ProviderType string

const (
	// ProviderTypeOIDC is for OpenID Connect providers that support discovery.
	ProviderTypeOIDC ProviderType = "oidc"
	// ProviderTypeOAuth2 is for pure OAuth 2.0 providers with explicit endpoints.
	ProviderTypeOAuth2 ProviderType = "oauth2"
)

// Config contains the settings needed to talk to an upstream provider.
type Config struct {
	// Type selects OIDC discovery or explicit OAuth 2.0 endpoints.
	Type ProviderType

	// Issuer is the provider's issuer URL. Required for OIDC providers;
	// endpoints are fetched from {Issuer}/.well-known/openid-configuration.
	Issuer string

	// AuthorizationEndpoint is the provider's authorization endpoint.
	// Required for pure OAuth 2.0 providers, discovered for OIDC.
	AuthorizationEndpoint string

	// TokenEndpoint is the provider's token endpoint.
	// Required for pure OAuth 2.0 providers, discovered for OIDC.
	TokenEndpoint string

	// UserInfoEndpoint is the provider's userinfo endpoint.
	// Required for pure OAuth 2.0 providers, discovered for OIDC.
	UserInfoEndpoint string

	// ClientID is the client identifier registered with the provider.
	ClientID string

	// ClientSecret is the client secret registered with the provider.
	ClientSecret string

	// RedirectURI is the relay's callback URL registered with the provider.
	RedirectURI string

	// Scopes are the scopes requested from the provider.
	Scopes []string
}

// Validate checks that the config has all fields required for its type.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("client ID is required")
	}
	if c.RedirectURI == "" {
		return errors.New("redirect URI is required")
	}

	switch c.Type {
	case ProviderTypeOIDC:
		if c.Issuer == "" {
			return errors.New("issuer is required for OIDC providers")
		}
		if _, err := url.Parse(c.Issuer); err != nil {
			return fmt.Errorf("invalid issuer URL: %w", err)
		}
	case ProviderTypeOAuth2:
		if c.AuthorizationEndpoint == "" || c.TokenEndpoint == "" {
			return errors.New("authorization and token endpoints are required for OAuth 2.0 providers")
		}
		if c.UserInfoEndpoint == "" {
			return errors.New("userinfo endpoint is required for OAuth 2.0 providers")
		}
	default:
		return fmt.Errorf("unknown provider type: %q (must be %q or %q)",
			c.Type, ProviderTypeOIDC, ProviderTypeOAuth2)
	}

	return nil
}

// Tokens is the token response from the upstream provider, preserved in wire
// format so the relay can return it to clients unchanged.
type Tokens struct {
	// AccessToken is the access token issued by the provider.
	AccessToken string `json:"access_token"`

	// TokenType is the token type, typically "Bearer".
	TokenType string `json:"token_type,omitempty"`

	// ExpiresIn is the access token lifetime in seconds, if the provider
	// reported one.
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is the refresh token, if the provider issued one.
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the granted scope, if the provider reported one.
	Scope string `json:"scope,omitempty"`

	// IDToken is the OIDC ID token, if the provider issued one.
	IDToken string `json:"id_token,omitempty"`
}

// UserInfo contains user information retrieved from the upstream provider.
type UserInfo struct {
	// Subject is the unique identifier for the user (sub claim).
	Subject string `json:"sub"`

	// Email is the user's email address.
	Email string `json:"email,omitempty"`

	// Name is the user's full name.
	Name string `json:"name,omitempty"`

	// Claims contains all claims returned by the userinfo endpoint.
	Claims map[string]any `json:"-"`
}

// ErrInvalidToken is returned when the upstream provider rejects an access
// token as invalid or expired.
var ErrInvalidToken = errors.New("upstream provider rejected the access token")

// TokenError is an OAuth 2.0 error response from the upstream token endpoint.
// The relay forwards the error code to its own clients.
type TokenError struct {
	// Code is the OAuth 2.0 error code (e.g. "invalid_grant").
	Code string `json:"error"`

	// Description is the human-readable error description, if provided.
	Description string `json:"error_description,omitempty"`

	// StatusCode is the HTTP status returned by the provider.
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *TokenError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("upstream token error %q: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("upstream token error %q (HTTP %d)", e.Code, e.StatusCode)
}

// Provider handles communication with an upstream Identity Provider.
type Provider interface {
	// Type returns the provider type.
	Type() ProviderType

	// AuthorizationURL builds the URL to redirect the user to the upstream
	// provider. state correlates the eventual callback; extraParams are
	// appended to the query string.
	AuthorizationURL(state string, extraParams map[string]string) (string, error)

	// ExchangeCode exchanges an authorization code for tokens.
	ExchangeCode(ctx context.Context, code string) (*Tokens, error)

	// RefreshTokens exchanges a refresh token for fresh tokens.
	RefreshTokens(ctx context.Context, refreshToken string) (*Tokens, error)

	// UserInfo fetches user information for an access token. Returns an
	// error wrapping ErrInvalidToken if the provider rejects the token.
	UserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
}

// NewProvider creates an appropriate provider based on the config type.
// For ProviderTypeOIDC, it performs OIDC discovery against the issuer.
// For ProviderTypeOAuth2, it uses the explicitly configured endpoints.
func NewProvider(ctx context.Context, config *Config) (Provider, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid provider config: %w", err)
	}

	switch config.Type {
	case ProviderTypeOIDC:
		return NewOIDCProvider(ctx, config)

	case ProviderTypeOAuth2:
		return NewOAuth2Provider(config)

	default:
		return nil, fmt.Errorf("unknown provider type: %q (must be %q or %q)",
			config.Type, ProviderTypeOIDC, ProviderTypeOAuth2)
	}
}

// isLocalhost reports whether a URL host refers to the local machine.
func isLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
