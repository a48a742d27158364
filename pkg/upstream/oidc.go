// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/stacklok/relaygate/pkg/logger"
)

// discoveryMaxTries bounds the startup retry loop around OIDC discovery.
// Discovery happens once at process start; a provider that is briefly
// unreachable should not kill the server.
const discoveryMaxTries = 5

// discoveryDocument is the subset of the OIDC discovery document the relay
// needs. go-oidc validates the issuer; we extract the endpoints for origin
// validation and userinfo lookups.
type discoveryDocument struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

// Compile-time interface compliance check.
var _ Provider = (*OIDCProvider)(nil)

// OIDCProvider implements Provider for OIDC-compliant identity providers.
// It embeds OAuth2Provider to share the token and userinfo request logic,
// with endpoints resolved through OIDC discovery.
type OIDCProvider struct {
	*OAuth2Provider
	issuer string
}

// NewOIDCProvider creates a provider by running OIDC discovery against the
// configured issuer. Discovery is retried with exponential backoff since it
// runs once at startup.
func NewOIDCProvider(ctx context.Context, config *Config, opts ...OAuth2ProviderOption) (*OIDCProvider, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	if config.Type != ProviderTypeOIDC {
		return nil, fmt.Errorf("config.Type must be %q, got %q", ProviderTypeOIDC, config.Type)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger.Infow("creating OIDC provider",
		"issuer", config.Issuer,
		"client_id", config.ClientID,
	)

	httpClient := &http.Client{Timeout: requestTimeout}
	discoveryCtx := oidc.ClientContext(ctx, httpClient)

	oidcProvider, err := backoff.Retry(ctx, func() (*oidc.Provider, error) {
		p, err := oidc.NewProvider(discoveryCtx, config.Issuer)
		if err != nil {
			logger.Warnw("OIDC discovery failed, retrying",
				"issuer", config.Issuer,
				"error", err,
			)
		}
		return p, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(discoveryMaxTries),
		backoff.WithMaxElapsedTime(2*time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC endpoints: %w", err)
	}

	// go-oidc validates the issuer but not the endpoint origins.
	doc := &discoveryDocument{}
	if err := oidcProvider.Claims(doc); err != nil {
		return nil, fmt.Errorf("failed to extract provider claims: %w", err)
	}

	if err := validateDiscoveryDocument(doc, config.Issuer); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}

	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email"}
	}

	resolved := &Config{
		Type:                  ProviderTypeOAuth2,
		AuthorizationEndpoint: doc.AuthorizationEndpoint,
		TokenEndpoint:         doc.TokenEndpoint,
		UserInfoEndpoint:      doc.UserinfoEndpoint,
		ClientID:              config.ClientID,
		ClientSecret:          config.ClientSecret,
		RedirectURI:           config.RedirectURI,
		Scopes:                scopes,
	}

	logger.Infow("OIDC discovery complete",
		"issuer", doc.Issuer,
		"authorization_endpoint", doc.AuthorizationEndpoint,
		"token_endpoint", doc.TokenEndpoint,
		"has_userinfo_endpoint", doc.UserinfoEndpoint != "",
	)

	p := &OIDCProvider{
		OAuth2Provider: &OAuth2Provider{
			config:     resolved,
			httpClient: httpClient,
		},
		issuer: config.Issuer,
	}

	for _, opt := range opts {
		opt(p.OAuth2Provider)
	}

	return p, nil
}

// Type returns the provider type.
func (*OIDCProvider) Type() ProviderType {
	return ProviderTypeOIDC
}

// validateDiscoveryDocument checks required fields and endpoint origins.
// A malicious discovery document must not be able to redirect token requests
// to an attacker-controlled HTTP endpoint.
func validateDiscoveryDocument(doc *discoveryDocument, issuer string) error {
	if doc.AuthorizationEndpoint == "" {
		return errors.New("discovery document missing authorization_endpoint")
	}
	if doc.TokenEndpoint == "" {
		return errors.New("discovery document missing token_endpoint")
	}

	if err := validateEndpointOrigin(doc.AuthorizationEndpoint, issuer); err != nil {
		return fmt.Errorf("authorization_endpoint origin mismatch: %w", err)
	}
	if err := validateEndpointOrigin(doc.TokenEndpoint, issuer); err != nil {
		return fmt.Errorf("token_endpoint origin mismatch: %w", err)
	}
	if doc.UserinfoEndpoint != "" {
		if err := validateEndpointOrigin(doc.UserinfoEndpoint, issuer); err != nil {
			return fmt.Errorf("userinfo_endpoint origin mismatch: %w", err)
		}
	}
	if doc.JWKSURI != "" {
		if err := validateEndpointOrigin(doc.JWKSURI, issuer); err != nil {
			return fmt.Errorf("jwks_uri origin mismatch: %w", err)
		}
	}

	return nil
}

// validateEndpointOrigin enforces scheme consistency for discovered endpoints.
// Localhost issuers may use HTTP for development; everything else must be
// HTTPS. Host matching is deliberately not enforced since major providers use
// different hosts for different endpoints (e.g. accounts.google.com vs
// oauth2.googleapis.com).
func validateEndpointOrigin(endpoint, issuer string) error {
	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}

	issuerURL, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if isLocalhost(issuerURL.Host) {
		if !isLocalhost(endpointURL.Host) {
			return fmt.Errorf("host mismatch: issuer is localhost but endpoint host is %q", endpointURL.Host)
		}
		return nil
	}

	if endpointURL.Scheme != "https" {
		return fmt.Errorf("scheme mismatch: endpoint uses %q (all endpoints must use HTTPS for non-localhost issuers)",
			endpointURL.Scheme)
	}

	return nil
}
