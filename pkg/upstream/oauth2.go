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

package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stacklok/relaygate/pkg/logger"
)

const (
	// requestTimeout bounds every HTTP request to the upstream provider.
	requestTimeout = 10 * time.Second

	// maxResponseSize limits how much of a provider response we read.
	maxResponseSize = 1 << 20
)

// Compile-time interface compliance check.
var _ Provider = (*OAuth2Provider)(nil)

// OAuth2Provider implements Provider for pure OAuth 2.0 providers with
// explicitly configured endpoints. It is also embedded by OIDCProvider to
// share the token and userinfo request logic.
type OAuth2Provider struct {
	config     *Config
	httpClient *http.Client
}

// OAuth2ProviderOption configures an OAuth2Provider.
type OAuth2ProviderOption func(*OAuth2Provider)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) OAuth2ProviderOption {
	return func(p *OAuth2Provider) {
		p.httpClient = client
	}
}

// NewOAuth2Provider creates a provider for an OAuth 2.0 IDP without OIDC
// discovery. The config must include the authorization, token, and userinfo
// endpoints.
func NewOAuth2Provider(config *Config, opts ...OAuth2ProviderOption) (*OAuth2Provider, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}

	if config.Type != ProviderTypeOAuth2 {
		return nil, fmt.Errorf("config.Type must be %q, got %q", ProviderTypeOAuth2, config.Type)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger.Infow("creating OAuth2 provider",
		"authorization_endpoint", config.AuthorizationEndpoint,
		"token_endpoint", config.TokenEndpoint,
		"client_id", config.ClientID,
	)

	p := &OAuth2Provider{
		config:     config,
		httpClient: &http.Client{Timeout: requestTimeout},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Type returns the provider type.
func (*OAuth2Provider) Type() ProviderType {
	return ProviderTypeOAuth2
}

// AuthorizationURL builds the URL to redirect the user to the upstream IDP.
func (p *OAuth2Provider) AuthorizationURL(state string, extraParams map[string]string) (string, error) {
	if state == "" {
		return "", errors.New("state parameter is required")
	}

	params := url.Values{
		"response_type": {"code"},
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.RedirectURI},
		"state":         {state},
	}

	if len(p.config.Scopes) > 0 {
		params.Set("scope", strings.Join(p.config.Scopes, " "))
	}

	for k, v := range extraParams {
		params.Set(k, v)
	}

	return p.config.AuthorizationEndpoint + "?" + params.Encode(), nil
}

// ExchangeCode exchanges an authorization code for tokens with the upstream IDP.
func (p *OAuth2Provider) ExchangeCode(ctx context.Context, code string) (*Tokens, error) {
	if code == "" {
		return nil, errors.New("authorization code is required")
	}

	logger.Debugw("exchanging authorization code for tokens",
		"token_endpoint", p.config.TokenEndpoint,
	)

	params := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {p.config.RedirectURI},
		"client_id":    {p.config.ClientID},
	}
	if p.config.ClientSecret != "" {
		params.Set("client_secret", p.config.ClientSecret)
	}

	tokens, err := p.tokenRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	logger.Infow("authorization code exchange successful",
		"has_refresh_token", tokens.RefreshToken != "",
		"expires_in", tokens.ExpiresIn,
	)

	return tokens, nil
}

// RefreshTokens refreshes the upstream IDP tokens.
func (p *OAuth2Provider) RefreshTokens(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, errors.New("refresh token is required")
	}

	logger.Debugw("refreshing tokens",
		"token_endpoint", p.config.TokenEndpoint,
	)

	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"client_id":     {p.config.ClientID},
	}
	if p.config.ClientSecret != "" {
		params.Set("client_secret", p.config.ClientSecret)
	}

	return p.tokenRequest(ctx, params)
}

// UserInfo fetches user information from the upstream IDP's userinfo endpoint.
// A 401 or 403 response means the token is invalid; the returned error wraps
// ErrInvalidToken so callers can distinguish rejection from transport failure.
func (p *OAuth2Provider) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("empty access token: %w", ErrInvalidToken)
	}

	endpoint := p.config.UserInfoEndpoint
	if endpoint == "" {
		return nil, errors.New("provider has no userinfo endpoint")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read userinfo response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("userinfo returned HTTP %d: %w", resp.StatusCode, ErrInvalidToken)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("userinfo returned unexpected HTTP %d", resp.StatusCode)
	}

	claims := make(map[string]any)
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse userinfo response: %w", err)
	}

	info := &UserInfo{Claims: claims}
	if sub, ok := claims["sub"].(string); ok {
		info.Subject = sub
	}
	if email, ok := claims["email"].(string); ok {
		info.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		info.Name = name
	}

	if info.Subject == "" {
		return nil, errors.New("userinfo response missing sub claim")
	}

	return info, nil
}

// tokenRequest performs a form-encoded token request to the upstream IDP.
func (p *OAuth2Provider) tokenRequest(ctx context.Context, params url.Values) (*Tokens, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		p.config.TokenEndpoint,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	return parseTokenResponse(body, resp.StatusCode)
}

// parseTokenResponse decodes a token endpoint response body. Non-2xx
// responses are decoded as OAuth 2.0 error responses and returned as a
// *TokenError so callers can forward the upstream error code.
func parseTokenResponse(body []byte, statusCode int) (*Tokens, error) {
	if statusCode < 200 || statusCode >= 300 {
		tokenErr := &TokenError{StatusCode: statusCode}
		if err := json.Unmarshal(body, tokenErr); err != nil || tokenErr.Code == "" {
			tokenErr.Code = "server_error"
		}
		return nil, tokenErr
	}

	tokens := &Tokens{}
	if err := json.Unmarshal(body, tokens); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if tokens.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}

	return tokens, nil
}
