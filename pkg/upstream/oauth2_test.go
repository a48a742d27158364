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
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockIDPServer is a minimal upstream IDP for testing.
type mockIDPServer struct {
	*httptest.Server
	tokenHandler    func(w http.ResponseWriter, r *http.Request)
	userinfoHandler func(w http.ResponseWriter, r *http.Request)

	lastTokenRequest url.Values
}

func newMockIDPServer() *mockIDPServer {
	mock := &mockIDPServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		mock.lastTokenRequest = r.PostForm
		if mock.tokenHandler != nil {
			mock.tokenHandler(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "upstream-access",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "upstream-refresh",
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if mock.userinfoHandler != nil {
			mock.userinfoHandler(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sub":   "user-123",
			"email": "user@example.com",
			"name":  "Test User",
		})
	})

	mock.Server = httptest.NewServer(mux)
	return mock
}

func (m *mockIDPServer) providerConfig() *Config {
	return &Config{
		Type:                  ProviderTypeOAuth2,
		AuthorizationEndpoint: m.URL + "/authorize",
		TokenEndpoint:         m.URL + "/token",
		UserInfoEndpoint:      m.URL + "/userinfo",
		ClientID:              "relay-client",
		ClientSecret:          "relay-secret",
		RedirectURI:           "http://127.0.0.1:4680/oauth/callback",
		Scopes:                []string{"openid", "email"},
	}
}

func TestNewOAuth2ProviderValidation(t *testing.T) {
	t.Parallel()

	_, err := NewOAuth2Provider(nil)
	require.Error(t, err)

	_, err = NewOAuth2Provider(&Config{Type: ProviderTypeOIDC})
	require.Error(t, err)

	_, err = NewOAuth2Provider(&Config{
		Type:     ProviderTypeOAuth2,
		ClientID: "c",
	})
	require.Error(t, err)
}

func TestAuthorizationURL(t *testing.T) {
	t.Parallel()

	mock := newMockIDPServer()
	defer mock.Close()

	p, err := NewOAuth2Provider(mock.providerConfig())
	require.NoError(t, err)

	authURL, err := p.AuthorizationURL("state-blob", map[string]string{"prompt": "consent"})
	require.NoError(t, err)

	parsed, err := url.Parse(authURL)
	require.NoError(t, err)

	q := parsed.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "relay-client", q.Get("client_id"))
	assert.Equal(t, "http://127.0.0.1:4680/oauth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "state-blob", q.Get("state"))
	assert.Equal(t, "openid email", q.Get("scope"))
	assert.Equal(t, "consent", q.Get("prompt"))

	_, err = p.AuthorizationURL("", nil)
	require.Error(t, err)
}

func TestExchangeCode(t *testing.T) {
	t.Parallel()

	mock := newMockIDPServer()
	defer mock.Close()

	p, err := NewOAuth2Provider(mock.providerConfig())
	require.NoError(t, err)

	tokens, err := p.ExchangeCode(context.Background(), "upstream-code")
	require.NoError(t, err)

	assert.Equal(t, "upstream-access", tokens.AccessToken)
	assert.Equal(t, "Bearer", tokens.TokenType)
	assert.Equal(t, int64(3600), tokens.ExpiresIn)
	assert.Equal(t, "upstream-refresh", tokens.RefreshToken)

	assert.Equal(t, "authorization_code", mock.lastTokenRequest.Get("grant_type"))
	assert.Equal(t, "upstream-code", mock.lastTokenRequest.Get("code"))
	assert.Equal(t, "relay-client", mock.lastTokenRequest.Get("client_id"))
	assert.Equal(t, "relay-secret", mock.lastTokenRequest.Get("client_secret"))
}

func TestExchangeCodeUpstreamError(t *testing.T) {
	t.Parallel()

	mock := newMockIDPServer()
	defer mock.Close()
	mock.tokenHandler = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "code expired",
		})
	}

	p, err := NewOAuth2Provider(mock.providerConfig())
	require.NoError(t, err)

	_, err = p.ExchangeCode(context.Background(), "stale-code")
	require.Error(t, err)

	var tokenErr *TokenError
	require.True(t, errors.As(err, &tokenErr))
	assert.Equal(t, "invalid_grant", tokenErr.Code)
	assert.Equal(t, "code expired", tokenErr.Description)
	assert.Equal(t, http.StatusBadRequest, tokenErr.StatusCode)
}

func TestExchangeCodeMalformedError(t *testing.T) {
	t.Parallel()

	mock := newMockIDPServer()
	defer mock.Close()
	mock.tokenHandler = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("not json"))
	}

	p, err := NewOAuth2Provider(mock.providerConfig())
	require.NoError(t, err)

	_, err = p.ExchangeCode(context.Background(), "code")
	require.Error(t, err)

	var tokenErr *TokenError
	require.True(t, errors.As(err, &tokenErr))
	assert.Equal(t, "server_error", tokenErr.Code)
}

func TestRefreshTokens(t *testing.T) {
	t.Parallel()

	mock := newMockIDPServer()
	defer mock.Close()

	p, err := NewOAuth2Provider(mock.providerConfig())
	require.NoError(t, err)

	tokens, err := p.RefreshTokens(context.Background(), "upstream-refresh")
	require.NoError(t, err)
	assert.Equal(t, "upstream-access", tokens.AccessToken)

	assert.Equal(t, "refresh_token", mock.lastTokenRequest.Get("grant_type"))
	assert.Equal(t, "upstream-refresh", mock.lastTokenRequest.Get("refresh_token"))

	_, err = p.RefreshTokens(context.Background(), "")
	require.Error(t, err)
}

func TestUserInfo(t *testing.T) {
	t.Parallel()

	mock := newMockIDPServer()
	defer mock.Close()

	p, err := NewOAuth2Provider(mock.providerConfig())
	require.NoError(t, err)

	info, err := p.UserInfo(context.Background(), "upstream-access")
	require.NoError(t, err)
	assert.Equal(t, "user-123", info.Subject)
	assert.Equal(t, "user@example.com", info.Email)
	assert.Equal(t, "Test User", info.Name)
	assert.Equal(t, "user-123", info.Claims["sub"])
}

func TestUserInfoRejectedToken(t *testing.T) {
	t.Parallel()

	mock := newMockIDPServer()
	defer mock.Close()
	mock.userinfoHandler = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}

	p, err := NewOAuth2Provider(mock.providerConfig())
	require.NoError(t, err)

	_, err = p.UserInfo(context.Background(), "bad-token")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestUserInfoServerError(t *testing.T) {
	t.Parallel()

	mock := newMockIDPServer()
	defer mock.Close()
	mock.userinfoHandler = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}

	p, err := NewOAuth2Provider(mock.providerConfig())
	require.NoError(t, err)

	_, err = p.UserInfo(context.Background(), "token")
	require.Error(t, err)
	// A transport-level failure is not a token rejection.
	assert.False(t, errors.Is(err, ErrInvalidToken))
}

func TestUserInfoMissingSubject(t *testing.T) {
	t.Parallel()

	mock := newMockIDPServer()
	defer mock.Close()
	mock.userinfoHandler = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"email": "user@example.com"})
	}

	p, err := NewOAuth2Provider(mock.providerConfig())
	require.NoError(t, err)

	_, err = p.UserInfo(context.Background(), "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sub claim")
}
