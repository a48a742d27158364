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

package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/oauth2-proxy/mockoidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/relaygate/pkg/config"
)

func newTestConfig() *config.Config {
	return &config.Config{
		ServerName:    "relaygate-test",
		ServerVersion: "0.0.1",
		Transport:     config.TransportHTTP,
		Host:          "127.0.0.1",
		Port:          4680,
		PublicURL:     "http://relay.test",
	}
}

func TestServerWithoutAuth(t *testing.T) {
	t.Parallel()

	s, err := New(context.Background(), newTestConfig())
	require.NoError(t, err)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The OAuth surface is not mounted when auth is disabled.
	resp, err = http.Get(ts.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// The MCP endpoint is reachable without a token.
	mcpClient, err := client.NewStreamableHttpClient(ts.URL + "/mcp")
	require.NoError(t, err)
	t.Cleanup(func() { _ = mcpClient.Close() })

	ctx := context.Background()
	require.NoError(t, mcpClient.Start(ctx))

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "1.0.0"}
	_, err = mcpClient.Initialize(ctx, initRequest)
	require.NoError(t, err)
}

// subjectUser wraps mockoidc's MockUser to add the mandatory OIDC `sub`
// claim to the userinfo payload; mockoidc omits it, and the relay rejects
// userinfo responses without it.
type subjectUser struct {
	*mockoidc.MockUser
}

func (u *subjectUser) Userinfo(scope []string) ([]byte, error) {
	payload, err := u.MockUser.Userinfo(scope)
	if err != nil {
		return nil, err
	}
	claims := map[string]any{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, err
	}
	claims["sub"] = u.Subject
	return json.Marshal(claims)
}

// noRedirectGet fetches a URL without following redirects and returns the
// response. The caller owns the body.
func noRedirectGet(t *testing.T, rawURL string) *http.Response {
	t.Helper()

	httpClient := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := httpClient.Get(rawURL)
	require.NoError(t, err)
	return resp
}

func TestFullAuthorizationFlow(t *testing.T) {
	t.Parallel()

	m, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	m.QueueUser(&subjectUser{mockoidc.DefaultUser()})

	cfg := newTestConfig()
	cfg.AuthEnabled = true
	cfg.Upstream = config.UpstreamConfig{
		Type:         "oidc",
		Issuer:       m.Issuer(),
		ClientID:     m.Config().ClientID,
		ClientSecret: m.Config().ClientSecret,
		Scopes:       []string{"openid", "profile", "email"},
	}

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	// Discovery documents are served.
	resp, err := http.Get(ts.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	var asMetadata struct {
		Issuer                string `json:"issuer"`
		AuthorizationEndpoint string `json:"authorization_endpoint"`
		TokenEndpoint         string `json:"token_endpoint"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&asMetadata))
	resp.Body.Close()
	assert.Equal(t, cfg.PublicURL, asMetadata.Issuer)
	assert.Equal(t, cfg.PublicURL+"/oauth/authorize", asMetadata.AuthorizationEndpoint)

	resp, err = http.Get(ts.URL + "/.well-known/oauth-protected-resource")
	require.NoError(t, err)
	var prMetadata struct {
		Resource             string   `json:"resource"`
		AuthorizationServers []string `json:"authorization_servers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&prMetadata))
	resp.Body.Close()
	assert.Equal(t, []string{cfg.PublicURL}, prMetadata.AuthorizationServers)

	// An unauthenticated MCP request is challenged.
	resp, err = http.Post(ts.URL+"/mcp", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "resource_metadata")

	// Register a client.
	dcrBody := `{"client_name": "test client", "redirect_uris": ["http://127.0.0.1:9876/cb"]}`
	resp, err = http.Post(ts.URL+"/oauth/register", "application/json", strings.NewReader(dcrBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var dcr struct {
		ClientID string `json:"client_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dcr))
	resp.Body.Close()
	require.NotEmpty(t, dcr.ClientID)

	// Start the authorization flow with PKCE.
	verifier := oauth2.GenerateVerifier()
	authorizeURL := ts.URL + "/oauth/authorize?" + url.Values{
		"response_type":         {"code"},
		"client_id":             {dcr.ClientID},
		"redirect_uri":          {"http://127.0.0.1:9876/cb"},
		"state":                 {"client-state-42"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}.Encode()

	resp = noRedirectGet(t, authorizeURL)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	upstreamAuthorize := resp.Header.Get("Location")
	require.Contains(t, upstreamAuthorize, m.Issuer())

	// The upstream IDP approves and redirects back to the relay callback.
	resp = noRedirectGet(t, upstreamAuthorize)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	callbackLocation, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/oauth/callback", callbackLocation.Path)

	resp = noRedirectGet(t, ts.URL+"/oauth/callback?"+callbackLocation.RawQuery)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	clientRedirect, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "client-state-42", clientRedirect.Query().Get("state"))
	localCode := clientRedirect.Query().Get("code")
	require.NotEmpty(t, localCode)

	// Redeem the local code for upstream tokens.
	resp, err = http.PostForm(ts.URL+"/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {localCode},
		"client_id":     {dcr.ClientID},
		"code_verifier": {verifier},
	})
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, "token endpoint returned: %s", body)

	var tokens struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	require.NoError(t, json.Unmarshal(body, &tokens))
	require.NotEmpty(t, tokens.AccessToken)
	assert.True(t, strings.EqualFold("bearer", tokens.TokenType))
	assert.Positive(t, tokens.ExpiresIn)

	// The access token opens the MCP endpoint.
	mcpClient, err := client.NewStreamableHttpClient(ts.URL+"/mcp",
		transport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + tokens.AccessToken,
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mcpClient.Close() })

	ctx := context.Background()
	require.NoError(t, mcpClient.Start(ctx))

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "1.0.0"}
	_, err = mcpClient.Initialize(ctx, initRequest)
	require.NoError(t, err)

	callRequest := mcp.CallToolRequest{}
	callRequest.Params.Name = "echo"
	callRequest.Params.Arguments = map[string]any{"message": "authenticated"}
	result, err := mcpClient.CallTool(ctx, callRequest)
	require.NoError(t, err)
	require.False(t, result.IsError)

	// A garbage token is still rejected.
	resp, err = http.Post(ts.URL+"/mcp", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEmailFilterBlocksDisallowedUser(t *testing.T) {
	t.Parallel()

	m, err := mockoidc.Run()
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown() })
	m.QueueUser(&subjectUser{mockoidc.DefaultUser()})

	cfg := newTestConfig()
	cfg.AuthEnabled = true
	cfg.AllowedEmails = "someone.else@example.com"
	cfg.Upstream = config.UpstreamConfig{
		Type:         "oidc",
		Issuer:       m.Issuer(),
		ClientID:     m.Config().ClientID,
		ClientSecret: m.Config().ClientSecret,
		Scopes:       []string{"openid", "profile", "email"},
	}

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	token := obtainAccessToken(t, ts.URL)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/mcp", strings.NewReader("{}"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	// mockoidc's default user is jane.doe@example.com, not on the list.
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// obtainAccessToken walks the full relay flow with an auto-registered
// client and returns the upstream access token.
func obtainAccessToken(t *testing.T, baseURL string) string {
	t.Helper()

	dcrBody := `{"redirect_uris": ["http://127.0.0.1:9876/cb"]}`
	resp, err := http.Post(baseURL+"/oauth/register", "application/json", strings.NewReader(dcrBody))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var dcr struct {
		ClientID string `json:"client_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dcr))
	resp.Body.Close()

	verifier := oauth2.GenerateVerifier()
	resp = noRedirectGet(t, baseURL+"/oauth/authorize?"+url.Values{
		"response_type":         {"code"},
		"client_id":             {dcr.ClientID},
		"redirect_uri":          {"http://127.0.0.1:9876/cb"},
		"state":                 {"s"},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}.Encode())
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	resp = noRedirectGet(t, resp.Header.Get("Location"))
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	callbackLocation, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	resp = noRedirectGet(t, baseURL+"/oauth/callback?"+callbackLocation.RawQuery)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	clientRedirect, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)

	resp, err = http.PostForm(baseURL+"/oauth/token", url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {clientRedirect.Query().Get("code")},
		"client_id":     {dcr.ClientID},
		"code_verifier": {verifier},
	})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tokens struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tokens))
	require.NotEmpty(t, tokens.AccessToken)
	return tokens.AccessToken
}
