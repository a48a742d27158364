// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the relaygate runtime configuration from the
// environment. All settings are environment variables; flags set by the CLI
// (e.g. --debug) are bound through viper in cmd/relaygate/app.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

// Transport identifies how the MCP server is exposed.
type Transport string

const (
	// TransportHTTP serves MCP over streamable HTTP behind the request gate.
	TransportHTTP Transport = "http"
	// TransportStdio serves MCP over stdin/stdout with no HTTP surface.
	TransportStdio Transport = "stdio"
)

// UpstreamConfig describes the upstream identity provider the relay
// delegates to.
type UpstreamConfig struct {
	// Type selects the provider client: "oidc" (discovery from Issuer) or
	// "oauth2" (explicit endpoints).
	Type string

	// Issuer is the OIDC issuer URL. Required when Type is "oidc".
	Issuer string

	// AuthorizeEndpoint, TokenEndpoint and UserInfoEndpoint are the explicit
	// provider endpoints. Required when Type is "oauth2"; ignored for "oidc".
	AuthorizeEndpoint string
	TokenEndpoint     string
	UserInfoEndpoint  string

	// ClientID and ClientSecret are the credentials the relay uses with the
	// upstream provider.
	ClientID     string
	ClientSecret string

	// Scopes are the scopes requested from the upstream provider when the
	// client does not ask for any.
	Scopes []string
}

// Config is the full relaygate runtime configuration.
type Config struct {
	// ServerName and ServerVersion identify the MCP server to clients.
	ServerName    string
	ServerVersion string

	// Transport selects http or stdio.
	Transport Transport

	// Host and Port are the HTTP bind address.
	Host string
	Port int

	// PublicURL is the externally reachable base URL of this server. It is
	// used for the upstream redirect URI, discovery documents and the
	// WWW-Authenticate realm. Defaults to http://{Host}:{Port}.
	PublicURL string

	// AuthEnabled gates the whole OAuth surface. When false the MCP
	// endpoints are served unauthenticated and the relay routes are not
	// mounted.
	AuthEnabled bool

	// AllowUnregisteredClients accepts authorization requests from client
	// IDs that were never registered, auto-registering "mcp_"-prefixed ones
	// on first sight. This weakens client authentication; off by default.
	AllowUnregisteredClients bool

	// Upstream is the upstream identity provider configuration.
	Upstream UpstreamConfig

	// FilterByIP is a comma-separated allowlist of client IPs and CIDR
	// ranges. Empty means no IP filtering.
	FilterByIP string

	// AllowedEmails is a comma-separated allowlist of authenticated user
	// emails. Empty means all authenticated users are allowed.
	AllowedEmails string
}

var envBindings = map[string]string{
	"server_name":                "MCP_SERVER_NAME",
	"server_version":             "MCP_SERVER_VERSION",
	"transport_type":             "TRANSPORT_TYPE",
	"http_host":                  "HTTP_HOST",
	"http_port":                  "HTTP_PORT",
	"public_url":                 "PUBLIC_URL",
	"auth_enabled":               "AUTH_ENABLED",
	"allow_unregistered_clients": "OAUTH_ALLOW_UNREGISTERED_CLIENTS",
	"oauth_provider_type":        "OAUTH_PROVIDER_TYPE",
	"oauth_issuer":               "OAUTH_ISSUER",
	"oauth_authorize_url":        "OAUTH_AUTHORIZE_URL",
	"oauth_token_url":            "OAUTH_TOKEN_URL",
	"oauth_userinfo_url":         "OAUTH_USERINFO_URL",
	"oauth_client_id":            "OAUTH_CLIENT_ID",
	"oauth_client_secret":        "OAUTH_CLIENT_SECRET",
	"oauth_scopes":               "OAUTH_SCOPES",
	"filter_by_ip":               "FILTER_BY_IP",
	"allowed_emails":             "ALLOWED_EMAILS",
}

// Load reads the configuration from the environment, applies defaults and
// validates the result.
func Load() (*Config, error) {
	v := viper.New()
	for key, env := range envBindings {
		// BindEnv only fails on an empty key, which cannot happen here.
		_ = v.BindEnv(key, env)
	}

	v.SetDefault("server_name", "relaygate")
	v.SetDefault("server_version", "0.1.0")
	v.SetDefault("transport_type", string(TransportHTTP))
	v.SetDefault("http_host", "127.0.0.1")
	v.SetDefault("http_port", 4680)
	v.SetDefault("oauth_provider_type", "oidc")
	v.SetDefault("oauth_scopes", "openid profile email")

	cfg := &Config{
		ServerName:               v.GetString("server_name"),
		ServerVersion:            v.GetString("server_version"),
		Transport:                Transport(strings.ToLower(v.GetString("transport_type"))),
		Host:                     v.GetString("http_host"),
		Port:                     v.GetInt("http_port"),
		PublicURL:                strings.TrimSuffix(v.GetString("public_url"), "/"),
		AuthEnabled:              v.GetBool("auth_enabled"),
		AllowUnregisteredClients: v.GetBool("allow_unregistered_clients"),
		Upstream: UpstreamConfig{
			Type:              strings.ToLower(v.GetString("oauth_provider_type")),
			Issuer:            v.GetString("oauth_issuer"),
			AuthorizeEndpoint: v.GetString("oauth_authorize_url"),
			TokenEndpoint:     v.GetString("oauth_token_url"),
			UserInfoEndpoint:  v.GetString("oauth_userinfo_url"),
			ClientID:          v.GetString("oauth_client_id"),
			ClientSecret:      v.GetString("oauth_client_secret"),
			Scopes:            strings.Fields(v.GetString("oauth_scopes")),
		},
		FilterByIP:    v.GetString("filter_by_ip"),
		AllowedEmails: v.GetString("allowed_emails"),
	}

	if cfg.PublicURL == "" {
		cfg.PublicURL = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportHTTP, TransportStdio:
	default:
		return fmt.Errorf("unsupported transport type %q (must be %q or %q)",
			c.Transport, TransportHTTP, TransportStdio)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid HTTP port %d", c.Port)
	}

	if _, err := url.Parse(c.PublicURL); err != nil {
		return fmt.Errorf("invalid public URL: %w", err)
	}

	if !c.AuthEnabled {
		return nil
	}

	up := &c.Upstream
	if up.ClientID == "" {
		return errors.New("OAUTH_CLIENT_ID is required when AUTH_ENABLED=true")
	}

	switch up.Type {
	case "oidc":
		if up.Issuer == "" {
			return errors.New("OAUTH_ISSUER is required for the oidc provider type")
		}
	case "oauth2":
		if up.AuthorizeEndpoint == "" || up.TokenEndpoint == "" {
			return errors.New("OAUTH_AUTHORIZE_URL and OAUTH_TOKEN_URL are required for the oauth2 provider type")
		}
		if up.UserInfoEndpoint == "" {
			return errors.New("OAUTH_USERINFO_URL is required for the oauth2 provider type")
		}
	default:
		return fmt.Errorf("unsupported OAuth provider type %q (must be oidc or oauth2)", up.Type)
	}

	return nil
}

// RedirectURI returns the relay's own callback URL registered with the
// upstream provider.
func (c *Config) RedirectURI() string {
	return c.PublicURL + "/oauth/callback"
}
