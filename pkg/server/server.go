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

// Package server assembles the full HTTP surface of the relay: the OAuth
// endpoints, discovery documents, the gated MCP endpoint, metrics and
// health. It also drives the stdio transport when no HTTP surface is wanted.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/relaygate/pkg/auth"
	"github.com/stacklok/relaygate/pkg/config"
	"github.com/stacklok/relaygate/pkg/filter"
	"github.com/stacklok/relaygate/pkg/logger"
	"github.com/stacklok/relaygate/pkg/mcp"
	"github.com/stacklok/relaygate/pkg/relay"
	"github.com/stacklok/relaygate/pkg/telemetry"
	"github.com/stacklok/relaygate/pkg/upstream"
)

const (
	// readHeaderTimeout bounds header reads to prevent Slowloris attacks.
	readHeaderTimeout = 10 * time.Second

	// shutdownTimeout is the maximum time to wait for graceful shutdown.
	shutdownTimeout = 10 * time.Second
)

// Server is the assembled relay process.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	mcpServer  *mcp.Server
	metrics    *telemetry.Metrics

	// relay and validator are nil when authentication is disabled.
	relay     *relay.Router
	validator *auth.TokenValidator
}

// New builds a Server from the configuration. When authentication is enabled
// it connects to the upstream identity provider, which for OIDC involves
// fetching the discovery document.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{
		config:  cfg,
		metrics: telemetry.New(),
		mcpServer: mcp.New(mcp.Config{
			Name:        cfg.ServerName,
			Version:     cfg.ServerVersion,
			AuthEnabled: cfg.AuthEnabled,
			Issuer:      cfg.PublicURL,
		}),
	}

	if cfg.AuthEnabled {
		provider, err := upstream.NewProvider(ctx, &upstream.Config{
			Type:                  upstream.ProviderType(cfg.Upstream.Type),
			Issuer:                cfg.Upstream.Issuer,
			AuthorizationEndpoint: cfg.Upstream.AuthorizeEndpoint,
			TokenEndpoint:         cfg.Upstream.TokenEndpoint,
			UserInfoEndpoint:      cfg.Upstream.UserInfoEndpoint,
			ClientID:              cfg.Upstream.ClientID,
			ClientSecret:          cfg.Upstream.ClientSecret,
			RedirectURI:           cfg.RedirectURI(),
			Scopes:                cfg.Upstream.Scopes,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create upstream provider: %w", err)
		}

		s.relay = relay.NewRouter(&relay.Config{
			Issuer:                   cfg.PublicURL,
			AllowUnregisteredClients: cfg.AllowUnregisteredClients,
		}, provider)

		s.validator = auth.NewTokenValidator(
			provider,
			cfg.PublicURL,
			cfg.PublicURL+"/.well-known/oauth-protected-resource",
		)
		s.metrics.RegisterTokenCache(s.validator.CacheStats)
	}

	handler, err := s.routes()
	if err != nil {
		return nil, err
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s, nil
}

// routes builds the top-level router. The MCP endpoint sits behind the
// filter chain: IP filter, then the bearer token gate, then the email
// filter, which needs the identity the gate put in the context.
func (s *Server) routes() (http.Handler, error) {
	ipFilter, err := filter.NewIPFilter(s.config.FilterByIP)
	if err != nil {
		return nil, fmt.Errorf("invalid IP filter configuration: %w", err)
	}
	emailFilter := filter.NewEmailFilter(s.config.AllowedEmails)

	r := chi.NewRouter()
	r.Use(s.metrics.Middleware)

	r.Get("/health", healthHandler)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	if s.relay != nil {
		r.Mount("/oauth", s.relay.Routes())
		r.Get("/.well-known/oauth-authorization-server", s.relay.MetadataHandler)
		r.Method(http.MethodGet, "/.well-known/oauth-protected-resource",
			auth.NewAuthInfoHandler(s.config.PublicURL, s.config.PublicURL, s.config.Upstream.Scopes))
		r.Method(http.MethodOptions, "/.well-known/oauth-protected-resource",
			auth.NewAuthInfoHandler(s.config.PublicURL, s.config.PublicURL, s.config.Upstream.Scopes))
	}

	// Email filtering runs inside the gate so it sees the identity.
	mcpHandler := emailFilter.Middleware(s.mcpServer.Handler())
	if s.validator != nil {
		mcpHandler = s.validator.Middleware(mcpHandler)
	}
	mcpHandler = ipFilter.Middleware(mcpHandler)

	r.Handle("/mcp", mcpHandler)

	return r, nil
}

// Run serves until the context is cancelled or the transport fails. For the
// stdio transport it blocks until the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	if s.config.Transport == config.TransportStdio {
		logger.Infow("serving MCP over stdio", "server", s.config.ServerName)
		return s.mcpServer.ServeStdio()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("starting HTTP server",
			"addr", s.httpServer.Addr,
			"public_url", s.config.PublicURL,
			"auth_enabled", s.config.AuthEnabled,
		)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return s.Stop(context.Background())
	case err := <-errCh:
		logger.Errorw("HTTP server error", "error", err)
		if stopErr := s.Stop(context.Background()); stopErr != nil {
			return errors.Join(err, stopErr)
		}
		return err
	}
}

// Stop gracefully shuts down the HTTP server and releases the relay and
// validator resources.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown HTTP server: %w", err))
		}
	}

	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.validator != nil {
		if err := s.validator.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Handler exposes the assembled router. Used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
