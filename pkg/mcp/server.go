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

// Package mcp implements the protected MCP server: a small set of tools,
// resources and prompts served over streamable HTTP or stdio. When served
// over HTTP the handler is mounted behind the bearer token gate, so every
// request reaching it carries a validated identity.
package mcp

import (
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
)

// Config describes the served MCP endpoint.
type Config struct {
	// Name and Version identify the server in the initialize response.
	Name    string
	Version string

	// AuthEnabled and Issuer feed the auth://status resource so clients
	// can discover whether and where to authenticate.
	AuthEnabled bool
	Issuer      string
}

// Server wraps an MCP server with the relay's tools, resources and prompts
// registered.
type Server struct {
	config    Config
	mcpServer *server.MCPServer
	startTime time.Time
}

// New creates a Server with all tools, resources and prompts registered.
func New(config Config) *Server {
	mcpServer := server.NewMCPServer(
		config.Name,
		config.Version,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithPromptCapabilities(false),
		server.WithLogging(),
	)

	s := &Server{
		config:    config,
		mcpServer: mcpServer,
		startTime: time.Now(),
	}

	s.registerTools()
	s.registerResources()
	s.registerPrompts()

	return s
}

// Handler returns the streamable HTTP transport for this server, rooted at
// /mcp. Mount it behind the authentication middleware chain.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(
		s.mcpServer,
		server.WithEndpointPath("/mcp"),
	)
}

// ServeStdio serves the MCP protocol on stdin/stdout. It blocks until the
// client disconnects or the process receives a termination signal.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}
