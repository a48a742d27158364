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

package mcp

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Resource URIs served by this server.
const (
	SystemInfoResourceURI   = "system://info"
	ServerConfigResourceURI = "config://server"
	AuthStatusResourceURI   = "auth://status"
)

type systemInfo struct {
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	GoVersion     string `json:"go_version"`
	NumCPU        int    `json:"num_cpu"`
	PID           int    `json:"pid"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type serverConfig struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type authStatus struct {
	Enabled bool   `json:"enabled"`
	Issuer  string `json:"issuer,omitempty"`
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(mcp.NewResource(
		SystemInfoResourceURI,
		"System information",
		mcp.WithResourceDescription("Host and runtime information for the serving process"),
		mcp.WithMIMEType("application/json"),
	), s.handleSystemInfo)

	s.mcpServer.AddResource(mcp.NewResource(
		ServerConfigResourceURI,
		"Server configuration",
		mcp.WithResourceDescription("Name and version of this MCP server"),
		mcp.WithMIMEType("application/json"),
	), s.handleServerConfig)

	s.mcpServer.AddResource(mcp.NewResource(
		AuthStatusResourceURI,
		"Authentication status",
		mcp.WithResourceDescription("Whether this server requires authentication and the OAuth issuer to authenticate against"),
		mcp.WithMIMEType("application/json"),
	), s.handleAuthStatus)
}

func (s *Server) handleSystemInfo(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return jsonResourceContents(SystemInfoResourceURI, systemInfo{
		Hostname:      hostname,
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		GoVersion:     runtime.Version(),
		NumCPU:        runtime.NumCPU(),
		PID:           os.Getpid(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) handleServerConfig(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResourceContents(ServerConfigResourceURI, serverConfig{
		Name:    s.config.Name,
		Version: s.config.Version,
	})
}

func (s *Server) handleAuthStatus(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResourceContents(AuthStatusResourceURI, authStatus{
		Enabled: s.config.AuthEnabled,
		Issuer:  s.config.Issuer,
	})
}

func jsonResourceContents(uri string, data any) ([]mcp.ResourceContents, error) {
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(encoded),
		},
	}, nil
}
