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
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Timestamp formats accepted by the get_timestamp tool.
const (
	timestampFormatISO      = "iso"
	timestampFormatUnix     = "unix"
	timestampFormatReadable = "readable"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.Tool{
		Name:        "echo",
		Description: "Echo back the provided message",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"message": map[string]any{
					"type":        "string",
					"description": "Message to echo back",
				},
			},
			Required: []string{"message"},
		},
	}, s.handleEcho)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        "get_timestamp",
		Description: "Get the current server time in the requested format",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"format": map[string]any{
					"type":        "string",
					"description": "Output format: iso (RFC 3339), unix (seconds since epoch) or readable",
					"enum":        []string{timestampFormatISO, timestampFormatUnix, timestampFormatReadable},
				},
			},
		},
	}, s.handleGetTimestamp)
}

func (*Server) handleEcho(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	message, err := request.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(message), nil
}

func (*Server) handleGetTimestamp(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	now := time.Now()

	switch format := request.GetString("format", timestampFormatISO); format {
	case timestampFormatISO:
		return mcp.NewToolResultText(now.Format(time.RFC3339)), nil
	case timestampFormatUnix:
		return mcp.NewToolResultText(fmt.Sprintf("%d", now.Unix())), nil
	case timestampFormatReadable:
		return mcp.NewToolResultText(now.Format(time.RFC1123)), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown timestamp format %q", format)), nil
	}
}
