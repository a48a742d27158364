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
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestClient(t *testing.T) *client.Client {
	t.Helper()

	s := New(Config{
		Name:        "relaygate-test",
		Version:     "0.0.1",
		AuthEnabled: true,
		Issuer:      "http://127.0.0.1:4680",
	})

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	mcpClient, err := client.NewStreamableHttpClient(ts.URL + "/mcp")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mcpClient.Start(ctx))
	t.Cleanup(func() { _ = mcpClient.Close() })

	initRequest := mcp.InitializeRequest{}
	initRequest.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initRequest.Params.ClientInfo = mcp.Implementation{Name: "test-client", Version: "1.0.0"}

	initResult, err := mcpClient.Initialize(ctx, initRequest)
	require.NoError(t, err)
	require.Equal(t, "relaygate-test", initResult.ServerInfo.Name)

	return mcpClient
}

func callTool(t *testing.T, c *client.Client, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	request := mcp.CallToolRequest{}
	request.Params.Name = name
	request.Params.Arguments = args

	result, err := c.CallTool(context.Background(), request)
	require.NoError(t, err)
	return result
}

func textContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", result.Content[0])
	return text.Text
}

func TestListTools(t *testing.T) {
	t.Parallel()

	c := startTestClient(t)

	result, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"echo", "get_timestamp"}, names)
}

func TestEchoTool(t *testing.T) {
	t.Parallel()

	c := startTestClient(t)

	result := callTool(t, c, "echo", map[string]any{"message": "hello relay"})
	assert.False(t, result.IsError)
	assert.Equal(t, "hello relay", textContent(t, result))
}

func TestEchoToolMissingMessage(t *testing.T) {
	t.Parallel()

	c := startTestClient(t)

	result := callTool(t, c, "echo", nil)
	assert.True(t, result.IsError)
}

func TestGetTimestampTool(t *testing.T) {
	t.Parallel()

	c := startTestClient(t)

	t.Run("default is RFC 3339", func(t *testing.T) {
		result := callTool(t, c, "get_timestamp", nil)
		require.False(t, result.IsError)

		_, err := time.Parse(time.RFC3339, textContent(t, result))
		assert.NoError(t, err)
	})

	t.Run("unix", func(t *testing.T) {
		result := callTool(t, c, "get_timestamp", map[string]any{"format": "unix"})
		require.False(t, result.IsError)

		seconds, err := strconv.ParseInt(textContent(t, result), 10, 64)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), time.Unix(seconds, 0), time.Minute)
	})

	t.Run("readable", func(t *testing.T) {
		result := callTool(t, c, "get_timestamp", map[string]any{"format": "readable"})
		require.False(t, result.IsError)

		_, err := time.Parse(time.RFC1123, textContent(t, result))
		assert.NoError(t, err)
	})

	t.Run("unknown format", func(t *testing.T) {
		result := callTool(t, c, "get_timestamp", map[string]any{"format": "stardate"})
		assert.True(t, result.IsError)
	})
}

func readJSONResource(t *testing.T, c *client.Client, uri string, target any) {
	t.Helper()

	request := mcp.ReadResourceRequest{}
	request.Params.URI = uri

	result, err := c.ReadResource(context.Background(), request)
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)

	contents, ok := result.Contents[0].(mcp.TextResourceContents)
	require.True(t, ok, "expected text resource contents, got %T", result.Contents[0])
	require.Equal(t, "application/json", contents.MIMEType)
	require.NoError(t, json.Unmarshal([]byte(contents.Text), target))
}

func TestResources(t *testing.T) {
	t.Parallel()

	c := startTestClient(t)

	listed, err := c.ListResources(context.Background(), mcp.ListResourcesRequest{})
	require.NoError(t, err)

	uris := make([]string, 0, len(listed.Resources))
	for _, r := range listed.Resources {
		uris = append(uris, r.URI)
	}
	assert.ElementsMatch(t, []string{
		SystemInfoResourceURI, ServerConfigResourceURI, AuthStatusResourceURI,
	}, uris)

	var info systemInfo
	readJSONResource(t, c, SystemInfoResourceURI, &info)
	assert.NotEmpty(t, info.OS)
	assert.NotEmpty(t, info.GoVersion)
	assert.NotZero(t, info.PID)

	var cfg serverConfig
	readJSONResource(t, c, ServerConfigResourceURI, &cfg)
	assert.Equal(t, "relaygate-test", cfg.Name)
	assert.Equal(t, "0.0.1", cfg.Version)

	var auth authStatus
	readJSONResource(t, c, AuthStatusResourceURI, &auth)
	assert.True(t, auth.Enabled)
	assert.Equal(t, "http://127.0.0.1:4680", auth.Issuer)
}

func TestPrompts(t *testing.T) {
	t.Parallel()

	c := startTestClient(t)
	ctx := context.Background()

	listed, err := c.ListPrompts(ctx, mcp.ListPromptsRequest{})
	require.NoError(t, err)

	names := make([]string, 0, len(listed.Prompts))
	for _, p := range listed.Prompts {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, []string{"code-review", "explain-code", "generate-test"}, names)

	request := mcp.GetPromptRequest{}
	request.Params.Name = "code-review"
	request.Params.Arguments = map[string]string{
		"code":     "func add(a, b int) int { return a + b }",
		"language": "Go",
	}

	result, err := c.GetPrompt(ctx, request)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, mcp.RoleUser, result.Messages[0].Role)

	text, ok := result.Messages[0].Content.(mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "func add")
	assert.Contains(t, text.Text, "Go")

	// A prompt with its required argument missing is a protocol error.
	missing := mcp.GetPromptRequest{}
	missing.Params.Name = "explain-code"
	_, err = c.GetPrompt(ctx, missing)
	assert.Error(t, err)
}
