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

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt("code-review",
		mcp.WithPromptDescription("Review a piece of code for correctness, style and maintainability"),
		mcp.WithArgument("code",
			mcp.ArgumentDescription("The code to review"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("language",
			mcp.ArgumentDescription("Programming language of the code"),
		),
	), handleCodeReviewPrompt)

	s.mcpServer.AddPrompt(mcp.NewPrompt("explain-code",
		mcp.WithPromptDescription("Explain what a piece of code does"),
		mcp.WithArgument("code",
			mcp.ArgumentDescription("The code to explain"),
			mcp.RequiredArgument(),
		),
	), handleExplainCodePrompt)

	s.mcpServer.AddPrompt(mcp.NewPrompt("generate-test",
		mcp.WithPromptDescription("Generate unit tests for a piece of code"),
		mcp.WithArgument("code",
			mcp.ArgumentDescription("The code to generate tests for"),
			mcp.RequiredArgument(),
		),
		mcp.WithArgument("framework",
			mcp.ArgumentDescription("Test framework to target"),
		),
	), handleGenerateTestPrompt)
}

func promptArgument(request mcp.GetPromptRequest, name string) (string, error) {
	value, ok := request.Params.Arguments[name]
	if !ok || value == "" {
		return "", fmt.Errorf("missing required argument %q", name)
	}
	return value, nil
}

func userPromptResult(description, text string) *mcp.GetPromptResult {
	return mcp.NewGetPromptResult(description, []mcp.PromptMessage{
		mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(text)),
	})
}

func handleCodeReviewPrompt(_ context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	code, err := promptArgument(request, "code")
	if err != nil {
		return nil, err
	}

	language := request.Params.Arguments["language"]
	if language == "" {
		language = "the relevant language"
	}

	text := fmt.Sprintf(
		"Review the following code written in %s. Point out bugs, unclear naming, "+
			"missing error handling and style issues, and suggest concrete improvements.\n\n%s",
		language, code)

	return userPromptResult("Code review request", text), nil
}

func handleExplainCodePrompt(_ context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	code, err := promptArgument(request, "code")
	if err != nil {
		return nil, err
	}

	text := fmt.Sprintf(
		"Explain what the following code does, step by step, for a developer who has "+
			"never seen it before.\n\n%s",
		code)

	return userPromptResult("Code explanation request", text), nil
}

func handleGenerateTestPrompt(_ context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	code, err := promptArgument(request, "code")
	if err != nil {
		return nil, err
	}

	framework := request.Params.Arguments["framework"]
	if framework == "" {
		framework = "the language's standard testing tools"
	}

	text := fmt.Sprintf(
		"Write unit tests for the following code using %s. Cover the happy path, "+
			"error cases and edge cases.\n\n%s",
		framework, code)

	return userPromptResult("Test generation request", text), nil
}
