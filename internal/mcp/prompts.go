package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const browserWorkflowPromptName = "browser_workflow"

const browserWorkflowText = "You control one shared browser page. Start with browser_open, then use browser_info to confirm where you are. " +
	"Locate elements with css=, id=, text= or testid= locators and prefer stable test ids. " +
	"browser_click and browser_type wait for elements to appear, so do not poll. " +
	"Verify outcomes with browser_text (pass contains to wait for a value) and take a browser_screenshot when something looks wrong. " +
	"Use browser_cookies to inspect or seed a login session instead of typing credentials repeatedly."

func registerPrompts(mcpServer *mcp.Server) {
	for _, prompt := range PromptDefinitions() {
		mcpServer.AddPrompt(prompt, promptHandler())
	}
}

// PromptDefinitions returns the MCP prompts the server offers.
func PromptDefinitions() []*mcp.Prompt {
	return []*mcp.Prompt{
		{
			Name:        browserWorkflowPromptName,
			Title:       "Browser workflow",
			Description: "How to drive the shared browser page with the browser_* tools.",
		},
	}
}

func promptHandler() mcp.PromptHandler {
	return func(_ context.Context, _ *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		return &mcp.GetPromptResult{
			Description: "Browser workflow",
			Messages: []*mcp.PromptMessage{
				{
					Role:    mcp.Role("user"),
					Content: &mcp.TextContent{Text: browserWorkflowText},
				},
			},
		}, nil
	}
}
