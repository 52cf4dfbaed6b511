package mcp

import "github.com/modelcontextprotocol/go-sdk/mcp"

// Tool names.
const (
	ToolOpen       = "browser_open"
	ToolClick      = "browser_click"
	ToolType       = "browser_type"
	ToolText       = "browser_text"
	ToolScreenshot = "browser_screenshot"
	ToolCookies    = "browser_cookies"
	ToolInfo       = "browser_info"
)

const locatorHelp = "Element locator. Prefix with a strategy (css=, xpath=, id=, name=, text=, testid=); a bare value is a CSS selector."

func locatorProp() map[string]any {
	return map[string]any{"type": "string", "description": locatorHelp}
}

// ToolDefinitions returns the browser tool definitions.
func ToolDefinitions() []*mcp.Tool {
	return []*mcp.Tool{
		{
			Name:        ToolOpen,
			Description: "Browser tool. Navigate the shared browser page to a URL. Relative paths resolve against the configured base URL. Returns the loaded page's URL and title.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "Absolute URL, or a path relative to the base URL",
					},
				},
				"required":             []string{"url"},
				"additionalProperties": false,
			},
		},
		{
			Name:        ToolClick,
			Description: "Browser tool. Click an element, waiting for it to become visible and enabled first. Stale or not-yet-rendered elements are retried until the session timeout. Returns the page URL and title after the click.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"locator": locatorProp(),
				},
				"required":             []string{"locator"},
				"additionalProperties": false,
			},
		},
		{
			Name:        ToolType,
			Description: "Browser tool. Type text into an input element. Set clear to true to empty the field first. Text typed into password or token fields is never logged.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"locator": locatorProp(),
					"text": map[string]any{
						"type":        "string",
						"description": "Text to type",
					},
					"clear": map[string]any{
						"type":        "boolean",
						"description": "Clear the field before typing (default false)",
					},
				},
				"required":             []string{"locator", "text"},
				"additionalProperties": false,
			},
		},
		{
			Name:        ToolText,
			Description: "Browser tool. Read the visible text of an element. Pass contains to wait until the text includes that substring; the call fails with deadline_exceeded if it never does.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"locator": locatorProp(),
					"contains": map[string]any{
						"type":        "string",
						"description": "Optional substring to wait for",
					},
				},
				"required":             []string{"locator"},
				"additionalProperties": false,
			},
		},
		{
			Name:        ToolScreenshot,
			Description: "Browser tool. Capture a PNG screenshot of the viewport, or of one element when locator is given. Returns the image.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"locator": locatorProp(),
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        ToolCookies,
			Description: "Browser tool. Manage cookies of the current page. action is one of list (default), get, set, delete, clear. Values of session, auth and token cookies are redacted in list output.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{
						"type": "string",
						"enum": []string{"list", "get", "set", "delete", "clear"},
					},
					"name":  map[string]any{"type": "string"},
					"value": map[string]any{"type": "string"},
					"domain": map[string]any{
						"type":        "string",
						"description": "Defaults to the current page's host",
					},
					"path":      map[string]any{"type": "string"},
					"secure":    map[string]any{"type": "boolean"},
					"http_only": map[string]any{"type": "boolean"},
					"same_site": map[string]any{
						"type": "string",
						"enum": []string{"Strict", "Lax", "None"},
					},
					"max_age_seconds": map[string]any{
						"type":        "integer",
						"description": "Lifetime of a set cookie; omit for a session cookie",
						"minimum":     0,
					},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        ToolInfo,
			Description: "Browser tool. Report the current page URL and title. Set metrics to true to include navigation timings (time to first byte, DOMContentLoaded, load) and the resource count.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"metrics": map[string]any{
						"type":        "boolean",
						"description": "Include navigation timings (default false)",
					},
				},
				"additionalProperties": false,
			},
		},
	}
}
