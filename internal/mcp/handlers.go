package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kuitang/webprobe/internal/browser"
	"github.com/kuitang/webprobe/internal/driver"
	"github.com/kuitang/webprobe/internal/errs"
	"github.com/kuitang/webprobe/internal/logutil"
	"github.com/kuitang/webprobe/internal/obs"
	"github.com/kuitang/webprobe/internal/urlutil"
)

// SessionFunc starts the browser session the tools drive.
type SessionFunc func(ctx context.Context) (*browser.Session, error)

// Handler runs tool calls against one lazily started browser session.
// Calls are serialized; a page is not safe for concurrent driving.
type Handler struct {
	mu      sync.Mutex
	start   SessionFunc
	session *browser.Session
}

// NewHandler returns a handler that calls start on the first tool call.
func NewHandler(start SessionFunc) *Handler {
	return &Handler{start: start}
}

// Close closes the session if one was started.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return nil
	}
	err := h.session.Close()
	h.session = nil
	return err
}

// sessionLocked returns the live session, starting it if needed. h.mu must
// be held.
func (h *Handler) sessionLocked(ctx context.Context) (*browser.Session, error) {
	if h.session != nil {
		return h.session, nil
	}
	if h.start == nil {
		return nil, errs.New(errs.FailedPrecondition, "no browser is configured for this server")
	}
	s, err := h.start(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "start browser: "+err.Error(), err)
	}
	h.session = s
	return s, nil
}

// createToolHandler adapts HandleToolCall to the SDK's typed handler.
func (h *Handler) createToolHandler(name string) func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, args map[string]any) (*mcp.CallToolResult, any, error) {
		result, err := h.HandleToolCall(ctx, name, args)
		return result, nil, err
	}
}

// HandleToolCall routes a tool call. Tool failures are reported as error
// results, never as protocol errors.
func (h *Handler) HandleToolCall(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	log := obs.From(ctx).With("pkg", "mcp", "tool", name)
	start := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	var (
		result *mcp.CallToolResult
		err    error
	)
	switch name {
	case ToolOpen:
		result, err = h.handleOpen(ctx, args)
	case ToolClick:
		result, err = h.handleClick(ctx, args)
	case ToolType:
		result, err = h.handleType(ctx, args)
	case ToolText:
		result, err = h.handleText(ctx, args)
	case ToolScreenshot:
		result, err = h.handleScreenshot(ctx, args)
	case ToolCookies:
		result, err = h.handleCookies(ctx, args)
	case ToolInfo:
		result, err = h.handleInfo(ctx, args)
	default:
		err = errs.New(errs.InvalidArgument, fmt.Sprintf("unknown tool: %s", name))
	}

	if err != nil {
		code := classifyToolError(err)
		log.Warn("tool_failed", "code", code, "error", err, "dur_ms", time.Since(start).Milliseconds())
		if errors.Is(err, driver.ErrSessionClosed) && h.session != nil {
			// Let the next call start a fresh browser.
			_ = h.session.Close()
			h.session = nil
		}
		return newToolResultError(code, toolErrorMessage(code, err)), nil
	}
	log.Info("tool_ok", "dur_ms", time.Since(start).Milliseconds())
	return result, nil
}

// toolErrorPayload is the JSON body of an error result.
type toolErrorPayload struct {
	Error toolError `json:"error"`
}

type toolError struct {
	Code    errs.Code `json:"code"`
	Message string    `json:"message"`
}

func newToolResultText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: text},
		},
	}
}

func newToolResultJSON(value any) *mcp.CallToolResult {
	return newToolResultText(marshalToolJSON(value))
}

func newToolResultError(code errs.Code, message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: marshalToolJSON(toolErrorPayload{Error: toolError{Code: code, Message: message}})},
		},
		IsError: true,
	}
}

func marshalToolJSON(value any) string {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error":{"code":"internal","message":%q}}`, "failed to marshal response: "+err.Error())
	}
	return string(data)
}

// classifyToolError maps driver sentinels onto error codes; coded errors
// keep their code.
func classifyToolError(err error) errs.Code {
	var coded *errs.Error
	if errors.As(err, &coded) && coded.Code != "" {
		return coded.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, driver.ErrTimeout):
		return errs.DeadlineExceeded
	case errors.Is(err, driver.ErrNoSuchElement):
		return errs.NotFound
	case errors.Is(err, driver.ErrNotInteractable), errors.Is(err, driver.ErrNotVisible),
		errors.Is(err, driver.ErrClickIntercepted), errors.Is(err, driver.ErrStaleElement):
		return errs.FailedPrecondition
	case errors.Is(err, driver.ErrSessionClosed):
		return errs.Unavailable
	case errors.Is(err, driver.ErrUnsupported):
		return errs.Unimplemented
	default:
		return errs.Internal
	}
}

// toolErrorMessage keeps driver detail for classified failures, which help
// the caller pick another locator, and hides it for internal ones.
func toolErrorMessage(code errs.Code, err error) string {
	if code == errs.Internal {
		return errs.MessageOf(err)
	}
	return err.Error()
}

// decodeToolArgs decodes args into dst, rejecting unknown fields.
func decodeToolArgs(args map[string]any, dst any) error {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "invalid arguments", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errs.Wrap(errs.InvalidArgument, "invalid arguments: "+err.Error(), err)
	}
	return nil
}

func requireLocator(locator string) (driver.By, error) {
	if locator == "" {
		return driver.By{}, errs.New(errs.InvalidArgument, "locator is required")
	}
	return driver.ParseBy(locator), nil
}

func (h *Handler) pageResult(ctx context.Context, s *browser.Session) (*mcp.CallToolResult, error) {
	info, err := s.PageInfo(ctx)
	if err != nil {
		return nil, err
	}
	return newToolResultJSON(info), nil
}

func (h *Handler) handleOpen(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	var in struct {
		URL string `json:"url"`
	}
	if err := decodeToolArgs(args, &in); err != nil {
		return nil, err
	}
	if in.URL == "" {
		return nil, errs.New(errs.InvalidArgument, "url is required")
	}
	s, err := h.sessionLocked(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Open(ctx, in.URL); err != nil {
		return nil, err
	}
	return h.pageResult(ctx, s)
}

func (h *Handler) handleClick(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	var in struct {
		Locator string `json:"locator"`
	}
	if err := decodeToolArgs(args, &in); err != nil {
		return nil, err
	}
	by, err := requireLocator(in.Locator)
	if err != nil {
		return nil, err
	}
	s, err := h.sessionLocked(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.Find(by).Click(ctx); err != nil {
		return nil, err
	}
	return h.pageResult(ctx, s)
}

func (h *Handler) handleType(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	var in struct {
		Locator string `json:"locator"`
		Text    string `json:"text"`
		Clear   bool   `json:"clear"`
	}
	if err := decodeToolArgs(args, &in); err != nil {
		return nil, err
	}
	by, err := requireLocator(in.Locator)
	if err != nil {
		return nil, err
	}
	s, err := h.sessionLocked(ctx)
	if err != nil {
		return nil, err
	}
	el := s.Find(by)
	if in.Clear {
		if err := el.Clear(ctx); err != nil {
			return nil, err
		}
	}
	if err := el.Type(ctx, in.Text); err != nil {
		return nil, err
	}
	obs.From(ctx).With("pkg", "mcp").Debug("typed", "locator", by.String(), "text", logutil.RedactTypedText(in.Locator, in.Text))
	return newToolResultJSON(map[string]any{"locator": by.String(), "typed_chars": len([]rune(in.Text))}), nil
}

func (h *Handler) handleText(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	var in struct {
		Locator  string `json:"locator"`
		Contains string `json:"contains"`
	}
	if err := decodeToolArgs(args, &in); err != nil {
		return nil, err
	}
	by, err := requireLocator(in.Locator)
	if err != nil {
		return nil, err
	}
	s, err := h.sessionLocked(ctx)
	if err != nil {
		return nil, err
	}
	el := s.Find(by)
	var text string
	if in.Contains != "" {
		text, err = el.WaitText(ctx, in.Contains)
	} else {
		text, err = el.Text(ctx)
	}
	if err != nil {
		return nil, err
	}
	return newToolResultJSON(map[string]any{"locator": by.String(), "text": text}), nil
}

func (h *Handler) handleScreenshot(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	var in struct {
		Locator string `json:"locator"`
	}
	if err := decodeToolArgs(args, &in); err != nil {
		return nil, err
	}
	s, err := h.sessionLocked(ctx)
	if err != nil {
		return nil, err
	}
	var png []byte
	if in.Locator != "" {
		png, err = s.Find(driver.ParseBy(in.Locator)).Screenshot(ctx)
	} else {
		png, err = s.Screenshot(ctx)
	}
	if err != nil {
		return nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.ImageContent{Data: png, MIMEType: "image/png"},
			&mcp.TextContent{Text: fmt.Sprintf("screenshot (%s)", humanize.Bytes(uint64(len(png))))},
		},
	}, nil
}

type cookieArgs struct {
	Action        string `json:"action"`
	Name          string `json:"name"`
	Value         string `json:"value"`
	Domain        string `json:"domain"`
	Path          string `json:"path"`
	Secure        bool   `json:"secure"`
	HTTPOnly      bool   `json:"http_only"`
	SameSite      string `json:"same_site"`
	MaxAgeSeconds int    `json:"max_age_seconds"`
}

func (h *Handler) handleCookies(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	var in cookieArgs
	if err := decodeToolArgs(args, &in); err != nil {
		return nil, err
	}
	if in.Action == "" {
		in.Action = "list"
	}
	needName := in.Action == "get" || in.Action == "set" || in.Action == "delete"
	if needName && in.Name == "" {
		return nil, errs.New(errs.InvalidArgument, "name is required for "+in.Action)
	}
	if in.MaxAgeSeconds < 0 {
		return nil, errs.New(errs.InvalidArgument, "max_age_seconds must not be negative")
	}

	s, err := h.sessionLocked(ctx)
	if err != nil {
		return nil, err
	}
	jar := s.Cookies()

	switch in.Action {
	case "list":
		cookies, err := jar.All(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]driver.Cookie, len(cookies))
		for i, c := range cookies {
			c.Value = logutil.RedactValue(c.Name, c.Value)
			out[i] = c
		}
		return newToolResultJSON(map[string]any{"count": len(out), "cookies": out}), nil
	case "get":
		c, err := jar.Get(ctx, in.Name)
		if err != nil {
			return nil, err
		}
		return newToolResultJSON(c), nil
	case "set":
		c := driver.Cookie{
			Name:     in.Name,
			Value:    in.Value,
			Domain:   in.Domain,
			Path:     in.Path,
			Secure:   in.Secure,
			HTTPOnly: in.HTTPOnly,
			SameSite: in.SameSite,
		}
		if c.Domain == "" {
			if u, err := s.URL(ctx); err == nil {
				c.Domain = urlutil.Host(u)
			}
		}
		if in.MaxAgeSeconds > 0 {
			c.Expires = time.Now().Add(time.Duration(in.MaxAgeSeconds) * time.Second).UTC()
		}
		if err := jar.Add(ctx, c); err != nil {
			return nil, err
		}
		return newToolResultJSON(map[string]any{"set": c.Name, "domain": c.Domain}), nil
	case "delete":
		if err := jar.Delete(ctx, in.Name); err != nil {
			return nil, err
		}
		return newToolResultJSON(map[string]any{"deleted": in.Name}), nil
	case "clear":
		if err := jar.Clear(ctx); err != nil {
			return nil, err
		}
		return newToolResultJSON(map[string]any{"cleared": true}), nil
	default:
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("unknown cookie action %q", in.Action))
	}
}

func (h *Handler) handleInfo(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	var in struct {
		Metrics bool `json:"metrics"`
	}
	if err := decodeToolArgs(args, &in); err != nil {
		return nil, err
	}
	s, err := h.sessionLocked(ctx)
	if err != nil {
		return nil, err
	}
	info, err := s.PageInfo(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"url":         info.URL,
		"title":       info.Title,
		"captured_at": info.CapturedAt,
		"engine":      s.Engine().Name(),
	}
	if in.Metrics {
		m, err := s.Metrics(ctx)
		if err != nil {
			return nil, err
		}
		out["metrics"] = map[string]any{
			"ttfb_ms":               m.TTFB.Milliseconds(),
			"dom_content_loaded_ms": m.DOMContentLoaded.Milliseconds(),
			"load_event_ms":         m.LoadEvent.Milliseconds(),
			"resource_count":        m.ResourceCount,
		}
	}
	return newToolResultJSON(out), nil
}
