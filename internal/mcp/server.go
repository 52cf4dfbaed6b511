package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kuitang/webprobe/internal/errs"
	"github.com/kuitang/webprobe/internal/logutil"
	"github.com/kuitang/webprobe/internal/obs"
	"github.com/kuitang/webprobe/internal/ratelimit"
)

const (
	maxMCPBodyBytes        = 1 << 20
	mcpLogBodyLimitChars   = 2048
	serverName             = "webprobe"
	serverVersion          = "1.0.0"
	internalErrorBody      = "Internal server error"
	noResponseWrittenError = "MCP handler returned without writing response"
)

// Options configure a Server.
type Options struct {
	// Token, when set, is required as a bearer token on every request.
	Token string
	// RateLimit throttles each client. Zero values use ratelimit.DefaultConfig.
	RateLimit ratelimit.Config
}

// Server exposes one browser session as MCP tools over Streamable HTTP.
type Server struct {
	mcpServer   *mcp.Server
	handler     *Handler
	httpHandler http.Handler
	limiter     *ratelimit.RateLimiter
	opts        Options
}

// NewServer creates a server whose tools drive the session returned by
// start. The session is started on the first tool call.
func NewServer(start SessionFunc, opts Options) *Server {
	handler := NewHandler(start)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    serverName,
			Version: serverVersion,
		},
		nil,
	)
	for _, tool := range ToolDefinitions() {
		mcp.AddTool(mcpServer, tool, handler.createToolHandler(tool.Name))
	}
	registerPrompts(mcpServer)

	// Stateless JSON responses: every request is self-contained and the
	// browser session lives in Handler, not in the MCP session.
	httpHandler := mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return mcpServer },
		&mcp.StreamableHTTPOptions{
			JSONResponse: true,
			Stateless:    true,
		},
	)

	return &Server{
		mcpServer:   mcpServer,
		handler:     handler,
		httpHandler: httpHandler,
		limiter:     ratelimit.NewRateLimiter(opts.RateLimit),
		opts:        opts,
	}
}

// Handler returns the full HTTP stack for /mcp: request correlation,
// access logs, bearer auth and per-client rate limiting around ServeHTTP.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s
	h = ratelimit.MiddlewareWithReject(s.limiter, ratelimit.ClientKey, rejectRateLimited)(h)
	h = RequireBearer(s.opts.Token, h)
	h = obs.AccessLogMiddleware("mcp", h)
	return obs.RequestContextMiddleware(h)
}

func rejectRateLimited(w http.ResponseWriter, r *http.Request) {
	writeHTTPError(w, errs.New(errs.ResourceExhausted, "rate limit exceeded, retry later"))
}

// Close stops the rate limiter and closes the browser session, if any.
func (s *Server) Close() error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.handler.Close()
}

// ServeHTTP implements the Streamable HTTP transport endpoint.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := obs.From(r.Context()).With("pkg", "mcp")

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Mcp-Session-Id, Last-Event-ID, Authorization, "+ratelimit.ClientHeader)
	w.Header().Set("Access-Control-Allow-Methods", "POST, DELETE, OPTIONS")

	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost, http.MethodDelete:
	default:
		// Stateless JSON mode has no server-initiated stream to GET.
		w.Header().Set("Allow", "POST, DELETE, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var reqBody []byte
	if r.Body != nil && r.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxMCPBodyBytes+1))
		if err != nil {
			log.Warn("mcp_body_read_failed", "error", err)
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		if len(body) > maxMCPBodyBytes {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		reqBody = body
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	log.Debug("mcp_request",
		"method", r.Method,
		"headers", formatMCPHeadersForLog(r.Header),
		"body", logutil.TruncateForLog(logutil.RedactJSONForLog(reqBody), mcpLogBodyLimitChars),
	)

	wrapped, rec := obs.NewResponseRecorder(w)
	defer func() {
		if p := recover(); p != nil {
			log.Error("mcp_handler_panic", "panic", fmt.Sprint(p))
			if !rec.WroteHeader() {
				http.Error(w, internalErrorBody, http.StatusInternalServerError)
			}
			return
		}
		if !rec.WroteHeader() {
			log.Error("mcp_no_response", "method", r.Method)
			http.Error(w, noResponseWrittenError, http.StatusInternalServerError)
			return
		}
		if rec.StatusCode() >= http.StatusBadRequest {
			log.Warn("mcp_request_failed", "method", r.Method, "status", rec.StatusCode())
		}
	}()
	s.httpHandler.ServeHTTP(wrapped, r)
}

// ListenAndServe serves Handler at /mcp on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", s.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		obs.Pkg("mcp").Info("mcp_listening", "addr", addr, "path", "/mcp")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// formatMCPHeadersForLog renders headers in stable order with credentials
// redacted.
func formatMCPHeadersForLog(h http.Header) string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := strings.Join(h.Values(k), ",")
		if isSensitiveHeader(k) {
			v = "[REDACTED]"
		}
		parts = append(parts, k+"="+logutil.TruncateForLog(v, mcpLogBodyLimitChars))
	}
	return strings.Join(parts, "; ")
}

func isSensitiveHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "cookie", "set-cookie", "proxy-authorization":
		return true
	}
	return logutil.IsSensitiveLogField(name)
}
