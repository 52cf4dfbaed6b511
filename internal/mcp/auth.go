// Package mcp serves a live browser session as Model Context Protocol tools
// over the Streamable HTTP transport.
package mcp

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/kuitang/webprobe/internal/errs"
	"github.com/kuitang/webprobe/internal/obs"
)

// Standard JSON-RPC error codes.
const (
	ErrorCodeParseError     = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeMethodNotFound = -32601
	ErrorCodeInvalidParams  = -32602
	ErrorCodeInternalError  = -32603
)

// MCPErrorResponse returns a JSON-RPC error response body.
func MCPErrorResponse(id any, code int, message string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}

// writeHTTPError answers a request rejected before it reaches the MCP
// transport. The status comes from the error code and the body is a
// JSON-RPC error, so clients can parse it like any other reply.
func writeHTTPError(w http.ResponseWriter, err error) {
	rpcCode := ErrorCodeInvalidRequest
	if errs.CodeOf(err) == errs.Internal {
		rpcCode = ErrorCodeInternalError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(errs.HTTPStatus(errs.CodeOf(err)))
	_ = json.NewEncoder(w).Encode(MCPErrorResponse(nil, rpcCode, errs.MessageOf(err)))
}

// RequireBearer rejects requests without "Authorization: Bearer <token>".
// An empty token disables the check. CORS preflights pass through.
func RequireBearer(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			obs.From(r.Context()).With("pkg", "mcp").Warn("mcp_unauthorized", "remote", r.RemoteAddr, "has_token", ok)
			w.Header().Set("WWW-Authenticate", `Bearer realm="webprobe", error="invalid_token"`)
			writeHTTPError(w, errs.New(errs.Unauthenticated, "missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	tok = strings.TrimSpace(tok)
	return tok, isASCII(tok)
}

// isASCII reports whether s is non-blank printable ASCII without spaces.
func isASCII(s string) bool {
	if strings.TrimSpace(s) == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] <= ' ' || s[i] > '~' {
			return false
		}
	}
	return true
}
