package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/kuitang/webprobe/internal/obs"
)

// DefaultRetryAfterSeconds is the Retry-After value sent with a 429.
const DefaultRetryAfterSeconds = 1

// ClientHeader lets a caller name itself instead of being keyed by address.
const ClientHeader = "X-Webprobe-Client"

// ClientKey identifies the caller of r: the ClientHeader value when present,
// otherwise the first X-Forwarded-For hop, otherwise the remote host.
func ClientKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ClientHeader)); id != "" {
		return "client:" + id
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return "ip:" + ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// Middleware returns 429 Too Many Requests once a client exhausts its
// bucket. Requests for which key returns "" are not limited.
//
// Responses carry X-RateLimit-Remaining; rejections also carry Retry-After.
func Middleware(limiter *RateLimiter, key func(r *http.Request) string) func(http.Handler) http.Handler {
	return MiddlewareWithReject(limiter, key, nil)
}

// MiddlewareWithReject is Middleware with a custom rejection body. reject
// runs after Retry-After and X-RateLimit-Remaining are set and must write
// the status itself. A nil reject writes a plain-text 429.
func MiddlewareWithReject(limiter *RateLimiter, key func(r *http.Request) string, reject http.HandlerFunc) func(http.Handler) http.Handler {
	if reject == nil {
		reject = func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("Too Many Requests"))
		}
	}
	if key == nil {
		key = ClientKey
	}
	log := obs.Pkg("ratelimit")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := key(r)
			if client == "" {
				next.ServeHTTP(w, r)
				return
			}

			bucket := limiter.GetLimiter(client)
			if !bucket.Allow() {
				log.Warn("rate_limited", "client", client, "path", r.URL.Path)
				w.Header().Set("Retry-After", strconv.Itoa(DefaultRetryAfterSeconds))
				w.Header().Set("X-RateLimit-Remaining", "0")
				reject(w, r)
				return
			}

			remaining := int(bucket.Tokens())
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			next.ServeHTTP(w, r)
		})
	}
}
