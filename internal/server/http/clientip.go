package httpserver

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type ctxKey string

const clientIPKey ctxKey = "ls.clientIP"

// WithClientIP stores the caller address in context.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey, ip)
}

// ClientIPFromCtx fetches the caller address from context.
func ClientIPFromCtx(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(clientIPKey).(string)
	return ip, ok && ip != ""
}

// ClientIP resolves the caller address once per request. X-Forwarded-For is
// honoured only when trustProxy is set.
func ClientIP(trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), remoteIP(r, trustProxy))))
		})
	}
}

func remoteIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
