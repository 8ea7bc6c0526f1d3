package metadata

import (
	"net/http"
	"strings"

	"github.com/mssola/useragent"

	"verifactu/pkg/requestcontext"
)

// ClientMetadata extracts the client IP address and a summarized User-Agent
// and adds them to the context. Audit events copy both.
func ClientMetadata(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithClientMetadata(r.Context(), ClientIPFromRequest(r), SummarizeUserAgent(r.Header.Get("User-Agent")))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SummarizeUserAgent reduces a User-Agent header to "browser version (os)".
// Non-browser clients (ERP connectors, curl) keep their raw product token.
func SummarizeUserAgent(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	ua := useragent.New(raw)
	if ua.Bot() {
		return "bot: " + ua.Platform()
	}
	name, version := ua.Browser()
	os := ua.OS()
	if name == "" || os == "" {
		if idx := strings.Index(raw, " "); idx != -1 {
			return raw[:idx]
		}
		return raw
	}
	if idx := strings.Index(version, "."); idx != -1 {
		version = version[:idx]
	}
	return name + " " + version + " (" + os + ")"
}

// ClientIPFromRequest extracts the real client IP from the request, handling proxies and load balancers.
func ClientIPFromRequest(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if addr := r.RemoteAddr; addr != "" {
		if idx := strings.LastIndex(addr, ":"); idx != -1 {
			return addr[:idx]
		}
		return addr
	}
	return "unknown"
}
