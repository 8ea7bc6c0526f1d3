// Package requesttime captures a single "now" per request so that the audit
// events and log entries of one call agree. Chain generation times come from
// the chain service clock, read under the chain lock.
package requesttime

import (
	"net/http"
	"time"

	"verifactu/pkg/requestcontext"
)

// Middleware stores the request start time in the context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
