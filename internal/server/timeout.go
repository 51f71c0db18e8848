package server

import (
	"context"
	"net/http"
	"time"
)

// Timeout caps the request context lifetime. Cancellation is
// cooperative: handlers observe ctx.Done() through the operations they
// call (subprocess invocations, store queries, engine requests).
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
