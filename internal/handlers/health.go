package handlers

import (
	"context"
	"net/http"
)

// Healthz reports 200 while check succeeds and 503 otherwise.
func Healthz(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if check != nil {
			if err := check(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("unavailable\n"))
				return
			}
		}
		_, _ = w.Write([]byte("ok\n"))
	}
}
