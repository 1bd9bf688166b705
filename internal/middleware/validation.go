package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/messaging-core/internal/model"
)

// RequireIDParams rejects requests whose named URL parameters are not valid
// document identifiers.
func RequireIDParams(names ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, name := range names {
				if !model.ValidID(chi.URLParam(r, name)) {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusBadRequest)
					_, _ = w.Write([]byte(`{"error":"invalid ` + name + `","code":"validation_error"}`))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
