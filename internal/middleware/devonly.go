package middleware

import (
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// DevOnly gates a route (GET /dev/secrets) to development builds, returning
// 404 rather than 403 in production so the route's existence isn't
// disclosed — adapted from the teacher's SaaS-mode-gated SuperAdminOnly,
// which used the same "wrong mode gets 404, not 403" shape.
func DevOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env := strings.ToLower(strings.TrimSpace(os.Getenv("GATEWAY_ENV")))
		if env == "production" {
			log.Debug().Str("path", r.URL.Path).Msg("devonly: route accessed outside development build")
			respondErrorJSON(w, "not found", http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}
