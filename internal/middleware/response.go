// Package middleware provides HTTP middleware for the gateway.
package middleware

import (
	"encoding/json"
	"net/http"
)

// respondErrorJSON sends the standard error envelope ({"error":{"message":...}})
// for middleware that rejects a request before a handler (and apperr.Respond)
// ever sees it.
func respondErrorJSON(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": message}})
}
