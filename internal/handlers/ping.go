package handlers

import "net/http"

// Ping answers GET /ping: a liveness check with no dependency probing, so a
// process supervisor can tell "the HTTP server is accepting connections"
// apart from "the gateway is fully bootstrapped" (that's GET /app/info).
func Ping(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
