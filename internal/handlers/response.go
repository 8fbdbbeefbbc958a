// Package handlers implements the gateway's HTTP surface: the OpenAI- and
// Ollama-compatible inference routes, the browser-facing UI API, and the
// setup/login bootstrap flow. JSON handlers render success bodies through
// respondJSON and errors through apperr.Respond. The exceptions are the
// browser login round trip (plain-text errors via http.Error, and
// redirects), the setup rate-limit rejection (ratelimit.RespondRateLimited),
// and streaming completions (SSE or JSON lines).
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
)

// respondJSON writes data as the response body. It never writes an error
// envelope — use apperr.Respond for that — so callers stay honest about
// which path they're on.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("handlers: failed to encode response")
	}
}

// decodeJSON reads and decodes r's body into dst, rejecting unknown fields
// so a typo in a client's request body surfaces immediately rather than
// silently dropping a field.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
