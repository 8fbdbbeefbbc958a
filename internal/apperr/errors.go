// Package apperr defines the gateway's error kinds and the single JSON
// envelope every 4xx/5xx response is rendered through.
package apperr

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
)

// Kind is one of the error kinds named in spec §7.
type Kind string

const (
	Unauthorized Kind = "unauthorized"
	Forbidden    Kind = "forbidden"
	NotFound     Kind = "not_found"
	Conflict     Kind = "conflict"
	Upstream     Kind = "upstream_error"
	BadRequest   Kind = "bad_request"
	Internal     Kind = "internal_error"
)

// statusFor maps a Kind to its HTTP status code.
var statusFor = map[Kind]int{
	Unauthorized: http.StatusUnauthorized,
	Forbidden:    http.StatusForbidden,
	NotFound:     http.StatusNotFound,
	Conflict:     http.StatusConflict,
	Upstream:     http.StatusBadGateway,
	BadRequest:   http.StatusBadRequest,
	Internal:     http.StatusInternalServerError,
}

// genericMessage is the client-safe message for a Kind when no more
// specific, still-safe message is available. Authorization denials in
// particular must never disclose which role or scope was required.
var genericMessage = map[Kind]string{
	Unauthorized: "authentication required",
	Forbidden:    "insufficient privileges to access this resource",
	NotFound:     "resource not found",
	Conflict:     "request conflicts with current state",
	Upstream:     "upstream service error",
	BadRequest:   "invalid request",
	Internal:     "an error occurred processing your request",
}

// Error is a client-facing error carrying an HTTP kind and a safe message.
// The Cause, if set, is logged but never serialized to the client.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with the kind's generic message.
func New(kind Kind) *Error {
	return &Error{Kind: kind, Message: genericMessage[kind]}
}

// Wrap builds an Error with the kind's generic message, keeping cause for
// logging only — cause is never sent to the client.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: genericMessage[kind], Cause: cause}
}

// WithMessage overrides the client-facing message, still sanitized before
// being written to the response.
func WithMessage(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// sensitivePatterns must never reach a client response body.
var sensitivePatterns = []string{
	"sql:", "pq:", "pgx:", "postgres", "connection refused", "no rows",
	"duplicate key", "violates", "nil pointer", "runtime error", "panic",
	"stack trace", "goroutine", "/home/", "/Users/", "/var/", ".go:",
}

func isProduction() bool {
	env := os.Getenv("GATEWAY_ENV")
	return env == "production" || env == "prod"
}

func sanitize(kind Kind, msg string) string {
	if isProduction() {
		return genericMessage[kind]
	}
	lower := strings.ToLower(msg)
	for _, p := range sensitivePatterns {
		if strings.Contains(lower, p) {
			return genericMessage[kind]
		}
	}
	return msg
}

// envelope is the wire shape from spec §6: { error: { message, type, code? } }.
type envelope struct {
	Error envelopeBody `json:"error"`
}

type envelopeBody struct {
	Message string `json:"message"`
	Type    Kind   `json:"type"`
	Code    string `json:"code,omitempty"`
}

// Respond writes err as the standard JSON envelope, logging the cause at
// WARN for authz kinds and ERROR for everything else. It is the single
// place that turns an *Error into bytes on the wire.
func Respond(w http.ResponseWriter, r *http.Request, err error) {
	var ae *Error
	if !errors.As(err, &ae) {
		ae = Wrap(Internal, err)
	}

	logEvent := log.Error()
	if ae.Kind == Unauthorized || ae.Kind == Forbidden {
		logEvent = log.Warn()
	}
	logEvent = logEvent.Str("kind", string(ae.Kind)).Str("path", r.URL.Path)
	if ae.Cause != nil {
		logEvent = logEvent.Err(ae.Cause)
	}
	logEvent.Msg("request failed")

	status, ok := statusFor[ae.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: envelopeBody{
		Message: sanitize(ae.Kind, ae.Message),
		Type:    ae.Kind,
	}})
}
