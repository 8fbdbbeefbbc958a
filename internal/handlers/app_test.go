package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locallm/gateway/internal/domain"
	"github.com/locallm/gateway/internal/handlers"
	"github.com/locallm/gateway/internal/ratelimit"
	"github.com/locallm/gateway/internal/secrets"
)

func newAppHandler(t *testing.T) *handlers.App {
	t.Helper()
	store, err := secrets.Open(t.TempDir())
	require.NoError(t, err)
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{MaxRequests: 5, WindowPeriod: time.Minute})
	t.Cleanup(limiter.Stop)
	return handlers.NewApp(store, limiter)
}

func TestApp_InfoReportsSetupStatusBeforeSetup(t *testing.T) {
	a := newAppHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/app/info", nil)
	rec := httptest.NewRecorder()
	a.Info(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(domain.AppStatusSetup), resp["status"])
}

func TestApp_SetupCompletesOnceThenRejectsRepeat(t *testing.T) {
	a := newAppHandler(t)
	body, _ := json.Marshal(map[string]string{"client_id": "abc", "client_secret": "xyz"})

	req := httptest.NewRequest(http.MethodPost, "/app/setup", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	a.Setup(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/app/setup", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	a.Setup(rec2, req2)
	assert.Equal(t, http.StatusConflict, rec2.Code)
}

func TestApp_SetupRejectsMissingFields(t *testing.T) {
	a := newAppHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/app/setup", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	a.Setup(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApp_SetupRateLimited(t *testing.T) {
	store, err := secrets.Open(t.TempDir())
	require.NoError(t, err)
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Config{MaxRequests: 1, WindowPeriod: time.Minute})
	t.Cleanup(limiter.Stop)
	a := handlers.NewApp(store, limiter)

	// A malformed attempt still consumes the one allowed slot, since the
	// rate-limit check runs before body validation.
	req := httptest.NewRequest(http.MethodPost, "/app/setup", bytes.NewBufferString(`{}`))
	req.RemoteAddr = "203.0.113.10:5555"
	rec := httptest.NewRecorder()
	a.Setup(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/app/setup", bytes.NewBufferString(`{}`))
	req2.RemoteAddr = "203.0.113.10:5555"
	rec2 := httptest.NewRecorder()
	a.Setup(rec2, req2)
	assert.Equal(t, http.StatusTooManyRequests, rec2.Code)
}
