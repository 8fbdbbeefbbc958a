package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locallm/gateway/internal/domain"
	"github.com/locallm/gateway/internal/handlers"
	"github.com/locallm/gateway/internal/secrets"
)

func TestDev_SecretsReportsClientRegistrationAndSettings(t *testing.T) {
	store, err := secrets.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.CompleteSetup(domain.AppRegInfo{ClientID: "abc", ClientSecret: "shh"}))

	d := handlers.NewDev(store)
	req := httptest.NewRequest(http.MethodGet, "/dev/secrets", nil)
	rec := httptest.NewRecorder()
	d.Secrets(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "abc", resp["client_id"])
	assert.Equal(t, "shh", resp["client_secret"])
	assert.NotEmpty(t, resp["settings"])
}
