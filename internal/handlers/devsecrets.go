package handlers

import (
	"net/http"

	"github.com/locallm/gateway/internal/config"
	"github.com/locallm/gateway/internal/secrets"
)

// Dev groups development-build-only diagnostic handlers, gated behind
// middleware.DevOnly in addition to the usual role check.
type Dev struct {
	secrets *secrets.Store
}

// NewDev builds the Dev handler group.
func NewDev(store *secrets.Store) *Dev {
	return &Dev{secrets: store}
}

// devSecretsResponse deliberately includes the OAuth client secret — this
// route only exists outside production builds (middleware.DevOnly), for an
// operator debugging a local setup.
type devSecretsResponse struct {
	Status       string           `json:"status"`
	ClientID     string           `json:"client_id"`
	ClientSecret string           `json:"client_secret"`
	Settings     []settingPayload `json:"settings"`
}

type settingPayload struct {
	Key         string `json:"key"`
	Value       any    `json:"value"`
	Source      string `json:"source"`
	Editable    bool   `json:"editable"`
	Description string `json:"description,omitempty"`
}

// Secrets answers GET /dev/secrets.
func (d *Dev) Secrets(w http.ResponseWriter, r *http.Request) {
	reg := d.secrets.AppRegInfo()
	all := config.All()
	settings := make([]settingPayload, 0, len(all))
	for _, s := range all {
		settings = append(settings, settingPayload{
			Key: s.Key, Value: s.Value, Source: string(s.Source), Editable: s.Editable, Description: s.Description,
		})
	}

	respondJSON(w, http.StatusOK, devSecretsResponse{
		Status:       string(d.secrets.Status()),
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		Settings:     settings,
	})
}
