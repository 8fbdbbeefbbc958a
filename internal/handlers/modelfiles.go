package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/locallm/gateway/internal/apperr"
	"github.com/locallm/gateway/internal/modelfile"
)

// ModelFiles groups the handlers over the model-file download manager:
// listing known downloads and driving a pull job to completion.
type ModelFiles struct {
	puller *modelfile.Puller
}

// NewModelFiles builds the ModelFiles handler group.
func NewModelFiles(puller *modelfile.Puller) *ModelFiles {
	return &ModelFiles{puller: puller}
}

// List answers GET /api/ui/modelfiles: every download job this process has
// tracked since it started, most useful for resuming a page that reloaded
// mid-download.
func (m *ModelFiles) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"jobs": m.puller.List()})
}

type pullRequest struct {
	Alias           string `json:"alias"`
	URL             string `json:"url"`
	ChatTemplateRef string `json:"chat_template_ref"`
}

// Pull answers POST /api/ui/modelfiles/pull: it starts a background
// download and returns the job immediately, to be polled via
// GET /api/ui/modelfiles/pull/status/{id}.
func (m *ModelFiles) Pull(w http.ResponseWriter, r *http.Request) {
	var req pullRequest
	if err := decodeJSON(r, &req); err != nil {
		apperr.Respond(w, r, apperr.WithMessage(apperr.BadRequest, "invalid request body", err))
		return
	}
	if req.Alias == "" || req.URL == "" || req.ChatTemplateRef == "" {
		apperr.Respond(w, r, apperr.WithMessage(apperr.BadRequest, "alias, url, and chat_template_ref are required", nil))
		return
	}

	job := m.puller.Start(req.Alias, req.URL, req.ChatTemplateRef)
	respondJSON(w, http.StatusAccepted, job)
}

// PullList answers GET /api/ui/modelfiles/pull with the same full job list
// as List; finished jobs are not filtered out.
func (m *ModelFiles) PullList(w http.ResponseWriter, r *http.Request) {
	m.List(w, r)
}

// PullStatus answers GET /api/ui/modelfiles/pull/status/{id}.
func (m *ModelFiles) PullStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := m.puller.Get(id)
	if err != nil {
		if errors.Is(err, modelfile.ErrNotFound) {
			apperr.Respond(w, r, apperr.New(apperr.NotFound))
			return
		}
		apperr.Respond(w, r, apperr.Wrap(apperr.Internal, err))
		return
	}
	respondJSON(w, http.StatusOK, job)
}
