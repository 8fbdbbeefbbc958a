package handlers

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/locallm/gateway/internal/alias"
	"github.com/locallm/gateway/internal/apperr"
	"github.com/locallm/gateway/internal/domain"
	"github.com/locallm/gateway/internal/inference"
)

// Models groups every handler that reads or writes the Alias Registry
// (C7): the OpenAI-compatible /v1/models listing, the Ollama-compatible
// /api/tags and /api/show, and the UI's own CRUD surface over aliases.
type Models struct {
	aliases   *alias.Registry
	templates *inference.TemplateStore
}

// NewModels builds the Models handler group.
func NewModels(aliases *alias.Registry, templates *inference.TemplateStore) *Models {
	return &Models{aliases: aliases, templates: templates}
}

func sortedAliases(all []domain.Alias) []domain.Alias {
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// --- OpenAI-compatible surface ---

type openAIModel struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ListOpenAI answers GET /v1/models.
func (m *Models) ListOpenAI(w http.ResponseWriter, r *http.Request) {
	all := sortedAliases(m.aliases.List(r.Context()))
	data := make([]openAIModel, 0, len(all))
	for _, a := range all {
		data = append(data, openAIModel{ID: a.Name, Object: "model", OwnedBy: "local"})
	}
	respondJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// GetOpenAI answers GET /v1/models/{id}.
func (m *Models) GetOpenAI(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "id")
	a, err := m.aliases.Get(r.Context(), name)
	if err != nil {
		apperr.Respond(w, r, apperr.New(apperr.NotFound))
		return
	}
	respondJSON(w, http.StatusOK, openAIModel{ID: a.Name, Object: "model", OwnedBy: "local"})
}

// --- Ollama-compatible surface ---

type ollamaModelSummary struct {
	Name       string `json:"name"`
	Model      string `json:"model"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

// Tags answers GET /api/tags.
func (m *Models) Tags(w http.ResponseWriter, r *http.Request) {
	all := sortedAliases(m.aliases.List(r.Context()))
	out := make([]ollamaModelSummary, 0, len(all))
	for _, a := range all {
		out = append(out, ollamaModelSummary{Name: a.Name, Model: a.Name, ModifiedAt: time.Now().UTC().Format(time.RFC3339)})
	}
	respondJSON(w, http.StatusOK, map[string]any{"models": out})
}

type showRequest struct {
	Name string `json:"name"`
}

type showResponse struct {
	Modelfile  string            `json:"modelfile"`
	Parameters string            `json:"parameters,omitempty"`
	Template   string            `json:"template"`
	Details    map[string]string `json:"details,omitempty"`
}

// Show answers POST /api/show.
func (m *Models) Show(w http.ResponseWriter, r *http.Request) {
	var req showRequest
	if err := decodeJSON(r, &req); err != nil || req.Name == "" {
		apperr.Respond(w, r, apperr.WithMessage(apperr.BadRequest, "name is required", err))
		return
	}
	a, err := m.aliases.Get(r.Context(), req.Name)
	if err != nil {
		apperr.Respond(w, r, apperr.New(apperr.NotFound))
		return
	}
	body, _ := m.templates.Get(a.ChatTemplateRef)
	respondJSON(w, http.StatusOK, showResponse{
		Modelfile: a.ModelFileRef,
		Template:  body,
		Details:   map[string]string{"chat_template_ref": a.ChatTemplateRef},
	})
}

// --- UI surface (full alias records, power_user-gated writes) ---

// ListUI answers GET /api/ui/models.
func (m *Models) ListUI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, sortedAliases(m.aliases.List(r.Context())))
}

// GetUI answers GET /api/ui/models/{id}.
func (m *Models) GetUI(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "id")
	a, err := m.aliases.Get(r.Context(), name)
	if err != nil {
		apperr.Respond(w, r, apperr.New(apperr.NotFound))
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// CreateUI answers POST /api/ui/models.
func (m *Models) CreateUI(w http.ResponseWriter, r *http.Request) {
	var a domain.Alias
	if err := decodeJSON(r, &a); err != nil {
		apperr.Respond(w, r, apperr.WithMessage(apperr.BadRequest, "invalid request body", err))
		return
	}
	if a.Name == "" || a.ModelFileRef == "" || a.ChatTemplateRef == "" {
		apperr.Respond(w, r, apperr.WithMessage(apperr.BadRequest, "name, model_file_ref, and chat_template_ref are required", nil))
		return
	}
	if _, ok := m.templates.Get(a.ChatTemplateRef); !ok {
		apperr.Respond(w, r, apperr.WithMessage(apperr.BadRequest, "unknown chat_template_ref", nil))
		return
	}
	a.Source = domain.AliasSourceUser
	if err := m.aliases.Put(r.Context(), a); err != nil {
		respondAliasWriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

// UpdateUI answers PUT /api/ui/models/{id}.
func (m *Models) UpdateUI(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "id")
	var a domain.Alias
	if err := decodeJSON(r, &a); err != nil {
		apperr.Respond(w, r, apperr.WithMessage(apperr.BadRequest, "invalid request body", err))
		return
	}
	a.Name = name
	a.Source = domain.AliasSourceUser
	if err := m.aliases.Put(r.Context(), a); err != nil {
		respondAliasWriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

func respondAliasWriteError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, alias.ErrImmutable) {
		apperr.Respond(w, r, apperr.WithMessage(apperr.Conflict, "this model is immutable", err))
		return
	}
	apperr.Respond(w, r, apperr.Wrap(apperr.Internal, err))
}

// ChatTemplates answers GET /api/ui/chat_templates.
func (m *Models) ChatTemplates(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"templates": m.templates.List()})
}
