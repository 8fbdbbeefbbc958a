package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/locallm/gateway/internal/apperr"
	"github.com/locallm/gateway/internal/domain"
	"github.com/locallm/gateway/internal/inference"
)

// Chat wires the Inference Router (C9) into the two wire-compatible
// completion endpoints: OpenAI's /v1/chat/completions and Ollama's
// /api/chat.
type Chat struct {
	router *inference.Router
}

// NewChat builds the Chat handler group.
func NewChat(router *inference.Router) *Chat {
	return &Chat{router: router}
}

func respondRouterError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, inference.ErrAliasNotFound) {
		apperr.Respond(w, r, apperr.WithMessage(apperr.NotFound, "model not found", err))
		return
	}
	apperr.Respond(w, r, apperr.Wrap(apperr.Upstream, err))
}

// openAIChatRequest mirrors the request body OpenAI's Chat Completions API
// accepts, narrowed to the fields the gateway honors.
type openAIChatRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	Stream      bool             `json:"stream"`
	Temperature *float64         `json:"temperature"`
	TopP        *float64         `json:"top_p"`
	TopK        *int             `json:"top_k"`
	MaxTokens   *int             `json:"max_tokens"`
}

func (req openAIChatRequest) toCompletionRequest() domain.CompletionRequest {
	return domain.CompletionRequest{
		Alias:    req.Model,
		Messages: req.Messages,
		Stream:   req.Stream,
		Params: domain.GenerationParams{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			TopK:        req.TopK,
			MaxTokens:   req.MaxTokens,
		},
	}
}

// Completions answers POST /v1/chat/completions.
func (c *Chat) Completions(w http.ResponseWriter, r *http.Request) {
	var req openAIChatRequest
	if err := decodeJSON(r, &req); err != nil {
		apperr.Respond(w, r, apperr.WithMessage(apperr.BadRequest, "invalid request body", err))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		apperr.Respond(w, r, apperr.WithMessage(apperr.BadRequest, "model and messages are required", nil))
		return
	}

	id := "chatcmpl-" + uuid.NewString()
	creq := req.toCompletionRequest()

	if req.Stream {
		writer, err := inference.NewOpenAIStreamWriter(w, id, req.Model)
		if err != nil {
			apperr.Respond(w, r, apperr.Wrap(apperr.Internal, err))
			return
		}
		if err := c.router.Complete(r.Context(), creq, func(t domain.Token) error { return writer.Write(t) }); err != nil {
			log.Warn().Err(err).Str("alias", req.Model).Msg("chat: streaming completion failed")
		}
		return
	}

	var content strings.Builder
	var final domain.Token
	err := c.router.Complete(r.Context(), creq, func(t domain.Token) error {
		content.WriteString(t.Content)
		if t.Finished {
			final = t
		}
		return nil
	})
	if err != nil {
		respondRouterError(w, r, err)
		return
	}
	final.Content = content.String()
	if err := inference.WriteNonStreaming(w, id, req.Model, final); err != nil {
		log.Warn().Err(err).Msg("chat: failed to write non-streaming response")
	}
}

// ollamaChatRequest mirrors Ollama's /api/chat request body. Stream is a
// pointer because Ollama's own default is true, unlike a bare bool's zero
// value.
type ollamaChatRequest struct {
	Model    string           `json:"model"`
	Messages []domain.Message `json:"messages"`
	Stream   *bool            `json:"stream"`
	Options  struct {
		Temperature *float64 `json:"temperature"`
		TopP        *float64 `json:"top_p"`
		TopK        *int     `json:"top_k"`
		NumPredict  *int     `json:"num_predict"`
	} `json:"options"`
}

func (req ollamaChatRequest) toCompletionRequest() domain.CompletionRequest {
	stream := true
	if req.Stream != nil {
		stream = *req.Stream
	}
	return domain.CompletionRequest{
		Alias:    req.Model,
		Messages: req.Messages,
		Stream:   stream,
		Params: domain.GenerationParams{
			Temperature: req.Options.Temperature,
			TopP:        req.Options.TopP,
			TopK:        req.Options.TopK,
			MaxTokens:   req.Options.NumPredict,
		},
	}
}

// OllamaChat answers POST /api/chat.
func (c *Chat) OllamaChat(w http.ResponseWriter, r *http.Request) {
	var req ollamaChatRequest
	if err := decodeJSON(r, &req); err != nil {
		apperr.Respond(w, r, apperr.WithMessage(apperr.BadRequest, "invalid request body", err))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		apperr.Respond(w, r, apperr.WithMessage(apperr.BadRequest, "model and messages are required", nil))
		return
	}

	creq := req.toCompletionRequest()

	if creq.Stream {
		writer, err := inference.NewOllamaStreamWriter(w, req.Model)
		if err != nil {
			apperr.Respond(w, r, apperr.Wrap(apperr.Internal, err))
			return
		}
		if err := c.router.Complete(r.Context(), creq, func(t domain.Token) error { return writer.Write(t) }); err != nil {
			log.Warn().Err(err).Str("alias", req.Model).Msg("chat: streaming completion failed")
		}
		return
	}

	var content strings.Builder
	var final domain.Token
	err := c.router.Complete(r.Context(), creq, func(t domain.Token) error {
		content.WriteString(t.Content)
		if t.Finished {
			final = t
		}
		return nil
	})
	if err != nil {
		respondRouterError(w, r, err)
		return
	}
	final.Content = content.String()
	if err := inference.WriteNonStreamingOllama(w, req.Model, final); err != nil {
		log.Warn().Err(err).Msg("chat: failed to write non-streaming response")
	}
}
