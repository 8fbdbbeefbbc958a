package inference

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/locallm/gateway/internal/domain"
)

// openAIDelta and openAIChoice mirror the OpenAI Chat Completions streaming
// chunk shape closely enough for any client built against the real API to
// parse ours unmodified.
type openAIDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type openAIChoice struct {
	Index        int          `json:"index"`
	Delta        *openAIDelta `json:"delta,omitempty"`
	Message      *openAIDelta `json:"message,omitempty"`
	FinishReason *string      `json:"finish_reason"`
}

type openAIChunk struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Model   string          `json:"model"`
	Choices []openAIChoice  `json:"choices"`
	Usage   *domain.Usage   `json:"usage,omitempty"`
	Timings *domain.Timings `json:"timings,omitempty"`
}

// OpenAIStreamWriter encodes the canonical token stream as OpenAI-compatible
// SSE events: one `data: {...}\n\n` per delta, a terminal `data: [DONE]\n\n`.
type OpenAIStreamWriter struct {
	w     http.ResponseWriter
	flush http.Flusher
	id    string
	model string
	first bool
}

// NewOpenAIStreamWriter prepares w for SSE and writes the streaming headers.
func NewOpenAIStreamWriter(w http.ResponseWriter, id, model string) (*OpenAIStreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("inference: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &OpenAIStreamWriter{w: w, flush: flusher, id: id, model: model, first: true}, nil
}

// Write emits one token as an SSE data event, and the terminal [DONE]
// sentinel once t.Finished is true.
func (s *OpenAIStreamWriter) Write(t domain.Token) error {
	delta := &openAIDelta{Content: t.Content}
	if s.first {
		delta.Role = string(domain.MessageRoleAssistant)
		s.first = false
	}

	finishReason := (*string)(nil)
	var usage *domain.Usage
	var timings *domain.Timings
	if t.Finished {
		reason := "stop"
		finishReason = &reason
		usage = &t.Usage
		timings = &t.Timings
	}

	chunk := openAIChunk{
		ID:     s.id,
		Object: "chat.completion.chunk",
		Model:  s.model,
		Choices: []openAIChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finishReason,
		}},
		Usage:   usage,
		Timings: timings,
	}

	raw, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("inference: marshal openai chunk: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", raw); err != nil {
		return err
	}
	s.flush.Flush()

	if t.Finished {
		if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
			return err
		}
		s.flush.Flush()
	}
	return nil
}

// WriteNonStreaming renders a single, complete OpenAI chat completion
// response body for non-streaming requests.
func WriteNonStreaming(w http.ResponseWriter, id, model string, t domain.Token) error {
	reason := "stop"
	body := openAIChunk{
		ID:     id,
		Object: "chat.completion",
		Model:  model,
		Choices: []openAIChoice{{
			Index:        0,
			Message:      &openAIDelta{Role: string(domain.MessageRoleAssistant), Content: t.Content},
			FinishReason: &reason,
		}},
		Usage:   &t.Usage,
		Timings: &t.Timings,
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(body)
}
