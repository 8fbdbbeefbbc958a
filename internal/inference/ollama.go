package inference

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/locallm/gateway/internal/domain"
)

// ollamaMessage mirrors Ollama's /api/chat message shape.
type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ollamaChatChunk mirrors one line of Ollama's /api/chat streaming
// response.
type ollamaChatChunk struct {
	Model              string        `json:"model"`
	Message            ollamaMessage `json:"message"`
	Done               bool          `json:"done"`
	PromptEvalCount    int           `json:"prompt_eval_count,omitempty"`
	EvalCount          int           `json:"eval_count,omitempty"`
	PromptPerSecond    string        `json:"prompt_per_second,omitempty"`
	PredictedPerSecond string        `json:"predicted_per_second,omitempty"`
}

// OllamaStreamWriter encodes the canonical token stream as Ollama-compatible
// newline-delimited JSON, one object per line, no SSE envelope.
type OllamaStreamWriter struct {
	w     http.ResponseWriter
	flush http.Flusher
	model string
}

// NewOllamaStreamWriter prepares w for JSON-lines streaming.
func NewOllamaStreamWriter(w http.ResponseWriter, model string) (*OllamaStreamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("inference: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &OllamaStreamWriter{w: w, flush: flusher, model: model}, nil
}

// Write emits one token as a JSON line.
func (s *OllamaStreamWriter) Write(t domain.Token) error {
	chunk := ollamaChatChunk{
		Model:   s.model,
		Message: ollamaMessage{Role: string(domain.MessageRoleAssistant), Content: t.Content},
		Done:    t.Finished,
	}
	if t.Finished {
		chunk.PromptEvalCount = t.Usage.PromptTokens
		chunk.EvalCount = t.Usage.CompletionTokens
		chunk.PromptPerSecond = t.Timings.PromptPerSecond
		chunk.PredictedPerSecond = t.Timings.PredictedPerSecond
	}

	raw, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("inference: marshal ollama chunk: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "%s\n", raw); err != nil {
		return err
	}
	s.flush.Flush()
	return nil
}

// WriteNonStreamingOllama renders a single, complete /api/chat response body
// for non-streaming requests.
func WriteNonStreamingOllama(w http.ResponseWriter, model string, t domain.Token) error {
	chunk := ollamaChatChunk{
		Model:              model,
		Message:            ollamaMessage{Role: string(domain.MessageRoleAssistant), Content: t.Content},
		Done:               true,
		PromptEvalCount:    t.Usage.PromptTokens,
		EvalCount:          t.Usage.CompletionTokens,
		PromptPerSecond:    t.Timings.PromptPerSecond,
		PredictedPerSecond: t.Timings.PredictedPerSecond,
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(chunk)
}
