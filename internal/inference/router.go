// Package inference implements the Inference Router (C9): it turns an
// OpenAI- or Ollama-shaped request into one canonical worker call, streams
// the worker's tokens back frame by frame, and attaches usage and timing
// metadata to the final frame.
package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/locallm/gateway/internal/alias"
	"github.com/locallm/gateway/internal/domain"
	"github.com/locallm/gateway/internal/worker"
)

// ErrAliasNotFound mirrors alias.ErrNotFound at the router boundary so
// callers don't need to import the alias package just to check it.
var ErrAliasNotFound = errors.New("inference: alias not found")

// WorkerPool is the slice of the Worker Supervisor (C8) the router depends
// on, narrowed to an interface so it can be faked in tests without spawning
// a real worker process. *worker.Supervisor satisfies this directly.
type WorkerPool interface {
	Acquire(ctx context.Context, aliasName string) (*worker.Handle, error)
}

// Router resolves a canonical completion request against C7/C8 and streams
// the result.
type Router struct {
	aliases   *alias.Registry
	workers   WorkerPool
	templates *TemplateStore
}

// New builds a Router over the given Alias Registry, Worker Supervisor, and
// chat template catalog.
func New(aliases *alias.Registry, workers WorkerPool, templates *TemplateStore) *Router {
	return &Router{aliases: aliases, workers: workers, templates: templates}
}

// workerRequest is the body posted to a llama-server worker's /completion
// endpoint.
type workerRequest struct {
	Prompt      string   `json:"prompt"`
	Stream      bool     `json:"stream"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`
	NPredict    *int     `json:"n_predict,omitempty"`
}

// workerChunk is one line of a worker's streamed response, matching
// llama-server's own completion wire shape.
type workerChunk struct {
	Content         string `json:"content"`
	Stop            bool   `json:"stop"`
	TokensPredicted int    `json:"tokens_predicted"`
	Timings         *struct {
		PromptN     int `json:"prompt_n"`
		PromptMS    int `json:"prompt_ms"`
		PredictedN  int `json:"predicted_n"`
		PredictedMS int `json:"predicted_ms"`
	} `json:"timings,omitempty"`
}

// Emit is called once per token and once more, with Finished set, for the
// closing frame. Returning an error aborts the stream (e.g. the client
// disconnected while writing).
type Emit func(domain.Token) error

// Complete resolves req against the alias registry, renders its messages
// through the alias's chat template, and streams tokens from the worker to
// emit. It returns ErrAliasNotFound before any worker is touched if the
// alias does not resolve.
func (r *Router) Complete(ctx context.Context, req domain.CompletionRequest, emit Emit) error {
	a, err := r.aliases.Get(ctx, req.Alias)
	if err != nil {
		return ErrAliasNotFound
	}

	templateBody, ok := r.templates.Get(a.ChatTemplateRef)
	if !ok {
		return fmt.Errorf("inference: alias %q references unknown chat template %q", a.Name, a.ChatTemplateRef)
	}
	prompt, err := RenderPrompt(templateBody, req.Messages)
	if err != nil {
		return err
	}

	params := req.Params.Merge(a.InferenceParams)

	handle, err := r.workers.Acquire(ctx, a.Name)
	if err != nil {
		return fmt.Errorf("inference: acquire worker for alias %q: %w", a.Name, err)
	}
	defer handle.Release()

	body, err := json.Marshal(workerRequest{
		Prompt:      prompt,
		Stream:      req.Stream,
		Temperature: params.Temperature,
		TopP:        params.TopP,
		TopK:        params.TopK,
		NPredict:    params.MaxTokens,
	})
	if err != nil {
		return fmt.Errorf("inference: marshal worker request: %w", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/completion", handle.Port)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("inference: build worker request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		// A context cancellation here is the router's cancellation path (§5):
		// closing the request before any token arrives requires no special
		// in-band error frame, the caller just observes ctx.Err().
		return fmt.Errorf("inference: worker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference: worker returned status %d", resp.StatusCode)
	}

	if !req.Stream {
		return r.emitNonStreaming(resp, emit)
	}
	return r.emitStreaming(ctx, resp, emit)
}

func (r *Router) emitNonStreaming(resp *http.Response, emit Emit) error {
	var chunk workerChunk
	if err := json.NewDecoder(resp.Body).Decode(&chunk); err != nil {
		return fmt.Errorf("inference: decode worker response: %w", err)
	}
	return emit(tokenFromChunk(chunk, true))
}

// emitStreaming reads the worker's SSE-shaped stream line by line, emitting
// one Token per content chunk in the exact order the worker produced them
// (spec.md §4.7 ordering guarantee). Once the first frame is emitted, any
// later failure surfaces as an in-band error via the final emit call rather
// than an HTTP-level error — the caller has already committed to the
// stream.
func (r *Router) emitStreaming(ctx context.Context, resp *http.Response, emit Emit) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	committed := false
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			// Client cancelled: stop reading, close the body (already deferred
			// by the caller), let the worker's own request-closed detection
			// halt generation. No further frames are emitted.
			return ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}

		var chunk workerChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			if !committed {
				return fmt.Errorf("inference: decode worker stream frame: %w", err)
			}
			return emit(domain.Token{Finished: true})
		}

		committed = true
		if err := emit(tokenFromChunk(chunk, chunk.Stop)); err != nil {
			return err
		}
		if chunk.Stop {
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		if !committed {
			return fmt.Errorf("inference: read worker stream: %w", err)
		}
		return emit(domain.Token{Finished: true})
	}
	return nil
}

func tokenFromChunk(chunk workerChunk, finished bool) domain.Token {
	t := domain.Token{Content: chunk.Content, Finished: finished}
	if chunk.Timings != nil {
		t.Usage = domain.Usage{
			PromptTokens:     chunk.Timings.PromptN,
			CompletionTokens: chunk.Timings.PredictedN,
			TotalTokens:      chunk.Timings.PromptN + chunk.Timings.PredictedN,
		}
		t.Timings = computeTimings(chunk.Timings.PromptN, chunk.Timings.PromptMS, chunk.Timings.PredictedN, chunk.Timings.PredictedMS)
	}
	return t
}
