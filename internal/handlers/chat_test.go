package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locallm/gateway/internal/alias"
	"github.com/locallm/gateway/internal/domain"
	"github.com/locallm/gateway/internal/handlers"
	"github.com/locallm/gateway/internal/inference"
	"github.com/locallm/gateway/internal/worker"
)

type fakeWorkerPool struct {
	port int
	err  error
}

func (f *fakeWorkerPool) Acquire(ctx context.Context, aliasName string) (*worker.Handle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return worker.NewHandle(f.port), nil
}

func newChatRouter(t *testing.T, srv *httptest.Server) *inference.Router {
	t.Helper()
	reg, err := alias.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, reg.Put(context.Background(), domain.Alias{
		Name: "llama3", ModelFileRef: "/bin/true", ChatTemplateRef: "plain", Source: domain.AliasSourceUser,
	}))
	templates, err := inference.OpenTemplateStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, templates.Put("plain", "{{range .Messages}}{{.Content}}{{end}}"))

	var pool fakeWorkerPool
	if srv != nil {
		u, err := url.Parse(srv.URL)
		require.NoError(t, err)
		port, err := strconv.Atoi(u.Port())
		require.NoError(t, err)
		pool.port = port
	}
	return inference.New(reg, &pool, templates)
}

func fakeCompletionServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		frame := `{"content":"hi there","stop":true,"tokens_predicted":2,"timings":{"prompt_n":1,"prompt_ms":10,"predicted_n":2,"predicted_ms":20}}`
		if body.Stream {
			// llama-server streams SSE frames.
			_, _ = w.Write([]byte("data: " + frame + "\n\n"))
			return
		}
		_, _ = w.Write([]byte(frame))
	}))
}

func TestChat_CompletionsRejectsMissingFields(t *testing.T) {
	c := handlers.NewChat(newChatRouter(t, nil))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	c.Completions(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_CompletionsNonStreaming(t *testing.T) {
	srv := fakeCompletionServer(t)
	defer srv.Close()

	c := handlers.NewChat(newChatRouter(t, srv))

	body, _ := json.Marshal(map[string]any{
		"model":    "llama3",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"stream":   false,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	c.Completions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "llama3", resp["model"])
}

func TestChat_CompletionsUnknownAliasReturnsNotFound(t *testing.T) {
	c := handlers.NewChat(newChatRouter(t, nil))

	body, _ := json.Marshal(map[string]any{
		"model":    "nope",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
		"stream":   false,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	c.Completions(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChat_OllamaChatDefaultsStreamTrue(t *testing.T) {
	srv := fakeCompletionServer(t)
	defer srv.Close()

	c := handlers.NewChat(newChatRouter(t, srv))

	body, _ := json.Marshal(map[string]any{
		"model":    "llama3",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	c.OllamaChat(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"message"`)
}
