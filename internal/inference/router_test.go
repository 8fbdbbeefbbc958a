package inference

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locallm/gateway/internal/alias"
	"github.com/locallm/gateway/internal/domain"
	"github.com/locallm/gateway/internal/worker"
)

// fakePool satisfies WorkerPool by always handing back a Handle pointing at
// a fixed port, standing in for a Ready worker without spawning one.
type fakePool struct {
	port int
	err  error
}

func (f *fakePool) Acquire(ctx context.Context, aliasName string) (*worker.Handle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return worker.NewHandle(f.port), nil
}

func portOf(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func newRegistryWithAlias(t *testing.T) *alias.Registry {
	t.Helper()
	reg, err := alias.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, reg.Put(context.Background(), domain.Alias{
		Name: "llama3", ModelFileRef: "/bin/true", ChatTemplateRef: "plain", Source: domain.AliasSourceUser,
	}))
	return reg
}

func newTemplateStoreWithPlain(t *testing.T) *TemplateStore {
	t.Helper()
	templates, err := OpenTemplateStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, templates.Put("plain", "{{range .Messages}}{{.Content}}{{end}}"))
	return templates
}

func TestRouter_CompleteUnknownAliasReturnsNotFound(t *testing.T) {
	reg, err := alias.Open(t.TempDir())
	require.NoError(t, err)
	templates, err := OpenTemplateStore(t.TempDir())
	require.NoError(t, err)

	r := New(reg, &fakePool{}, templates)
	err = r.Complete(context.Background(), domain.CompletionRequest{Alias: "nope"}, func(domain.Token) error { return nil })
	assert.ErrorIs(t, err, ErrAliasNotFound)
}

func TestRouter_CompleteUnknownChatTemplateErrors(t *testing.T) {
	reg, err := alias.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, reg.Put(context.Background(), domain.Alias{
		Name: "llama3", ModelFileRef: "/bin/true", ChatTemplateRef: "does-not-exist", Source: domain.AliasSourceUser,
	}))
	templates, err := OpenTemplateStore(t.TempDir())
	require.NoError(t, err)

	r := New(reg, &fakePool{}, templates)
	err = r.Complete(context.Background(), domain.CompletionRequest{Alias: "llama3"}, func(domain.Token) error { return nil })
	assert.Error(t, err)
}

// fakeWorkerServer stands in for a llama-server /completion endpoint.
func fakeWorkerServer(t *testing.T, stream bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if stream {
			flusher := w.(http.Flusher)
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`data: {"content":"hel","stop":false}` + "\n\n"))
			flusher.Flush()
			_, _ = w.Write([]byte(`data: {"content":"lo","stop":true,"tokens_predicted":2,"timings":{"prompt_n":3,"prompt_ms":30,"predicted_n":2,"predicted_ms":20}}` + "\n\n"))
			flusher.Flush()
			return
		}
		_, _ = w.Write([]byte(`{"content":"hello","stop":true,"tokens_predicted":2,"timings":{"prompt_n":3,"prompt_ms":30,"predicted_n":2,"predicted_ms":20}}`))
	}))
}

func TestRouter_CompleteNonStreamingEmitsOneFinishedToken(t *testing.T) {
	srv := fakeWorkerServer(t, false)
	defer srv.Close()

	reg := newRegistryWithAlias(t)
	templates := newTemplateStoreWithPlain(t)
	r := New(reg, &fakePool{port: portOf(t, srv)}, templates)

	var got []domain.Token
	err := r.Complete(context.Background(), domain.CompletionRequest{
		Alias:    "llama3",
		Messages: []domain.Message{{Role: domain.MessageRoleUser, Content: "hi"}},
		Stream:   false,
	}, func(tok domain.Token) error {
		got = append(got, tok)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Finished)
	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, 2, got[0].Usage.CompletionTokens)
}

func TestRouter_CompleteStreamingPreservesOrderAndFinality(t *testing.T) {
	srv := fakeWorkerServer(t, true)
	defer srv.Close()

	reg := newRegistryWithAlias(t)
	templates := newTemplateStoreWithPlain(t)
	r := New(reg, &fakePool{port: portOf(t, srv)}, templates)

	var got []domain.Token
	err := r.Complete(context.Background(), domain.CompletionRequest{
		Alias:    "llama3",
		Messages: []domain.Message{{Role: domain.MessageRoleUser, Content: "hi"}},
		Stream:   true,
	}, func(tok domain.Token) error {
		got = append(got, tok)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "hel", got[0].Content)
	assert.False(t, got[0].Finished)
	assert.Equal(t, "lo", got[1].Content)
	assert.True(t, got[1].Finished)
	assert.Equal(t, "100.00", got[1].Timings.PromptPerSecond)
}

func TestRouter_CompleteWorkerAcquireFailurePropagates(t *testing.T) {
	reg := newRegistryWithAlias(t)
	templates := newTemplateStoreWithPlain(t)
	r := New(reg, &fakePool{err: assertErr{}}, templates)

	err := r.Complete(context.Background(), domain.CompletionRequest{Alias: "llama3"}, func(domain.Token) error { return nil })
	assert.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "worker unavailable" }
