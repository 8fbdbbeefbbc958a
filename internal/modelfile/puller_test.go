package modelfile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locallm/gateway/internal/alias"
	"github.com/locallm/gateway/internal/domain"
)

func waitForStatus(t *testing.T, p *Puller, id string, want Status) Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := p.Get(id)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		if job.Status == StatusFailed && want != StatusFailed {
			t.Fatalf("job failed: %s", job.Error)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %s", want)
	return Job{}
}

func TestPuller_StartDownloadsAndRegistersAlias(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fake-model-bytes"))
	}))
	defer srv.Close()

	aliases, err := alias.Open(t.TempDir())
	require.NoError(t, err)
	p, err := New(t.TempDir(), aliases)
	require.NoError(t, err)

	job := p.Start("mymodel", srv.URL, "chatml")
	done := waitForStatus(t, p, job.ID, StatusComplete)
	assert.Equal(t, int64(len("fake-model-bytes")), done.BytesDone)

	a, err := aliases.Get(context.Background(), "mymodel")
	require.NoError(t, err)
	assert.Equal(t, domain.AliasSourceModel, a.Source)
	assert.Equal(t, "chatml", a.ChatTemplateRef)
}

func TestPuller_StartFailsOnUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	aliases, err := alias.Open(t.TempDir())
	require.NoError(t, err)
	p, err := New(t.TempDir(), aliases)
	require.NoError(t, err)

	job := p.Start("broken", srv.URL, "chatml")
	done := waitForStatus(t, p, job.ID, StatusFailed)
	assert.NotEmpty(t, done.Error)

	_, err = aliases.Get(context.Background(), "broken")
	assert.Error(t, err)
}

func TestPuller_GetUnknownJobReturnsErrNotFound(t *testing.T) {
	aliases, err := alias.Open(t.TempDir())
	require.NoError(t, err)
	p, err := New(t.TempDir(), aliases)
	require.NoError(t, err)

	_, err = p.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPuller_ListReportsEveryTrackedJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	aliases, err := alias.Open(t.TempDir())
	require.NoError(t, err)
	p, err := New(t.TempDir(), aliases)
	require.NoError(t, err)

	j1 := p.Start("one", srv.URL, "chatml")
	j2 := p.Start("two", srv.URL, "chatml")
	waitForStatus(t, p, j1.ID, StatusComplete)
	waitForStatus(t, p, j2.ID, StatusComplete)

	list := p.List()
	assert.Len(t, list, 2)
}
