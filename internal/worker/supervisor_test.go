package worker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locallm/gateway/internal/alias"
	"github.com/locallm/gateway/internal/domain"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *alias.Registry) {
	t.Helper()
	reg, err := alias.Open(t.TempDir())
	require.NoError(t, err)

	sup := New(reg, Config{
		Binary:        "/bin/true",
		PortBase:      9000,
		MaxReady:      2,
		IdleTimeout:   time.Hour,
		SpawnDeadline: 200 * time.Millisecond,
	})
	t.Cleanup(sup.Stop)
	return sup, reg
}

func TestSupervisor_AcquireUnknownAliasFails(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	_, err := sup.Acquire(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrAliasNotFound)
}

func TestSupervisor_AcquireMissingModelFileFails(t *testing.T) {
	sup, reg := newTestSupervisor(t)

	require.NoError(t, reg.Put(context.Background(), domain.Alias{
		Name:         "llama3",
		ModelFileRef: "/no/such/path/llama3.gguf",
		Source:       domain.AliasSourceUser,
	}))

	_, err := sup.Acquire(context.Background(), "llama3")
	assert.ErrorIs(t, err, ErrAliasNotFound)
}

func TestSupervisor_StateDefaultsToNotStarted(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	assert.Equal(t, NotStarted, sup.State("anything"))
}

func TestSupervisor_SelectEvictionVictimPrefersLeastRecentlyUsed(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	sup.mu.Lock()
	sup.entries["old"] = &entry{alias: "old", state: Ready, lastUsed: time.Now().Add(-time.Hour)}
	sup.entries["new"] = &entry{alias: "new", state: Ready, lastUsed: time.Now()}
	sup.entries["busy"] = &entry{alias: "busy", state: Ready, lastUsed: time.Now().Add(-2 * time.Hour), inFlight: 1}
	victim := sup.selectEvictionVictimLocked()
	sup.mu.Unlock()

	assert.Equal(t, "old", victim, "busy entry is older but must never be selected for eviction")
}

func TestSupervisor_EvictSkipsInFlightWorker(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	sup.mu.Lock()
	sup.entries["busy"] = &entry{alias: "busy", state: Ready, inFlight: 1}
	sup.mu.Unlock()

	sup.Evict("busy")

	sup.mu.Lock()
	_, stillPresent := sup.entries["busy"]
	sup.mu.Unlock()
	assert.True(t, stillPresent, "a worker with an in-flight request must never be evicted")
}

// TestSupervisor_AcquireConcurrentColdStartSpawnsOnce asserts the worker
// singleton property: many goroutines racing to Acquire the same
// never-seen alias converge on exactly one spawned process (spec.md §8,
// "Worker singleton per alias"). The fake binary never answers the health
// probe, so every caller ends up with an error, but that error must be
// caused by one underlying spawn attempt, not twenty.
func TestSupervisor_AcquireConcurrentColdStartSpawnsOnce(t *testing.T) {
	reg, err := alias.Open(t.TempDir())
	require.NoError(t, err)

	modelPath := filepath.Join(t.TempDir(), "llama3.gguf")
	require.NoError(t, os.WriteFile(modelPath, []byte("fake"), 0o644))

	counterPath := filepath.Join(t.TempDir(), "spawns")
	script := filepath.Join(t.TempDir(), "fake-worker.sh")
	scriptBody := "#!/bin/sh\necho x >> " + counterPath + "\nsleep 5\n"
	require.NoError(t, os.WriteFile(script, []byte(scriptBody), 0o755))

	require.NoError(t, reg.Put(context.Background(), domain.Alias{
		Name:         "llama3",
		ModelFileRef: modelPath,
		Source:       domain.AliasSourceUser,
	}))

	sup := New(reg, Config{
		Binary:        script,
		PortBase:      9100,
		MaxReady:      2,
		IdleTimeout:   time.Hour,
		SpawnDeadline: 150 * time.Millisecond,
	})
	t.Cleanup(sup.Stop)

	const callers = 20
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sup.Acquire(context.Background(), "llama3")
			errs[i] = err
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.Error(t, err, "a binary that never answers the health probe must fail every caller")
	}

	raw, err := os.ReadFile(counterPath)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), "x"),
		"concurrent Acquire calls for the same alias must spawn exactly one worker process")
}

func TestSupervisor_ReadyCountLocked(t *testing.T) {
	sup, _ := newTestSupervisor(t)

	sup.mu.Lock()
	sup.entries["a"] = &entry{state: Ready}
	sup.entries["b"] = &entry{state: Starting}
	sup.entries["c"] = &entry{state: Ready}
	count := sup.readyCountLocked()
	sup.mu.Unlock()

	assert.Equal(t, 2, count)
}
