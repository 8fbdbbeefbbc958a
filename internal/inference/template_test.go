package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/locallm/gateway/internal/domain"
)

func TestRenderPrompt_Deterministic(t *testing.T) {
	messages := []domain.Message{
		{Role: domain.MessageRoleSystem, Content: "be terse"},
		{Role: domain.MessageRoleUser, Content: "hi"},
	}

	first, err := RenderPrompt(builtinTemplates["chatml"], messages)
	require.NoError(t, err)
	second, err := RenderPrompt(builtinTemplates["chatml"], messages)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Contains(t, first, "be terse")
	assert.Contains(t, first, "hi")
}

func TestTemplateStore_BuiltinsPresent(t *testing.T) {
	store, err := OpenTemplateStore(t.TempDir())
	require.NoError(t, err)

	names := store.List()
	assert.Contains(t, names, "chatml")
	assert.Contains(t, names, "llama3")
}

func TestTemplateStore_PutPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s1, err := OpenTemplateStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Put("custom", "{{range .Messages}}{{.Content}}\n{{end}}"))

	s2, err := OpenTemplateStore(dir)
	require.NoError(t, err)
	body, ok := s2.Get("custom")
	require.True(t, ok)
	assert.Contains(t, body, "{{.Content}}")
}

func TestComputeTimings_ExactRates(t *testing.T) {
	timings := computeTimings(100, 1000, 50, 2000)
	assert.Equal(t, "100.00", timings.PromptPerSecond)
	assert.Equal(t, "25.00", timings.PredictedPerSecond)
}

func TestComputeTimings_ZeroDurationIsZeroRate(t *testing.T) {
	timings := computeTimings(10, 0, 0, 0)
	assert.Equal(t, "0.00", timings.PromptPerSecond)
	assert.Equal(t, "0.00", timings.PredictedPerSecond)
}
