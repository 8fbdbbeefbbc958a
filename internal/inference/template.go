package inference

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"github.com/locallm/gateway/internal/domain"
)

// builtinTemplates covers the chat formats worker binaries commonly expect
// out of the box, keyed the way an alias's chat_template_ref names them.
var builtinTemplates = map[string]string{
	"chatml": "{{range .Messages}}<|im_start|>{{.Role}}\n{{.Content}}<|im_end|>\n{{end}}<|im_start|>assistant\n",
	"llama3": "{{range .Messages}}<|start_header_id|>{{.Role}}<|end_header_id|>\n\n{{.Content}}<|eot_id|>{{end}}<|start_header_id|>assistant<|end_header_id|>\n\n",
}

// TemplateStore is the named chat-template catalog GET /api/ui/chat_templates
// lists from and aliases resolve chat_template_ref against. Custom entries
// persist as one file per template under dataDir/chat_templates, mirroring
// the alias registry's one-file-per-record layout.
type TemplateStore struct {
	mu   sync.RWMutex
	dir  string
	tmpl map[string]string
}

// OpenTemplateStore seeds the builtin catalog and loads any custom templates
// saved under dataDir/chat_templates.
func OpenTemplateStore(dataDir string) (*TemplateStore, error) {
	dir := filepath.Join(dataDir, "chat_templates")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("inference: create chat template directory: %w", err)
	}

	s := &TemplateStore{dir: dir, tmpl: make(map[string]string, len(builtinTemplates))}
	for name, body := range builtinTemplates {
		s.tmpl[name] = body
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("inference: read chat template directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmpl") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("inference: read template %s: %w", e.Name(), err)
		}
		name := strings.TrimSuffix(e.Name(), ".tmpl")
		s.tmpl[name] = string(raw)
	}

	return s, nil
}

// Get returns the template body registered for ref.
func (s *TemplateStore) Get(ref string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.tmpl[ref]
	return body, ok
}

// List returns every known template name, sorted.
func (s *TemplateStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tmpl))
	for name := range s.tmpl {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Put registers or overwrites a custom chat template and persists it.
func (s *TemplateStore) Put(name, body string) error {
	if err := os.WriteFile(filepath.Join(s.dir, name+".tmpl"), []byte(body), 0o600); err != nil {
		return fmt.Errorf("inference: write template %s: %w", name, err)
	}
	s.mu.Lock()
	s.tmpl[name] = body
	s.mu.Unlock()
	return nil
}

// promptContext is the set of variables a chat template body may reference.
type promptContext struct {
	Messages []domain.Message
}

// RenderPrompt turns a message sequence into the single prompt string a
// worker expects, through the resolved chat template body. Rendering is
// pure: the same messages and template always produce the same string.
func RenderPrompt(templateBody string, messages []domain.Message) (string, error) {
	tmpl, err := template.New("chat").Parse(templateBody)
	if err != nil {
		return "", fmt.Errorf("inference: parse chat template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, promptContext{Messages: messages}); err != nil {
		return "", fmt.Errorf("inference: render chat template: %w", err)
	}
	return buf.String(), nil
}
