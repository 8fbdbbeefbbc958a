// Package alias implements the Alias Registry (C7): the mapping from a
// user-visible model alias to the model file, chat template, and default
// inference parameters a request against that alias resolves to.
//
// Persistence is one YAML file per alias under dataDir/aliases, the same
// shape as the gateway's settings file (gopkg.in/yaml.v3), keyed by alias
// name rather than a database row — there is no multi-tenant or
// cross-process contention here, so a directory of small files is simpler
// than wiring a table through the optional Postgres backend.
package alias

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/locallm/gateway/internal/domain"
)

// ErrNotFound is returned when an alias name has no registered record.
var ErrNotFound = errors.New("alias: not found")

// ErrImmutable is returned on any attempt to mutate a source=model alias —
// those are derived from downloaded files, not user-editable (spec §3).
var ErrImmutable = errors.New("alias: source=model aliases are immutable")

// Registry is the persistent alias → resolution mapping. Records carry no
// version history.
type Registry struct {
	mu      sync.RWMutex
	dir     string
	aliases map[string]domain.Alias
}

// Open loads every alias file under dataDir/aliases into memory, creating
// the directory if absent.
func Open(dataDir string) (*Registry, error) {
	dir := filepath.Join(dataDir, "aliases")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("alias: create directory: %w", err)
	}

	r := &Registry{dir: dir, aliases: make(map[string]domain.Alias)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("alias: read directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("alias: read %s: %w", e.Name(), err)
		}
		var a domain.Alias
		if err := yaml.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("alias: parse %s: %w", e.Name(), err)
		}
		r.aliases[a.Name] = a
	}

	return r, nil
}

// Get resolves one alias by name.
func (r *Registry) Get(_ context.Context, name string) (domain.Alias, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.aliases[name]
	if !ok {
		return domain.Alias{}, ErrNotFound
	}
	return a, nil
}

// List returns every registered alias, sorted is left to the caller.
func (r *Registry) List(_ context.Context) []domain.Alias {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Alias, 0, len(r.aliases))
	for _, a := range r.aliases {
		out = append(out, a)
	}
	return out
}

// Put creates or updates a source=user alias. Attempting to overwrite an
// existing source=model alias is rejected.
func (r *Registry) Put(_ context.Context, a domain.Alias) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.aliases[a.Name]; ok && existing.Source == domain.AliasSourceModel {
		return ErrImmutable
	}

	if err := r.writeLocked(a); err != nil {
		return err
	}
	r.aliases[a.Name] = a
	return nil
}

// PutModelDerived registers a source=model alias discovered from a
// downloaded model file. Unlike Put, this is the one path allowed to create
// (but never overwrite) an immutable alias.
func (r *Registry) PutModelDerived(_ context.Context, a domain.Alias) error {
	a.Source = domain.AliasSourceModel

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.aliases[a.Name]; ok {
		return ErrImmutable
	}
	if err := r.writeLocked(a); err != nil {
		return err
	}
	r.aliases[a.Name] = a
	return nil
}

// Delete removes a source=user alias. Deleting a source=model alias is
// rejected; those disappear only when their backing file is removed and the
// registry is reloaded.
func (r *Registry) Delete(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.aliases[name]
	if !ok {
		return ErrNotFound
	}
	if existing.Source == domain.AliasSourceModel {
		return ErrImmutable
	}

	if err := os.Remove(r.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("alias: remove %s: %w", name, err)
	}
	delete(r.aliases, name)
	return nil
}

func (r *Registry) writeLocked(a domain.Alias) error {
	raw, err := yaml.Marshal(a)
	if err != nil {
		return fmt.Errorf("alias: marshal %s: %w", a.Name, err)
	}
	if err := os.WriteFile(r.path(a.Name), raw, 0o600); err != nil {
		return fmt.Errorf("alias: write %s: %w", a.Name, err)
	}
	return nil
}

func (r *Registry) path(name string) string {
	return filepath.Join(r.dir, name+".yaml")
}
