package registry

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"flowboard/internal/domain"
	"flowboard/internal/repo"
)

// Registry holds validated kanban definitions. Reads are concurrent; Load,
// Register, Unregister and Reload take the write lock for their duration.
type Registry struct {
	mu      sync.RWMutex
	kanbans map[string]domain.Kanban
	dir     string
	repo    repo.Repo
	logger  *log.Logger
}

func New(r repo.Repo, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		kanbans: map[string]domain.Kanban{},
		repo:    r,
		logger:  logger,
	}
}

// Load parses every definition file in dir. A file that fails to parse or
// validate is logged and skipped; it never becomes visible. Returns the
// number of definitions loaded.
func (r *Registry) Load(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	loaded := map[string]domain.Kanban{}
	for _, e := range entries {
		if e.IsDir() || !definitionFile(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		k, err := FromFile(path)
		if err != nil {
			r.logger.Printf("registry: rejected %s: %v", path, err)
			continue
		}
		if _, dup := loaded[k.ID]; dup {
			r.logger.Printf("registry: rejected %s: duplicate kanban id %s", path, k.ID)
			continue
		}
		loaded[k.ID] = k
	}
	r.mu.Lock()
	for id, k := range loaded {
		r.kanbans[id] = k
	}
	r.dir = dir
	r.mu.Unlock()
	return len(loaded), nil
}

// Reload re-scans the load directory, replacing the in-memory set. Persisted
// definitions from the store are merged back in afterwards.
func (r *Registry) Reload(ctx context.Context) (int, error) {
	r.mu.Lock()
	dir := r.dir
	r.kanbans = map[string]domain.Kanban{}
	r.mu.Unlock()

	n := 0
	if dir != "" {
		var err error
		if n, err = r.Load(dir); err != nil {
			return n, err
		}
	}
	stored, err := r.repo.ListKanbans(ctx)
	if err != nil {
		return n, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range stored {
		if _, ok := r.kanbans[k.ID]; ok {
			continue
		}
		if err := Validate(&k); err != nil {
			r.logger.Printf("registry: rejected stored kanban %s: %v", k.ID, err)
			continue
		}
		r.kanbans[k.ID] = k
		n++
	}
	return n, nil
}

// LoadStored merges persisted definitions without touching the directory set.
func (r *Registry) LoadStored(ctx context.Context) error {
	stored, err := r.repo.ListKanbans(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range stored {
		if err := Validate(&k); err != nil {
			r.logger.Printf("registry: rejected stored kanban %s: %v", k.ID, err)
			continue
		}
		if _, ok := r.kanbans[k.ID]; !ok {
			r.kanbans[k.ID] = k
		}
	}
	return nil
}

func (r *Registry) Get(id string) (domain.Kanban, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kanbans[id]
	return k, ok
}

func (r *Registry) List() []domain.Kanban {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Kanban, 0, len(r.kanbans))
	for _, k := range r.kanbans {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Register validates and installs a definition, optionally persisting it.
func (r *Registry) Register(ctx context.Context, k domain.Kanban, persist bool) error {
	if err := Validate(&k); err != nil {
		return err
	}
	if persist {
		if err := r.repo.UpsertKanban(ctx, k, ""); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.kanbans[k.ID] = k
	r.mu.Unlock()
	return nil
}

// Unregister removes a definition from memory and, when purge is set, from
// the store as well.
func (r *Registry) Unregister(ctx context.Context, id string, purge bool) error {
	r.mu.Lock()
	_, ok := r.kanbans[id]
	if ok {
		delete(r.kanbans, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("kanban %s: %w", id, repo.ErrNotFound)
	}
	if purge {
		if err := r.repo.DeleteKanban(ctx, id); err != nil && err != repo.ErrNotFound {
			return err
		}
	}
	return nil
}

// GetState returns one state of one kanban.
func (r *Registry) GetState(kanbanID, stateID string) (domain.State, bool) {
	k, ok := r.Get(kanbanID)
	if !ok {
		return domain.State{}, false
	}
	return k.StateByID(stateID)
}

// InitialState returns the entry state of a kanban.
func (r *Registry) InitialState(kanbanID string) (domain.State, bool) {
	k, ok := r.Get(kanbanID)
	if !ok {
		return domain.State{}, false
	}
	return k.InitialState()
}

// TransitionCheck is the registry's verdict on one (from,to) pair.
type TransitionCheck struct {
	Allowed     bool
	Blocked     *domain.Transition
	Warned      *domain.Transition
	Recommended bool
}

// CanTransition applies the open transition policy: every pair is allowed
// unless it appears in blocked_transitions; warned pairs stay allowed but
// carry the warning entry; recommended is advisory only.
func (r *Registry) CanTransition(kanbanID, from, to string) TransitionCheck {
	k, ok := r.Get(kanbanID)
	if !ok {
		return TransitionCheck{}
	}
	check := TransitionCheck{Allowed: true}
	for i := range k.BlockedTransitions {
		t := k.BlockedTransitions[i]
		if t.From == from && t.To == to {
			check.Allowed = false
			check.Blocked = &t
			return check
		}
	}
	for i := range k.WarnedTransitions {
		t := k.WarnedTransitions[i]
		if t.From == from && t.To == to {
			check.Warned = &t
			break
		}
	}
	for _, t := range k.RecommendedTransitions {
		if t.From == from && t.To == to {
			check.Recommended = true
			break
		}
	}
	return check
}

// RecommendedFrom lists the advisory next steps out of a state.
func (r *Registry) RecommendedFrom(kanbanID, from string) []domain.Transition {
	k, ok := r.Get(kanbanID)
	if !ok {
		return nil
	}
	var out []domain.Transition
	for _, t := range k.RecommendedTransitions {
		if t.From == from {
			out = append(out, t)
		}
	}
	return out
}

// IsFormLinked reports whether any kanban is fed by the given form.
func (r *Registry) IsFormLinked(formID string) bool {
	_, ok := r.KanbanIDForForm(formID)
	return ok
}

// KanbanIDForForm resolves the kanban owning a linked form.
func (r *Registry) KanbanIDForForm(formID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, k := range r.kanbans {
		for _, f := range k.LinkedForms {
			if f == formID {
				return id, true
			}
		}
	}
	return "", false
}

// MapFields renames external form fields to internal process fields using
// the kanban's field_mapping. Unmapped fields pass through unchanged.
func (r *Registry) MapFields(kanbanID string, external map[string]any) map[string]any {
	k, ok := r.Get(kanbanID)
	if !ok || len(k.FieldMapping) == 0 {
		return external
	}
	out := make(map[string]any, len(external))
	for name, v := range external {
		if mapped, ok := k.FieldMapping[name]; ok {
			out[mapped] = v
		} else {
			out[name] = v
		}
	}
	return out
}

// FromFile parses and validates one definition file. YAML handles both the
// .yml and .json forms.
func FromFile(path string) (domain.Kanban, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Kanban{}, err
	}
	return FromBytes(data)
}

func FromBytes(data []byte) (domain.Kanban, error) {
	var k domain.Kanban
	if err := yaml.Unmarshal(data, &k); err != nil {
		return domain.Kanban{}, fmt.Errorf("invalid definition: %w", err)
	}
	if err := Validate(&k); err != nil {
		return domain.Kanban{}, err
	}
	return k, nil
}

func definitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yml", ".yaml", ".json":
		return true
	}
	return false
}
