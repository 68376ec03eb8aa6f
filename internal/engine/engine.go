package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowboard/internal/audit"
	"flowboard/internal/domain"
	"flowboard/internal/prereq"
	"flowboard/internal/registry"
	"flowboard/internal/repo"
)

// DefaultMaxDepth bounds auto-transition cascades.
const DefaultMaxDepth = 10

// Engine executes transitions and cascades against the process store. All
// dependencies are injected; there are no package-level singletons.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Registry *registry.Registry
	Eval     *prereq.Evaluator
	Audit    audit.Logger
	Claims   Claims
	Now      func() time.Time
	MaxDepth int
}

func New(db *sql.DB, reg *registry.Registry) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Registry: reg,
		Eval:     prereq.New(),
		Audit:    audit.New(db),
		Claims:   NewMemoryClaims(),
		Now:      time.Now,
		MaxDepth: DefaultMaxDepth,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) maxDepth() int {
	if e.MaxDepth > 0 {
		return e.MaxDepth
	}
	return DefaultMaxDepth
}

// StructuralError marks the failures that refuse execution: unknown
// definition or state, and blocked transitions. Everything softer is a
// warning on the result, never an error.
type StructuralError struct {
	Reason string
}

func (e StructuralError) Error() string { return e.Reason }

func structuralf(format string, args ...any) StructuralError {
	return StructuralError{Reason: fmt.Sprintf(format, args...)}
}

// CreateOptions are parameters for creating a process.
type CreateOptions struct {
	ID           string
	KanbanID     string
	InitialState string
	FieldValues  map[string]any
	Metadata     map[string]any
	ActorID      string
}

// CreateProcess starts a process at the definition's initial state, or at an
// explicitly requested valid state.
func (e Engine) CreateProcess(ctx context.Context, opts CreateOptions) (domain.Process, error) {
	k, ok := e.Registry.Get(opts.KanbanID)
	if !ok {
		return domain.Process{}, structuralf("unknown kanban %s", opts.KanbanID)
	}
	state := opts.InitialState
	if state == "" {
		s, ok := k.InitialState()
		if !ok {
			return domain.Process{}, structuralf("kanban %s has no states", k.ID)
		}
		state = s.ID
	} else if _, ok := k.StateByID(state); !ok {
		return domain.Process{}, structuralf("unknown state %s in kanban %s", state, k.ID)
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Process{
		ID:           id,
		KanbanID:     k.ID,
		CurrentState: state,
		FieldValues:  opts.FieldValues,
		Metadata:     opts.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Process{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProcess(ctx, tx, p); err != nil {
		return domain.Process{}, err
	}
	if err := e.Audit.ProcessCreated(ctx, tx, p.ID, p.KanbanID, p.CurrentState, opts.ActorID); err != nil {
		return domain.Process{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Process{}, err
	}
	return p, nil
}

// CreateFromForm resolves the kanban linked to a form, applies its
// field_mapping and creates the process.
func (e Engine) CreateFromForm(ctx context.Context, formID string, values map[string]any, actorID string) (domain.Process, error) {
	kanbanID, ok := e.Registry.KanbanIDForForm(formID)
	if !ok {
		return domain.Process{}, structuralf("no kanban linked to form %s", formID)
	}
	return e.CreateProcess(ctx, CreateOptions{
		KanbanID:    kanbanID,
		FieldValues: e.Registry.MapFields(kanbanID, values),
		ActorID:     actorID,
	})
}

// UpdateFields merges values into the process field set and logs the change.
func (e Engine) UpdateFields(ctx context.Context, processID string, values map[string]any, actorID string) (domain.Process, error) {
	if _, err := e.Repo.GetProcess(ctx, processID); err != nil {
		return domain.Process{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Process{}, err
	}
	defer tx.Rollback()
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateProcessFields(ctx, tx, processID, values, now); err != nil {
		return domain.Process{}, err
	}
	if err := e.Audit.ProcessUpdated(ctx, tx, processID, actorID, map[string]any{"fields": values}); err != nil {
		return domain.Process{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Process{}, err
	}
	return e.Repo.GetProcess(ctx, processID)
}

// DeleteProcess removes a process. The deletion is logged as an audit action
// and leaves the transition history of other processes untouched.
func (e Engine) DeleteProcess(ctx context.Context, processID, actorID string) error {
	p, err := e.Repo.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteProcess(ctx, tx, processID); err != nil {
		return err
	}
	if err := e.Audit.ProcessDeleted(ctx, tx, processID, p.KanbanID, actorID); err != nil {
		return err
	}
	return tx.Commit()
}

// IsNotFound reports whether err is the store's missing-record sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound)
}
