package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"flowboard/internal/domain"
	"flowboard/internal/repo"
)

// Logger is the append-only action stream plus the query side of the audit
// subsystem. Transition rows are written by the engine through the store;
// the logger only reads them, joining the two streams at query time.
type Logger struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

func New(db *sql.DB) Logger {
	return Logger{DB: db, Repo: repo.Repo{DB: db}, Now: time.Now}
}

func (l Logger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Append writes one action inside an open transaction.
func (l Logger) Append(ctx context.Context, tx *sql.Tx, a domain.AuditAction) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp == "" {
		a.Timestamp = l.now().UTC().Format(time.RFC3339)
	}
	meta, err := marshalOptional(a.Metadata)
	if err != nil {
		return fmt.Errorf("marshal action metadata: %w", err)
	}
	changes, err := marshalOptional(a.Changes)
	if err != nil {
		return fmt.Errorf("marshal action changes: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_actions(id,action_type,entity_id,performed_by,description,metadata_json,changes_json,ts) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.Type, nullable(a.EntityID), a.PerformedBy, nullable(a.Description), meta, changes, a.Timestamp)
	return err
}

// Log writes one action in its own transaction.
func (l Logger) Log(ctx context.Context, actionType, entityID, performedBy, description string, metadata, changes map[string]any) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := l.Append(ctx, tx, domain.AuditAction{
		Type:        actionType,
		EntityID:    entityID,
		PerformedBy: performedBy,
		Description: description,
		Metadata:    metadata,
		Changes:     changes,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (l Logger) ProcessCreated(ctx context.Context, tx *sql.Tx, processID, kanbanID, state, actor string) error {
	return l.Append(ctx, tx, domain.AuditAction{
		Type:        "process.created",
		EntityID:    processID,
		PerformedBy: actor,
		Description: fmt.Sprintf("process created in kanban %s at state %s", kanbanID, state),
		Metadata:    map[string]any{"kanban_id": kanbanID, "state": state},
	})
}

func (l Logger) ProcessUpdated(ctx context.Context, tx *sql.Tx, processID, actor string, changes map[string]any) error {
	return l.Append(ctx, tx, domain.AuditAction{
		Type:        "process.updated",
		EntityID:    processID,
		PerformedBy: actor,
		Changes:     changes,
	})
}

func (l Logger) ProcessDeleted(ctx context.Context, tx *sql.Tx, processID, kanbanID, actor string) error {
	return l.Append(ctx, tx, domain.AuditAction{
		Type:        "process.deleted",
		EntityID:    processID,
		PerformedBy: actor,
		Metadata:    map[string]any{"kanban_id": kanbanID},
	})
}

// TransitionExecuted records the action-stream shadow of a transition.
func (l Logger) TransitionExecuted(ctx context.Context, tx *sql.Tx, rec domain.TransitionRecord) error {
	return l.Append(ctx, tx, domain.AuditAction{
		Type:        "process.transition",
		EntityID:    rec.ProcessID,
		PerformedBy: rec.TriggeredBy,
		Description: fmt.Sprintf("transition %s -> %s", rec.FromState, rec.ToState),
		Metadata: map[string]any{
			"kanban_id":  rec.KanbanID,
			"from_state": rec.FromState,
			"to_state":   rec.ToState,
		},
	})
}

// Filter narrows an action query. Zero values are ignored.
type Filter struct {
	Type        string
	PerformedBy string
	EntityID    string
	Since       string
	Until       string
	Limit       int
}

func (l Logger) Actions(ctx context.Context, f Filter) ([]domain.AuditAction, error) {
	clauses := []string{"1=1"}
	var args []any
	add := func(clause string, arg any) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if f.Type != "" {
		add("action_type=?", f.Type)
	}
	if f.PerformedBy != "" {
		add("performed_by=?", f.PerformedBy)
	}
	if f.EntityID != "" {
		add("entity_id=?", f.EntityID)
	}
	if f.Since != "" {
		add("ts>=?", f.Since)
	}
	if f.Until != "" {
		add("ts<=?", f.Until)
	}
	query := `SELECT id,action_type,COALESCE(entity_id,''),performed_by,COALESCE(description,''),COALESCE(metadata_json,''),COALESCE(changes_json,''),ts
		FROM audit_actions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY ts DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditAction
	for rows.Next() {
		var a domain.AuditAction
		var meta, changes string
		if err := rows.Scan(&a.ID, &a.Type, &a.EntityID, &a.PerformedBy, &a.Description, &meta, &changes, &a.Timestamp); err != nil {
			return nil, err
		}
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
				return nil, fmt.Errorf("metadata of action %s: %w", a.ID, err)
			}
		}
		if changes != "" {
			if err := json.Unmarshal([]byte(changes), &a.Changes); err != nil {
				return nil, fmt.Errorf("changes of action %s: %w", a.ID, err)
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Transitions filters the transition stream.
func (l Logger) Transitions(ctx context.Context, q repo.TransitionQuery) ([]domain.TransitionRecord, error) {
	return l.Repo.QueryTransitions(ctx, q)
}

func marshalOptional(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
