package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"flowboard/internal/domain"
)

// Repo is the durable store for processes, transition history, kanban
// documents and cascade claims. The engine never touches SQL outside it.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProcess(ctx context.Context, tx *sql.Tx, p domain.Process) error {
	fields, err := marshalMap(p.FieldValues)
	if err != nil {
		return fmt.Errorf("marshal field values: %w", err)
	}
	meta, err := marshalMap(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO processes(id,kanban_id,current_state,previous_state,field_values_json,metadata_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.KanbanID, p.CurrentState, nullable(p.PreviousState), fields, meta, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProcess(ctx context.Context, id string) (domain.Process, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,kanban_id,current_state,COALESCE(previous_state,''),field_values_json,metadata_json,created_at,updated_at FROM processes WHERE id=?`, id)
	p, err := scanProcess(row)
	if err != nil {
		return p, err
	}
	p.History, err = r.TransitionHistory(ctx, id)
	return p, err
}

func scanProcess(row *sql.Row) (domain.Process, error) {
	var p domain.Process
	var fields, meta string
	err := row.Scan(&p.ID, &p.KanbanID, &p.CurrentState, &p.PreviousState, &fields, &meta, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := unmarshalMap(fields, &p.FieldValues); err != nil {
		return p, fmt.Errorf("field values of %s: %w", p.ID, err)
	}
	if err := unmarshalMap(meta, &p.Metadata); err != nil {
		return p, fmt.Errorf("metadata of %s: %w", p.ID, err)
	}
	return p, nil
}

// ListProcesses returns processes, optionally scoped to one kanban. History
// is not loaded; callers needing it use GetProcess.
func (r Repo) ListProcesses(ctx context.Context, kanbanID string) ([]domain.Process, error) {
	query := `SELECT id,kanban_id,current_state,COALESCE(previous_state,''),field_values_json,metadata_json,created_at,updated_at FROM processes`
	var args []any
	if kanbanID != "" {
		query += ` WHERE kanban_id=?`
		args = append(args, kanbanID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProcesses(rows)
}

// FindProcessesByField matches a top-level field value using json_extract.
func (r Repo) FindProcessesByField(ctx context.Context, name string, value any) ([]domain.Process, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,kanban_id,current_state,COALESCE(previous_state,''),field_values_json,metadata_json,created_at,updated_at
		 FROM processes WHERE json_extract(field_values_json, '$.'||?) = ? ORDER BY created_at DESC, id DESC`,
		name, value)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProcesses(rows)
}

func collectProcesses(rows *sql.Rows) ([]domain.Process, error) {
	var out []domain.Process
	for rows.Next() {
		var p domain.Process
		var fields, meta string
		if err := rows.Scan(&p.ID, &p.KanbanID, &p.CurrentState, &p.PreviousState, &fields, &meta, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalMap(fields, &p.FieldValues); err != nil {
			return nil, fmt.Errorf("field values of %s: %w", p.ID, err)
		}
		if err := unmarshalMap(meta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("metadata of %s: %w", p.ID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProcessState moves the state pointers inside an open transaction.
func (r Repo) UpdateProcessState(ctx context.Context, tx *sql.Tx, id, currentState, previousState, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE processes SET current_state=?, previous_state=?, updated_at=? WHERE id=?`,
		currentState, nullable(previousState), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProcessFields merges the given values into field_values.
func (r Repo) UpdateProcessFields(ctx context.Context, tx *sql.Tx, id string, values map[string]any, updatedAt string) error {
	row := tx.QueryRowContext(ctx, `SELECT field_values_json FROM processes WHERE id=?`, id)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	var current map[string]any
	if err := unmarshalMap(raw, &current); err != nil {
		return err
	}
	if current == nil {
		current = map[string]any{}
	}
	for k, v := range values {
		current[k] = v
	}
	merged, err := marshalMap(current)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE processes SET field_values_json=?, updated_at=? WHERE id=?`, merged, updatedAt, id)
	return err
}

func (r Repo) DeleteProcess(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM processes WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTransition writes one history row. History is append-only; nothing
// in the repo updates or deletes transition rows.
func (r Repo) AppendTransition(ctx context.Context, tx *sql.Tx, rec domain.TransitionRecord) (int64, error) {
	status, err := marshalMap(rec.PrerequisitesStatus)
	if err != nil {
		return 0, fmt.Errorf("marshal prerequisites status: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO transitions(process_id,kanban_id,from_state,to_state,ts,triggered_by,justification,prerequisites_json,was_anomaly,anomaly_reason)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.ProcessID, rec.KanbanID, rec.FromState, rec.ToState, rec.Timestamp, rec.TriggeredBy,
		nullable(rec.Justification), status, boolToInt(rec.WasAnomaly), nullable(rec.AnomalyReason))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// TransitionHistory returns the append-order history for one process.
func (r Repo) TransitionHistory(ctx context.Context, processID string) ([]domain.TransitionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,process_id,kanban_id,from_state,to_state,ts,COALESCE(justification,''),triggered_by,COALESCE(prerequisites_json,''),was_anomaly,COALESCE(anomaly_reason,'')
		FROM transitions WHERE process_id=? ORDER BY id ASC`, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransitions(rows)
}

func collectTransitions(rows *sql.Rows) ([]domain.TransitionRecord, error) {
	var out []domain.TransitionRecord
	for rows.Next() {
		var rec domain.TransitionRecord
		var status string
		var anomaly int
		if err := rows.Scan(&rec.ID, &rec.ProcessID, &rec.KanbanID, &rec.FromState, &rec.ToState, &rec.Timestamp,
			&rec.Justification, &rec.TriggeredBy, &status, &anomaly, &rec.AnomalyReason); err != nil {
			return nil, err
		}
		rec.WasAnomaly = anomaly != 0
		if status != "" {
			if err := unmarshalMap(status, &rec.PrerequisitesStatus); err != nil {
				return nil, fmt.Errorf("prerequisites status of transition %d: %w", rec.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// QueryTransitions filters the transition stream for the audit layer.
type TransitionQuery struct {
	KanbanID      string
	FromState     string
	ToState       string
	TriggeredBy   string
	OnlyAnomalies bool
	Since         string
	Until         string
	Limit         int
}

func (r Repo) QueryTransitions(ctx context.Context, q TransitionQuery) ([]domain.TransitionRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	add := func(clause string, arg any) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if q.KanbanID != "" {
		add("kanban_id=?", q.KanbanID)
	}
	if q.FromState != "" {
		add("from_state=?", q.FromState)
	}
	if q.ToState != "" {
		add("to_state=?", q.ToState)
	}
	if q.TriggeredBy != "" {
		add("triggered_by=?", q.TriggeredBy)
	}
	if q.OnlyAnomalies {
		clauses = append(clauses, "was_anomaly=1")
	}
	if q.Since != "" {
		add("ts>=?", q.Since)
	}
	if q.Until != "" {
		add("ts<=?", q.Until)
	}
	query := `SELECT id,process_id,kanban_id,from_state,to_state,ts,COALESCE(justification,''),triggered_by,COALESCE(prerequisites_json,''),was_anomaly,COALESCE(anomaly_reason,'')
		FROM transitions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY ts DESC, id DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTransitions(rows)
}

// --- helpers ---

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(raw string, dst *map[string]any) error {
	if raw == "" || raw == "{}" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
