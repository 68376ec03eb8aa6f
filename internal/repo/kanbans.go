package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"flowboard/internal/domain"
)

// UpsertKanban persists a definition document. The registry calls this when
// registering with persist=true; Load does not write back.
func (r Repo) UpsertKanban(ctx context.Context, k domain.Kanban, sourcePath string) error {
	doc, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("marshal kanban %s: %w", k.ID, err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO kanbans(id,name,definition_json,source_path,created_at,updated_at) VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, definition_json=excluded.definition_json, source_path=excluded.source_path, updated_at=excluded.updated_at`,
		k.ID, k.Name, string(doc), nullable(sourcePath), now, now)
	return err
}

func (r Repo) GetKanban(ctx context.Context, id string) (domain.Kanban, error) {
	var doc string
	err := r.DB.QueryRowContext(ctx, `SELECT definition_json FROM kanbans WHERE id=?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return domain.Kanban{}, ErrNotFound
	}
	if err != nil {
		return domain.Kanban{}, err
	}
	var k domain.Kanban
	if err := json.Unmarshal([]byte(doc), &k); err != nil {
		return domain.Kanban{}, fmt.Errorf("kanban %s: %w", id, err)
	}
	return k, nil
}

func (r Repo) ListKanbans(ctx context.Context) ([]domain.Kanban, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT definition_json FROM kanbans ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Kanban
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var k domain.Kanban
		if err := json.Unmarshal([]byte(doc), &k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (r Repo) DeleteKanban(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM kanbans WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
