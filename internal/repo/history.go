package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"taskmarket/internal/domain"
)

const historyColumns = `id, task_id, action, actor_id, metadata_json, ts`

func scanHistory(row rowScanner) (domain.HistoryEntry, error) {
	var h domain.HistoryEntry
	var meta string
	if err := row.Scan(&h.ID, &h.TaskID, &h.Action, &h.ActorID, &meta, &h.TS); err != nil {
		return h, err
	}
	h.Metadata = map[string]any{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &h.Metadata); err != nil {
			return h, fmt.Errorf("history %d metadata: %w", h.ID, err)
		}
	}
	return h, nil
}

func (r Repo) queryHistory(ctx context.Context, query string, args ...any) ([]domain.HistoryEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// ListHistory returns the entries of one task in append order.
func (r Repo) ListHistory(ctx context.Context, taskID string) ([]domain.HistoryEntry, error) {
	return r.queryHistory(ctx, `SELECT `+historyColumns+` FROM history WHERE task_id=? ORDER BY id ASC`, taskID)
}

// HistoryAfter returns entries with id greater than afterID across all tasks.
func (r Repo) HistoryAfter(ctx context.Context, afterID int64, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryHistory(ctx, `SELECT `+historyColumns+` FROM history WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
}

func (r Repo) LatestHistoryID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM history`).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// CountHistoryTx counts entries of a task with the given action. An empty
// actorID matches any actor.
func (r Repo) CountHistoryTx(ctx context.Context, tx *sql.Tx, taskID, action, actorID string) (int, error) {
	query := `SELECT COUNT(*) FROM history WHERE task_id=? AND action=?`
	args := []any{taskID, action}
	if actorID != "" {
		query += ` AND actor_id=? COLLATE NOCASE`
		args = append(args, actorID)
	}
	var n int
	err := r.q(tx).QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}
