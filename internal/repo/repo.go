package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"taskmarket/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const taskColumns = `id,key,title,description,complexity,reward_amount,estimated_days,platform,category,priority,skills_json,tags_json,status,assignee_id,claimed_at,claim_expires_at,submitted_at,completed_at,evidence_url,validators_json,create_tx_hash,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var description, platform, category, priority, assigneeID, claimedAt, claimExpiresAt, submittedAt, completedAt, evidenceURL, createTx sql.NullString
	var skills, tags, validators, status string
	err := row.Scan(&t.ID, &t.Key, &t.Title, &description, &t.Complexity, &t.RewardAmount, &t.EstimatedDays,
		&platform, &category, &priority, &skills, &tags, &status, &assigneeID, &claimedAt, &claimExpiresAt,
		&submittedAt, &completedAt, &evidenceURL, &validators, &createTx, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.Status(status)
	t.Description = description.String
	t.Platform = platform.String
	t.Category = category.String
	t.Priority = priority.String
	t.AssigneeID = nullStringPtr(assigneeID)
	t.ClaimedAt = nullStringPtr(claimedAt)
	t.ClaimExpiresAt = nullStringPtr(claimExpiresAt)
	t.SubmittedAt = nullStringPtr(submittedAt)
	t.CompletedAt = nullStringPtr(completedAt)
	t.EvidenceURL = nullStringPtr(evidenceURL)
	t.CreateTxHash = nullStringPtr(createTx)
	if t.Skills, err = unmarshalStrings(skills); err != nil {
		return t, fmt.Errorf("task %s skills: %w", t.ID, err)
	}
	if t.Tags, err = unmarshalStrings(tags); err != nil {
		return t, fmt.Errorf("task %s tags: %w", t.ID, err)
	}
	if t.Validators, err = unmarshalStrings(validators); err != nil {
		return t, fmt.Errorf("task %s validators: %w", t.ID, err)
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	skills, tags, validators := marshalStrings(t.Skills), marshalStrings(t.Tags), marshalStrings(t.Validators)
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Key, t.Title, nullable(t.Description), t.Complexity, t.RewardAmount, t.EstimatedDays,
		nullable(t.Platform), nullable(t.Category), nullable(t.Priority), skills, tags, string(t.Status),
		nullableStringPtr(t.AssigneeID), nullableStringPtr(t.ClaimedAt), nullableStringPtr(t.ClaimExpiresAt),
		nullableStringPtr(t.SubmittedAt), nullableStringPtr(t.CompletedAt), nullableStringPtr(t.EvidenceURL),
		validators, nullableStringPtr(t.CreateTxHash), t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTaskLifecycle writes the lifecycle columns only. Metadata is immutable
// once the task exists on chain.
func (r Repo) UpdateTaskLifecycle(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status=?, assignee_id=?, claimed_at=?, claim_expires_at=?, submitted_at=?, completed_at=?, evidence_url=?, updated_at=? WHERE id=?`,
		string(t.Status), nullableStringPtr(t.AssigneeID), nullableStringPtr(t.ClaimedAt), nullableStringPtr(t.ClaimExpiresAt),
		nullableStringPtr(t.SubmittedAt), nullableStringPtr(t.CompletedAt), nullableStringPtr(t.EvidenceURL), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskByKey(ctx context.Context, key string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE key=?`, key))
}

const (
	SortNewest = "newest"
	SortReward = "reward"
)

type TaskFilters struct {
	Status     string
	Statuses   []string
	Platform   string
	Category   string
	AssigneeID string
	// Open selects available tasks plus claims whose exclusivity ended before Now.
	Open      bool
	Now       string
	Sort      string
	Limit     int
	CursorKey string
	CursorID  string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if len(f.Statuses) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")
		clauses = append(clauses, "status IN ("+marks+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.Platform != "" {
		clauses = append(clauses, "platform=?")
		args = append(args, f.Platform)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=? COLLATE NOCASE")
		args = append(args, f.AssigneeID)
	}
	if f.Open {
		clauses = append(clauses, "(status='available' OR (status IN ('claimed','in_progress') AND claim_expires_at IS NOT NULL AND claim_expires_at < ?))")
		args = append(args, f.Now)
	}
	order := "created_at DESC, id DESC"
	if f.Sort == SortReward {
		order = "reward_amount DESC, id DESC"
	}
	if f.CursorKey != "" && f.CursorID != "" {
		if f.Sort == SortReward {
			reward, err := strconv.ParseInt(f.CursorKey, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid cursor: %w", err)
			}
			clauses = append(clauses, "(reward_amount < ? OR (reward_amount = ? AND id < ?))")
			args = append(args, reward, reward, f.CursorID)
		} else {
			clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
			args = append(args, f.CursorKey, f.CursorKey, f.CursorID)
		}
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY ` + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// CursorKeyFor returns the pagination key matching the sort order.
func CursorKeyFor(t domain.Task, sort string) string {
	if sort == SortReward {
		return strconv.FormatInt(t.RewardAmount, 10)
	}
	return t.CreatedAt
}

// ListUnsettledIDs returns ids of tasks that are not terminal in the store.
func (r Repo) ListUnsettledIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE status NOT IN ('completed','cancelled','expired') ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var s string
		var c int
		if err := rows.Scan(&s, &c); err != nil {
			return nil, err
		}
		res[s] = c
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func marshalStrings(in []string) string {
	if in == nil {
		in = []string{}
	}
	b, _ := json.Marshal(in)
	return string(b)
}

func unmarshalStrings(raw string) ([]string, error) {
	out := []string{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
