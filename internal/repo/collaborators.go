package repo

import (
	"context"
	"database/sql"
	"strings"

	"taskmarket/internal/domain"
)

// CollaboratorDelta is applied atomically to a collaborator row, creating it
// on first use.
type CollaboratorDelta struct {
	Reward     int64
	Completed  int
	InProgress int
}

func (r Repo) ApplyCollaboratorDelta(ctx context.Context, tx *sql.Tx, address string, d CollaboratorDelta, now string) (domain.Collaborator, error) {
	address = strings.ToLower(address)
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO collaborators(address, updated_at) VALUES (?,?)`, address, now); err != nil {
		return domain.Collaborator{}, err
	}
	// tasks_in_progress floors at zero.
	if _, err := q.ExecContext(ctx, `UPDATE collaborators SET total_reward=total_reward+?, tasks_completed=tasks_completed+?,
tasks_in_progress=MAX(tasks_in_progress+?, 0), updated_at=? WHERE address=?`,
		d.Reward, d.Completed, d.InProgress, now, address); err != nil {
		return domain.Collaborator{}, err
	}
	c, err := r.getCollaborator(ctx, q, address)
	if err != nil {
		return c, err
	}
	if rank := domain.RankFor(c.TasksCompleted); rank != c.Rank {
		if _, err := q.ExecContext(ctx, `UPDATE collaborators SET rank=? WHERE address=?`, rank, address); err != nil {
			return c, err
		}
		c.Rank = rank
	}
	return c, nil
}

func (r Repo) GetCollaborator(ctx context.Context, address string) (domain.Collaborator, error) {
	return r.getCollaborator(ctx, r.DB, strings.ToLower(address))
}

func (r Repo) getCollaborator(ctx context.Context, q queryer, address string) (domain.Collaborator, error) {
	var c domain.Collaborator
	err := q.QueryRowContext(ctx, `SELECT address, total_reward, tasks_completed, tasks_in_progress, rank, updated_at FROM collaborators WHERE address=?`, address).
		Scan(&c.Address, &c.TotalReward, &c.TasksCompleted, &c.TasksInProgress, &c.Rank, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

// Leaderboard orders collaborators by total reward, then completed tasks.
func (r Repo) Leaderboard(ctx context.Context, limit int) ([]domain.Collaborator, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT address, total_reward, tasks_completed, tasks_in_progress, rank, updated_at
FROM collaborators ORDER BY total_reward DESC, tasks_completed DESC, address ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Collaborator
	for rows.Next() {
		var c domain.Collaborator
		if err := rows.Scan(&c.Address, &c.TotalReward, &c.TasksCompleted, &c.TasksInProgress, &c.Rank, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// InsertSettlement records a settlement once. It reports false when the task
// was already settled.
func (r Repo) InsertSettlement(ctx context.Context, tx *sql.Tx, s domain.Settlement) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO settlements(task_id, assignee, reward_amount, tx_hash, settled_at) VALUES (?,?,?,?,?)`,
		s.TaskID, strings.ToLower(s.Assignee), s.RewardAmount, nullable(s.TxHash), s.SettledAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetSettlement(ctx context.Context, taskID string) (domain.Settlement, error) {
	var s domain.Settlement
	var txHash sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT task_id, assignee, reward_amount, tx_hash, settled_at FROM settlements WHERE task_id=?`, taskID).
		Scan(&s.TaskID, &s.Assignee, &s.RewardAmount, &txHash, &s.SettledAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.TxHash = txHash.String
	return s, err
}
