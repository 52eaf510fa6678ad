package repo

import (
	"context"
	"database/sql"

	"taskmarket/internal/domain"
)

const reviewColumns = `id, task_id, requested_by, status, validator_id, reason, created_at, updated_at`

func scanReview(row rowScanner) (domain.Review, error) {
	var v domain.Review
	var validator, reason sql.NullString
	err := row.Scan(&v.ID, &v.TaskID, &v.RequestedBy, &v.Status, &validator, &reason, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.ValidatorID = validator.String
	v.Reason = reason.String
	return v, nil
}

func (r Repo) CreateReview(ctx context.Context, v domain.Review) (domain.Review, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Review{}, err
	}
	defer tx.Rollback()
	created, err := r.CreateReviewTx(ctx, tx, v)
	if err != nil {
		return domain.Review{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Review{}, err
	}
	return created, nil
}

func (r Repo) CreateReviewTx(ctx context.Context, tx *sql.Tx, v domain.Review) (domain.Review, error) {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO reviews(`+reviewColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		v.ID, v.TaskID, v.RequestedBy, v.Status, nullable(v.ValidatorID), nullable(v.Reason), v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return domain.Review{}, err
	}
	return v, nil
}

// ResolveReviewTx moves a pending review to its final status. It returns
// ErrNotFound when the review does not exist or is no longer pending.
func (r Repo) ResolveReviewTx(ctx context.Context, tx *sql.Tx, v domain.Review) (domain.Review, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE reviews SET status=?, validator_id=?, reason=?, updated_at=? WHERE id=? AND status='pending'`,
		v.Status, nullable(v.ValidatorID), nullable(v.Reason), v.UpdatedAt, v.ID)
	if err != nil {
		return domain.Review{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Review{}, ErrNotFound
	}
	return r.GetReviewTx(ctx, tx, v.ID)
}

func (r Repo) GetReview(ctx context.Context, id string) (domain.Review, error) {
	return r.GetReviewTx(ctx, nil, id)
}

func (r Repo) GetReviewTx(ctx context.Context, tx *sql.Tx, id string) (domain.Review, error) {
	return scanReview(r.q(tx).QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id=?`, id))
}

func (r Repo) ListReviewsByTask(ctx context.Context, taskID string) ([]domain.Review, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		v, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// ListPendingReviews returns reviews still awaiting a validator.
func (r Repo) ListPendingReviews(ctx context.Context) ([]domain.Review, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE status='pending' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Review
	for rows.Next() {
		v, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
