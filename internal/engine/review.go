package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskmarket/internal/domain"
	"taskmarket/internal/engine/auth"
	"taskmarket/internal/history"
	"taskmarket/internal/notify"
	"taskmarket/internal/pending"
	"taskmarket/internal/repo"
)

const (
	ReviewPending   = "pending"
	ReviewApproved  = "approved"
	ReviewRejected  = "rejected"
	ReviewCancelled = "cancelled"
	ReviewTimedOut  = "timed_out"
)

const (
	CodeReviewRejected  = "review_rejected"
	CodeReviewCancelled = "review_cancelled"
	CodeReviewTimedOut  = "review_timed_out"
)

// ErrReviewClosed is returned when resolving a review that is no longer
// pending.
var ErrReviewClosed = errors.New("review is not pending")

// Verdict is a validator's answer to a review request.
type Verdict struct {
	Approved    bool
	ValidatorID string
	Reason      string
}

// OpenReview asks the task's validators to approve a submission. The
// returned future settles when a validator answers, the request is
// cancelled, or the caller stops waiting.
func (e Engine) OpenReview(ctx context.Context, taskID, requestedBy string) (domain.Review, *pending.Future[Verdict], error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Review{}, nil, err
	}
	if f := decideCompletion(t); f != nil {
		return domain.Review{}, nil, f
	}
	id := uuid.NewString()
	fut, err := e.Reviews.OpenID(id)
	if err != nil {
		return domain.Review{}, nil, err
	}
	stamp := domain.FormatTime(e.now())
	rev := domain.Review{
		ID:          id,
		TaskID:      taskID,
		RequestedBy: requestedBy,
		Status:      ReviewPending,
		CreatedAt:   stamp,
		UpdatedAt:   stamp,
	}
	if err := e.persistReview(ctx, rev, history.ActionReviewRequested, requestedBy, true); err != nil {
		_ = e.Reviews.Cancel(id)
		return domain.Review{}, nil, err
	}
	e.publish(ctx, notify.Event{
		Type:   notify.EventReviewRequested,
		TaskID: taskID,
		Actor:  requestedBy,
		Status: string(t.Status),
		Data:   map[string]any{"review_id": id, "validators": t.Validators},
	})
	return rev, fut, nil
}

// AwaitReview waits for the verdict on rev and acts on it: approval
// completes the task; rejection, cancellation and timeout leave the status
// unchanged.
func (e Engine) AwaitReview(ctx context.Context, rev domain.Review, fut *pending.Future[Verdict]) Result {
	r := e.start("review", rev.TaskID, rev.RequestedBy)
	timeout := 72 * time.Hour
	if e.Config != nil && e.Config.Claims.ReviewTimeout > 0 {
		timeout = e.Config.Claims.ReviewTimeout
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.to(StateAuthorizing)
	v, err := fut.Wait(wctx)
	switch {
	case errors.Is(err, pending.ErrCancelled):
		return r.fail(KindRejected, CodeReviewCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		rev.Status = ReviewTimedOut
		rev.Reason = "no verdict before the review timeout"
		rev.UpdatedAt = domain.FormatTime(e.now())
		if perr := e.persistReview(context.WithoutCancel(ctx), rev, history.ActionReviewResolved, history.ActorSystem, false); perr != nil && !errors.Is(perr, ErrReviewClosed) {
			r.log.WithError(perr).Error("recording review timeout failed")
		}
		return r.fail(KindRejected, CodeReviewTimedOut, fmt.Errorf("review %s timed out after %s", rev.ID, timeout))
	case err != nil:
		return r.fail(KindInternal, CodeInternal, err)
	case !v.Approved:
		return r.fail(KindRejected, CodeReviewRejected, fmt.Errorf("review rejected by %s: %s", v.ValidatorID, v.Reason))
	}
	return e.CompleteTask(ctx, CompleteRequest{TaskID: rev.TaskID, Actor: v.ValidatorID, Privileged: true})
}

// ReviewAndComplete opens a review and blocks until it is answered.
func (e Engine) ReviewAndComplete(ctx context.Context, taskID, requestedBy string) Result {
	rev, fut, err := e.OpenReview(ctx, taskID, requestedBy)
	if err != nil {
		r := e.start("review", taskID, requestedBy)
		var f *failure
		if errors.As(err, &f) {
			return r.decline(f)
		}
		if errors.Is(err, repo.ErrNotFound) {
			return r.fail(KindPrecondition, CodeTaskNotFound, fmt.Errorf("task %s not found", taskID))
		}
		return r.fail(KindInternal, CodeInternal, err)
	}
	return e.AwaitReview(ctx, rev, fut)
}

// ResolveReview records a validator's verdict and hands it to the waiter.
// When nobody waits any more, an approval completes the task directly.
func (e Engine) ResolveReview(ctx context.Context, reviewID string, v Verdict) (domain.Review, Result, error) {
	rev, err := e.Repo.GetReview(ctx, reviewID)
	if err != nil {
		return domain.Review{}, Result{}, err
	}
	t, err := e.Repo.GetTask(ctx, rev.TaskID)
	if err != nil {
		return domain.Review{}, Result{}, err
	}
	if !t.HasValidator(v.ValidatorID) {
		if err := e.Auth.Require(ctx, v.ValidatorID, auth.PermReviewResolve); err != nil {
			return domain.Review{}, Result{}, err
		}
	}
	rev.Status = ReviewRejected
	if v.Approved {
		rev.Status = ReviewApproved
	}
	rev.ValidatorID = v.ValidatorID
	rev.Reason = v.Reason
	rev.UpdatedAt = domain.FormatTime(e.now())
	if err := e.persistReview(ctx, rev, history.ActionReviewResolved, v.ValidatorID, false); err != nil {
		return domain.Review{}, Result{}, err
	}
	e.publish(ctx, notify.Event{
		Type:   notify.EventReviewResolved,
		TaskID: rev.TaskID,
		Actor:  v.ValidatorID,
		Data:   map[string]any{"review_id": rev.ID, "status": rev.Status},
	})
	if err := e.Reviews.Resolve(reviewID, v); err == nil {
		return rev, Result{Success: true, State: StateDone}, nil
	}
	if !v.Approved {
		return rev, Result{Success: true, State: StateDone}, nil
	}
	res := e.CompleteTask(ctx, CompleteRequest{TaskID: rev.TaskID, Actor: v.ValidatorID, Privileged: true})
	return rev, res, nil
}

// CancelReview withdraws a pending review.
func (e Engine) CancelReview(ctx context.Context, reviewID, actor string) (domain.Review, error) {
	rev, err := e.Repo.GetReview(ctx, reviewID)
	if err != nil {
		return domain.Review{}, err
	}
	rev.Status = ReviewCancelled
	rev.UpdatedAt = domain.FormatTime(e.now())
	if err := e.persistReview(ctx, rev, history.ActionReviewResolved, actor, false); err != nil {
		return domain.Review{}, err
	}
	_ = e.Reviews.Cancel(reviewID)
	return rev, nil
}

// persistReview writes the review row and its history entry together.
func (e Engine) persistReview(ctx context.Context, rev domain.Review, action, actor string, create bool) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if create {
		_, err = e.Repo.CreateReviewTx(ctx, tx, rev)
	} else {
		_, err = e.Repo.ResolveReviewTx(ctx, tx, rev)
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrReviewClosed, rev.ID)
		}
	}
	if err != nil {
		return err
	}
	meta := history.Metadata{"review_id": rev.ID, "status": rev.Status}
	if rev.Reason != "" {
		meta["reason"] = rev.Reason
	}
	if rev.ValidatorID != "" {
		meta["validator_id"] = rev.ValidatorID
	}
	if actor == "" {
		actor = history.ActorSystem
	}
	if err := e.appendHistory(ctx, tx, rev.TaskID, action, actor, meta); err != nil {
		return err
	}
	return tx.Commit()
}

// ListReviews returns the reviews of a task.
func (e Engine) ListReviews(ctx context.Context, taskID string) ([]domain.Review, error) {
	return e.Repo.ListReviewsByTask(ctx, taskID)
}
