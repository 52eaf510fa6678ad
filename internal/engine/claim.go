package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskmarket/internal/chain"
	"taskmarket/internal/domain"
	"taskmarket/internal/history"
	"taskmarket/internal/notify"
	"taskmarket/internal/repo"
	"taskmarket/internal/signer"
)

// ClaimTask runs the claim flow for claimant. Every check that can fail
// without the registry runs first; the store is written only after the
// registry confirmed the claim.
func (e Engine) ClaimTask(ctx context.Context, taskID, claimant string) Result {
	taskID = normalizeID(taskID)
	r := e.start("claim", taskID, claimant)

	r.to(StateCheckingAvailability)
	addr, claimantID, err := parseAddress(claimant)
	if err != nil {
		return r.fail(KindPrecondition, CodeInvalidInput, err)
	}
	hash, err := chain.TaskHash(taskID)
	if err != nil {
		return r.fail(KindPrecondition, CodeInvalidInput, err)
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return r.fail(KindPrecondition, CodeTaskNotFound, fmt.Errorf("task %s not found", taskID))
	}
	if err != nil {
		return r.fail(KindInternal, CodeInternal, err)
	}
	if f := decideClaim(t, claimantID, e.now()); f != nil {
		return r.decline(f)
	}

	r.to(StateCheckingClaimability)
	ok, err := e.Chain.IsTaskClaimable(ctx, hash)
	if err != nil {
		return r.readFailure(err)
	}
	if !ok {
		return r.fail(KindPrecondition, CodeNotClaimable, errors.New("registry reports the task is not claimable"))
	}

	r.to(StateSigning)
	if e.Signer == nil {
		return r.fail(KindAuthority, CodeSignerUnavailable, signer.ErrUnavailable)
	}
	deadline := e.now().Add(e.signatureTTL())
	sig, err := e.Signer.SignClaim(ctx, hash, addr, deadline)
	if err != nil {
		return r.signFailure(err)
	}

	r.to(StateSubmittingChainTx)
	ref, err := e.Chain.ClaimTask(ctx, hash, addr, deadline, sig.Bytes)
	if err != nil {
		return r.chainFailure(err)
	}
	// The registry holds the claim from here on; the mirror and its history
	// entry must land even if the caller goes away.
	pctx := context.WithoutCancel(ctx)
	txHash := ref.Hex()
	meta := history.Metadata{
		"tx_hash":   txHash,
		"signature": sig.Hex(),
		"nonce":     sig.Nonce.String(),
		"deadline":  domain.FormatTime(deadline),
	}

	r.to(StateWritingStore)
	updated, err := e.applyClaim(pctx, taskID, claimantID, meta)
	if err != nil {
		// The registry holds the claim; record it and let reconciliation
		// bring the store forward.
		r.log.WithError(err).WithField("tx_hash", txHash).Warn("claim confirmed on chain but store write failed")
		r.to(StateLoggingHistory)
		meta["store_write"] = "failed"
		meta["store_error"] = err.Error()
		if herr := e.appendStandalone(pctx, taskID, history.ActionClaimed, claimantID, meta); herr != nil {
			r.log.WithError(herr).Error("claim history append failed")
		}
		e.invalidate(pctx, taskID, false)
		res := r.done(txHash, nil)
		res.Warning = "claim confirmed on chain but the task store was not updated; reconciliation will repair it"
		res.Code = CodeStoreWriteFailed
		return res
	}
	r.to(StateLoggingHistory)
	e.invalidate(pctx, taskID, false)
	e.publish(pctx, notify.Event{Type: notify.EventTaskClaimed, TaskID: taskID, Actor: claimantID, Status: string(updated.Status), TxHash: txHash})
	return r.done(txHash, &updated)
}

// applyClaim mirrors a confirmed claim: status, timestamps, in-progress
// counters and the history entry commit together.
func (e Engine) applyClaim(ctx context.Context, taskID, claimant string, meta history.Metadata) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	cur, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	now := e.now()
	stamp := domain.FormatTime(now)
	prev := cur.Assignee()
	held := cur.Status == domain.StatusClaimed || cur.Status == domain.StatusInProgress
	if held {
		meta["previous_assignee"] = prev
	} else if err := domain.EnsureTransition(cur.Status, domain.StatusClaimed); err != nil {
		return domain.Task{}, err
	}
	cur.Status = domain.StatusClaimed
	cur.AssigneeID = &claimant
	cur.ClaimedAt = &stamp
	cur.ClaimExpiresAt = domain.TimePtr(e.Calc.ClaimExpiry(now, cur.EstimatedDays))
	cur.SubmittedAt = nil
	cur.EvidenceURL = nil
	cur.UpdatedAt = stamp
	if err := e.Repo.UpdateTaskLifecycle(ctx, tx, cur); err != nil {
		return domain.Task{}, err
	}
	if held && prev != "" && !domain.SameAddress(prev, claimant) {
		if _, err := e.Repo.ApplyCollaboratorDelta(ctx, tx, prev, repo.CollaboratorDelta{InProgress: -1}, stamp); err != nil {
			return domain.Task{}, err
		}
	}
	if _, err := e.Repo.ApplyCollaboratorDelta(ctx, tx, claimant, repo.CollaboratorDelta{InProgress: 1}, stamp); err != nil {
		return domain.Task{}, err
	}
	if err := e.appendHistory(ctx, tx, taskID, history.ActionClaimed, claimant, meta); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return cur, nil
}

// appendStandalone records a history entry in its own transaction.
func (e Engine) appendStandalone(ctx context.Context, taskID, action, actorID string, meta history.Metadata) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.appendHistory(ctx, tx, taskID, action, actorID, meta); err != nil {
		return err
	}
	return tx.Commit()
}

// Remaining returns how long the claimant keeps exclusivity. ok is false
// when the task carries no claim.
func (e Engine) Remaining(t domain.Task) (time.Duration, bool) {
	if t.ClaimedAt == nil || !t.Status.Claimed() || t.Status == domain.StatusCompleted {
		return 0, false
	}
	claimedAt, err := domain.ParseTime(*t.ClaimedAt)
	if err != nil {
		return 0, false
	}
	return e.Calc.RemainingTime(claimedAt, t.EstimatedDays, e.now()), true
}
