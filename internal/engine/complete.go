package engine

import (
	"context"
	"errors"
	"fmt"

	"taskmarket/internal/chain"
	"taskmarket/internal/engine/auth"
	"taskmarket/internal/notify"
	"taskmarket/internal/repo"
)

type CompleteRequest struct {
	TaskID string
	Actor  string
	// Privileged skips the validator check; set by callers that already
	// authorized the actor, such as an approved review.
	Privileged bool
}

// CompleteTask finalizes a submitted task on chain and settles it. Only a
// listed validator or an actor holding task.complete may complete.
func (e Engine) CompleteTask(ctx context.Context, req CompleteRequest) Result {
	req.TaskID = normalizeID(req.TaskID)
	r := e.start("complete", req.TaskID, req.Actor)

	r.to(StateCheckingAvailability)
	hash, err := chain.TaskHash(req.TaskID)
	if err != nil {
		return r.fail(KindPrecondition, CodeInvalidInput, err)
	}
	t, err := e.Repo.GetTask(ctx, req.TaskID)
	if errors.Is(err, repo.ErrNotFound) {
		return r.fail(KindPrecondition, CodeTaskNotFound, fmt.Errorf("task %s not found", req.TaskID))
	}
	if err != nil {
		return r.fail(KindInternal, CodeInternal, err)
	}
	if f := decideCompletion(t); f != nil {
		return r.decline(f)
	}

	r.to(StateAuthorizing)
	if !req.Privileged && !t.HasValidator(req.Actor) {
		ok, err := e.Auth.ActorHasPermission(ctx, req.Actor, auth.PermTaskComplete)
		if err != nil {
			return r.fail(KindInternal, CodeInternal, err)
		}
		if !ok {
			return r.fail(KindPrecondition, CodeForbidden, auth.ForbiddenError{Permission: auth.PermTaskComplete})
		}
	}

	r.to(StateSubmittingChainTx)
	ref, err := e.Chain.CompleteTask(ctx, hash)
	if err != nil {
		return r.chainFailure(err)
	}
	pctx := context.WithoutCancel(ctx)
	txHash := ref.Hex()

	r.to(StateWritingStore)
	if _, err := e.Settle(pctx, req.TaskID, txHash, req.Actor); err != nil {
		r.log.WithError(err).WithField("tx_hash", txHash).Warn("completion confirmed on chain but settlement failed")
		res := r.done(txHash, nil)
		res.Warning = "completion confirmed on chain but settlement did not run; reconciliation will repair it"
		res.Code = CodeStoreWriteFailed
		return res
	}
	r.to(StateLoggingHistory)
	updated, err := e.Repo.GetTask(pctx, req.TaskID)
	if err != nil {
		return r.done(txHash, nil)
	}
	e.publish(pctx, notify.Event{Type: notify.EventTaskCompleted, TaskID: req.TaskID, Actor: req.Actor, Status: string(updated.Status), TxHash: txHash})
	return r.done(txHash, &updated)
}
