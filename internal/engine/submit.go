package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskmarket/internal/chain"
	"taskmarket/internal/domain"
	"taskmarket/internal/history"
	"taskmarket/internal/notify"
	"taskmarket/internal/repo"
	"taskmarket/internal/signer"
)

// SubmitEvidence asks the registry to validate evidence for a claimed task.
// A confirmed negative verdict is returned as KindRejected with the
// transaction hash; status and stats stay as they were.
func (e Engine) SubmitEvidence(ctx context.Context, taskID, submitter, evidence string) Result {
	taskID = normalizeID(taskID)
	r := e.start("submit", taskID, submitter)
	evidence = strings.TrimSpace(evidence)

	r.to(StateCheckingAssignment)
	addr, submitterID, err := parseAddress(submitter)
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
	if f := decideSubmission(t, submitterID, evidence); f != nil {
		return r.decline(f)
	}

	r.to(StateSigning)
	if e.Signer == nil {
		return r.fail(KindAuthority, CodeSignerUnavailable, signer.ErrUnavailable)
	}
	deadline := e.now().Add(e.signatureTTL())
	sig, err := e.Signer.SignValidation(ctx, hash, addr, evidence, deadline)
	if err != nil {
		return r.signFailure(err)
	}

	r.to(StateSubmittingChainTx)
	val, err := e.Chain.ValidateSubmission(ctx, hash, evidence, deadline, sig.Bytes)
	if err != nil {
		return r.chainFailure(err)
	}
	pctx := context.WithoutCancel(ctx)
	txHash := val.Tx.Hex()
	meta := history.Metadata{
		"tx_hash":      txHash,
		"signature":    sig.Hex(),
		"nonce":        sig.Nonce.String(),
		"deadline":     domain.FormatTime(deadline),
		"evidence_url": evidence,
		"is_valid":     val.Valid,
	}

	if !val.Valid {
		r.to(StateLoggingHistory)
		if err := e.appendStandalone(pctx, taskID, history.ActionRejected, submitterID, meta); err != nil {
			r.log.WithError(err).Error("rejection history append failed")
		}
		e.publish(pctx, notify.Event{Type: notify.EventSubmissionReject, TaskID: taskID, Actor: submitterID, Status: string(t.Status), TxHash: txHash})
		res := r.fail(KindRejected, CodeEvidenceRejected, errors.New("evidence was rejected by the registry"))
		res.TxHash = txHash
		res.State = StateDone
		res.FailedAt = ""
		res.Task = &t
		return res
	}

	r.to(StateWritingStore)
	updated, err := e.applySubmission(pctx, taskID, submitterID, evidence, meta)
	if err != nil {
		r.log.WithError(err).WithField("tx_hash", txHash).Warn("submission confirmed on chain but store write failed")
		r.to(StateLoggingHistory)
		meta["store_write"] = "failed"
		meta["store_error"] = err.Error()
		if herr := e.appendStandalone(pctx, taskID, history.ActionSubmitted, submitterID, meta); herr != nil {
			r.log.WithError(herr).Error("submission history append failed")
		}
		e.invalidate(pctx, taskID, false)
		res := r.done(txHash, nil)
		res.Warning = "submission confirmed on chain but the task store was not updated; reconciliation will repair it"
		res.Code = CodeStoreWriteFailed
		return res
	}
	r.to(StateLoggingHistory)
	e.invalidate(pctx, taskID, false)
	e.publish(pctx, notify.Event{Type: notify.EventTaskSubmitted, TaskID: taskID, Actor: submitterID, Status: string(updated.Status), TxHash: txHash})
	return r.done(txHash, &updated)
}

func (e Engine) applySubmission(ctx context.Context, taskID, submitter, evidence string, meta history.Metadata) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	cur, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := domain.EnsureTransition(cur.Status, domain.StatusSubmitted); err != nil {
		return domain.Task{}, err
	}
	stamp := domain.FormatTime(e.now())
	cur.Status = domain.StatusSubmitted
	cur.SubmittedAt = &stamp
	cur.EvidenceURL = &evidence
	cur.UpdatedAt = stamp
	if err := e.Repo.UpdateTaskLifecycle(ctx, tx, cur); err != nil {
		return domain.Task{}, err
	}
	if err := e.appendHistory(ctx, tx, taskID, history.ActionSubmitted, submitter, meta); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return cur, nil
}
