package engine

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"taskmarket/internal/domain"
	"taskmarket/internal/history"
	"taskmarket/internal/notify"
	"taskmarket/internal/repo"
)

// Settle applies the completion of a task to the store exactly once:
// status, collaborator aggregates, the settlement row and the history
// entry commit together. A second call for the same task is a no-op and
// reports applied=false.
func (e Engine) Settle(ctx context.Context, taskID, txHash, actor string) (bool, error) {
	return e.settle(ctx, taskID, txHash, actor, "")
}

// settle optionally takes the assignee recorded by the registry, which wins
// over the store's.
func (e Engine) settle(ctx context.Context, taskID, txHash, actor, chainAssignee string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	cur, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return false, err
	}
	if cur.Status == domain.StatusCompleted {
		return false, nil
	}
	prev := cur.Assignee()
	held := cur.Status.Claimed() && prev != ""
	assignee := prev
	if chainAssignee != "" {
		assignee = chainAssignee
	}
	if assignee == "" {
		return false, fmt.Errorf("task %s has no assignee to settle", taskID)
	}

	now := e.now()
	stamp := domain.FormatTime(now)
	inserted, err := e.Repo.InsertSettlement(ctx, tx, domain.Settlement{
		TaskID:       taskID,
		Assignee:     assignee,
		RewardAmount: cur.RewardAmount,
		TxHash:       txHash,
		SettledAt:    stamp,
	})
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	from := cur.Status
	cur.Status = domain.StatusCompleted
	cur.AssigneeID = &assignee
	if cur.ClaimedAt == nil {
		cur.ClaimedAt = &stamp
	}
	cur.CompletedAt = &stamp
	cur.UpdatedAt = stamp
	if err := e.Repo.UpdateTaskLifecycle(ctx, tx, cur); err != nil {
		return false, err
	}

	delta := repo.CollaboratorDelta{Reward: cur.RewardAmount, Completed: 1}
	sameHolder := held && domain.SameAddress(prev, assignee)
	if sameHolder {
		delta.InProgress = -1
	} else if held {
		if _, err := e.Repo.ApplyCollaboratorDelta(ctx, tx, prev, repo.CollaboratorDelta{InProgress: -1}, stamp); err != nil {
			return false, err
		}
	}
	collab, err := e.Repo.ApplyCollaboratorDelta(ctx, tx, assignee, delta, stamp)
	if err != nil {
		return false, err
	}
	meta := history.Metadata{
		"from":          string(from),
		"assignee":      assignee,
		"reward_amount": cur.RewardAmount,
		"rank":          collab.Rank,
	}
	if txHash != "" {
		meta["tx_hash"] = txHash
	}
	if actor == "" {
		actor = history.ActorSystem
	}
	if err := e.appendHistory(ctx, tx, taskID, history.ActionCompleted, actor, meta); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	e.invalidate(ctx, taskID, true)
	e.logger().WithFields(logrus.Fields{"task_id": taskID, "assignee": assignee, "reward": cur.RewardAmount}).Info("task settled")
	e.publish(ctx, notify.Event{
		Type:   notify.EventTaskSettled,
		TaskID: taskID,
		Actor:  actor,
		Status: string(domain.StatusCompleted),
		TxHash: txHash,
		Data:   map[string]any{"assignee": assignee, "reward_amount": cur.RewardAmount},
	})
	return true, nil
}
