package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"taskmarket/internal/chain"
	"taskmarket/internal/domain"
	"taskmarket/internal/history"
	"taskmarket/internal/notify"
	"taskmarket/internal/repo"
)

const (
	PlanNoop    = "noop"
	PlanImport  = "import"
	PlanAdopt   = "adopt"
	PlanSettle  = "settle"
	PlanAnomaly = "anomaly"
	PlanMissing = "missing_on_chain"
)

type reconcilePlan struct {
	Action   string
	Target   domain.Status
	Assignee string
	Anomaly  bool
	Reason   string
}

// planReconcile decides how the store follows the registry. The registry
// always wins; a store that moved where the registry never went is an
// anomaly and is forced back.
func planReconcile(local *domain.Task, onchain chain.Task) reconcilePlan {
	assignee := ""
	if onchain.HasAssignee() {
		assignee = lowerHex(onchain.Assignee)
	}
	target := onchain.Status
	p := reconcilePlan{Target: target, Assignee: assignee}
	if local == nil {
		p.Action = PlanImport
		return p
	}
	cur := local.Status
	sameHolder := assignee == "" || domain.SameAddress(local.Assignee(), assignee)
	if cur == target && (cur == domain.StatusCompleted || !target.Claimed() || sameHolder) {
		p.Action = PlanNoop
		return p
	}
	anomaly := func(reason string) reconcilePlan {
		p.Action = PlanAnomaly
		p.Anomaly = true
		p.Reason = reason
		return p
	}
	switch {
	case target == domain.StatusCompleted:
		p.Action = PlanSettle
		if cur.Terminal() {
			p.Anomaly = true
			p.Reason = fmt.Sprintf("store %s but registry completed", cur)
		}
		return p
	case cur == domain.StatusCompleted:
		return anomaly(fmt.Sprintf("store completed but registry %s", target))
	case target == domain.StatusCancelled || target == domain.StatusExpired:
		if cur.Terminal() {
			return anomaly(fmt.Sprintf("store %s but registry %s", cur, target))
		}
		p.Action = PlanAdopt
		return p
	case cur.Terminal():
		return anomaly(fmt.Sprintf("store %s but registry %s", cur, target))
	case target.Ahead(cur):
		p.Action = PlanAdopt
		return p
	case cur.Ahead(target):
		// A lapsed claim taken over by someone else restarts at claimed.
		if target == domain.StatusClaimed && cur == domain.StatusInProgress && !sameHolder {
			p.Action = PlanAdopt
			return p
		}
		return anomaly(fmt.Sprintf("store %s ahead of registry %s", cur, target))
	default:
		p.Action = PlanAdopt
		return p
	}
}

// ReconcileOutcome reports what Reconcile did to one task.
type ReconcileOutcome struct {
	TaskID  string        `json:"task_id"`
	Action  string        `json:"action"`
	From    domain.Status `json:"from,omitempty"`
	To      domain.Status `json:"to,omitempty"`
	Anomaly bool          `json:"anomaly,omitempty"`
	Settled bool          `json:"settled,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Reconcile brings the store record of taskID in line with the registry.
func (e Engine) Reconcile(ctx context.Context, taskID string) (ReconcileOutcome, error) {
	taskID = normalizeID(taskID)
	out := ReconcileOutcome{TaskID: taskID}
	log := e.logger().WithFields(logrus.Fields{"op": "reconcile", "task_id": taskID})
	hash, err := chain.TaskHash(taskID)
	if err != nil {
		return out, err
	}
	onchain, err := e.Chain.GetTask(ctx, hash)
	if errors.Is(err, chain.ErrTaskNotFound) {
		log.Warn("task missing on chain; store left unchanged")
		out.Action = PlanMissing
		return out, nil
	}
	if err != nil {
		return out, fmt.Errorf("read registry: %w", err)
	}
	var local *domain.Task
	t, err := e.Repo.GetTask(ctx, taskID)
	switch {
	case err == nil:
		local = &t
		out.From = t.Status
	case errors.Is(err, repo.ErrNotFound):
	default:
		return out, err
	}

	plan := planReconcile(local, onchain)
	out.Action, out.To, out.Anomaly, out.Reason = plan.Action, plan.Target, plan.Anomaly, plan.Reason
	if plan.Anomaly {
		log.WithFields(logrus.Fields{
			"anomaly":         true,
			"store_status":    out.From,
			"registry_status": plan.Target,
			"reason":          plan.Reason,
		}).Error("store disagrees with registry; forcing store to registry state")
	}
	switch plan.Action {
	case PlanNoop:
		return out, nil
	case PlanImport:
		settled, err := e.importTask(ctx, taskID, onchain, plan)
		if err != nil {
			return out, err
		}
		out.Settled = settled
	case PlanSettle:
		applied, err := e.settle(ctx, taskID, "", history.ActorSystem, plan.Assignee)
		if err != nil {
			return out, err
		}
		out.Settled = applied
	default:
		if err := e.adopt(ctx, taskID, onchain); err != nil {
			return out, err
		}
	}
	e.invalidate(ctx, taskID, out.Settled)
	log.WithFields(logrus.Fields{"action": out.Action, "from": out.From, "to": out.To}).Info("task reconciled")
	e.publish(ctx, notify.Event{
		Type:   notify.EventTaskReconciled,
		TaskID: taskID,
		Actor:  history.ActorSystem,
		Status: string(plan.Target),
		Data:   map[string]any{"action": out.Action, "from": string(out.From), "anomaly": out.Anomaly},
	})
	return out, nil
}

// adopt moves the store to the registry state. It re-plans inside the
// transaction so a concurrent write is not overwritten blindly.
func (e Engine) adopt(ctx context.Context, taskID string, onchain chain.Task) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	cur, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return err
	}
	plan := planReconcile(&cur, onchain)
	if plan.Action != PlanAdopt && plan.Action != PlanAnomaly {
		return nil
	}
	now := e.now()
	stamp := domain.FormatTime(now)
	from := cur.Status
	prev := cur.Assignee()
	target := plan.Target
	next := plan.Assignee
	if next == "" {
		next = prev
	}
	wasHeld := from.Claimed() && from != domain.StatusCompleted && prev != ""
	nowHeld := target.Claimed() && target != domain.StatusCompleted && next != ""
	changed := !domain.SameAddress(prev, next)

	switch {
	case target == domain.StatusAvailable:
		cur.AssigneeID = nil
		cur.ClaimedAt = nil
		cur.ClaimExpiresAt = nil
		cur.SubmittedAt = nil
		cur.EvidenceURL = nil
		cur.CompletedAt = nil
	case target == domain.StatusCancelled || target == domain.StatusExpired:
		cur.ClaimedAt = nil
		cur.ClaimExpiresAt = nil
		cur.CompletedAt = nil
	default:
		if next == "" {
			return fmt.Errorf("registry reports %s for %s without an assignee", target, taskID)
		}
		cur.AssigneeID = &next
		if cur.ClaimedAt == nil || changed {
			cur.ClaimedAt = &stamp
			cur.ClaimExpiresAt = domain.TimePtr(e.Calc.ClaimExpiry(now, cur.EstimatedDays))
		}
		if target.Ahead(domain.StatusInProgress) {
			if cur.SubmittedAt == nil {
				cur.SubmittedAt = &stamp
			}
		} else {
			cur.SubmittedAt = nil
			if changed {
				cur.EvidenceURL = nil
			}
		}
		cur.CompletedAt = nil
	}
	cur.Status = target
	cur.UpdatedAt = stamp
	if err := e.Repo.UpdateTaskLifecycle(ctx, tx, cur); err != nil {
		return err
	}

	meta := history.Metadata{"source": "reconcile", "from": string(from), "to": string(target)}
	if plan.Anomaly {
		meta["anomaly"] = true
		meta["reason"] = plan.Reason
		meta["store_assignee"] = prev
		meta["registry_assignee"] = plan.Assignee
		if err := e.appendHistory(ctx, tx, taskID, history.ActionReconciled, history.ActorSystem, meta); err != nil {
			return err
		}
		return tx.Commit()
	}

	if wasHeld && (!nowHeld || changed) {
		if _, err := e.Repo.ApplyCollaboratorDelta(ctx, tx, prev, repo.CollaboratorDelta{InProgress: -1}, stamp); err != nil {
			return err
		}
	}
	recorded := false
	if nowHeld && (!wasHeld || changed) {
		if _, err := e.Repo.ApplyCollaboratorDelta(ctx, tx, next, repo.CollaboratorDelta{InProgress: 1}, stamp); err != nil {
			return err
		}
		n, err := e.Repo.CountHistoryTx(ctx, tx, taskID, history.ActionClaimed, next)
		if err != nil {
			return err
		}
		if n == 0 {
			if err := e.appendHistory(ctx, tx, taskID, history.ActionClaimed, next, meta); err != nil {
				return err
			}
			recorded = target == domain.StatusClaimed
		}
	}
	action := actionFor(target)
	if action == history.ActionClaimed {
		if recorded {
			return tx.Commit()
		}
		action = history.ActionReconciled
	}
	if err := e.appendHistory(ctx, tx, taskID, action, history.ActorSystem, meta); err != nil {
		return err
	}
	return tx.Commit()
}

// importTask creates the store record of a task only the registry knows.
func (e Engine) importTask(ctx context.Context, taskID string, onchain chain.Task, plan reconcilePlan) (bool, error) {
	now := e.now()
	stamp := domain.FormatTime(now)
	complexity := int(onchain.Complexity)
	days := e.Calc.DaysForComplexity(complexity)
	reward := e.Calc.RewardForDays(days)
	if onchain.RewardAmount != nil && onchain.RewardAmount.IsInt64() {
		reward = onchain.RewardAmount.Int64()
	}
	title := strings.TrimSpace(onchain.Title)
	if title == "" {
		title = taskID
	}
	status := plan.Target
	settle := status == domain.StatusCompleted
	if settle {
		status = domain.StatusValidated
	}
	t := domain.Task{
		ID:            taskID,
		Key:           taskID,
		Title:         title,
		Complexity:    complexity,
		RewardAmount:  reward,
		EstimatedDays: days,
		Skills:        []string{},
		Tags:          []string{},
		Validators:    []string{},
		Status:        status,
		CreatedAt:     stamp,
		UpdatedAt:     stamp,
	}
	held := status.Claimed()
	if held {
		if plan.Assignee == "" {
			return false, fmt.Errorf("registry reports %s for %s without an assignee", plan.Target, taskID)
		}
		assignee := plan.Assignee
		t.AssigneeID = &assignee
		t.ClaimedAt = &stamp
		t.ClaimExpiresAt = domain.TimePtr(e.Calc.ClaimExpiry(now, days))
		if status.Ahead(domain.StatusInProgress) {
			t.SubmittedAt = &stamp
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return false, fmt.Errorf("import task: %w", err)
	}
	if held {
		if _, err := e.Repo.ApplyCollaboratorDelta(ctx, tx, plan.Assignee, repo.CollaboratorDelta{InProgress: 1}, stamp); err != nil {
			return false, err
		}
	}
	if err := e.appendHistory(ctx, tx, taskID, history.ActionImported, history.ActorSystem, history.Metadata{
		"source":          "reconcile",
		"registry_status": string(plan.Target),
		"assignee":        plan.Assignee,
		"reward_amount":   reward,
	}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	if !settle {
		return false, nil
	}
	return e.settle(ctx, taskID, "", history.ActorSystem, plan.Assignee)
}

func actionFor(s domain.Status) string {
	switch s {
	case domain.StatusClaimed:
		return history.ActionClaimed
	case domain.StatusInProgress:
		return history.ActionInProgress
	case domain.StatusSubmitted:
		return history.ActionSubmitted
	case domain.StatusValidated:
		return history.ActionValidated
	case domain.StatusCancelled:
		return history.ActionCancelled
	case domain.StatusExpired:
		return history.ActionExpired
	default:
		return history.ActionReconciled
	}
}

// ReconcileReport summarizes a sweep.
type ReconcileReport struct {
	Checked   int                `json:"checked"`
	Changed   int                `json:"changed"`
	Settled   int                `json:"settled"`
	Anomalies int                `json:"anomalies"`
	Failed    int                `json:"failed"`
	Outcomes  []ReconcileOutcome `json:"outcomes"`
}

// Add tallies one outcome.
func (rep *ReconcileReport) Add(out ReconcileOutcome) {
	rep.Checked++
	rep.Outcomes = append(rep.Outcomes, out)
	if out.Error != "" {
		rep.Failed++
		return
	}
	if out.Action != PlanNoop && out.Action != PlanMissing {
		rep.Changed++
	}
	if out.Settled {
		rep.Settled++
	}
	if out.Anomaly {
		rep.Anomalies++
	}
}

// ReconcileAll reconciles every task the store holds as unsettled, plus
// ids the caller knows exist on chain only.
func (e Engine) ReconcileAll(ctx context.Context, extra ...string) (ReconcileReport, error) {
	ids, err := e.Repo.ListUnsettledIDs(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range extra {
		id = strings.ToLower(strings.TrimSpace(id))
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	workers := 4
	if e.Config != nil && e.Config.Reconcile.Workers > 0 {
		workers = e.Config.Reconcile.Workers
	}
	if workers > len(ids) {
		workers = len(ids)
	}

	jobs := make(chan int)
	outcomes := make([]ReconcileOutcome, len(ids))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				out, err := e.Reconcile(ctx, ids[i])
				if err != nil {
					out.TaskID = ids[i]
					out.Error = err.Error()
					e.logger().WithError(err).WithField("task_id", ids[i]).Warn("reconcile failed")
				}
				outcomes[i] = out
			}
		}()
	}
feed:
	for i := range ids {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	rep := ReconcileReport{Outcomes: make([]ReconcileOutcome, 0, len(ids))}
	for _, out := range outcomes {
		if out.TaskID == "" {
			continue
		}
		rep.Add(out)
	}
	return rep, ctx.Err()
}
