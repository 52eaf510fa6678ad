// Package history appends entries to the task history ledger. Entries are
// written inside the caller's transaction so a lifecycle change and its
// record commit together.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	ActionCreated         = "created"
	ActionClaimed         = "claimed"
	ActionInProgress      = "in_progress"
	ActionSubmitted       = "submitted"
	ActionValidated       = "validated"
	ActionRejected        = "rejected"
	ActionCompleted       = "completed"
	ActionCancelled       = "cancelled"
	ActionExpired         = "expired"
	ActionImported        = "imported"
	ActionReconciled      = "reconciled"
	ActionReviewRequested = "review_requested"
	ActionReviewResolved  = "review_resolved"
)

// ActorSystem is used for entries produced by reconciliation.
const ActorSystem = "system"

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Metadata map[string]any

// Append records one entry and returns its id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, taskID, action, actorID string, meta Metadata) (int64, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if tx == nil {
		return 0, fmt.Errorf("history append %s: transaction required", action)
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if meta == nil {
		meta = Metadata{}
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("marshal history metadata: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO history(task_id,action,actor_id,metadata_json,ts) VALUES (?,?,?,?,?)`,
		taskID, action, actorID, string(data), ts)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
