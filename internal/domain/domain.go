package domain

type Task struct {
	ID             string   `json:"id"`
	Key            string   `json:"key"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Complexity     int      `json:"complexity"`
	RewardAmount   int64    `json:"reward_amount"`
	EstimatedDays  int      `json:"estimated_days"`
	Platform       string   `json:"platform,omitempty"`
	Category       string   `json:"category,omitempty"`
	Priority       string   `json:"priority,omitempty"`
	Skills         []string `json:"skills"`
	Tags           []string `json:"tags"`
	Status         Status   `json:"status" enum:"available,claimed,in_progress,submitted,validated,completed,cancelled,expired"`
	AssigneeID     *string  `json:"assignee_id,omitempty"`
	ClaimedAt      *string  `json:"claimed_at,omitempty" format:"date-time"`
	ClaimExpiresAt *string  `json:"claim_expires_at,omitempty" format:"date-time"`
	SubmittedAt    *string  `json:"submitted_at,omitempty" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
	EvidenceURL    *string  `json:"evidence_url,omitempty"`
	Validators     []string `json:"validators"`
	CreateTxHash   *string  `json:"create_tx_hash,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

// Assignee returns the assignee or an empty string.
func (t Task) Assignee() string {
	if t.AssigneeID == nil {
		return ""
	}
	return *t.AssigneeID
}

// HasValidator reports whether addr is listed as a validator of the task.
func (t Task) HasValidator(addr string) bool {
	for _, v := range t.Validators {
		if SameAddress(v, addr) {
			return true
		}
	}
	return false
}

type HistoryEntry struct {
	ID       int64          `json:"id"`
	TaskID   string         `json:"task_id"`
	Action   string         `json:"action"`
	ActorID  string         `json:"actor_id"`
	Metadata map[string]any `json:"metadata"`
	TS       string         `json:"ts" format:"date-time"`
}

type Collaborator struct {
	Address         string `json:"address"`
	TotalReward     int64  `json:"total_reward"`
	TasksCompleted  int    `json:"tasks_completed"`
	TasksInProgress int    `json:"tasks_in_progress"`
	Rank            string `json:"rank" enum:"newcomer,contributor,established,veteran"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

type Settlement struct {
	TaskID       string `json:"task_id"`
	Assignee     string `json:"assignee"`
	RewardAmount int64  `json:"reward_amount"`
	TxHash       string `json:"tx_hash,omitempty"`
	SettledAt    string `json:"settled_at" format:"date-time"`
}

type Review struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	RequestedBy string `json:"requested_by"`
	Status      string `json:"status" enum:"pending,approved,rejected,cancelled,timed_out"`
	ValidatorID string `json:"validator_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
