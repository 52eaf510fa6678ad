package server

import (
	"time"

	"taskmarket/internal/calc"
	"taskmarket/internal/domain"
	"taskmarket/internal/engine"
)

// Request payloads

type CreateTaskRequest struct {
	Key         string   `json:"key" minLength:"1"`
	Title       string   `json:"title" minLength:"1"`
	Description *string  `json:"description,omitempty"`
	Complexity  int      `json:"complexity" minimum:"1" maximum:"255"`
	Platform    string   `json:"platform,omitempty"`
	Category    string   `json:"category,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Skills      []string `json:"skills,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Validators  []string `json:"validators,omitempty"`
}

type SubmitEvidenceRequest struct {
	EvidenceURL string `json:"evidence_url" minLength:"1" doc:"Pull request URL or 0x-prefixed proof hash"`
}

type ResolveReviewRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

type ReconcileRequest struct {
	TaskIDs []string `json:"task_ids,omitempty" doc:"Reconcile these ids; empty sweeps every unsettled task"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type DevLoginRequest struct {
	Subject     string   `json:"subject"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type TaskResponse struct {
	domain.Task
	Remaining          *string `json:"remaining,omitempty" doc:"Exclusivity left for the claimant"`
	RemainingSeconds   *int64  `json:"remaining_seconds,omitempty"`
	ClaimTimeoutHours  int     `json:"claim_timeout_hours"`
	ExclusivityExpired bool    `json:"exclusivity_expired,omitempty"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type HistoryResponse struct {
	Items []domain.HistoryEntry `json:"items"`
}

type paginatedHistory struct {
	Items      []domain.HistoryEntry `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type ResultResponse struct {
	engine.Result
}

type ReviewResponse struct {
	Review domain.Review  `json:"review"`
	Result *engine.Result `json:"result,omitempty"`
}

type LeaderboardResponse struct {
	Items []domain.Collaborator `json:"items"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type CalcResponse struct {
	Complexity        int    `json:"complexity"`
	EstimatedDays     int    `json:"estimated_days"`
	RewardAmount      int64  `json:"reward_amount"`
	ClaimTimeoutHours int    `json:"claim_timeout_hours"`
}

func taskResponse(e engine.Engine, t domain.Task) TaskResponse {
	resp := TaskResponse{Task: t}
	if resp.Skills == nil {
		resp.Skills = []string{}
	}
	if resp.Tags == nil {
		resp.Tags = []string{}
	}
	if resp.Validators == nil {
		resp.Validators = []string{}
	}
	resp.ClaimTimeoutHours = e.Calc.ClaimTimeoutHours(t.EstimatedDays)
	if left, ok := e.Remaining(t); ok {
		label := calc.FormatRemaining(left)
		secs := int64(left / time.Second)
		resp.Remaining = &label
		resp.RemainingSeconds = &secs
		resp.ExclusivityExpired = left <= 0 && (t.Status == domain.StatusClaimed || t.Status == domain.StatusInProgress)
	}
	return resp
}

func mapTasks(e engine.Engine, items []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(e, t))
	}
	return out
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func appendUnique(dst []string, items ...string) []string {
	for _, it := range items {
		found := false
		for _, have := range dst {
			if have == it {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, it)
		}
	}
	return dst
}
