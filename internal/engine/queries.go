package engine

import (
	"context"
	"strings"

	"taskmarket/internal/domain"
	"taskmarket/internal/repo"
)

// GetTask reads through the cache.
func (e Engine) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return e.Store.GetTask(ctx, strings.ToLower(id))
}

// GetTaskByKey resolves a human-readable key to its task.
func (e Engine) GetTaskByKey(ctx context.Context, key string) (domain.Task, error) {
	return e.GetTask(ctx, domain.TaskIDFromKey(key))
}

// ListTasks lists tasks; open listings are evaluated against the engine
// clock.
func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	if f.Open && f.Now == "" {
		f.Now = domain.FormatTime(e.now())
	}
	if f.AssigneeID != "" {
		f.AssigneeID = strings.ToLower(f.AssigneeID)
	}
	return e.Store.ListTasks(ctx, f)
}

func (e Engine) TaskHistory(ctx context.Context, id string) ([]domain.HistoryEntry, error) {
	return e.Repo.ListHistory(ctx, strings.ToLower(id))
}

func (e Engine) Leaderboard(ctx context.Context, limit int) ([]domain.Collaborator, error) {
	return e.Store.Leaderboard(ctx, limit)
}

func (e Engine) Collaborator(ctx context.Context, addr string) (domain.Collaborator, error) {
	return e.Repo.GetCollaborator(ctx, strings.ToLower(addr))
}

func (e Engine) Settlement(ctx context.Context, taskID string) (domain.Settlement, error) {
	return e.Repo.GetSettlement(ctx, strings.ToLower(taskID))
}
