// Package store is the read side of the task projection: repository reads
// fronted by a short-TTL cache. Write paths go through the engine, which
// calls the Invalidate methods before returning.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"taskmarket/internal/cache"
	"taskmarket/internal/domain"
	"taskmarket/internal/repo"
)

type Store struct {
	Repo  repo.Repo
	Cache cache.Cache
	TTL   time.Duration
	Log   logrus.FieldLogger
}

func New(r repo.Repo, c cache.Cache, ttl time.Duration, log logrus.FieldLogger) *Store {
	if c == nil {
		c = cache.Nop{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{Repo: r, Cache: c, TTL: ttl, Log: log}
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	key := cache.TaskKey(id)
	var t domain.Task
	if ok, err := cache.Get(ctx, s.Cache, key, &t); err != nil {
		s.Log.WithError(err).WithField("key", key).Warn("cache read failed")
	} else if ok {
		return t, nil
	}
	t, err := s.Repo.GetTask(ctx, id)
	if err != nil {
		return t, err
	}
	s.put(ctx, key, t)
	return t, nil
}

// ListTasks serves listings from cache when possible. Queries for open
// tasks depend on the clock and are never cached.
func (s *Store) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	if f.Open {
		return s.Repo.ListTasks(ctx, f)
	}
	key := cache.TaskListKey(listKey(f))
	var tasks []domain.Task
	if ok, err := cache.Get(ctx, s.Cache, key, &tasks); err != nil {
		s.Log.WithError(err).WithField("key", key).Warn("cache read failed")
	} else if ok {
		return tasks, nil
	}
	tasks, err := s.Repo.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	s.put(ctx, key, tasks)
	return tasks, nil
}

func (s *Store) Leaderboard(ctx context.Context, limit int) ([]domain.Collaborator, error) {
	key := cache.LeaderboardKey(strconv.Itoa(limit))
	var board []domain.Collaborator
	if ok, err := cache.Get(ctx, s.Cache, key, &board); err != nil {
		s.Log.WithError(err).WithField("key", key).Warn("cache read failed")
	} else if ok {
		return board, nil
	}
	board, err := s.Repo.Leaderboard(ctx, limit)
	if err != nil {
		return nil, err
	}
	s.put(ctx, key, board)
	return board, nil
}

// InvalidateTask drops the task and every listing. Errors are returned so
// the write path can report them; the row itself is already committed.
func (s *Store) InvalidateTask(ctx context.Context, id string) error {
	return cache.InvalidateTask(ctx, s.Cache, id)
}

func (s *Store) InvalidateLeaderboard(ctx context.Context) error {
	return cache.InvalidateLeaderboard(ctx, s.Cache)
}

func (s *Store) put(ctx context.Context, key string, v any) {
	if s.TTL <= 0 {
		return
	}
	if err := cache.Set(ctx, s.Cache, key, v, s.TTL); err != nil {
		s.Log.WithError(err).WithField("key", key).Warn("cache write failed")
	}
}

func listKey(f repo.TaskFilters) string {
	parts := []string{
		"status=" + f.Status,
		"statuses=" + strings.Join(f.Statuses, ","),
		"platform=" + f.Platform,
		"category=" + f.Category,
		"assignee=" + strings.ToLower(f.AssigneeID),
		"sort=" + f.Sort,
		fmt.Sprintf("limit=%d", f.Limit),
		"cursor=" + f.CursorKey + "|" + f.CursorID,
	}
	return strings.Join(parts, "&")
}
