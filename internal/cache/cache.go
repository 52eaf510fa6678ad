// Package cache provides a short-lived read cache for task and leaderboard
// views. Values are JSON encoded so the in-memory and Redis backends behave
// the same.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Cache stores encoded values under string keys.
type Cache interface {
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	SetBytes(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Get decodes the value under key into dst. It reports false on a miss.
func Get(ctx context.Context, c Cache, key string, dst any) (bool, error) {
	raw, ok, err := c.GetBytes(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		// A value we cannot decode is treated as absent.
		_ = c.Delete(ctx, key)
		return false, nil
	}
	return true, nil
}

func Set(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.SetBytes(ctx, key, raw, ttl)
}

const (
	taskPrefix        = "task:"
	taskListPrefix    = "tasks:list:"
	leaderboardPrefix = "leaderboard:"
)

func TaskKey(id string) string { return taskPrefix + id }

func TaskListKey(query string) string { return taskListPrefix + query }

func LeaderboardKey(limit string) string { return leaderboardPrefix + limit }

// InvalidateTask drops the task entry and every cached listing.
func InvalidateTask(ctx context.Context, c Cache, id string) error {
	if err := c.Delete(ctx, TaskKey(id)); err != nil {
		return err
	}
	return c.DeletePrefix(ctx, taskListPrefix)
}

func InvalidateLeaderboard(ctx context.Context, c Cache) error {
	return c.DeletePrefix(ctx, leaderboardPrefix)
}

// Nop never stores anything.
type Nop struct{}

func (Nop) GetBytes(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (Nop) SetBytes(context.Context, string, []byte, time.Duration) error { return nil }
func (Nop) Delete(context.Context, ...string) error                       { return nil }
func (Nop) DeletePrefix(context.Context, string) error                    { return nil }
