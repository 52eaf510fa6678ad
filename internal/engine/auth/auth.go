package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"taskmarket/internal/repo"
)

const (
	PermTaskCreate    = "task.create"
	PermTaskComplete  = "task.complete"
	PermTaskReconcile = "task.reconcile"
	PermReviewRequest = "review.request"
	PermReviewResolve = "review.resolve"
	PermRBACManage    = "rbac.manage"

	RoleAdmin = "admin"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Service resolves actor roles from the database and role permissions from
// config.
type Service struct {
	Repo  repo.Repo
	Roles map[string][]string
}

func (s Service) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	return s.Repo.ActorRoles(ctx, normalize(actorID))
}

// PermissionsFor expands roles into a sorted, de-duplicated permission list.
// Unknown roles contribute nothing.
func (s Service) PermissionsFor(roles []string) []string {
	seen := map[string]bool{}
	var perms []string
	for _, role := range roles {
		for _, p := range s.Roles[role] {
			if !seen[p] {
				seen[p] = true
				perms = append(perms, p)
			}
		}
	}
	sort.Strings(perms)
	return perms
}

func (s Service) ActorPermissions(ctx context.Context, actorID string) ([]string, error) {
	roles, err := s.ActorRoles(ctx, actorID)
	if err != nil {
		return nil, err
	}
	return s.PermissionsFor(roles), nil
}

func (s Service) ActorHasPermission(ctx context.Context, actorID, perm string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	perms, err := s.ActorPermissions(ctx, actorID)
	if err != nil {
		return false, err
	}
	return HasPermission(perms, perm), nil
}

// Require returns ForbiddenError when the actor lacks perm.
func (s Service) Require(ctx context.Context, actorID, perm string) error {
	ok, err := s.ActorHasPermission(ctx, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: perm}
	}
	return nil
}

// Grant assigns a configured role to the actor, creating the actor row.
func (s Service) Grant(ctx context.Context, actorID, role string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	if _, ok := s.Roles[role]; !ok {
		return fmt.Errorf("role %s is not configured", role)
	}
	actorID = normalize(actorID)
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := s.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return err
	}
	if err := s.Repo.AssignRole(ctx, tx, actorID, role); err != nil {
		return err
	}
	return tx.Commit()
}

// Revoke removes a role. The last admin cannot be revoked.
func (s Service) Revoke(ctx context.Context, actorID, role string) error {
	actorID = normalize(actorID)
	if role == RoleAdmin {
		roles, err := s.Repo.ActorRoles(ctx, actorID)
		if err != nil {
			return err
		}
		if contains(roles, RoleAdmin) {
			n, err := s.Repo.CountActorsWithRole(ctx, RoleAdmin)
			if err != nil {
				return err
			}
			if n <= 1 {
				return errors.New("cannot revoke the last admin")
			}
		}
	}
	return s.Repo.RevokeRole(ctx, nil, actorID, role)
}

func HasPermission(perms []string, perm string) bool {
	return contains(perms, perm)
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Actor ids that look like addresses are stored lowercase.
func normalize(actorID string) string {
	actorID = strings.TrimSpace(actorID)
	if strings.HasPrefix(actorID, "0x") || strings.HasPrefix(actorID, "0X") {
		return strings.ToLower(actorID)
	}
	return actorID
}
