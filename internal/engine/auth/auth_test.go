package auth_test

import (
	"context"
	"errors"
	"testing"

	"taskmarket/internal/config"
	"taskmarket/internal/db"
	"taskmarket/internal/engine/auth"
	"taskmarket/internal/migrate"
	"taskmarket/internal/repo"
)

func newService(t *testing.T) auth.Service {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return auth.Service{Repo: repo.Repo{DB: conn}, Roles: config.Default().RolePermissions()}
}

func TestGrantAndRequire(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	if err := s.Require(ctx, "0xAB", auth.PermTaskComplete); err == nil {
		t.Fatalf("expected forbidden before grant")
	}
	if err := s.Grant(ctx, "0xAB", "validator"); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := s.Require(ctx, "0xab", auth.PermTaskComplete); err != nil {
		t.Fatalf("require after grant: %v", err)
	}
	err := s.Require(ctx, "0xab", auth.PermTaskCreate)
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != auth.PermTaskCreate {
		t.Fatalf("expected forbidden task.create, got %v", err)
	}
	if err := s.Grant(ctx, "0xab", "ghost"); err == nil {
		t.Fatalf("expected unknown role error")
	}
}

func TestLastAdminCannotBeRevoked(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	if err := s.Grant(ctx, "alice", auth.RoleAdmin); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := s.Revoke(ctx, "alice", auth.RoleAdmin); err == nil {
		t.Fatalf("expected last admin error")
	}
	if err := s.Grant(ctx, "bob", auth.RoleAdmin); err != nil {
		t.Fatalf("grant bob: %v", err)
	}
	if err := s.Revoke(ctx, "alice", auth.RoleAdmin); err != nil {
		t.Fatalf("revoke alice: %v", err)
	}
}

func TestPermissionsForDeduplicates(t *testing.T) {
	s := newService(t)
	perms := s.PermissionsFor([]string{"admin", "validator", "unknown"})
	seen := map[string]int{}
	for _, p := range perms {
		seen[p]++
	}
	for p, n := range seen {
		if n != 1 {
			t.Fatalf("permission %s listed %d times", p, n)
		}
	}
	if !auth.HasPermission(perms, auth.PermReviewResolve) {
		t.Fatalf("expected review.resolve in %v", perms)
	}
}
