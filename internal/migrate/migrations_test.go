package migrate_test

import (
	"context"
	"testing"

	"taskmarket/internal/db"
	"taskmarket/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	cur, err := migrate.Current(ctx, conn)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	latest, err := migrate.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if cur != latest || cur == 0 {
		t.Fatalf("schema version %d, want %d", cur, latest)
	}
}

func TestHistoryIsAppendOnly(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := conn.Exec(`INSERT INTO history(task_id,action,actor_id,ts) VALUES ('t','claimed','a','2024-01-01T00:00:00Z')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := conn.Exec(`UPDATE history SET action='completed'`); err == nil {
		t.Fatalf("expected update to be rejected")
	}
	if _, err := conn.Exec(`DELETE FROM history`); err == nil {
		t.Fatalf("expected delete to be rejected")
	}
}

func TestClaimedAtInvariantEnforced(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	_, err = conn.Exec(`INSERT INTO tasks(id,key,title,complexity,reward_amount,estimated_days,status,assignee_id,created_at,updated_at)
VALUES ('0x01','k','t',1,50,1,'claimed','0xabc','2024-01-01T00:00:00Z','2024-01-01T00:00:00Z')`)
	if err == nil {
		t.Fatalf("expected claimed task without claimed_at to be rejected")
	}
}
