package history_test

import (
	"context"
	"testing"
	"time"

	"taskmarket/internal/db"
	"taskmarket/internal/history"
	"taskmarket/internal/migrate"
	"taskmarket/internal/repo"
)

func TestAppendCommitsWithTransaction(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	w := history.Writer{DB: conn, Now: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }}
	r := repo.Repo{DB: conn}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := w.Append(ctx, tx, "0x01", history.ActionClaimed, "0xa1", history.Metadata{"tx_hash": "0xbeef"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if entries, _ := r.ListHistory(ctx, "0x01"); len(entries) != 0 {
		t.Fatalf("rolled back entry visible: %+v", entries)
	}

	tx, err = conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	id, err := w.Append(ctx, tx, "0x01", history.ActionClaimed, "0xa1", history.Metadata{"tx_hash": "0xbeef"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	entries, err := r.ListHistory(ctx, "0x01")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id || entries[0].TS != "2024-01-01T00:00:00Z" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[0].Metadata["tx_hash"] != "0xbeef" {
		t.Fatalf("metadata lost: %+v", entries[0].Metadata)
	}
}

func TestAppendRequiresTransaction(t *testing.T) {
	w := history.Writer{}
	if _, err := w.Append(context.Background(), nil, "0x01", history.ActionClaimed, "a", nil); err == nil {
		t.Fatalf("expected error without transaction")
	}
}
