package database

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestDB(t *testing.T) DatabaseService {
	t.Helper()

	ds, err := NewSQLiteDatabase(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteDatabase error: %v", err)
	}
	if err := ds.CreateDatabase(context.Background()); err != nil {
		t.Fatalf("CreateDatabase error: %v", err)
	}
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

func TestSQLite_Store(t *testing.T) {
	testStoreBehaviour(t, newTestDB)
}

func TestSQLite_CreateDatabaseIsIdempotent(t *testing.T) {
	ds := newTestDB(t)
	ctx := context.Background()
	if err := ds.UpsertClassRecord(ctx, ClassRecord{Index: 0, Name: "n", Description: "d"}); err != nil {
		t.Fatalf("UpsertClassRecord error: %v", err)
	}
	if err := ds.CreateDatabase(ctx); err != nil {
		t.Fatalf("second CreateDatabase error: %v", err)
	}
	if _, found, _ := ds.GetClassRecord(ctx, 0); !found {
		t.Fatalf("record lost after second CreateDatabase")
	}
}

func TestSQLite_FilePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "classes.db")
	ctx := context.Background()

	ds, err := NewDatabase(ctx, TypeSQLite, path)
	if err != nil {
		t.Fatalf("NewDatabase error: %v", err)
	}
	if err := ds.UpsertClassRecord(ctx, ClassRecord{Index: 4, Name: "جبل أحد", Description: "جبل في المدينة المنورة"}); err != nil {
		t.Fatalf("UpsertClassRecord error: %v", err)
	}
	if err := ds.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	reopened, err := NewDatabase(ctx, TypeSQLite, path)
	if err != nil {
		t.Fatalf("reopen error: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })

	got, found, err := reopened.GetClassRecord(ctx, 4)
	if err != nil || !found {
		t.Fatalf("GetClassRecord after reopen = (%v, %v), want found", found, err)
	}
	if got.Name != "جبل أحد" {
		t.Errorf("Name = %q, want %q", got.Name, "جبل أحد")
	}
}
