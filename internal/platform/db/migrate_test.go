package db

import (
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"001_import_ledger.sql": {Data: []byte("CREATE TABLE import_runs (id UUID PRIMARY KEY);")},
		"002_clinical.sql":      {Data: []byte("CREATE TABLE patients (id UUID PRIMARY KEY);")},
		"003_legacy_maps.sql":   {Data: []byte("CREATE TABLE legacy_patient_map (legacy_id TEXT);")},
	}

	migrations, err := NewMigrator(nil, fsys, ".").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_import_ledger.sql" {
		t.Errorf("unexpected first migration: %+v", migrations[0])
	}
	if !strings.Contains(migrations[1].SQL, "patients") {
		t.Errorf("unexpected SQL content: %s", migrations[1].SQL)
	}
	if migrations[2].Version != 3 {
		t.Errorf("expected version 3, got %d", migrations[2].Version)
	}
}

func TestLoadMigrations_SortOrderAndSkips(t *testing.T) {
	fsys := fstest.MapFS{
		"sql/010_late.sql":   {Data: []byte("SELECT 10;")},
		"sql/002_second.sql": {Data: []byte("SELECT 2;")},
		"sql/001_first.sql":  {Data: []byte("SELECT 1;")},
		"sql/README.md":      {Data: []byte("docs")},
		"sql/nodash.sql":     {Data: []byte("SELECT 0;")},
		"sql/abc_bad.sql":    {Data: []byte("SELECT 0;")},
	}

	migrations, err := NewMigrator(nil, fsys, "sql").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	want := []int{1, 2, 10}
	for i, v := range want {
		if migrations[i].Version != v {
			t.Errorf("migration %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"001_b.sql": {Data: []byte("SELECT 1;")},
	}
	if _, err := NewMigrator(nil, fsys, ".").LoadMigrations(); err == nil {
		t.Fatal("expected error for duplicate versions")
	}
}

func TestLoadMigrations_MissingDir(t *testing.T) {
	if _, err := NewMigrator(nil, fstest.MapFS{}, "nope").LoadMigrations(); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestMergeStatus(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	statuses := mergeStatus(
		[]Migration{{Version: 1, Name: "001_a.sql"}, {Version: 2, Name: "002_b.sql"}},
		map[int]time.Time{1: at},
	)
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(at) {
		t.Errorf("expected first migration applied at %v, got %+v", at, statuses[0])
	}
	if statuses[1].Applied || statuses[1].AppliedAt != nil {
		t.Errorf("expected second migration pending, got %+v", statuses[1])
	}

	ss := summarizeSchema("practice_default", statuses)
	if ss.Applied != 1 || ss.Pending != 1 || ss.Schema != "practice_default" {
		t.Errorf("unexpected schema summary: %+v", ss)
	}
}
