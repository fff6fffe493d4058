package main

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func writeFiles(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("--"), 0644); err != nil {
			t.Fatalf("write %s: %v", n, err)
		}
	}
	return dir
}

func TestScanMigrations(t *testing.T) {
	dir := writeFiles(t,
		"000002_email_events.up.sql",
		"000001_email_providers.down.sql",
		"000001_email_providers.up.sql",
		"000002_email_events.down.sql",
		"000003_email_blacklist.up.sql",
		"README.md",
		"notes.sql",
	)

	files, err := scanMigrations(dir)
	if err != nil {
		t.Fatalf("scanMigrations: %v", err)
	}
	want := []migrationFile{
		{Version: 1, Name: "email_providers", HasUp: true, HasDown: true},
		{Version: 2, Name: "email_events", HasUp: true, HasDown: true},
		{Version: 3, Name: "email_blacklist", HasUp: true},
	}
	if len(files) != len(want) {
		t.Fatalf("expected %d migrations, got %+v", len(want), files)
	}
	for i := range want {
		if files[i] != want[i] {
			t.Fatalf("migration %d: expected %+v, got %+v", i, want[i], files[i])
		}
	}
}

func TestScanMigrationsVersionClash(t *testing.T) {
	dir := writeFiles(t, "000001_email_providers.up.sql", "000001_email_ips.down.sql")
	if _, err := scanMigrations(dir); err == nil {
		t.Fatalf("expected an error for two names sharing a version")
	}
}

func TestScanRepositoryMigrations(t *testing.T) {
	files, err := scanMigrations(filepath.Join("..", "..", "migrations"))
	if err != nil {
		t.Fatalf("scanMigrations: %v", err)
	}
	if len(files) == 0 {
		t.Fatalf("expected migrations in the repository")
	}
	for i, f := range files {
		if !f.HasUp || !f.HasDown {
			t.Fatalf("%06d_%s is missing a script: %+v", f.Version, f.Name, f)
		}
		if f.Version != uint(i+1) {
			t.Fatalf("expected contiguous versions, got %d at position %d", f.Version, i)
		}
	}
}

func TestNextVersionAndPending(t *testing.T) {
	files := []migrationFile{{Version: 1}, {Version: 2}, {Version: 5}}

	tests := []struct {
		name        string
		files       []migrationFile
		applied     uint
		wantNext    uint
		wantPending []uint
	}{
		{name: "empty dir", wantNext: 1},
		{name: "nothing applied", files: files, applied: 0, wantNext: 6, wantPending: []uint{1, 2, 5}},
		{name: "gap after applied", files: files, applied: 2, wantNext: 6, wantPending: []uint{5}},
		{name: "up to date", files: files, applied: 5, wantNext: 6},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := nextVersion(tc.files); got != tc.wantNext {
				t.Fatalf("nextVersion: expected %d, got %d", tc.wantNext, got)
			}
			got := pending(tc.files, tc.applied)
			if len(got) != len(tc.wantPending) {
				t.Fatalf("pending: expected %v, got %+v", tc.wantPending, got)
			}
			for i, v := range tc.wantPending {
				if got[i].Version != v {
					t.Fatalf("pending[%d]: expected %d, got %d", i, v, got[i].Version)
				}
			}
		})
	}
}

func TestEmailTables(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("c.relname LIKE 'email\\_%'")).
		WillReturnRows(sqlmock.NewRows([]string{"relname", "reltuples"}).
			AddRow("email_events", int64(1200)).
			AddRow("email_provider_ips", int64(4)))

	tables, err := emailTables(context.Background(), db)
	if err != nil {
		t.Fatalf("emailTables: %v", err)
	}
	if len(tables) != 2 || tables[0].Name != "email_events" || tables[1].Rows != 4 {
		t.Fatalf("unexpected tables %+v", tables)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
