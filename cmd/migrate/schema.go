package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
)

var migrationName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// migrationFile is one numbered schema change with its up and down scripts.
type migrationFile struct {
	Version uint
	Name    string
	HasUp   bool
	HasDown bool
}

// scanMigrations reads dir and groups the up/down scripts by version.
// Files that do not follow the NNNNNN_name.(up|down).sql layout are ignored.
func scanMigrations(dir string) ([]migrationFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	byVersion := make(map[uint]*migrationFile)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := migrationName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			continue
		}
		f, ok := byVersion[uint(v)]
		if !ok {
			f = &migrationFile{Version: uint(v), Name: m[2]}
			byVersion[uint(v)] = f
		} else if f.Name != m[2] {
			return nil, fmt.Errorf("version %06d used by both %q and %q", v, f.Name, m[2])
		}
		if m[3] == "up" {
			f.HasUp = true
		} else {
			f.HasDown = true
		}
	}

	out := make([]migrationFile, 0, len(byVersion))
	for _, f := range byVersion {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// nextVersion is one past the highest version on disk.
func nextVersion(files []migrationFile) uint {
	var max uint
	for _, f := range files {
		if f.Version > max {
			max = f.Version
		}
	}
	return max + 1
}

// pending returns the migrations newer than applied.
func pending(files []migrationFile, applied uint) []migrationFile {
	var out []migrationFile
	for _, f := range files {
		if f.Version > applied {
			out = append(out, f)
		}
	}
	return out
}

// emailTable is a table owned by the dispatcher with its estimated row count.
type emailTable struct {
	Name string
	Rows int64
}

const emailTablesQuery = `
	SELECT c.relname, GREATEST(c.reltuples, 0)::bigint
	FROM pg_class c
	JOIN pg_namespace n ON n.oid = c.relnamespace
	WHERE c.relkind = 'r' AND n.nspname = current_schema() AND c.relname LIKE 'email\_%'
	ORDER BY c.relname`

// emailTables lists the email_* tables in the current schema.
func emailTables(ctx context.Context, db *sql.DB) ([]emailTable, error) {
	rows, err := db.QueryContext(ctx, emailTablesQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to list email tables: %w", err)
	}
	defer rows.Close()

	var out []emailTable
	for rows.Next() {
		var t emailTable
		if err := rows.Scan(&t.Name, &t.Rows); err != nil {
			return nil, fmt.Errorf("failed to scan email table: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
