// Package migrations holds the spool schema for each supported driver.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

//go:embed sqlite/*.sql postgres/*.sql
var embedded embed.FS

type dialect struct {
	versionsTable string
	recordVersion string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		versionsTable: `CREATE TABLE IF NOT EXISTS spool_schema_versions (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
		recordVersion: `INSERT OR IGNORE INTO spool_schema_versions (version, name) VALUES (?, ?)`,
	},
	DriverPostgres: {
		versionsTable: `CREATE TABLE IF NOT EXISTS spool_schema_versions (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		recordVersion: `INSERT INTO spool_schema_versions (version, name) VALUES ($1, $2) ON CONFLICT (version) DO NOTHING`,
	},
}

// migration is one embedded file named NNNN_description.sql.
type migration struct {
	version int
	name    string
	body    string
}

// Apply brings the spool schema for driver up to date. Every migration runs
// in its own transaction together with its version row, so concurrent
// starters apply each version once.
func Apply(ctx context.Context, db *sql.DB, driver string) error {
	if db == nil {
		return fmt.Errorf("database is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	driver = strings.ToLower(strings.TrimSpace(driver))
	d, ok := dialects[driver]
	if !ok {
		return fmt.Errorf("unsupported migration driver %q", driver)
	}
	pending, err := load(driver)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, d.versionsTable); err != nil {
		return fmt.Errorf("ensure spool_schema_versions table: %w", err)
	}

	for _, m := range pending {
		if err := apply(ctx, db, d, m); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.name, err)
		}
	}
	return nil
}

// Versions lists the schema versions recorded in db, lowest first.
func Versions(ctx context.Context, db *sql.DB) ([]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT version FROM spool_schema_versions ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query spool_schema_versions: %w", err)
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan schema version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func load(driver string) ([]migration, error) {
	entries, err := fs.ReadDir(embedded, driver)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s migrations: %w", driver, err)
	}

	out := make([]migration, 0, len(entries))
	seen := make(map[int]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".sql") {
			continue
		}
		name := path.Join(driver, entry.Name())
		prefix, _, found := strings.Cut(entry.Name(), "_")
		version, convErr := strconv.Atoi(prefix)
		if !found || convErr != nil || version <= 0 {
			return nil, fmt.Errorf("migration %s: name must start with a positive version number", name)
		}
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("migration %s: version %d already used by %s", name, version, other)
		}
		seen[version] = name

		body, err := embedded.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		out = append(out, migration{version: version, name: name, body: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func apply(ctx context.Context, db *sql.DB, d dialect, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, d.recordVersion, m.version, m.name)
	if err != nil {
		return fmt.Errorf("record schema version %d: %w", m.version, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("read schema version row count: %w", err)
	} else if n == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx, m.body); err != nil {
		return fmt.Errorf("execute migration sql: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
