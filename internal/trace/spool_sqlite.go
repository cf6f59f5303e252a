package trace

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/tracebridge/migrations"

	_ "modernc.org/sqlite"
)

// SQLiteSpool keeps abandoned runs in a local SQLite file.
type SQLiteSpool struct {
	Path string
	db   *sql.DB
	// SQLite allows a single writer; Save and Delete hold this to avoid
	// SQLITE_BUSY between a late drain and a replay.
	writeMu sync.Mutex
}

func NewSQLiteSpool(path string) (*SQLiteSpool, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite spool path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite spool directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite spool %q: %w", path, err)
	}

	spool := &SQLiteSpool{Path: path, db: db}
	if err := spool.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite spool schema: %w", err)
	}
	return spool, nil
}

func (s *SQLiteSpool) Driver() string {
	return migrations.DriverSQLite
}

func (s *SQLiteSpool) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save writes runs in one transaction. A run already spooled under the same
// id is replaced.
func (s *SQLiteSpool) Save(ctx context.Context, runs []*Run) error {
	runs = spoolableRuns(runs)
	if len(runs) == 0 {
		return nil
	}
	now := time.Now()
	rows := make([]spooledRow, 0, len(runs))
	for _, run := range runs {
		row, err := encodeSpooledRun(run, now)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite spool transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, `
INSERT OR REPLACE INTO spooled_runs (id, parent_run_id, payload, abandoned_at)
VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare sqlite spool insert: %w", err)
		}
		defer stmt.Close()

		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, row.ID, row.ParentRunID, row.Payload, row.AbandonedAt.Format(time.RFC3339Nano)); err != nil {
				return fmt.Errorf("spool run %q: %w", row.ID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite spool transaction: %w", err)
		}
		return nil
	})
}

// Load returns every spooled run in the order it was abandoned.
func (s *SQLiteSpool) Load(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload FROM spooled_runs ORDER BY abandoned_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query spooled runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		var (
			id      string
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan spooled run: %w", err)
		}
		run, err := decodeSpooledRun(id, []byte(payload))
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spooled runs: %w", err)
	}
	return runs, nil
}

func (s *SQLiteSpool) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite spool delete: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM spooled_runs WHERE id = ?`, id); err != nil {
				return fmt.Errorf("delete spooled run %q: %w", id, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite spool delete: %w", err)
		}
		return nil
	})
}

func (s *SQLiteSpool) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries lock contention with capped exponential backoff.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isContentionString(strings.ToLower(err.Error())) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}
