package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/tracebridge/migrations"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresSpool keeps abandoned runs in a shared Postgres table so any
// gateway replica can replay them.
type PostgresSpool struct {
	DSN string
	db  *sql.DB
}

func NewPostgresSpool(dsn string) (*PostgresSpool, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres spool dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres spool: %w", err)
	}

	spool := &PostgresSpool{DSN: dsn, db: db}
	if err := spool.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres spool schema: %w", err)
	}
	return spool, nil
}

func (s *PostgresSpool) Driver() string {
	return migrations.DriverPostgres
}

func (s *PostgresSpool) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresSpool) Save(ctx context.Context, runs []*Run) error {
	runs = spoolableRuns(runs)
	if len(runs) == 0 {
		return nil
	}
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres spool transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, run := range runs {
		row, err := encodeSpooledRun(run, now)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO spooled_runs (id, parent_run_id, payload, abandoned_at)
VALUES ($1, $2, $3::jsonb, $4)
ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload, abandoned_at = EXCLUDED.abandoned_at`,
			row.ID, row.ParentRunID, row.Payload, row.AbandonedAt)
		if err != nil {
			if isPostgresInvalidJSON(err) {
				return fmt.Errorf("spool run %q: payload rejected: %w", row.ID, err)
			}
			return fmt.Errorf("spool run %q: %w", row.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres spool transaction: %w", err)
	}
	return nil
}

func (s *PostgresSpool) Load(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, payload::text FROM spooled_runs ORDER BY abandoned_at ASC, id ASC`)
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

func (s *PostgresSpool) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres spool delete: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM spooled_runs WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete spooled run %q: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres spool delete: %w", err)
	}
	return nil
}

func (s *PostgresSpool) configure() error {
	s.db.SetMaxOpenConns(4)
	s.db.SetMaxIdleConns(2)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// 22P02 is invalid_text_representation, raised when the payload is not JSON.
func isPostgresInvalidJSON(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
