// Package store journals site runs in PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Outcome is the result of one site run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Run is one journal entry.
type Run struct {
	ID         string
	BatchID    string
	Kind       string
	Login      string
	Outcome    Outcome
	Error      string
	Cookies    int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Status is the latest known state of a site.
type Status struct {
	Kind                string
	Login               string
	LastOutcome         Outcome
	LastRunAt           time.Time
	ConsecutiveFailures int
}

const schemaSQL = `
    CREATE TABLE IF NOT EXISTS site_runs (
        id UUID PRIMARY KEY,
        batch_id UUID NOT NULL,
        kind TEXT NOT NULL,
        login TEXT NOT NULL,
        outcome TEXT NOT NULL,
        error TEXT NOT NULL DEFAULT '',
        cookies INTEGER NOT NULL,
        started_at TIMESTAMPTZ NOT NULL,
        finished_at TIMESTAMPTZ NOT NULL
    );
    CREATE TABLE IF NOT EXISTS site_status (
        kind TEXT NOT NULL,
        login TEXT NOT NULL,
        last_outcome TEXT NOT NULL,
        last_run_at TIMESTAMPTZ NOT NULL,
        consecutive_failures INTEGER NOT NULL DEFAULT 0,
        PRIMARY KEY (kind, login)
    );
`

const upsertStatusSQL = `
        INSERT INTO site_status (kind, login, last_outcome, last_run_at, consecutive_failures)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (kind, login) DO UPDATE SET
            last_outcome = EXCLUDED.last_outcome,
            last_run_at = EXCLUDED.last_run_at,
            consecutive_failures = CASE
                WHEN EXCLUDED.last_outcome = 'failed' THEN site_status.consecutive_failures + 1
                ELSE 0
            END;
    `

var runColumns = []string{"id", "batch_id", "kind", "login", "outcome", "error", "cookies", "started_at", "finished_at"}

// Store provides a PostgreSQL implementation of the run journal.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Open connects to url and returns the store with its pool. The caller closes
// the pool.
func Open(ctx context.Context, url string, logger *zap.Logger) (*Store, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// EnsureSchema creates the journal tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

// RecordRuns appends runs to the journal and updates the status of every
// site involved, in one transaction.
func (s *Store) RecordRuns(ctx context.Context, runs []Run) error {
	if len(runs) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if err := s.copyRuns(ctx, tx, runs); err != nil {
		return err
	}
	if err := s.updateStatus(ctx, tx, runs); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) copyRuns(ctx context.Context, tx pgx.Tx, runs []Run) error {
	rows := make([][]interface{}, len(runs))
	for i, r := range runs {
		rows[i] = []interface{}{
			r.ID, r.BatchID, r.Kind, r.Login,
			string(r.Outcome), r.Error, r.Cookies,
			r.StartedAt.UTC(), r.FinishedAt.UTC(),
		}
	}

	copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"site_runs"}, runColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy runs: %w", err)
	}
	if int(copyCount) != len(runs) {
		return fmt.Errorf("mismatch in copied runs count: expected %d, got %d", len(runs), copyCount)
	}
	return nil
}

func (s *Store) updateStatus(ctx context.Context, tx pgx.Tx, runs []Run) error {
	batch := &pgx.Batch{}
	for _, r := range runs {
		failures := 0
		if r.Outcome == OutcomeFailed {
			failures = 1
		}
		batch.Queue(upsertStatusSQL, r.Kind, r.Login, string(r.Outcome), r.FinishedAt.UTC(), failures)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	defer func() {
		_ = br.Close()
	}()

	for _, r := range runs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to update status of %s-%s: %w", r.Kind, r.Login, err)
		}
	}
	return nil
}

// Statuses returns the latest state of every journaled site.
func (s *Store) Statuses(ctx context.Context) ([]Status, error) {
	query := `
        SELECT kind, login, last_outcome, last_run_at, consecutive_failures
        FROM site_status
        ORDER BY kind ASC, login ASC;
    `
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query site status: %w", err)
	}
	defer rows.Close()

	var statuses []Status
	for rows.Next() {
		var st Status
		var outcome string
		if err := rows.Scan(&st.Kind, &st.Login, &outcome, &st.LastRunAt, &st.ConsecutiveFailures); err != nil {
			return nil, fmt.Errorf("failed to scan status row: %w", err)
		}
		st.LastOutcome = Outcome(outcome)
		statuses = append(statuses, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return statuses, nil
}
