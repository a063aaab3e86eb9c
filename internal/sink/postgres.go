package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/quantfade/altshort/internal/engine"
)

// PostgresSink stores one row per run plus one row per snapshot. The
// snapshot payload travels as JSONB so the schema survives domain-type
// evolution.
type PostgresSink struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresSink wraps an open connection.
func NewPostgresSink(db *sqlx.DB, timeout time.Duration) *PostgresSink {
	return &PostgresSink{db: db, timeout: timeout}
}

// Open connects to Postgres with the given DSN and verifies the
// connection.
func Open(dsn string, timeout time.Duration) (*PostgresSink, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return NewPostgresSink(db, timeout), nil
}

// Write persists the run and its snapshots in one transaction.
func (s *PostgresSink) Write(ctx context.Context, result *engine.BacktestResult) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	paramsJSON, err := json.Marshal(result.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}
	reportJSON, err := json.Marshal(result.Report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO backtest_runs (run_id, started_at, finished_at, parameters, report,
			total_periods, active_periods, avg_short_count, granularity_hours)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		result.RunID, result.StartedAt, result.FinishedAt, paramsJSON, reportJSON,
		result.Summary.TotalPeriods, result.Summary.ActivePeriods,
		result.Summary.AvgShortCount, result.Summary.GranularityHours)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("duplicate run %s: %w", result.RunID, err)
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backtest_snapshots (run_id, period, ts, total_value, cash_balance, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for i, snap := range result.Snapshots {
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, result.RunID, i+1, snap.Timestamp,
			snap.TotalValue, snap.CashBalance, payload); err != nil {
			return fmt.Errorf("failed to insert snapshot %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit result: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
