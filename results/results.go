package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Octogonapus/ImageJobBenchmark/report"
)

var ErrNotFound = errors.New("results: not found")

const schema = `
CREATE TABLE IF NOT EXISTS benchmark_reports (
	run_id     TEXT PRIMARY KEY,
	dataset    TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	report     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS benchmark_reports_started_at ON benchmark_reports (started_at);
`

// Keeps every benchmark report in a sqlite database.
type Store struct {
	db *sql.DB
}

// Opens (creating if needed) the sqlite database at dsn, e.g. "results.db" or ":memory:".
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open results database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and writes serialized
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to results database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create results schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Saves rep, replacing any earlier report with the same run id.
func (s *Store) Save(ctx context.Context, rep *report.BenchmarkReport) error {
	buf, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("failed to encode report %s: %w", rep.RunID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO benchmark_reports (run_id, dataset, started_at, report) VALUES (?, ?, ?, ?)`,
		rep.RunID, rep.Dataset, rep.StartedAt.UTC(), string(buf),
	)
	if err != nil {
		return fmt.Errorf("failed to save report %s: %w", rep.RunID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, runID string) (*report.BenchmarkReport, error) {
	var buf string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM benchmark_reports WHERE run_id = ?`, runID).Scan(&buf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load report %s: %w", runID, err)
	}
	return decode(buf)
}

// The newest reports first. limit <= 0 returns all of them.
func (s *Store) List(ctx context.Context, limit int) ([]*report.BenchmarkReport, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT report FROM benchmark_reports ORDER BY started_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	reps := []*report.BenchmarkReport{}
	for rows.Next() {
		var buf string
		if err := rows.Scan(&buf); err != nil {
			return nil, fmt.Errorf("failed to read report row: %w", err)
		}
		rep, err := decode(buf)
		if err != nil {
			return nil, err
		}
		reps = append(reps, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	return reps, nil
}

func decode(buf string) (*report.BenchmarkReport, error) {
	rep := &report.BenchmarkReport{}
	if err := json.Unmarshal([]byte(buf), rep); err != nil {
		return nil, fmt.Errorf("failed to decode stored report: %w", err)
	}
	rep.StartedAt = rep.StartedAt.UTC()
	return rep, nil
}
