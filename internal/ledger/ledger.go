// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/taskrun/internal/engine"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrClosed       = errors.New("ledger is closed")
	ErrBadGrouping  = errors.New("unknown grouping")
	ErrBadDateRange = errors.New("date range start is after end")
)

// tsFormat is RFC 3339 with a fixed-width nanosecond fraction. RFC3339Nano
// trims trailing zeros, which breaks lexicographic comparison; this layout
// keeps every stored timestamp the same width, so string comparison in SQL
// matches chronological order. All timestamps are stored in UTC.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS cost_log (
    id               TEXT PRIMARY KEY,
    ts               TEXT NOT NULL,
    operation_type   TEXT NOT NULL,
    model_id         TEXT NOT NULL,
    tier             TEXT NOT NULL,
    input_tokens     INTEGER NOT NULL,
    output_tokens    INTEGER NOT NULL,
    cost             REAL NOT NULL,
    succeeded        INTEGER NOT NULL,
    fallback_applied INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_log_ts ON cost_log(ts);
CREATE INDEX IF NOT EXISTS idx_cost_log_op ON cost_log(operation_type);
`

// Entry is one stored cost log record.
type Entry struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	OperationType   string    `json:"operation_type"`
	ModelID         string    `json:"model_id"`
	Tier            string    `json:"tier"`
	InputTokens     int       `json:"input_tokens"`
	OutputTokens    int       `json:"output_tokens"`
	Cost            float64   `json:"cost"`
	Succeeded       bool      `json:"succeeded"`
	FallbackApplied bool      `json:"fallback_applied"`
}

// =============================================================================
// STORE
// =============================================================================

// Store is the SQLite-backed ledger. Safe for concurrent append; SQLite
// serializes writers through the single pooled connection.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the ledger database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Append stores one cost log entry. Implements engine.Ledger.
func (s *Store) Append(ctx context.Context, e engine.CostLogEntry) error {
	if s.db == nil {
		return ErrClosed
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_log
		    (id, ts, operation_type, model_id, tier, input_tokens, output_tokens, cost, succeeded, fallback_applied)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(),
		ts.UTC().Format(tsFormat),
		e.OperationType,
		e.ModelID,
		e.Tier.String(),
		e.InputTokens,
		e.OutputTokens,
		e.Cost,
		boolToInt(e.Succeeded),
		boolToInt(e.FallbackApplied),
	)
	if err != nil {
		return fmt.Errorf("failed to append cost entry: %w", err)
	}
	return nil
}

// Entries returns all entries in [from, to], oldest first. Zero times
// mean unbounded on that side.
func (s *Store) Entries(ctx context.Context, from, to time.Time) ([]Entry, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	where, args, err := rangeClause(from, to)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, operation_type, model_id, tier,
		       input_tokens, output_tokens, cost, succeeded, fallback_applied
		FROM cost_log `+where+` ORDER BY ts ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			ts        string
			succeeded int
			fallback  int
		)
		if err := rows.Scan(&e.ID, &ts, &e.OperationType, &e.ModelID, &e.Tier,
			&e.InputTokens, &e.OutputTokens, &e.Cost, &succeeded, &fallback); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		e.Timestamp, err = time.Parse(tsFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("corrupt timestamp %q in ledger: %w", ts, err)
		}
		e.Succeeded = succeeded != 0
		e.FallbackApplied = fallback != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// REPORTING
// =============================================================================

// Grouping selects the aggregation key for Summarize.
type Grouping string

const (
	GroupByDay       Grouping = "day"
	GroupByTier      Grouping = "tier"
	GroupByOperation Grouping = "operation"
	GroupByModel     Grouping = "model"
)

// groupExpr maps a grouping to its SQL key expression. Whitelisted, so
// the expression can be spliced into the query safely.
var groupExpr = map[Grouping]string{
	GroupByDay:       "substr(ts, 1, 10)",
	GroupByTier:      "tier",
	GroupByOperation: "operation_type",
	GroupByModel:     "model_id",
}

// SummaryRow is one aggregated row of a cost report.
type SummaryRow struct {
	Key          string  `json:"key"`
	Operations   int     `json:"operations"`
	Succeeded    int     `json:"succeeded"`
	Fallbacks    int     `json:"fallbacks"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalCost    float64 `json:"total_cost"`
}

// Summarize aggregates entries in [from, to] by the given grouping,
// ordered by key.
func (s *Store) Summarize(ctx context.Context, from, to time.Time, by Grouping) ([]SummaryRow, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	expr, ok := groupExpr[by]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadGrouping, by)
	}
	where, args, err := rangeClause(from, to)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+expr+` AS grp,
		       COUNT(*),
		       SUM(succeeded),
		       SUM(fallback_applied),
		       SUM(input_tokens),
		       SUM(output_tokens),
		       SUM(cost)
		FROM cost_log `+where+` GROUP BY grp ORDER BY grp ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize ledger: %w", err)
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var r SummaryRow
		if err := rows.Scan(&r.Key, &r.Operations, &r.Succeeded, &r.Fallbacks,
			&r.InputTokens, &r.OutputTokens, &r.TotalCost); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Totals returns the overall aggregate for [from, to].
func (s *Store) Totals(ctx context.Context, from, to time.Time) (SummaryRow, error) {
	if s.db == nil {
		return SummaryRow{}, ErrClosed
	}
	where, args, err := rangeClause(from, to)
	if err != nil {
		return SummaryRow{}, err
	}

	var r SummaryRow
	r.Key = "total"
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(succeeded), 0),
		       COALESCE(SUM(fallback_applied), 0),
		       COALESCE(SUM(input_tokens), 0),
		       COALESCE(SUM(output_tokens), 0),
		       COALESCE(SUM(cost), 0)
		FROM cost_log `+where, args...).
		Scan(&r.Operations, &r.Succeeded, &r.Fallbacks, &r.InputTokens, &r.OutputTokens, &r.TotalCost)
	if err != nil {
		return SummaryRow{}, fmt.Errorf("failed to total ledger: %w", err)
	}
	return r, nil
}

// rangeClause builds the WHERE clause for a [from, to] range. Stored
// timestamps are fixed-width UTC, so string comparison is chronological.
func rangeClause(from, to time.Time) (string, []any, error) {
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return "", nil, ErrBadDateRange
	}
	var (
		conds []string
		args  []any
	)
	if !from.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, from.UTC().Format(tsFormat))
	}
	if !to.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, to.UTC().Format(tsFormat))
	}
	switch len(conds) {
	case 0:
		return "", nil, nil
	case 1:
		return "WHERE " + conds[0], args, nil
	default:
		return "WHERE " + conds[0] + " AND " + conds[1], args, nil
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
