// Package usage records token counts for every model call. Records are
// append-only and share the checkpoint database, so a session's cost in
// tokens can be reviewed with "scout usage" after the fact.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeLayout is fixed width so stored timestamps compare as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Record is one model call.
type Record struct {
	ID           string
	Timestamp    time.Time
	ThreadID     string
	Model        string
	InputTokens  int
	OutputTokens int
	ToolCalls    int           // tool calls requested by the reply
	Duration     time.Duration // wall time of the request
}

// Summary holds aggregated totals.
type Summary struct {
	Calls        int           `json:"calls"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	ToolCalls    int64         `json:"tool_calls"`
	Duration     time.Duration `json:"duration_ns"`
}

// Store is an append-only SQLite store for usage records. The database
// handle belongs to the caller.
type Store struct {
	db *sql.DB
}

// NewStore creates the schema in db if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		thread_id     TEXT NOT NULL,
		model         TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		tool_calls    INTEGER NOT NULL,
		duration_ms   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_usage_thread ON usage_records(thread_id);
	`)
	return err
}

// Record persists rec. A missing ID gets a UUIDv7 and a zero Timestamp
// becomes now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, thread_id, model, input_tokens, output_tokens, tool_calls, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeLayout),
		rec.ThreadID,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.ToolCalls,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+aggregates+`
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		formatBound(start), formatBound(end),
	)
	var sum Summary
	var ms int64
	if err := row.Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.ToolCalls, &ms); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	sum.Duration = time.Duration(ms) * time.Millisecond
	return &sum, nil
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByThread returns per-thread totals for records within [start, end).
func (s *Store) SummaryByThread(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy(ctx, "thread_id", start, end)
}

const aggregates = `COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(tool_calls), 0), COALESCE(SUM(duration_ms), 0)`

func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a constant from this package.
	query := fmt.Sprintf(
		`SELECT %s, %s
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, aggregates, column,
	)

	rows, err := s.db.QueryContext(ctx, query, formatBound(start), formatBound(end))
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		var ms int64
		if err := rows.Scan(&key, &sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.ToolCalls, &ms); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		sum.Duration = time.Duration(ms) * time.Millisecond
		result[key] = &sum
	}
	return result, rows.Err()
}

// formatBound renders a query bound. A zero time sorts before every
// stored timestamp.
func formatBound(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}
