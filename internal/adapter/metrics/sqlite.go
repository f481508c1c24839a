package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"convoagent/internal/domain"
)

// SQLiteSink is an append-only domain.MetricsSink backed by SQLite.
type SQLiteSink struct {
	db  *sql.DB
	now func() time.Time
}

// ToolStats counts outcomes of one tool.
type ToolStats struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// Summary aggregates recorded metrics since a point in time.
type Summary struct {
	Turns        int                  `json:"turns"`
	InputTokens  int64                `json:"input_tokens"`
	OutputTokens int64                `json:"output_tokens"`
	TotalTokens  int64                `json:"total_tokens"`
	CostUSD      float64              `json:"cost_usd"`
	Tools        map[string]ToolStats `json:"tools"`
}

// NewSQLiteSink opens (or creates) the metrics database at dbPath.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open metrics database: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("metrics pragma: %w", err)
		}
	}

	s := &SQLiteSink{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate metrics schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func (s *SQLiteSink) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id        TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		name      TEXT NOT NULL,
		success   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_timestamp ON tool_calls(timestamp);

	CREATE TABLE IF NOT EXISTS token_usage (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		backend       TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		total_tokens  INTEGER NOT NULL,
		cost_usd      REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_token_usage_timestamp ON token_usage(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteSink) newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate metrics record ID: %w", err)
	}
	return id.String(), nil
}

func (s *SQLiteSink) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// RecordToolCall implements domain.MetricsSink.
func (s *SQLiteSink) RecordToolCall(ctx context.Context, name string, success bool) error {
	id, err := s.newID()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO tool_calls (id, timestamp, name, success) VALUES (?, ?, ?, ?)",
		id, s.timestamp(), name, success,
	)
	if err != nil {
		return fmt.Errorf("%w: tool call: %v", domain.ErrMetricsWrite, err)
	}
	return nil
}

// RecordTokenUsage implements domain.MetricsSink.
func (s *SQLiteSink) RecordTokenUsage(ctx context.Context, usage domain.TokenUsage) error {
	id, err := s.newID()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO token_usage (id, timestamp, backend, input_tokens, output_tokens, total_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, s.timestamp(), usage.Backend, usage.InputTokens, usage.OutputTokens, usage.TotalTokens, usage.CostEstimate,
	)
	if err != nil {
		return fmt.Errorf("%w: token usage: %v", domain.ErrMetricsWrite, err)
	}
	return nil
}

// Summary returns totals for records at or after since.
func (s *SQLiteSink) Summary(ctx context.Context, since time.Time) (*Summary, error) {
	from := since.UTC().Format(time.RFC3339Nano)
	sum := &Summary{Tools: make(map[string]ToolStats)}

	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		        COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM token_usage WHERE timestamp >= ?`, from)
	if err := row.Scan(&sum.Turns, &sum.InputTokens, &sum.OutputTokens, &sum.TotalTokens, &sum.CostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name, SUM(success), SUM(1 - success) FROM tool_calls
		 WHERE timestamp >= ? GROUP BY name`, from)
	if err != nil {
		return nil, fmt.Errorf("query tool summary: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var st ToolStats
		if err := rows.Scan(&name, &st.Success, &st.Failure); err != nil {
			return nil, fmt.Errorf("scan tool summary: %w", err)
		}
		sum.Tools[name] = st
	}
	return sum, rows.Err()
}

var _ domain.MetricsSink = (*SQLiteSink)(nil)
