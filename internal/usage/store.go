// Package usage provides a persistent ledger of model turns and tool
// invocations. Turn records carry token counts and cost; invocation
// records carry the gate decision and outcome of each requested tool
// call. Records are append-only and indexed by timestamp and
// conversation for aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/tether/internal/config"
)

// Turn is one model call's token usage and cost.
type Turn struct {
	ID             string
	Timestamp      time.Time
	ConversationID string
	Turn           int
	Model          string
	Provider       string // "anthropic"
	InputTokens    int
	OutputTokens   int
	CostUSD        float64
	StopReason     string
	ToolRequests   int
}

// Invocation is one tool call request and what became of it.
type Invocation struct {
	ID             string
	Timestamp      time.Time
	ConversationID string
	RequestID      string // the model's tool_use id
	Tool           string
	Allowed        bool
	Reason         string // gate decision reason
	IsError        bool
	Duration       time.Duration
}

// Summary holds aggregated token usage and cost totals.
type Summary struct {
	TotalRecords      int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalCostUSD      float64
}

// ToolSummary holds aggregated invocation counts for one tool.
type ToolSummary struct {
	Requested int
	Allowed   int
	Denied    int
	Errors    int
}

// Store is an append-only SQLite ledger. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db      *sql.DB
	pricing map[string]config.PricingEntry
}

// NewStore opens the ledger at dbPath, creating the schema on first
// use. pricing is used to fill in turn costs; it may be nil.
func NewStore(dbPath string, pricing map[string]config.PricingEntry) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db, pricing: pricing}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		turn            INTEGER NOT NULL,
		model           TEXT NOT NULL,
		provider        TEXT NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL,
		cost_usd        REAL NOT NULL,
		stop_reason     TEXT,
		tool_requests   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_timestamp ON turns(timestamp);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id);

	CREATE TABLE IF NOT EXISTS invocations (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		request_id      TEXT NOT NULL,
		tool            TEXT NOT NULL,
		allowed         INTEGER NOT NULL,
		reason          TEXT NOT NULL,
		is_error        INTEGER NOT NULL,
		duration_ms     INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invocations_timestamp ON invocations(timestamp);
	CREATE INDEX IF NOT EXISTS idx_invocations_tool ON invocations(tool);
	`
	_, err := s.db.Exec(schema)
	return err
}

// timeLayout is fixed-width so stored timestamps sort as strings.
// RFC3339Nano trims trailing zeros and would not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// RecordTurn persists a turn. An empty ID gets a UUIDv7, a zero
// timestamp gets time.Now, and a zero cost is computed from the
// pricing table.
func (s *Store) RecordTurn(ctx context.Context, rec Turn) error {
	if rec.ID == "" {
		id, err := newID()
		if err != nil {
			return fmt.Errorf("generate turn record ID: %w", err)
		}
		rec.ID = id
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.CostUSD == 0 {
		rec.CostUSD = ComputeCost(rec.Model, rec.InputTokens, rec.OutputTokens, s.pricing)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns
			(id, timestamp, conversation_id, turn, model, provider,
			 input_tokens, output_tokens, cost_usd, stop_reason, tool_requests)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		formatTime(rec.Timestamp),
		rec.ConversationID,
		rec.Turn,
		rec.Model,
		rec.Provider,
		rec.InputTokens,
		rec.OutputTokens,
		rec.CostUSD,
		rec.StopReason,
		rec.ToolRequests,
	)
	if err != nil {
		return fmt.Errorf("insert turn record: %w", err)
	}
	return nil
}

// RecordInvocation persists one invocation decision and outcome.
func (s *Store) RecordInvocation(ctx context.Context, rec Invocation) error {
	if rec.ID == "" {
		id, err := newID()
		if err != nil {
			return fmt.Errorf("generate invocation record ID: %w", err)
		}
		rec.ID = id
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations
			(id, timestamp, conversation_id, request_id, tool, allowed, reason, is_error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		formatTime(rec.Timestamp),
		rec.ConversationID,
		rec.RequestID,
		rec.Tool,
		rec.Allowed,
		rec.Reason,
		rec.IsError,
		rec.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert invocation record: %w", err)
	}
	return nil
}

// Summary returns aggregated turn totals within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM turns
		 WHERE timestamp >= ? AND timestamp < ?`,
		formatTime(start),
		formatTime(end),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model turn totals within [start, end).
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("model", start, end)
}

// SummaryByConversation returns per-conversation turn totals within
// [start, end).
func (s *Store) SummaryByConversation(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("conversation_id", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a constant from our own methods.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM turns
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY SUM(cost_usd) DESC`,
		column, column,
	)

	rows, err := s.db.Query(query,
		formatTime(start),
		formatTime(end),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalInputTokens, &sum.TotalOutputTokens, &sum.TotalCostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}

// ToolSummary returns per-tool invocation counts within [start, end).
func (s *Store) ToolSummary(start, end time.Time) (map[string]*ToolSummary, error) {
	rows, err := s.db.Query(
		`SELECT tool, COUNT(*), COALESCE(SUM(allowed), 0), COALESCE(SUM(1 - allowed), 0), COALESCE(SUM(is_error), 0)
		 FROM invocations
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY tool`,
		formatTime(start),
		formatTime(end),
	)
	if err != nil {
		return nil, fmt.Errorf("query invocations by tool: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*ToolSummary)
	for rows.Next() {
		var tool string
		var sum ToolSummary
		if err := rows.Scan(&tool, &sum.Requested, &sum.Allowed, &sum.Denied, &sum.Errors); err != nil {
			return nil, fmt.Errorf("scan invocations by tool: %w", err)
		}
		result[tool] = &sum
	}
	return result, rows.Err()
}

// ComputeCost calculates the USD cost of a model's token usage from
// the pricing table. Models not in the table cost nothing.
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]config.PricingEntry) float64 {
	entry, ok := pricing[model]
	if !ok {
		return 0
	}
	cost := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	cost += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return cost
}
