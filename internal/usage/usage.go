// Package usage keeps a per-turn token ledger in a local SQLite file and
// aggregates it for the gateway.cost method.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/gofer-dev/gofer/internal/providers"
)

// pricing is USD per million tokens. Unknown models fall back to the
// defaultPricing row so cost is an estimate, never an error.
type pricing struct {
	inputPerM  float64
	outputPerM float64
}

var modelPricing = map[string]pricing{
	"claude-opus-4":      {15.00, 75.00},
	"claude-sonnet-4":    {3.00, 15.00},
	"claude-haiku-3.5":   {0.80, 4.00},
	"gpt-4o":             {2.50, 10.00},
	"gpt-4o-mini":        {0.15, 0.60},
	"gemini-2.5-pro":     {1.25, 10.00},
	"gemini-2.5-flash":   {0.30, 2.50},
	"deepseek-chat":      {0.27, 1.10},
	"glm-4.7":            {0.60, 2.20},
}

var defaultPricing = pricing{3.00, 15.00}

func priceFor(model string) pricing {
	name := model
	if _, rest, ok := strings.Cut(model, "/"); ok {
		name = rest
	}
	best := ""
	for prefix := range modelPricing {
		if strings.HasPrefix(name, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return defaultPricing
	}
	return modelPricing[best]
}

// Cost estimates the dollar cost of a usage record against a model.
func Cost(model string, u providers.Usage) float64 {
	p := priceFor(model)
	return float64(u.InputTokens)/1e6*p.inputPerM + float64(u.OutputTokens)/1e6*p.outputPerM
}

// Ledger records turn usage. A single connection serializes writers so
// concurrent turns never hit SQLITE_BUSY.
type Ledger struct {
	db *sql.DB
}

// Open creates or opens the ledger at path. Use ":memory:" in tests.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("usage: open driver: %w", err)
	}
	db.SetMaxOpenConns(1)

	const schema = `CREATE TABLE IF NOT EXISTS turn_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd REAL NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turn_usage_created ON turn_usage(created_at);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("usage: create schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying database.
func (l *Ledger) Close() error { return l.db.Close() }

// Record appends one turn's usage.
func (l *Ledger) Record(ctx context.Context, sessionID, agentID, model string, u providers.Usage) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO turn_usage (session_id, agent_id, model, input_tokens, output_tokens, cost_usd, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, agentID, model, u.InputTokens, u.OutputTokens, Cost(model, u), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("usage: record: %w", err)
	}
	return nil
}

// ModelSummary aggregates usage for one model.
type ModelSummary struct {
	Model        string  `json:"model"`
	Turns        int     `json:"turns"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Summary is the gateway.cost payload.
type Summary struct {
	Since        time.Time      `json:"since"`
	Turns        int            `json:"turns"`
	InputTokens  int64          `json:"input_tokens"`
	OutputTokens int64          `json:"output_tokens"`
	CostUSD      float64        `json:"cost_usd"`
	Models       []ModelSummary `json:"models"`
}

// Summarize aggregates everything recorded at or after since.
func (l *Ledger) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT model, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
		 FROM turn_usage WHERE created_at >= ?
		 GROUP BY model ORDER BY SUM(cost_usd) DESC`,
		since.Unix())
	if err != nil {
		return nil, fmt.Errorf("usage: summarize: %w", err)
	}
	defer rows.Close()

	sum := &Summary{Since: since, Models: []ModelSummary{}}
	for rows.Next() {
		var m ModelSummary
		if err := rows.Scan(&m.Model, &m.Turns, &m.InputTokens, &m.OutputTokens, &m.CostUSD); err != nil {
			return nil, fmt.Errorf("usage: scan: %w", err)
		}
		sum.Models = append(sum.Models, m)
		sum.Turns += m.Turns
		sum.InputTokens += m.InputTokens
		sum.OutputTokens += m.OutputTokens
		sum.CostUSD += m.CostUSD
	}
	return sum, rows.Err()
}
