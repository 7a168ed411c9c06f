package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// timestamps are stored in UTC with fixed width so they sort as text
const tsLayout = "2006-01-02 15:04:05.000000000"

// Entry is one ledger row.
type Entry struct {
	ID           string
	Repo         string
	Issue        int
	Operation    string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	Timestamp    time.Time
}

// SummaryRow aggregates ledger rows per model and operation.
type SummaryRow struct {
	Model        string
	Operation    string
	Count        int64
	InputTokens  int64
	OutputTokens int64
	Cost         float64
}

// Ledger is a local SQLite record of every tracked operation.
type Ledger struct {
	db   *sql.DB
	path string
}

// OpenLedger opens (creating if needed) the ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// sqlite allows a single writer; concurrent trackers share one connection.
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db, path: path}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS operations (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			repo TEXT NOT NULL,
			issue INTEGER NOT NULL,
			operation TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER DEFAULT 0,
			output_tokens INTEGER DEFAULT 0,
			cost REAL DEFAULT 0.0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_timestamp ON operations(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_issue ON operations(repo, issue)`,
	}
	for _, m := range migrations {
		if _, err := l.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record inserts an entry. An entry with an existing ID is ignored; an
// empty ID gets a fresh UUID.
func (l *Ledger) Record(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO operations (id, timestamp, repo, issue, operation, model, input_tokens, output_tokens, cost)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC().Format(tsLayout), e.Repo, e.Issue, e.Operation, e.Model,
		e.InputTokens, e.OutputTokens, e.Cost,
	)
	if err != nil {
		return "", fmt.Errorf("record operation: %w", err)
	}
	return e.ID, nil
}

// Summary aggregates entries recorded at or after since, most expensive first.
func (l *Ledger) Summary(ctx context.Context, since time.Time) ([]SummaryRow, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT model, operation, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost), 0)
		FROM operations
		WHERE timestamp >= ?
		GROUP BY model, operation
		ORDER BY SUM(cost) DESC, model, operation`,
		since.UTC().Format(tsLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SummaryRow
	for rows.Next() {
		var r SummaryRow
		if err := rows.Scan(&r.Model, &r.Operation, &r.Count, &r.InputTokens, &r.OutputTokens, &r.Cost); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SpentSince returns the total cost recorded at or after since.
func (l *Ledger) SpentSince(ctx context.Context, since time.Time) (float64, error) {
	var total float64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM operations WHERE timestamp >= ?`,
		since.UTC().Format(tsLayout),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query spend: %w", err)
	}
	return total, nil
}
