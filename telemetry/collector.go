// Package telemetry records anti-truncation attempt history to SQLite.
package telemetry

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// Collector records anti-truncation attempts and exposes aggregate stats
// via SQLite.
type Collector struct {
	db *sql.DB
}

// AttemptEvent captures one anti-truncation attempt for one request.
type AttemptEvent struct {
	RequestID       string
	Dialect         string
	Attempt         int
	DoneMarkerFound bool
	CollectedChars  int
}

// Stats holds aggregate anti-truncation telemetry.
type Stats struct {
	TotalRequests     int
	TotalAttempts     int
	CompletedRequests int
	ExhaustedRequests int
	AverageAttempts   float64
	ByDialect         map[string]int
}

// NewCollector opens (or creates) the SQLite database at dbPath and
// ensures the anti_truncation_attempts table exists.
func NewCollector(dbPath string) (*Collector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS anti_truncation_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		request_id TEXT NOT NULL,
		dialect TEXT,
		attempt INTEGER,
		done_marker_found INTEGER,
		collected_chars INTEGER
	)`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Collector{db: db}, nil
}

// Close releases the database connection.
func (c *Collector) Close() error {
	return c.db.Close()
}

// RecordAttempt inserts one attempt row. It satisfies edge.AttemptRecorder,
// so the server can hand it to the engine as its OnAttempt hook.
func (c *Collector) RecordAttempt(requestID, dialectName string, attempt int, doneMarkerFound bool, collectedChars int) {
	c.recordAttempt(AttemptEvent{
		RequestID:       requestID,
		Dialect:         dialectName,
		Attempt:         attempt,
		DoneMarkerFound: doneMarkerFound,
		CollectedChars:  collectedChars,
	})
}

// RecordAttemptEvent inserts a fully-populated AttemptEvent.
func (c *Collector) RecordAttemptEvent(e AttemptEvent) error {
	return c.recordAttempt(e)
}

func (c *Collector) recordAttempt(e AttemptEvent) error {
	found := 0
	if e.DoneMarkerFound {
		found = 1
	}
	_, err := c.db.Exec(
		`INSERT INTO anti_truncation_attempts
			(request_id, dialect, attempt, done_marker_found, collected_chars)
		 VALUES (?, ?, ?, ?, ?)`,
		e.RequestID, e.Dialect, e.Attempt, found, e.CollectedChars,
	)
	return err
}

// RecentAttempts returns the most recent n attempt rows, most recent
// first — backing the "attempts" CLI subcommand and the recent_attempts
// MCP tool.
func (c *Collector) RecentAttempts(n int) ([]AttemptEvent, error) {
	rows, err := c.db.Query(
		`SELECT request_id, dialect, attempt, done_marker_found, collected_chars
		 FROM anti_truncation_attempts ORDER BY id DESC LIMIT ?`, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttemptEvent
	for rows.Next() {
		var e AttemptEvent
		var found int
		if err := rows.Scan(&e.RequestID, &e.Dialect, &e.Attempt, &found, &e.CollectedChars); err != nil {
			return nil, err
		}
		e.DoneMarkerFound = found != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetStats returns aggregate attempt statistics across every recorded
// request.
func (c *Collector) GetStats() (*Stats, error) {
	stats := &Stats{ByDialect: make(map[string]int)}

	if err := c.db.QueryRow(
		`SELECT COUNT(DISTINCT request_id), COUNT(*) FROM anti_truncation_attempts`,
	).Scan(&stats.TotalRequests, &stats.TotalAttempts); err != nil {
		return nil, err
	}

	if err := c.db.QueryRow(
		`SELECT COUNT(DISTINCT request_id) FROM anti_truncation_attempts WHERE done_marker_found = 1`,
	).Scan(&stats.CompletedRequests); err != nil {
		return nil, err
	}
	stats.ExhaustedRequests = stats.TotalRequests - stats.CompletedRequests

	if stats.TotalRequests > 0 {
		stats.AverageAttempts = float64(stats.TotalAttempts) / float64(stats.TotalRequests)
	}

	rows, err := c.db.Query(
		`SELECT dialect, COUNT(*) FROM anti_truncation_attempts GROUP BY dialect`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var dialectName string
		var count int
		if err := rows.Scan(&dialectName, &count); err != nil {
			return nil, err
		}
		stats.ByDialect[dialectName] = count
	}
	return stats, rows.Err()
}
