// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides durable dedup records with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// SQLite serializes writers internally; a busy timeout keeps concurrent
	// workers from surfacing spurious SQLITE_BUSY errors.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS processed_events (
			topic        TEXT NOT NULL,
			event_id     TEXT NOT NULL,
			timestamp    TEXT NOT NULL,
			processed_at TEXT NOT NULL,
			PRIMARY KEY (topic, event_id)
		);

		CREATE INDEX IF NOT EXISTS idx_processed_events_topic
			ON processed_events(topic);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Exists reports whether a record for (topic, eventID) is already present.
// This is the optimistic check; callers must not treat a false result as a
// guarantee that a later InsertIfAbsent will succeed.
func (s *SQLiteStore) Exists(ctx context.Context, topic, eventID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM processed_events WHERE topic = ? AND event_id = ?",
		topic, eventID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking event existence: %w", err)
	}
	return true, nil
}

// InsertIfAbsent records the identity unless it already exists, returning
// true iff this call created the record. The primary key on
// (topic, event_id) arbitrates concurrent inserts: INSERT OR IGNORE
// affects zero rows for the losers, so exactly one caller observes true.
// The losing caller's timestamp never overwrites the stored record.
func (s *SQLiteStore) InsertIfAbsent(ctx context.Context, topic, eventID, timestamp string) (bool, error) {
	processedAt := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_events (topic, event_id, timestamp, processed_at)
		 VALUES (?, ?, ?, ?)`,
		topic, eventID, timestamp, processedAt,
	)
	if err != nil {
		return false, fmt.Errorf("inserting processed event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}

	if n == 1 {
		s.logger.Debug("recorded new event", "topic", topic, "event_id", eventID)
		return true, nil
	}
	return false, nil
}

// EventsByTopic returns processed events ordered newest-first by
// processed_at. An empty topic returns events across all topics.
func (s *SQLiteStore) EventsByTopic(ctx context.Context, topic string) ([]ProcessedEvent, error) {
	query := `
		SELECT topic, event_id, timestamp, processed_at
		FROM processed_events
		ORDER BY processed_at DESC
	`
	args := []any{}
	if topic != "" {
		query = `
			SELECT topic, event_id, timestamp, processed_at
			FROM processed_events
			WHERE topic = ?
			ORDER BY processed_at DESC
		`
		args = append(args, topic)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying processed events: %w", err)
	}
	defer rows.Close()

	var events []ProcessedEvent
	for rows.Next() {
		var e ProcessedEvent
		var processedAt string
		if err := rows.Scan(&e.Topic, &e.EventID, &e.Timestamp, &processedAt); err != nil {
			return nil, fmt.Errorf("scanning processed event: %w", err)
		}
		e.ProcessedAt, err = time.Parse(time.RFC3339Nano, processedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing processed_at %q: %w", processedAt, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating processed events: %w", err)
	}

	return events, nil
}

// Stats returns the total number of unique events and per-topic counts.
func (s *SQLiteStore) Stats(ctx context.Context) (*TopicStats, error) {
	stats := &TopicStats{Topics: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		"SELECT topic, COUNT(*) FROM processed_events GROUP BY topic",
	)
	if err != nil {
		return nil, fmt.Errorf("querying topic counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var topic string
		var count int
		if err := rows.Scan(&topic, &count); err != nil {
			return nil, fmt.Errorf("scanning topic count: %w", err)
		}
		stats.Topics[topic] = count
		stats.TotalUnique += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating topic counts: %w", err)
	}

	return stats, nil
}

// Clear deletes all processed event records.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM processed_events"); err != nil {
		return fmt.Errorf("clearing processed events: %w", err)
	}
	s.logger.Info("cleared all processed events")
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}
