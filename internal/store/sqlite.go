// ABOUTME: SQLite implementation of the ArchiveStore interface using modernc.org/sqlite
// ABOUTME: Provides archive persistence with automatic schema creation and migrations

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

// SQLiteStore implements the ArchiveStore interface using SQLite
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

	// Every connection to :memory: is a separate database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

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

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS message_archive (
			id              TEXT PRIMARY KEY,
			from_jid        TEXT NOT NULL,
			to_jid          TEXT NOT NULL,
			body            TEXT NOT NULL,
			sent_at         TEXT NOT NULL,
			removed_by_from INTEGER NOT NULL DEFAULT 0,
			removed_by_to   INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_archive_from_to
			ON message_archive(from_jid, to_jid);

		CREATE INDEX IF NOT EXISTS idx_archive_sent_at
			ON message_archive(sent_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds the removal flag columns to archives created before
// conversation removal existed. Safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('message_archive') WHERE name = 'removed_by_from'`,
			apply:  `ALTER TABLE message_archive ADD COLUMN removed_by_from INTEGER NOT NULL DEFAULT 0`,
			column: "removed_by_from",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('message_archive') WHERE name = 'removed_by_to'`,
			apply:  `ALTER TABLE message_archive ADD COLUMN removed_by_to INTEGER NOT NULL DEFAULT 0`,
			column: "removed_by_to",
		},
	}

	for _, m := range migrations {
		var exists int
		if err := s.db.QueryRow(m.check).Scan(&exists); err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to message_archive: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "message_archive")
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// MarkRemoved flags every record from `from` to `to` as removed by party.
// The connection is held only for this one update and always released.
func (s *SQLiteStore) MarkRemoved(ctx context.Context, from, to string, party Party) (int64, error) {
	column, err := party.column()
	if err != nil {
		return 0, err
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	query := `UPDATE message_archive SET ` + column + ` = 1 WHERE from_jid = ? AND to_jid = ?`

	result, err := conn.ExecContext(ctx, query, from, to)
	if err != nil {
		return 0, fmt.Errorf("marking records removed: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	s.logger.Debug("marked records removed",
		"from", from,
		"to", to,
		"party", party.String(),
		"rows", rowsAffected,
	)
	return rowsAffected, nil
}

// Archive stores a new archive record.
func (s *SQLiteStore) Archive(ctx context.Context, rec *ArchiveRecord) error {
	query := `
		INSERT INTO message_archive (id, from_jid, to_jid, body, sent_at, removed_by_from, removed_by_to)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.FromJID,
		rec.ToJID,
		rec.Body,
		rec.SentAt.UTC().Format(sentAtLayout),
		rec.RemovedByFrom,
		rec.RemovedByTo,
	)
	if err != nil {
		return fmt.Errorf("inserting archive record: %w", err)
	}

	s.logger.Debug("archived message", "id", rec.ID, "from", rec.FromJID, "to", rec.ToJID)
	return nil
}

// ListVisible returns the most recent records between owner and with that
// owner has not removed, in chronological order.
func (s *SQLiteStore) ListVisible(ctx context.Context, owner, with string, limit int) ([]*ArchiveRecord, error) {
	limit = clampLimit(limit)

	// Newest N first in the subquery, then flipped to oldest first
	query := `
		SELECT id, from_jid, to_jid, body, sent_at, removed_by_from, removed_by_to
		FROM (
			SELECT id, from_jid, to_jid, body, sent_at, removed_by_from, removed_by_to
			FROM message_archive
			WHERE (from_jid = ? AND to_jid = ? AND removed_by_from = 0)
			   OR (from_jid = ? AND to_jid = ? AND removed_by_to = 0)
			ORDER BY sent_at DESC, id DESC
			LIMIT ?
		)
		ORDER BY sent_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, owner, with, with, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("querying archive: %w", err)
	}
	defer rows.Close()

	var records []*ArchiveRecord
	for rows.Next() {
		var rec ArchiveRecord
		var sentAtStr string

		if err := rows.Scan(
			&rec.ID,
			&rec.FromJID,
			&rec.ToJID,
			&rec.Body,
			&sentAtStr,
			&rec.RemovedByFrom,
			&rec.RemovedByTo,
		); err != nil {
			return nil, fmt.Errorf("scanning archive row: %w", err)
		}

		rec.SentAt, err = time.Parse(time.RFC3339Nano, sentAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing sent_at: %w", err)
		}

		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating archive rows: %w", err)
	}

	return records, nil
}

// Ensure SQLiteStore implements ArchiveStore interface
// sentAtLayout is RFC 3339 with a fixed-width nanosecond fraction, so that
// sent_at orders correctly as text.
const sentAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

var _ ArchiveStore = (*SQLiteStore)(nil)
