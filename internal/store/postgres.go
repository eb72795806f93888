// ABOUTME: PostgreSQL implementation of the ArchiveStore interface using pgx
// ABOUTME: Shares the message_archive layout with the SQLite store

package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the ArchiveStore interface using a pgx connection pool.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects to databaseURL, verifies the connection and
// creates the schema if it doesn't exist.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	logger := slog.Default().With("component", "store")

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("PostgreSQL store initialized")
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS message_archive (
			id              TEXT PRIMARY KEY,
			from_jid        TEXT NOT NULL,
			to_jid          TEXT NOT NULL,
			body            TEXT NOT NULL,
			sent_at         TIMESTAMPTZ NOT NULL,
			removed_by_from BOOLEAN NOT NULL DEFAULT FALSE,
			removed_by_to   BOOLEAN NOT NULL DEFAULT FALSE
		);

		CREATE INDEX IF NOT EXISTS idx_archive_from_to
			ON message_archive(from_jid, to_jid);

		CREATE INDEX IF NOT EXISTS idx_archive_sent_at
			ON message_archive(sent_at);
	`)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL store")
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// MarkRemoved flags every record from `from` to `to` as removed by party.
// A pooled connection is acquired for this one update and always released.
func (s *PostgresStore) MarkRemoved(ctx context.Context, from, to string, party Party) (int64, error) {
	column, err := party.column()
	if err != nil {
		return 0, err
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx,
		`UPDATE message_archive SET `+column+` = TRUE WHERE from_jid = $1 AND to_jid = $2`,
		from, to,
	)
	if err != nil {
		return 0, fmt.Errorf("marking records removed: %w", err)
	}

	s.logger.Debug("marked records removed",
		"from", from,
		"to", to,
		"party", party.String(),
		"rows", tag.RowsAffected(),
	)
	return tag.RowsAffected(), nil
}

// Archive stores a new archive record.
func (s *PostgresStore) Archive(ctx context.Context, rec *ArchiveRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO message_archive (id, from_jid, to_jid, body, sent_at, removed_by_from, removed_by_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.FromJID, rec.ToJID, rec.Body, rec.SentAt.UTC(), rec.RemovedByFrom, rec.RemovedByTo)
	if err != nil {
		return fmt.Errorf("inserting archive record: %w", err)
	}

	s.logger.Debug("archived message", "id", rec.ID, "from", rec.FromJID, "to", rec.ToJID)
	return nil
}

// ListVisible returns the most recent records between owner and with that
// owner has not removed, in chronological order.
func (s *PostgresStore) ListVisible(ctx context.Context, owner, with string, limit int) ([]*ArchiveRecord, error) {
	limit = clampLimit(limit)

	rows, err := s.pool.Query(ctx, `
		SELECT id, from_jid, to_jid, body, sent_at, removed_by_from, removed_by_to
		FROM (
			SELECT id, from_jid, to_jid, body, sent_at, removed_by_from, removed_by_to
			FROM message_archive
			WHERE (from_jid = $1 AND to_jid = $2 AND NOT removed_by_from)
			   OR (from_jid = $2 AND to_jid = $1 AND NOT removed_by_to)
			ORDER BY sent_at DESC, id DESC
			LIMIT $3
		) recent
		ORDER BY sent_at ASC, id ASC
	`, owner, with, limit)
	if err != nil {
		return nil, fmt.Errorf("querying archive: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*ArchiveRecord, error) {
		var rec ArchiveRecord
		err := row.Scan(
			&rec.ID,
			&rec.FromJID,
			&rec.ToJID,
			&rec.Body,
			&rec.SentAt,
			&rec.RemovedByFrom,
			&rec.RemovedByTo,
		)
		return &rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning archive rows: %w", err)
	}

	return records, nil
}

// Ensure PostgresStore implements ArchiveStore interface
var _ ArchiveStore = (*PostgresStore)(nil)
