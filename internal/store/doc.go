// Package store provides persistent storage for the message archive.
//
// # Architecture
//
// ArchiveStore is the single interface the rest of the gateway depends on.
// Two implementations back it:
//
//   - SQLiteStore: modernc.org/sqlite, WAL mode, the default
//   - PostgresStore: pgx connection pool, for shared deployments
//
// # Data Model
//
// ArchiveRecord is one archived one-to-one message between two bare JIDs.
// Each record carries two independent flags:
//
//   - removed_by_from: hidden from the sender's view
//   - removed_by_to: hidden from the recipient's view
//
// MarkRemoved only ever sets one of these flags. Nothing in this package
// deletes message bodies, so one party removing a conversation never
// changes what the other party sees.
//
// # Connection Scoping
//
// MarkRemoved holds a dedicated connection (sql.Conn or a pooled pgx
// connection) for the length of its one UPDATE and releases it on every
// path, including failures.
//
// # Testing
//
// Use NewMockStore() for unit tests. It records MarkRemoved calls in order
// and can be told to fail a single direction:
//
//	ms := store.NewMockStore()
//	ms.FailMarkRemoved("bob@example.com", "alice@example.com", errors.New("disk full"))
//
// Use NewSQLiteStore(path) with t.TempDir() for integration tests. The
// PostgreSQL tests run only when ARCHIVE_TEST_POSTGRES_DSN is set.
//
// # Migrations
//
// SQLiteStore adds missing removal flag columns on startup by checking
// pragma_table_info, so archives created before removal support upgrade in
// place.
package store
