// ABOUTME: Integration tests for the PostgreSQL store
// ABOUTME: Skipped unless ARCHIVE_TEST_POSTGRES_DSN points at a disposable database

package store

import (
	"context"
	"os"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("ARCHIVE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ARCHIVE_TEST_POSTGRES_DSN not set")
	}

	store, err := NewPostgresStore(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresStore_RemovalRoundTrip(t *testing.T) {
	store := newTestPostgresStore(t)
	ctx := context.Background()

	// Unique JIDs keep runs against a shared database independent.
	suffix := ulid.Make().String()
	a := "alice-" + suffix + "@example.com"
	b := "bob-" + suffix + "@example.com"

	seed(t, store, ulid.Make().String(), a, b, 0)
	seed(t, store, ulid.Make().String(), b, a, 1)

	n, err := store.MarkRemoved(ctx, a, b, PartyFrom)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = store.MarkRemoved(ctx, b, a, PartyTo)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	aView, err := store.ListVisible(ctx, a, b, 0)
	require.NoError(t, err)
	assert.Empty(t, aView)

	bView, err := store.ListVisible(ctx, b, a, 0)
	require.NoError(t, err)
	assert.Len(t, bView, 2)
}

func TestPostgresStore_InvalidParty(t *testing.T) {
	store := newTestPostgresStore(t)

	_, err := store.MarkRemoved(context.Background(), alice, bob, Party(9))
	assert.ErrorIs(t, err, ErrInvalidParty)
}
