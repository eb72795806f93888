// ABOUTME: Mock ArchiveStore implementation for testing
// ABOUTME: Records MarkRemoved calls and allows injecting per-direction failures

package store

import (
	"context"
	"sort"
	"sync"
)

// MarkRemovedCall records one MarkRemoved invocation.
type MarkRemovedCall struct {
	From  string
	To    string
	Party Party
}

// MockStore is an in-memory ArchiveStore implementation for testing.
type MockStore struct {
	mu      sync.RWMutex
	records map[string]*ArchiveRecord // keyed by record ID
	calls   []MarkRemovedCall

	// failures maps "from>to" to the error MarkRemoved returns for it
	failures map[string]error
	pingErr  error
	closed   bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		records:  make(map[string]*ArchiveRecord),
		failures: make(map[string]error),
	}
}

func directionKey(from, to string) string {
	return from + ">" + to
}

// FailMarkRemoved makes MarkRemoved return err for the from→to direction.
func (m *MockStore) FailMarkRemoved(from, to string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[directionKey(from, to)] = err
}

// SetPingError makes Ping return err.
func (m *MockStore) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// Calls returns a copy of the MarkRemoved calls seen so far, in order.
func (m *MockStore) Calls() []MarkRemovedCall {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]MarkRemovedCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// MarkRemoved flags matching records. The call is recorded even when it fails.
func (m *MockStore) MarkRemoved(ctx context.Context, from, to string, party Party) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, MarkRemovedCall{From: from, To: to, Party: party})

	if err, ok := m.failures[directionKey(from, to)]; ok {
		return 0, err
	}
	if _, err := party.column(); err != nil {
		return 0, err
	}

	var n int64
	for _, rec := range m.records {
		if rec.FromJID != from || rec.ToJID != to {
			continue
		}
		if party == PartyFrom {
			rec.RemovedByFrom = true
		} else {
			rec.RemovedByTo = true
		}
		n++
	}
	return n, nil
}

// Archive stores a copy of rec.
func (m *MockStore) Archive(ctx context.Context, rec *ArchiveRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := *rec
	m.records[r.ID] = &r
	return nil
}

// Get returns a copy of the record with the given ID.
func (m *MockStore) Get(id string) (*ArchiveRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	r := *rec
	return &r, nil
}

// ListVisible mirrors SQLiteStore.ListVisible ordering and limits.
func (m *MockStore) ListVisible(ctx context.Context, owner, with string, limit int) ([]*ArchiveRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit = clampLimit(limit)

	var result []*ArchiveRecord
	for _, rec := range m.records {
		between := (rec.FromJID == owner && rec.ToJID == with) || (rec.FromJID == with && rec.ToJID == owner)
		if !between || !rec.VisibleTo(owner) {
			continue
		}
		r := *rec
		result = append(result, &r)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].SentAt.Equal(result[j].SentAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].SentAt.Before(result[j].SentAt)
	})

	if len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// Ping returns the error set with SetPingError.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pingErr
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Ensure MockStore implements ArchiveStore interface
var _ ArchiveStore = (*MockStore)(nil)
