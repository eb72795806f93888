// ABOUTME: ArchiveStore interface and data types for archive-gateway persistence
// ABOUTME: Defines ArchiveRecord and the per-party removal flags

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidParty is returned by MarkRemoved for an unknown Party
var ErrInvalidParty = errors.New("invalid party")

// Party names which side of a record hides it.
type Party int

const (
	// PartyFrom hides a record from its sender's view (removed_by_from).
	PartyFrom Party = iota + 1
	// PartyTo hides a record from its recipient's view (removed_by_to).
	PartyTo
)

// String returns the metric/log label for the party.
func (p Party) String() string {
	switch p {
	case PartyFrom:
		return "from"
	case PartyTo:
		return "to"
	default:
		return fmt.Sprintf("party(%d)", int(p))
	}
}

// column returns the flag column the party owns.
func (p Party) column() (string, error) {
	switch p {
	case PartyFrom:
		return "removed_by_from", nil
	case PartyTo:
		return "removed_by_to", nil
	default:
		return "", fmt.Errorf("%w: %d", ErrInvalidParty, int(p))
	}
}

// ArchiveRecord is one archived one-to-one message between two bare JIDs.
// Removal only toggles the per-party flags; the body is never deleted here.
type ArchiveRecord struct {
	ID            string
	FromJID       string
	ToJID         string
	Body          string
	SentAt        time.Time
	RemovedByFrom bool
	RemovedByTo   bool
}

// VisibleTo reports whether owner can still see the record.
func (r *ArchiveRecord) VisibleTo(owner string) bool {
	if r.FromJID == owner && r.RemovedByFrom {
		return false
	}
	if r.ToJID == owner && r.RemovedByTo {
		return false
	}
	return r.FromJID == owner || r.ToJID == owner
}

// Default and maximum page sizes for ListVisible.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// clampLimit applies DefaultListLimit and MaxListLimit.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// ArchiveStore defines the interface for message archive persistence
type ArchiveStore interface {
	// MarkRemoved sets the party's removal flag on every record sent from
	// `from` to `to` and returns the number of records matched. Applying it
	// twice leaves the same end state.
	MarkRemoved(ctx context.Context, from, to string, party Party) (int64, error)

	// Archive stores a new record. ID and SentAt must be set.
	Archive(ctx context.Context, rec *ArchiveRecord) error

	// ListVisible returns up to limit of the most recent records exchanged
	// between owner and with that owner has not removed, oldest first.
	ListVisible(ctx context.Context, owner, with string, limit int) ([]*ArchiveRecord, error)

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
