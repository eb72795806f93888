// ABOUTME: History lists the archived messages an account can still see
// ABOUTME: Records the owner removed stay hidden while the counterpart keeps them

package conversation

import (
	"context"
	"fmt"

	"github.com/kewe/archive-gateway/internal/stanza"
	"github.com/kewe/archive-gateway/internal/store"
)

// ArchiveLister is what History needs from storage.
type ArchiveLister interface {
	ListVisible(ctx context.Context, owner, with string, limit int) ([]*store.ArchiveRecord, error)
}

// History serves owner-visible archive listings.
type History struct {
	store ArchiveLister
}

// NewHistory creates a History backed by s.
func NewHistory(s ArchiveLister) *History {
	return &History{store: s}
}

// List returns up to limit records exchanged between owner and with, oldest
// first. Both addresses are reduced to bare JIDs. A non-positive limit uses
// store.DefaultListLimit.
func (h *History) List(ctx context.Context, owner, with string, limit int) ([]*store.ArchiveRecord, error) {
	ownerBare, err := stanza.Bare(owner)
	if err != nil {
		return nil, fmt.Errorf("%w: owner: %v", ErrInvalidJID, err)
	}
	withBare, err := stanza.Bare(with)
	if err != nil {
		return nil, fmt.Errorf("%w: with: %v", ErrInvalidJID, err)
	}

	records, err := h.store.ListVisible(ctx, ownerBare, withBare, limit)
	if err != nil {
		return nil, fmt.Errorf("listing archive: %w", err)
	}
	return records, nil
}
