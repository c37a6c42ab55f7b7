// Package delivery selects ranked digests for a user, maintains the
// reserve-before-send dispatch ledger, and renders and sends digest emails.
package delivery

import (
	"context"
	"time"

	"github.com/yuancx2025/ai-frontier/internal/storage"
)

// Transport sends one email. The transport attempts the send at most once
// per call; retries are the caller's responsibility.
type Transport interface {
	Send(ctx context.Context, to, subject, htmlBody, textBody string) error
}

// Tracker is the dispatch ledger. Reserving before sending makes "who owns
// this send attempt" durable: a crash between reservation and confirmation
// leaves a detectable NULL sent_at row instead of a silent loss or an
// untracked duplicate.
type Tracker struct {
	store *storage.Store
}

// NewTracker creates a Tracker over the given store.
func NewTracker(store *storage.Store) *Tracker {
	return &Tracker{store: store}
}

// SelectTopN returns the user's n best never-sent candidates, ranked by
// relevance score descending with published_at descending as tie-break.
// Unconfirmed reservations from prior runs are included: the accepted
// trade-off is re-attempting a possibly-delivered send over losing it.
func (t *Tracker) SelectTopN(userID string, n int) ([]storage.Candidate, error) {
	return t.store.SelectUnsentTop(userID, n)
}

// Reserve persists a NULL-sent_at ledger row per digest for the given run
// before any send is attempted.
func (t *Tracker) Reserve(userID string, digestIDs []string, batchRunID string, at time.Time) error {
	return t.store.ReserveDispatches(userID, digestIDs, batchRunID, at)
}

// MarkSent finalizes a reservation after confirmed transport success.
func (t *Tracker) MarkSent(userID, digestID string, at time.Time) error {
	return t.store.MarkDispatchSent(userID, digestID, at)
}

// Orphaned lists reservations that predate the cutoff and were never
// confirmed, for operator visibility.
func (t *Tracker) Orphaned(olderThan time.Time) ([]storage.Dispatch, error) {
	return t.store.OrphanedReservations(olderThan)
}
