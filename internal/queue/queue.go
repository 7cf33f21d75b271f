// Package queue coordinates reviewer claims over pending diffs. At most one
// reviewer holds a given diff at any time.
package queue

import "context"

// Queue is a priority-ordered backlog of pending diff ids plus the current
// reviewer claims. Implementations serialize all operations against each
// other; the claim map is never observed mid-mutation.
//
// Ordering: higher priority first, insertion order within equal priority.
// Checkin returns a diff to its original rank.
type Queue interface {
	// Enqueue adds a diff to the pending backlog. Already-queued or
	// already-claimed diffs are left alone.
	Enqueue(ctx context.Context, diffID string, priority float64) error

	// CheckoutNext claims the highest-ranked unclaimed diff for reviewerID,
	// releasing any claim the reviewer already holds. Returns ErrEmptyQueue
	// when nothing is claimable.
	CheckoutNext(ctx context.Context, reviewerID string) (string, error)

	// Checkout claims a specific pending diff, releasing any claim the
	// reviewer already holds. A diff claimed by someone else is not stolen:
	// ErrAlreadyClaimed. A diff not in the backlog returns ErrNotQueued.
	Checkout(ctx context.Context, reviewerID, diffID string) error

	// Checkin releases the reviewer's claim, returning the diff to the
	// pending backlog. Returns ErrNoActiveClaim if nothing is held.
	Checkin(ctx context.Context, reviewerID string) error

	// Remove drops a diff from the queue entirely (pending or claimed),
	// typically because it has been annotated.
	Remove(ctx context.Context, diffID string) error

	// Counts reports how many diffs are claimable right now and how many are
	// outstanding in total (pending + claimed), so callers can tell an empty
	// backlog from a fully-claimed one.
	Counts(ctx context.Context) (unclaimed, total int, err error)
}
