package queue

import (
	"context"
	"sort"
	"sync"
)

type entry struct {
	diffID   string
	priority float64
	seq      uint64
}

// Memory is an in-process Queue. One mutex guards every operation so the
// scan-then-claim step in CheckoutNext is a single critical section.
type Memory struct {
	mu      sync.Mutex
	pending []entry           // ordered: priority desc, seq asc
	claims  map[string]entry  // reviewer id -> claimed entry
	claimed map[string]string // diff id -> reviewer id
	nextSeq uint64
}

func NewMemory() *Memory {
	return &Memory{
		claims:  make(map[string]entry),
		claimed: make(map[string]string),
	}
}

func (q *Memory) Enqueue(_ context.Context, diffID string, priority float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, held := q.claimed[diffID]; held {
		return nil
	}
	for _, e := range q.pending {
		if e.diffID == diffID {
			return nil
		}
	}
	q.insert(entry{diffID: diffID, priority: priority, seq: q.nextSeq})
	q.nextSeq++
	return nil
}

func (q *Memory) CheckoutNext(_ context.Context, reviewerID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.release(reviewerID)
	if len(q.pending) == 0 {
		return "", ErrEmptyQueue
	}
	next := q.pending[0]
	q.pending = q.pending[1:]
	q.claims[reviewerID] = next
	q.claimed[next.diffID] = reviewerID
	return next.diffID, nil
}

func (q *Memory) Checkout(_ context.Context, reviewerID, diffID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if holder, held := q.claimed[diffID]; held {
		if holder == reviewerID {
			return nil
		}
		return ErrAlreadyClaimed
	}

	idx := -1
	for i, e := range q.pending {
		if e.diffID == diffID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotQueued
	}

	q.release(reviewerID)
	// The release above may have shifted indexes; find the entry again.
	for i, e := range q.pending {
		if e.diffID == diffID {
			idx = i
			break
		}
	}
	target := q.pending[idx]
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	q.claims[reviewerID] = target
	q.claimed[diffID] = reviewerID
	return nil
}

func (q *Memory) Checkin(_ context.Context, reviewerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, held := q.claims[reviewerID]; !held {
		return ErrNoActiveClaim
	}
	q.release(reviewerID)
	return nil
}

func (q *Memory) Remove(_ context.Context, diffID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if reviewerID, held := q.claimed[diffID]; held {
		delete(q.claims, reviewerID)
		delete(q.claimed, diffID)
		return nil
	}
	for i, e := range q.pending {
		if e.diffID == diffID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	return nil
}

func (q *Memory) Counts(_ context.Context) (unclaimed, total int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.pending) + len(q.claims), nil
}

// release returns the reviewer's claim, if any, to its original rank.
// Callers must hold q.mu.
func (q *Memory) release(reviewerID string) {
	e, held := q.claims[reviewerID]
	if !held {
		return
	}
	delete(q.claims, reviewerID)
	delete(q.claimed, e.diffID)
	q.insert(e)
}

// insert places e into pending, keeping priority-desc, seq-asc order.
// Callers must hold q.mu.
func (q *Memory) insert(e entry) {
	idx := sort.Search(len(q.pending), func(i int) bool {
		p := q.pending[i]
		if p.priority != e.priority {
			return p.priority < e.priority
		}
		return p.seq > e.seq
	})
	q.pending = append(q.pending, entry{})
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = e
}
