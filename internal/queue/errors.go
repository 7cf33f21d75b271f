package queue

import "errors"

var (
	// ErrEmptyQueue means no diff is claimable: the backlog is empty or every
	// pending diff is already claimed. Use Counts to tell the two apart.
	ErrEmptyQueue = errors.New("no claimable work")

	// ErrNoActiveClaim means checkin was called by a reviewer holding nothing.
	ErrNoActiveClaim = errors.New("no active claim")

	// ErrAlreadyClaimed means the requested diff is held by another reviewer.
	ErrAlreadyClaimed = errors.New("diff already claimed")

	// ErrNotQueued means the requested diff is not in the pending backlog.
	ErrNotQueued = errors.New("diff not queued")
)
