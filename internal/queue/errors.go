package queue

import "errors"

var (
	// ErrAlreadyQueued means the session already has a live (waiting or
	// processing) entry.
	ErrAlreadyQueued = errors.New("session already has an analysis queued or in progress")

	// ErrQuotaExhausted means promotion was refused because the daily run
	// budget is spent. Waiting entries keep their positions.
	ErrQuotaExhausted = errors.New("daily analysis quota exhausted")

	// ErrNotCancellable means the entry is processing or terminal; waiting
	// entries are the only ones the queue itself can cancel.
	ErrNotCancellable = errors.New("entry is not in a cancellable state")

	// ErrNotFound means no live or recently finished entry matches.
	ErrNotFound = errors.New("queue entry not found")
)
