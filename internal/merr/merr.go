// Package merr defines the sentinel error taxonomy shared by every memory
// engine component. Callers compare with errors.Is; components wrap with
// fmt.Errorf("...: %w", err) to add context without losing the sentinel.
package merr

import "errors"

var (
	// ErrInvalidInput covers empty content, unknown category, invalid UUID,
	// out-of-range weight, self-loops, and unknown relation types.
	ErrInvalidInput = errors.New("memory: invalid input")

	// ErrNotFound means a memory_id is unknown to get/update/delete.
	// Deleting an unknown id is a no-op, not this error.
	ErrNotFound = errors.New("memory: not found")

	// ErrDuplicateEdge means an edge already exists for (source, target, type).
	ErrDuplicateEdge = errors.New("memory: duplicate edge")

	// ErrSelfLoop means source_id == target_id.
	ErrSelfLoop = errors.New("memory: self loop")

	// ErrDuplicateRejection means the (source, target, type) triple is already
	// recorded in the rejection ledger.
	ErrDuplicateRejection = errors.New("memory: duplicate rejection")

	// ErrStorageUnavailable means the vector or relational store is
	// unreachable after retries. Retryable.
	ErrStorageUnavailable = errors.New("memory: storage unavailable")

	// ErrEmbeddingUnavailable means the embedding model call failed after
	// bounded retries. Retryable.
	ErrEmbeddingUnavailable = errors.New("memory: embedding unavailable")

	// ErrEmbeddingMismatch means the model returned a vector of the wrong
	// dimension. Retryable at the call site, but disables the model for
	// subsequent calls until configuration changes.
	ErrEmbeddingMismatch = errors.New("memory: embedding dimension mismatch")

	// ErrConsistencyDrift is logged, never propagated to a caller: orphan
	// chunks or edges whose endpoints vanished were detected during a
	// reconciliation pass.
	ErrConsistencyDrift = errors.New("memory: consistency drift detected")

	// ErrCancelledOrTimedOut means the operation was interrupted; callers
	// may retry, partial writes are reconciled on the next maintenance pass.
	ErrCancelledOrTimedOut = errors.New("memory: cancelled or timed out")

	// ErrNotAvailable means a feature is disabled by configuration, e.g.
	// graph operations when the relational store is not configured.
	ErrNotAvailable = errors.New("memory: feature not available")
)

// Retryable reports whether err (or something it wraps) represents a
// transient failure the caller may retry.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, ErrEmbeddingUnavailable),
		errors.Is(err, ErrCancelledOrTimedOut):
		return true
	default:
		return false
	}
}
