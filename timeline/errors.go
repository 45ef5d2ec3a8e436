// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by [Timeline.Paginate] and the lifecycle
// methods. Branch with errors.Is.
var (
	// ErrAlreadyExhausted reports that the requested direction has no
	// more history: a previous fetch reached the start (or end) of the
	// room's visible timeline.
	ErrAlreadyExhausted = errors.New("timeline: pagination direction exhausted")

	// ErrAlreadyFetching reports that a fetch in the requested
	// direction is already in flight. Concurrent callers are rejected,
	// not queued; the losing caller can retry after the winner
	// completes.
	ErrAlreadyFetching = errors.New("timeline: pagination already in flight")

	// ErrNotApplicable reports that the requested direction does not
	// exist for this timeline's focus: forward pagination on a live
	// timeline (sync provides the forward edge), or thread-forward on a
	// thread timeline.
	ErrNotApplicable = errors.New("timeline: pagination not applicable to this focus")

	// ErrClosed reports that the timeline has been closed.
	ErrClosed = errors.New("timeline: closed")

	// ErrUnknownTransaction reports that no local echo carries the
	// given transaction ID.
	ErrUnknownTransaction = errors.New("timeline: unknown transaction")

	// ErrSendInFlight reports that the echo's send is currently on the
	// wire and can no longer be cancelled. The send will confirm or
	// fail; a failed send can be cancelled.
	ErrSendInFlight = errors.New("timeline: send in flight")

	// ErrAlreadySent reports that the send already succeeded: the echo
	// is confirmed and only its remote copy remains outstanding.
	ErrAlreadySent = errors.New("timeline: already sent")

	// ErrUnknownEvent reports that the referenced event is not loaded.
	ErrUnknownEvent = errors.New("timeline: unknown event")

	// ErrReadOnly reports that the timeline was built without a Sender
	// and cannot perform outgoing operations.
	ErrReadOnly = errors.New("timeline: no sender configured")
)

// FetchError wraps a transport failure from a pagination fetch. The
// engine never retries on its own; the caller decides whether to
// paginate again based on Retryable.
type FetchError struct {
	Direction Direction
	Err       error

	// Retryable is true when the failure looks transient (rate limit,
	// server error, connection failure) and a later attempt may
	// succeed. The cursor is unchanged, so retrying is always safe.
	Retryable bool
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("timeline: %s pagination fetch: %v", e.Direction, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
