// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"

	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/messaging"
)

// Direction selects which edge of loaded history a pagination grows.
type Direction int

const (
	// DirectionBackward loads older history.
	DirectionBackward Direction = iota

	// DirectionForward loads newer history. Only applicable to a
	// detached event-context view; live and thread views are anchored
	// at the present by sync.
	DirectionForward
)

func (d Direction) String() string {
	switch d {
	case DirectionBackward:
		return "backward"
	case DirectionForward:
		return "forward"
	}
	return "unknown"
}

// cursor is one direction's pagination state. A direction is either
// exhausted or holds a token usable for exactly one fetch at a time.
type cursor struct {
	token     string
	exhausted bool
	fetching  bool
}

// reservation is the actor's answer to a pagination request: either a
// rejection or a fetch closure the caller runs on its own goroutine,
// keeping the controller free while the network round-trip is in
// flight.
type reservation struct {
	err error
	run func(context.Context) (Chunk, error)
}

func (e *engine) cursorFor(direction Direction) *cursor {
	if direction == DirectionForward {
		return &e.fwd
	}
	return &e.back
}

func (e *engine) reservePaginate(direction Direction, limit int) reservation {
	if direction == DirectionForward && !allowsForward(e.focus) {
		return reservation{err: ErrNotApplicable}
	}
	current := e.cursorFor(direction)
	if current.exhausted {
		return reservation{err: ErrAlreadyExhausted}
	}
	if current.fetching {
		return reservation{err: ErrAlreadyFetching}
	}
	if limit <= 0 {
		limit = e.pageSize
	}
	current.fetching = true
	return reservation{run: e.fetchFunc(direction, current.token, limit)}
}

// fetchFunc builds the network call for one reserved fetch. It reads
// engine state (focus, anchor events) at reservation time; the
// returned closure touches none of it afterwards.
func (e *engine) fetchFunc(direction Direction, token string, limit int) func(context.Context) (Chunk, error) {
	transport := e.transport
	room := e.room
	if focus, ok := e.focus.(FocusThread); ok {
		root := focus.Root
		return func(ctx context.Context) (Chunk, error) {
			return transport.FetchThread(ctx, room, root, token, limit)
		}
	}
	if token == "" && len(e.body) > 0 {
		// Eviction dropped this direction's token. Re-derive a
		// position from the edge event's context, then page from it.
		anchor := e.anchorOf(direction)
		return func(ctx context.Context) (Chunk, error) {
			window, err := transport.FetchContext(ctx, room, anchor, 1)
			if err != nil {
				return Chunk{}, err
			}
			resumed := window.StartToken
			if direction == DirectionForward {
				resumed = window.EndToken
			}
			if resumed == "" {
				return Chunk{}, nil
			}
			return transport.FetchPage(ctx, room, direction, resumed, limit)
		}
	}
	return func(ctx context.Context) (Chunk, error) {
		return transport.FetchPage(ctx, room, direction, token, limit)
	}
}

// completePaginate merges a fetched chunk against whatever the
// sequence has become since the fetch started. Reports the direction's
// exhaustion and whether the chunk was applied: a gap reset or
// eviction that invalidated the cursor mid-flight discards the result,
// since its events would stitch across an unknown boundary.
func (e *engine) completePaginate(direction Direction, chunk Chunk) (exhausted, applied bool) {
	current := e.cursorFor(direction)
	if !current.fetching {
		e.log.Debug("discarding stale pagination result", "direction", direction)
		return current.exhausted, false
	}
	current.fetching = false
	if n := e.applyRemoteEvents(chunk.Events); n > 0 {
		e.log.Debug("merged paginated events",
			"room", e.room, "direction", direction, "new", n)
	}
	current.token = chunk.NextToken
	current.exhausted = chunk.NextToken == ""
	if current.exhausted {
		// The start sentinel may need to appear.
		e.markDirty()
	}
	e.enforceContextWindow(direction)
	return current.exhausted, true
}

// cancelPaginate releases a reserved fetch as if it never started.
func (e *engine) cancelPaginate(direction Direction) {
	e.cursorFor(direction).fetching = false
}

// enforceContextWindow bounds a detached context window: growth in one
// direction evicts from the opposite end, whose cursor then re-derives
// its position on next use.
func (e *engine) enforceContextWindow(grown Direction) {
	if e.maxItems <= 0 {
		return
	}
	if _, detached := e.focus.(FocusEventContext); !detached {
		return
	}
	over := len(e.body) - e.maxItems
	if over <= 0 {
		return
	}
	if grown == DirectionBackward {
		for _, item := range e.body[len(e.body)-over:] {
			e.forgetBodyItem(item)
		}
		e.body = e.body[:len(e.body)-over]
		e.fwd = cursor{}
	} else {
		for _, item := range e.body[:over] {
			e.forgetBodyItem(item)
		}
		e.body = append(e.body[:0], e.body[over:]...)
		e.back = cursor{}
	}
	e.log.Debug("trimmed context window", "room", e.room, "count", over)
	e.markDirty()
}

type paginateOutcome struct {
	exhausted bool
	applied   bool
}

// Paginate grows the loaded window by up to limit events (0 uses the
// configured page size) and reports whether the direction is now
// exhausted. At most one fetch per direction is in flight; a
// concurrent call in the same direction fails with ErrAlreadyFetching
// rather than queueing. Unrelated mutations proceed while the fetch is
// on the wire — the chunk merges into whatever the sequence has become
// by completion. Cancelling ctx aborts the fetch and leaves the cursor
// as if the call never happened.
func (t *Timeline) Paginate(ctx context.Context, direction Direction, limit int) (bool, error) {
	reserved, err := await(ctx, t, func(e *engine) reservation {
		return e.reservePaginate(direction, limit)
	})
	if err != nil {
		return false, err
	}
	if reserved.err != nil {
		return false, reserved.err
	}
	chunk, fetchErr := reserved.run(ctx)
	if fetchErr != nil {
		// The release must reach the controller even though ctx may be
		// the reason the fetch failed.
		release := context.WithoutCancel(ctx)
		if _, err := await(release, t, func(e *engine) struct{} {
			e.cancelPaginate(direction)
			return struct{}{}
		}); err != nil {
			return false, err
		}
		return false, &FetchError{
			Direction: direction,
			Err:       fetchErr,
			Retryable: messaging.IsRetryable(fetchErr),
		}
	}
	outcome, err := await(context.WithoutCancel(ctx), t, func(e *engine) paginateOutcome {
		exhausted, applied := e.completePaginate(direction, chunk)
		return paginateOutcome{exhausted: exhausted, applied: applied}
	})
	if err != nil {
		return false, err
	}
	if outcome.applied {
		t.persistPaginated(ctx, direction, chunk)
	}
	return outcome.exhausted, nil
}

// persistPaginated caches fetched history. Best effort: a failed write
// costs a re-fetch on next start, nothing more.
func (t *Timeline) persistPaginated(ctx context.Context, direction Direction, chunk Chunk) {
	store := t.cfg.Store
	if store == nil || len(chunk.Events) == 0 {
		return
	}
	if err := store.InsertEvents(ctx, t.cfg.Room, chunk.Events); err != nil {
		t.log.Warn("caching paginated events failed", "room", t.cfg.Room, "error", err)
		return
	}
	if _, live := t.cfg.Focus.(FocusLive); live && direction == DirectionBackward {
		if err := store.SetBackwardToken(ctx, t.cfg.Room, chunk.NextToken); err != nil {
			t.log.Warn("caching backward token failed", "room", t.cfg.Room, "error", err)
		}
	}
}

// anchorOf returns the loaded event at the edge a fetch would grow.
func (e *engine) anchorOf(direction Direction) ref.EventID {
	if len(e.body) == 0 {
		return ref.EventID{}
	}
	if direction == DirectionForward {
		return e.body[len(e.body)-1].EventID
	}
	return e.body[0].EventID
}
