// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package timeline turns the event stream of one Matrix room into a
// stable, renderable, ordered sequence of items.
//
// The input is messy: sync batches arrive out of order relative to
// pagination chunks, the same event can be delivered more than once,
// edits and reactions and redactions can reference events that have
// not been loaded yet, encrypted events may decrypt long after they
// were received, and the user's own sends exist as local echoes before
// the server has acknowledged them. The engine reconciles all of that
// into a single sequence with deterministic ordering, then keeps it
// consistent under further mutation.
//
// A single goroutine (the controller) owns the sequence. Every
// mutation — remote event application, pagination merge, local send
// lifecycle, receipt update, late decryption — is a command executed
// on that goroutine, so invariants never compose across a partial
// interleaving. Consumers call [Timeline.Subscribe] to receive a
// snapshot plus an ordered, gap-free stream of diffs; a subscriber
// that falls behind is resynced with a full [OpReset] instead of
// silently dropped increments.
//
// Network work never blocks the controller: pagination fetches run on
// the caller's goroutine and sends run on the send queue worker; both
// re-enter the controller only to merge their results.
//
// The ordered sequence has three non-interleaving regions: the
// timeline-start sentinel, the body (remote events ordered by origin
// server timestamp with event ID as tiebreak, interleaved with
// synthesized virtual items), and the local tail (the user's own
// in-flight sends, ordered by send request time, never re-sorted by
// timestamp).
package timeline
