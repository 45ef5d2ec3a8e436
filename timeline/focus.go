// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"fmt"

	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/messaging"
)

// Focus selects the scope a timeline renders. It is fixed for the
// lifetime of the timeline: a different scope is a different timeline
// instance.
type Focus interface{ isFocus() }

// FocusLive renders the whole room, anchored at the present by the
// sync stream.
type FocusLive struct {
	// HideThreaded drops threaded events from the view; they render in
	// their own FocusThread timelines instead. Thread roots are
	// unthreaded events and stay visible.
	HideThreaded bool
}

// FocusThread renders one thread: the root event plus every event
// whose resolved thread root matches. New outgoing messages are
// attached to the thread automatically.
type FocusThread struct {
	Root ref.EventID
}

// FocusEventContext renders a detached window around one event,
// paginable in both directions. It has no live tail and accepts no
// sends.
type FocusEventContext struct {
	Event ref.EventID

	// Window is the number of surrounding events fetched initially.
	// Zero uses defaultContextWindow.
	Window int
}

func (FocusLive) isFocus()         {}
func (FocusThread) isFocus()       {}
func (FocusEventContext) isFocus() {}

const defaultContextWindow = 20

func validateFocus(focus Focus) error {
	switch f := focus.(type) {
	case FocusLive:
		return nil
	case FocusThread:
		if f.Root.IsZero() {
			return fmt.Errorf("thread focus requires a root event ID")
		}
		return nil
	case FocusEventContext:
		if f.Event.IsZero() {
			return fmt.Errorf("event-context focus requires an anchor event ID")
		}
		if f.Window < 0 {
			return fmt.Errorf("event-context window must not be negative, got %d", f.Window)
		}
		return nil
	case nil:
		return fmt.Errorf("focus is required")
	default:
		return fmt.Errorf("unknown focus type %T", focus)
	}
}

// focusAccepts reports whether an event belongs in this focus's
// sequence. Relations (edits, reactions, redactions) are not items and
// bypass this check — they apply wherever their target is.
func focusAccepts(focus Focus, event *classified) bool {
	switch f := focus.(type) {
	case FocusLive:
		if f.HideThreaded && !event.threadRoot.IsZero() {
			return false
		}
		return true
	case FocusThread:
		return event.id == f.Root || event.threadRoot == f.Root
	case FocusEventContext:
		return true
	}
	return false
}

// followsSync reports whether this focus consumes live sync batches. A
// context window is a detached view of history; feeding it the live
// stream would teleport it to the present.
func followsSync(focus Focus) bool {
	_, detached := focus.(FocusEventContext)
	return !detached
}

// allowsForward reports whether forward pagination applies. Live and
// thread views are anchored at the present by sync, so only a context
// window has a detached forward edge to grow.
func allowsForward(focus Focus) bool {
	_, detached := focus.(FocusEventContext)
	return detached
}

// allowsSend reports whether this focus carries a local-echo tail.
func allowsSend(focus Focus) bool {
	_, detached := focus.(FocusEventContext)
	return !detached
}

// threadRootOf returns the thread root new outgoing messages attach
// to, zero for unthreaded focuses.
func threadRootOf(focus Focus) ref.EventID {
	if f, ok := focus.(FocusThread); ok {
		return f.Root
	}
	return ref.EventID{}
}

// receiptScope is the thread_id this focus sends and records read
// receipts under: the thread root for a thread view, "main"
// otherwise.
func receiptScope(focus Focus) string {
	if f, ok := focus.(FocusThread); ok {
		return f.Root.String()
	}
	return messaging.ThreadMain
}

// acceptsReceiptScope reports whether an incoming receipt's thread_id
// applies to this focus. Unscoped receipts predate threading and apply
// everywhere.
func acceptsReceiptScope(focus Focus, threadID string) bool {
	if threadID == "" {
		return true
	}
	return threadID == receiptScope(focus)
}

// clearsUnread reports whether reading an item under this focus clears
// the view's unread state: only when the focus actually shows the
// item's threaded-ness class. A live view that hides threaded events
// must not have its unread state cleared by thread activity it never
// displays.
func clearsUnread(focus Focus, threaded bool) bool {
	if f, ok := focus.(FocusLive); ok && f.HideThreaded && threaded {
		return false
	}
	return true
}
