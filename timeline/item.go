// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"time"

	"github.com/bureau-foundation/loom/lib/ref"
)

// Kind distinguishes event-backed items from synthesized virtual items.
type Kind int

const (
	// KindEvent is a remote event or a local echo.
	KindEvent Kind = iota

	// KindVirtual is a presentation item with no backing event: a day
	// divider, the read marker, the timeline-start sentinel, or the
	// thread-start marker.
	KindVirtual
)

// VirtualKind identifies the specific virtual item.
type VirtualKind int

const (
	VirtualNone VirtualKind = iota

	// VirtualDayDivider separates consecutive body items whose origin
	// server timestamps fall on different calendar days.
	VirtualDayDivider

	// VirtualReadMarker sits immediately after the item holding the
	// own user's latest read receipt. At most one exists.
	VirtualReadMarker

	// VirtualTimelineStart marks the beginning of the room's history.
	// Present only once backward pagination is exhausted; always the
	// first item.
	VirtualTimelineStart

	// VirtualThreadStart marks the top of a thread-focused timeline,
	// ahead of the root event when the root is loaded.
	VirtualThreadStart
)

// SendState tracks the delivery lifecycle of a locally-originated
// event.
type SendState int

const (
	// SendNone: the item is a remote event, not a local send.
	SendNone SendState = iota

	// SendPending: the echo is queued or on the wire.
	SendPending

	// SendSent: the server acknowledged the send with an event ID. The
	// item may still be waiting for its remote copy on the sync stream.
	SendSent

	// SendFailed: the send failed. The echo stays visible until the
	// user retries or cancels.
	SendFailed
)

// ReceiptKind is the visibility class of a read receipt.
type ReceiptKind string

const (
	ReceiptPublic  ReceiptKind = "m.read"
	ReceiptPrivate ReceiptKind = "m.read.private"

	// ReceiptFullyRead is the explicit read marker from room account
	// data. It feeds the same per-user pointer as real receipts but is
	// never shown to other users.
	ReceiptFullyRead ReceiptKind = "m.fully_read"
)

// Edit is one entry in an event's edit history. History is kept in
// receipt order; the display content is the edit with the latest
// origin server timestamp (event ID as tiebreak), which is not
// necessarily the last received.
type Edit struct {
	EventID   ref.EventID
	Sender    ref.UserID
	Timestamp int64
	Content   *MessageContent
}

// Reaction is one reaction key on an event with the senders who
// applied it. Keys keep first-seen order; each sender appears at most
// once per key.
type Reaction struct {
	Key     string
	Senders []ReactionSender
}

// ReactionSender records one sender's reaction, with the reaction
// event's ID so a redaction (or the sender's own toggle-off) can
// remove exactly that entry.
type ReactionSender struct {
	Sender  ref.UserID
	EventID ref.EventID
	// Pending is true for the own user's optimistic reaction that has
	// not been confirmed by the server yet. EventID is zero while
	// pending.
	Pending bool
}

// Item is one entry in the reconciled sequence. Items are value
// snapshots: the engine hands out deep copies, and everything
// reachable from an Item is immutable once delivered.
//
// Identity is carried by StableID, which survives in-place content
// mutation (edits, redaction, late decryption, send-state changes) so
// consumers can key renders on it. A structural re-sort — which only
// happens on self-heal after an internal invariant violation — resets
// the sequence wholesale instead of preserving identity.
type Item struct {
	Kind     Kind
	StableID uint64

	// Event item fields. EventID is zero for a local echo that has not
	// been confirmed; TxnID is set for locally-originated events and
	// retained after confirmation so duplicate deliveries of the echo
	// are recognized, but EventID is authoritative for lookup once set.
	EventID   ref.EventID
	TxnID     ref.TxnID
	Sender    ref.UserID
	Timestamp int64 // origin server timestamp, milliseconds

	// ThreadRoot is the resolved thread root for threaded events, zero
	// for unthreaded ones. Resolved from the explicit m.thread
	// relation, falling back to the reply chain when the room uses
	// implicit threading.
	ThreadRoot ref.EventID

	Content EventContent

	SendState SendState
	// SendError carries the failure when SendState is SendFailed.
	SendError error

	// Edits is the edit history in receipt order. When non-empty,
	// Content reflects the latest edit and Content.Message.Edited is
	// true.
	Edits []Edit

	// Reactions are the aggregated reactions, keys in first-seen
	// order.
	Reactions []Reaction

	// Receipts maps users whose latest read receipt points at this
	// event to the receipt kind.
	Receipts map[ref.UserID]ReceiptKind

	// Virtual item fields.
	Virtual VirtualKind
	// Day is the divider's calendar day (midnight in the timeline's
	// reference location). Set only for VirtualDayDivider.
	Day time.Time

	// base is the content before edit resolution; display content is
	// recomputed from it whenever the edit history changes.
	base EventContent

	// orderExempt pins a merged local echo at the slot it occupied:
	// the ordering invariant does not apply across it.
	orderExempt bool

	// version counts facet mutations. Internal to diff emission.
	version uint64
}

// IsLocalEcho reports whether the item is a locally-originated send
// that has not yet been merged with its remote copy.
func (it *Item) IsLocalEcho() bool {
	return it.Kind == KindEvent && !it.TxnID.IsZero() && it.SendState != SendNone
}

// IsThreaded reports whether the event belongs to a thread.
func (it *Item) IsThreaded() bool {
	return it.Kind == KindEvent && !it.ThreadRoot.IsZero()
}

// touch records a facet mutation for diff emission.
func (it *Item) touch() { it.version++ }

// clone returns a deep copy safe to hand to subscribers. Content
// pointers are shared: content structs are immutable once built
// (mutation replaces the pointer).
func (it *Item) clone() Item {
	out := *it
	if len(it.Edits) > 0 {
		out.Edits = make([]Edit, len(it.Edits))
		copy(out.Edits, it.Edits)
	}
	if len(it.Reactions) > 0 {
		out.Reactions = make([]Reaction, len(it.Reactions))
		for i, reaction := range it.Reactions {
			senders := make([]ReactionSender, len(reaction.Senders))
			copy(senders, reaction.Senders)
			out.Reactions[i] = Reaction{Key: reaction.Key, Senders: senders}
		}
	}
	if len(it.Receipts) > 0 {
		out.Receipts = make(map[ref.UserID]ReceiptKind, len(it.Receipts))
		for user, kind := range it.Receipts {
			out.Receipts[user] = kind
		}
	}
	return out
}

// reactionEntry locates key's entry in the reaction list, or nil.
func (it *Item) reactionEntry(key string) *Reaction {
	for i := range it.Reactions {
		if it.Reactions[i].Key == key {
			return &it.Reactions[i]
		}
	}
	return nil
}

// addReaction records sender's reaction under key. Duplicate senders
// for the same key are ignored (a pending entry is promoted instead
// when the confirming event arrives). Reports whether the item
// changed.
func (it *Item) addReaction(key string, sender ReactionSender) bool {
	entry := it.reactionEntry(key)
	if entry == nil {
		it.Reactions = append(it.Reactions, Reaction{Key: key, Senders: []ReactionSender{sender}})
		it.touch()
		return true
	}
	for i := range entry.Senders {
		if entry.Senders[i].Sender != sender.Sender {
			continue
		}
		if entry.Senders[i].Pending && !sender.Pending {
			// Optimistic local reaction confirmed by its remote event.
			entry.Senders[i] = sender
			it.touch()
			return true
		}
		return false
	}
	entry.Senders = append(entry.Senders, sender)
	it.touch()
	return true
}

// removeReactionByEvent removes the single reaction entry created by
// the given reaction event. Reports whether an entry was removed.
func (it *Item) removeReactionByEvent(reactionEvent ref.EventID) bool {
	for i := range it.Reactions {
		entry := &it.Reactions[i]
		for j := range entry.Senders {
			if entry.Senders[j].EventID != reactionEvent {
				continue
			}
			entry.Senders = append(entry.Senders[:j], entry.Senders[j+1:]...)
			if len(entry.Senders) == 0 {
				it.Reactions = append(it.Reactions[:i], it.Reactions[i+1:]...)
			}
			it.touch()
			return true
		}
	}
	return false
}

// removeReactionBySender removes sender's entry under key, regardless
// of whether it is pending or confirmed. Reports whether an entry was
// removed and the event ID it carried (zero for pending entries).
func (it *Item) removeReactionBySender(key string, sender ref.UserID) (ref.EventID, bool) {
	entry := it.reactionEntry(key)
	if entry == nil {
		return ref.EventID{}, false
	}
	for j := range entry.Senders {
		if entry.Senders[j].Sender != sender {
			continue
		}
		removed := entry.Senders[j].EventID
		entry.Senders = append(entry.Senders[:j], entry.Senders[j+1:]...)
		if len(entry.Senders) == 0 {
			for i := range it.Reactions {
				if it.Reactions[i].Key == key {
					it.Reactions = append(it.Reactions[:i], it.Reactions[i+1:]...)
					break
				}
			}
		}
		it.touch()
		return removed, true
	}
	return ref.EventID{}, false
}

// setReceipt records that user's latest receipt points here.
func (it *Item) setReceipt(user ref.UserID, kind ReceiptKind) {
	if it.Receipts == nil {
		it.Receipts = make(map[ref.UserID]ReceiptKind)
	}
	if existing, ok := it.Receipts[user]; ok && existing == kind {
		return
	}
	it.Receipts[user] = kind
	it.touch()
}

// clearReceipt removes user's receipt from this item.
func (it *Item) clearReceipt(user ref.UserID) {
	if _, ok := it.Receipts[user]; !ok {
		return
	}
	delete(it.Receipts, user)
	it.touch()
}

func (k Kind) String() string {
	switch k {
	case KindEvent:
		return "event"
	case KindVirtual:
		return "virtual"
	}
	return "unknown"
}

func (v VirtualKind) String() string {
	switch v {
	case VirtualNone:
		return "none"
	case VirtualDayDivider:
		return "day-divider"
	case VirtualReadMarker:
		return "read-marker"
	case VirtualTimelineStart:
		return "timeline-start"
	case VirtualThreadStart:
		return "thread-start"
	}
	return "unknown"
}

func (s SendState) String() string {
	switch s {
	case SendNone:
		return "none"
	case SendPending:
		return "pending"
	case SendSent:
		return "sent"
	case SendFailed:
		return "failed"
	}
	return "unknown"
}
