// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/loom/lib/clock"
	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/messaging"
)

// commandBuffer is the depth of the controller's command queue. A full
// queue makes submitters block, which is the desired backpressure: the
// alternative is unbounded growth while the controller is busy.
const commandBuffer = 256

// engine owns the item sequence and everything derived from it. All
// fields are confined to the controller goroutine: public methods
// submit closures on the command channel and the loop runs them one at
// a time, so no field needs a lock.
type engine struct {
	log      *slog.Logger
	clk      clock.Clock
	room     ref.RoomID
	ownUser  ref.UserID
	focus    Focus
	location *time.Location
	maxItems int
	pageSize int

	transport Transport
	sender    Sender
	decryptor Decryptor

	// body holds event items in timeline order, tail holds local
	// echoes in send order. Virtual items live only in rendered.
	body []*Item
	tail []*Item

	// Lookup indexes, maintained on every structural mutation.
	byEventID map[ref.EventID]*Item
	byTxnID   map[ref.TxnID]*Item

	// reactionSource maps a reaction event to the event it decorates,
	// editSource the same for replacements. Redacting a relation event
	// must find its target even though relations own no slot.
	reactionSource map[ref.EventID]ref.EventID
	editSource     map[ref.EventID]ref.EventID

	// receipts is the authoritative latest receipt per user within
	// this focus's scope; receiptsAt projects it onto loaded events.
	receipts   map[ref.UserID]receiptState
	receiptsAt map[ref.EventID]map[ref.UserID]ReceiptKind

	pendingRels *pendingRelations
	utds        *utdTracker

	// utdRaw keeps the encrypted envelope of undecryptable items so
	// decryption can be re-attempted when keys arrive.
	utdRaw map[ref.EventID]*messaging.Event

	back cursor
	fwd  cursor

	// Render state. dividers, marker, startItem, and threadItem are
	// reused across rebuilds so untouched virtual items keep their
	// stable IDs.
	rendered     []*Item
	prevKeys     []renderKey
	dividers     map[int64]*Item
	marker       *Item
	startItem    *Item
	threadItem   *Item
	nextStableID uint64
	dirty        bool
	forceReset   bool

	subscribers map[*Subscription]struct{}

	// sendQueue is the FIFO of outgoing work. It lives on the engine —
	// not a channel — so enqueueing from inside a command can never
	// block the controller; sendKick wakes the worker. failedSends
	// parks a failed job under its transaction ID for Retry.
	sendQueue   []sendJob
	sendKick    chan struct{}
	failedSends map[ref.TxnID]sendJob
	decryptJobs chan decryptJob
	txnCounter  uint64

	commands chan func(*engine)
	done     chan struct{}
	closing  bool
}

// run is the controller loop: the one goroutine that touches engine
// state. It exits when ctx is cancelled or Close is called, then
// closes every subscriber channel.
func (e *engine) run(ctx context.Context) {
	defer e.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case command := <-e.commands:
			command(e)
			// Drain whatever else is already queued so a burst of
			// mutations renders once, not once per command.
			for drained := false; !drained && !e.closing; {
				select {
				case command := <-e.commands:
					command(e)
				default:
					drained = true
				}
			}
			if e.closing {
				return
			}
			e.flush()
		}
	}
}

func (e *engine) shutdown() {
	close(e.done)
	for sub := range e.subscribers {
		close(sub.ch)
	}
	e.subscribers = nil
}

// flush recomputes virtual items and publishes diffs after mutations.
func (e *engine) flush() {
	if !e.dirty {
		return
	}
	e.dirty = false
	e.rebuildRender()
	e.publish()
}

func (e *engine) markDirty() { e.dirty = true }

func (e *engine) allocStableID() uint64 {
	e.nextStableID++
	return e.nextStableID
}

// itemCount is the number of event items across body and tail.
func (e *engine) itemCount() int {
	return len(e.body) + len(e.tail)
}
