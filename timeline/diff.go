// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"slices"
	"sync/atomic"
)

// DiffOp is the kind of a single timeline list operation.
type DiffOp int

const (
	// OpInsert places a new item at Index.
	OpInsert DiffOp = iota
	// OpUpdate replaces the item at Index with a newer rendition of
	// the same item (same StableID).
	OpUpdate
	// OpRemove deletes the item at Index.
	OpRemove
	// OpMove relocates the item at From so it ends up at To.
	OpMove
	// OpReset replaces the entire list with Items. Emitted after a
	// state reset and to subscribers that fell behind the stream.
	OpReset
)

func (op DiffOp) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpRemove:
		return "remove"
	case OpMove:
		return "move"
	case OpReset:
		return "reset"
	}
	return "unknown"
}

// Diff is one list operation. Indices refer to the subscriber's list
// as it stands when the operation is applied, in batch order: apply
// each op before interpreting the next. Item and Items are detached
// copies, safe to retain.
type Diff struct {
	Op    DiffOp
	Index int // Insert, Update, Remove
	From  int // Move
	To    int // Move
	Item  *Item
	Items []*Item // Reset only
}

// renderKey is the identity and revision of one rendered slot, kept
// from the previous publish so the next one can be expressed as a
// minimal batch of operations.
type renderKey struct {
	id      uint64
	version uint64
}

func renderKeys(items []*Item) []renderKey {
	keys := make([]renderKey, len(items))
	for i, item := range items {
		keys[i] = renderKey{id: item.StableID, version: item.version}
	}
	return keys
}

// diffLists computes the operation batch transforming the list
// described by prev into next. Removals come first (back to front),
// then insertions and moves (front to back), then content updates at
// final indices.
func diffLists(prev []renderKey, next []*Item) []Diff {
	prevByID := make(map[uint64]renderKey, len(prev))
	for _, key := range prev {
		prevByID[key.id] = key
	}
	nextIDs := make(map[uint64]struct{}, len(next))
	for _, item := range next {
		nextIDs[item.StableID] = struct{}{}
	}

	var diffs []Diff

	// current simulates the subscriber's list as emitted operations
	// reshape it.
	current := make([]uint64, len(prev))
	for i, key := range prev {
		current[i] = key.id
	}
	for i := len(current) - 1; i >= 0; i-- {
		if _, keep := nextIDs[current[i]]; !keep {
			diffs = append(diffs, Diff{Op: OpRemove, Index: i})
			current = slices.Delete(current, i, i+1)
		}
	}

	for i, item := range next {
		id := item.StableID
		if i < len(current) && current[i] == id {
			continue
		}
		// Everything before i already matches, so if the id survives
		// it sits strictly after i.
		from := -1
		for j := i + 1; j < len(current); j++ {
			if current[j] == id {
				from = j
				break
			}
		}
		if from < 0 {
			detached := item.clone()
			diffs = append(diffs, Diff{Op: OpInsert, Index: i, Item: &detached})
			current = slices.Insert(current, i, id)
		} else {
			diffs = append(diffs, Diff{Op: OpMove, From: from, To: i})
			current = slices.Delete(current, from, from+1)
			current = slices.Insert(current, i, id)
		}
	}

	for i, item := range next {
		if key, ok := prevByID[item.StableID]; ok && key.version != item.version {
			detached := item.clone()
			diffs = append(diffs, Diff{Op: OpUpdate, Index: i, Item: &detached})
		}
	}
	return diffs
}

// subscriberBuffer is the per-subscriber channel depth. A consumer
// that falls further behind than this is switched to resync: it gets
// one Reset with the current list instead of the increments it missed.
const subscriberBuffer = 64

// Subscription is one consumer of the diff stream. The channel closes
// when the subscription or the timeline is closed.
type Subscription struct {
	t      *Timeline
	ch     chan []Diff
	resync atomic.Bool
}

// Updates is the stream of operation batches. Apply every batch in
// order; an OpReset batch replaces prior state wholesale.
func (s *Subscription) Updates() <-chan []Diff { return s.ch }

// Close detaches the subscription and closes its channel. Safe to call
// after the timeline itself has closed.
func (s *Subscription) Close() {
	s.t.submit(func(e *engine) {
		if _, ok := e.subscribers[s]; ok {
			delete(e.subscribers, s)
			close(s.ch)
		}
	})
}

// publish sends the changes since the previous publish to every
// subscriber. A slow subscriber never sees a gap: when its channel is
// full it is flagged for resync and receives a full Reset once there
// is room.
func (e *engine) publish() {
	if e.forceReset {
		e.forceReset = false
		e.prevKeys = renderKeys(e.rendered)
		if len(e.subscribers) == 0 {
			return
		}
		batch := []Diff{{Op: OpReset, Items: e.snapshotItems()}}
		for sub := range e.subscribers {
			select {
			case sub.ch <- batch:
				sub.resync.Store(false)
			default:
				sub.resync.Store(true)
			}
		}
		return
	}

	diffs := diffLists(e.prevKeys, e.rendered)
	e.prevKeys = renderKeys(e.rendered)

	var resetBatch []Diff
	for sub := range e.subscribers {
		if sub.resync.Load() {
			if resetBatch == nil {
				resetBatch = []Diff{{Op: OpReset, Items: e.snapshotItems()}}
			}
			select {
			case sub.ch <- resetBatch:
				sub.resync.Store(false)
			default:
			}
			continue
		}
		if len(diffs) == 0 {
			continue
		}
		select {
		case sub.ch <- diffs:
		default:
			sub.resync.Store(true)
		}
	}
}

// snapshotItems returns detached copies of the rendered sequence.
func (e *engine) snapshotItems() []*Item {
	out := make([]*Item, len(e.rendered))
	for i, item := range e.rendered {
		detached := item.clone()
		out[i] = &detached
	}
	return out
}
