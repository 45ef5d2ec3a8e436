// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import "time"

// rebuildRender recomputes the published item sequence: body and tail
// event items interleaved with the virtual items derived from them.
// Virtual items are cached across rebuilds so one that survives a
// mutation keeps its StableID and diffs as a Move instead of a
// Remove/Insert pair.
func (e *engine) rebuildRender() {
	out := make([]*Item, 0, len(e.body)+len(e.tail)+len(e.dividers)+2)

	threadRoot := threadRootOf(e.focus)
	threaded := !threadRoot.IsZero()
	threadStartPlaced := false
	if e.back.exhausted {
		if !threaded {
			out = append(out, e.timelineStart())
		} else if _, loaded := e.byEventID[threadRoot]; !loaded {
			// All thread replies are fetched but the root event itself
			// never arrived (redacted, or filtered out). The start of
			// the thread is still the start of the thread.
			out = append(out, e.threadStart())
			threadStartPlaced = true
		}
	}

	markerTarget := e.markerTarget()
	active := make(map[int64]*Item, len(e.dividers)+1)
	var prevDay int64
	for i, item := range e.body {
		day := dayStartMillis(item.Timestamp, e.location)
		if i > 0 && day != prevDay {
			out = append(out, e.dividerFor(day, active))
		}
		prevDay = day
		if threaded && !threadStartPlaced && item.EventID == threadRoot {
			out = append(out, e.threadStart())
			threadStartPlaced = true
		}
		out = append(out, item)
		if item == markerTarget {
			out = append(out, e.readMarker())
		}
	}
	out = append(out, e.tail...)

	// Dividers for days no longer on a boundary are dropped; if the
	// day reappears later it gets a fresh identity.
	e.dividers = active
	e.rendered = out
}

// markerTarget returns the body item the read marker follows: the one
// holding the own user's latest read receipt. Nil when no receipt is
// known or its event is not loaded.
func (e *engine) markerTarget() *Item {
	state, ok := e.receipts[e.ownUser]
	if !ok {
		return nil
	}
	return e.byEventID[state.event]
}

// dividerFor returns the divider item for a calendar day, reusing the
// cached one when the day was already on a boundary before this
// rebuild.
func (e *engine) dividerFor(day int64, active map[int64]*Item) *Item {
	if _, placed := active[day]; placed {
		// The same day opens twice in one pass. That takes a pinned
		// echo whose local clock ran behind the server items around it;
		// the second slot needs its own identity either way.
		return &Item{
			Kind:     KindVirtual,
			StableID: e.allocStableID(),
			Virtual:  VirtualDayDivider,
			Day:      time.UnixMilli(day).In(e.location),
		}
	}
	divider, ok := e.dividers[day]
	if !ok {
		divider = &Item{
			Kind:     KindVirtual,
			StableID: e.allocStableID(),
			Virtual:  VirtualDayDivider,
			Day:      time.UnixMilli(day).In(e.location),
		}
	}
	active[day] = divider
	return divider
}

func (e *engine) timelineStart() *Item {
	if e.startItem == nil {
		e.startItem = &Item{
			Kind:     KindVirtual,
			StableID: e.allocStableID(),
			Virtual:  VirtualTimelineStart,
		}
	}
	return e.startItem
}

func (e *engine) threadStart() *Item {
	if e.threadItem == nil {
		e.threadItem = &Item{
			Kind:     KindVirtual,
			StableID: e.allocStableID(),
			Virtual:  VirtualThreadStart,
		}
	}
	return e.threadItem
}

func (e *engine) readMarker() *Item {
	if e.marker == nil {
		e.marker = &Item{
			Kind:     KindVirtual,
			StableID: e.allocStableID(),
			Virtual:  VirtualReadMarker,
		}
	}
	return e.marker
}

// dayStartMillis truncates a unix-millisecond timestamp to midnight of
// its calendar day in the given location.
func dayStartMillis(ts int64, loc *time.Location) int64 {
	t := time.UnixMilli(ts).In(loc)
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, loc).UnixMilli()
}
