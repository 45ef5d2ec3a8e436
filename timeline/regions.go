// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"sort"
)

// Region tags the ordering partition an item belongs to. Partitions
// never interleave: every historical item precedes every body item,
// and every body item precedes every local-tail item.
type Region int

const (
	// RegionHistorical is everything older than the oldest loaded
	// event. It holds no event items, only the timeline-start
	// sentinel once backward pagination is exhausted.
	RegionHistorical Region = iota

	// RegionBody is the loaded chronological content.
	RegionBody

	// RegionLocalTail holds local echoes, ordered by send-request
	// time, after every remote event regardless of timestamp.
	RegionLocalTail
)

func (r Region) String() string {
	switch r {
	case RegionHistorical:
		return "historical"
	case RegionBody:
		return "body"
	case RegionLocalTail:
		return "local-tail"
	}
	return "unknown"
}

// bodyBefore orders body items by origin server timestamp with the
// event ID as tiebreak.
func bodyBefore(a, b *Item) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.EventID.Compare(b.EventID) < 0
}

// bodyInsertPos returns the index where item belongs in body.
func bodyInsertPos(body []*Item, item *Item) int {
	return sort.Search(len(body), func(i int) bool {
		return bodyBefore(item, body[i])
	})
}

// sortBody restores the ordering invariant in place. Only called on
// self-heal after a detected violation; the caller resets stable IDs
// because slots have genuinely moved.
func sortBody(body []*Item) {
	sort.SliceStable(body, func(i, j int) bool {
		return bodyBefore(body[i], body[j])
	})
}
