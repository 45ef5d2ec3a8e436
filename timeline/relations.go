// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"log/slog"
	"time"

	"github.com/bureau-foundation/loom/lib/ref"
)

// Bounds for the pending-relations buffer. Relations normally trail
// their target by one sync batch at most; anything held longer than
// the retention window is a relation whose target lives outside the
// loaded window and would apply on pagination anyway (the server
// bundles aggregations on the target when it is eventually fetched).
const (
	maxPendingTargets   = 64
	maxPendingPerTarget = 16
	pendingRetention    = 10 * time.Minute
)

// pendingRelations buffers edits, reactions, and redactions that
// arrived before the event they apply to. The buffer is drained when
// the target appears and swept on every mutation; when full, the
// target waiting longest is evicted wholesale. Accessed only from the
// controller goroutine.
type pendingRelations struct {
	targets map[ref.EventID]*pendingTarget
	log     *slog.Logger
}

type pendingTarget struct {
	lastAdded time.Time
	relations []classified
}

func newPendingRelations(log *slog.Logger) *pendingRelations {
	return &pendingRelations{
		targets: make(map[ref.EventID]*pendingTarget),
		log:     log,
	}
}

// add buffers a relation awaiting its target.
func (p *pendingRelations) add(rel classified, now time.Time) {
	entry := p.targets[rel.target]
	if entry == nil {
		if len(p.targets) >= maxPendingTargets {
			p.evictOldest()
		}
		entry = &pendingTarget{}
		p.targets[rel.target] = entry
	}
	for _, held := range entry.relations {
		if held.id == rel.id {
			return
		}
	}
	if len(entry.relations) >= maxPendingPerTarget {
		// Keep the newest: for edits the latest wins anyway, and a
		// target attracting this many early relations will carry
		// server-side aggregations when it arrives.
		entry.relations = entry.relations[1:]
	}
	entry.relations = append(entry.relations, rel)
	entry.lastAdded = now
}

// take removes and returns everything buffered for a target that just
// appeared, in arrival order.
func (p *pendingRelations) take(target ref.EventID) []classified {
	entry := p.targets[target]
	if entry == nil {
		return nil
	}
	delete(p.targets, target)
	return entry.relations
}

// sweep drops targets that have waited out the retention window.
func (p *pendingRelations) sweep(now time.Time) {
	for target, entry := range p.targets {
		if now.Sub(entry.lastAdded) > pendingRetention {
			p.log.Debug("dropping stale pending relations",
				"target", target, "count", len(entry.relations))
			delete(p.targets, target)
		}
	}
}

func (p *pendingRelations) evictOldest() {
	var oldest ref.EventID
	var oldestAt time.Time
	first := true
	for target, entry := range p.targets {
		if first || entry.lastAdded.Before(oldestAt) {
			oldest, oldestAt, first = target, entry.lastAdded, false
		}
	}
	if !first {
		p.log.Debug("pending relations full, evicting oldest target",
			"target", oldest, "count", len(p.targets[oldest].relations))
		delete(p.targets, oldest)
	}
}
