// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/loom/lib/ref"
)

func pendingReaction(id, target string) classified {
	return classified{
		class:  classReaction,
		id:     ref.MustParseEventID(id),
		target: ref.MustParseEventID(target),
		key:    "👍",
	}
}

func newPendingBuffer() *pendingRelations {
	return newPendingRelations(slog.New(slog.DiscardHandler))
}

func TestPendingRelationsDrainInArrivalOrder(t *testing.T) {
	p := newPendingBuffer()
	p.add(pendingReaction("$r1", "$target"), testNow)
	p.add(pendingReaction("$r2", "$target"), testNow.Add(time.Second))
	p.add(pendingReaction("$r3", "$elsewhere"), testNow)

	got := p.take(ref.MustParseEventID("$target"))
	if len(got) != 2 || got[0].id != ref.MustParseEventID("$r1") || got[1].id != ref.MustParseEventID("$r2") {
		t.Fatalf("take returned %d relations, want [$r1 $r2]", len(got))
	}
	if again := p.take(ref.MustParseEventID("$target")); again != nil {
		t.Fatalf("second take returned %d relations", len(again))
	}
	if missing := p.take(ref.MustParseEventID("$missing")); missing != nil {
		t.Fatalf("take on unknown target returned %d relations", len(missing))
	}
	if other := p.take(ref.MustParseEventID("$elsewhere")); len(other) != 1 {
		t.Fatalf("unrelated target disturbed: %d relations", len(other))
	}
}

func TestPendingRelationsDeduplicateByEventID(t *testing.T) {
	p := newPendingBuffer()
	p.add(pendingReaction("$r1", "$target"), testNow)
	p.add(pendingReaction("$r1", "$target"), testNow.Add(time.Minute))

	got := p.take(ref.MustParseEventID("$target"))
	if len(got) != 1 {
		t.Fatalf("redelivered relation buffered twice: %d entries", len(got))
	}
}

func TestPendingRelationsPerTargetCapKeepsNewest(t *testing.T) {
	p := newPendingBuffer()
	for i := 0; i < maxPendingPerTarget+2; i++ {
		p.add(pendingReaction(fmt.Sprintf("$r%d", i), "$target"), testNow.Add(time.Duration(i)*time.Second))
	}

	got := p.take(ref.MustParseEventID("$target"))
	if len(got) != maxPendingPerTarget {
		t.Fatalf("buffer holds %d relations, want %d", len(got), maxPendingPerTarget)
	}
	if got[0].id != ref.MustParseEventID("$r2") {
		t.Fatalf("oldest kept relation is %v, want $r2", got[0].id)
	}
	last := fmt.Sprintf("$r%d", maxPendingPerTarget+1)
	if got[len(got)-1].id != ref.MustParseEventID(last) {
		t.Fatalf("newest relation is %v, want %s", got[len(got)-1].id, last)
	}
}

func TestPendingRelationsEvictOldestTargetWhenFull(t *testing.T) {
	p := newPendingBuffer()
	for i := 0; i < maxPendingTargets; i++ {
		p.add(pendingReaction(fmt.Sprintf("$r%d", i), fmt.Sprintf("$t%d", i)), testNow.Add(time.Duration(i)*time.Second))
	}

	p.add(pendingReaction("$rn", "$tn"), testNow.Add(time.Hour))

	if survived := p.take(ref.MustParseEventID("$t0")); survived != nil {
		t.Fatalf("stalest target survived eviction with %d relations", len(survived))
	}
	if got := p.take(ref.MustParseEventID("$t1")); len(got) != 1 {
		t.Fatalf("newer target evicted: %d relations", len(got))
	}
	if got := p.take(ref.MustParseEventID("$tn")); len(got) != 1 {
		t.Fatalf("incoming target not buffered: %d relations", len(got))
	}
}

func TestPendingRelationsFreshArrivalProtectsFromEviction(t *testing.T) {
	p := newPendingBuffer()
	for i := 0; i < maxPendingTargets; i++ {
		p.add(pendingReaction(fmt.Sprintf("$r%d", i), fmt.Sprintf("$t%d", i)), testNow.Add(time.Duration(i)*time.Second))
	}

	// A second relation on the stalest target refreshes it, so the next
	// eviction takes the second-stalest instead.
	p.add(pendingReaction("$refresh", "$t0"), testNow.Add(time.Hour))
	p.add(pendingReaction("$rn", "$tn"), testNow.Add(2*time.Hour))

	if got := p.take(ref.MustParseEventID("$t0")); len(got) != 2 {
		t.Fatalf("refreshed target evicted: %d relations", len(got))
	}
	if survived := p.take(ref.MustParseEventID("$t1")); survived != nil {
		t.Fatalf("second-stalest target survived with %d relations", len(survived))
	}
}

func TestPendingRelationsSweepDropsStaleTargets(t *testing.T) {
	p := newPendingBuffer()
	p.add(pendingReaction("$r1", "$old"), testNow)
	p.add(pendingReaction("$r2", "$fresh"), testNow.Add(9*time.Minute))

	// Exactly at the retention boundary nothing is stale yet.
	p.sweep(testNow.Add(pendingRetention))
	if got := p.take(ref.MustParseEventID("$old")); len(got) != 1 {
		t.Fatal("boundary sweep dropped a target")
	}

	p.add(pendingReaction("$r1", "$old"), testNow)
	p.sweep(testNow.Add(pendingRetention + time.Second))
	if survived := p.take(ref.MustParseEventID("$old")); survived != nil {
		t.Fatalf("stale target survived sweep with %d relations", len(survived))
	}
	if got := p.take(ref.MustParseEventID("$fresh")); len(got) != 1 {
		t.Fatalf("fresh target swept: %d relations", len(got))
	}
}
