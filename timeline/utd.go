// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bureau-foundation/loom/lib/ref"
)

// UTDCause classifies why an event's payload could not be read.
type UTDCause int

const (
	// CauseUnknown: decryption failed with no better diagnosis, most
	// commonly a session key that has not arrived yet.
	CauseUnknown UTDCause = iota

	// CauseUnknownDevice: the sending device is unknown to us, so no
	// session with it exists.
	CauseUnknownDevice

	// CauseHistoricalMessage: the event predates our access to the
	// sender's key storage. May still resolve if a key backup is
	// imported.
	CauseHistoricalMessage

	// CauseWithheldBySender: the sender deliberately withheld the key.
	CauseWithheldBySender

	// CauseUnsupported: the payload was readable but its content is
	// malformed, unrenderable, or an obsolete type.
	CauseUnsupported
)

func (c UTDCause) String() string {
	switch c {
	case CauseUnknown:
		return "unknown"
	case CauseUnknownDevice:
		return "unknown-device"
	case CauseHistoricalMessage:
		return "historical-message"
	case CauseWithheldBySender:
		return "withheld-by-sender"
	case CauseUnsupported:
		return "unsupported"
	}
	return "invalid"
}

// permanent reports whether re-attempting decryption is pointless: the
// key will never arrive (withheld) or arriving makes no difference
// (unsupported content).
func (c UTDCause) permanent() bool {
	return c == CauseWithheldBySender || c == CauseUnsupported
}

// DecryptionError reports a decryption failure with its classified
// cause. Decryptor implementations return it (possibly wrapped) so the
// timeline can tell a missing session from a withheld key.
type DecryptionError struct {
	Cause UTDCause
	Err   error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decrypt: %s: %v", e.Cause, e.Err)
	}
	return fmt.Sprintf("decrypt: %s", e.Cause)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// causeOf extracts the classified cause from a decryption failure.
func causeOf(err error) UTDCause {
	var decryptErr *DecryptionError
	if errors.As(err, &decryptErr) {
		return decryptErr.Cause
	}
	return CauseUnknown
}

// UTDStats summarizes undecryptable-event tracking for one timeline.
type UTDStats struct {
	// Outstanding counts currently-unreadable items per cause.
	Outstanding map[UTDCause]int

	// LateResolved counts items whose content arrived readable after
	// the item was first shown as undecryptable.
	LateResolved int

	// RemovedUnsupported counts placeholders removed entirely because
	// the decrypted content turned out not to be a renderable item.
	RemovedUnsupported int
}

// utdTracker records events whose payload is unreadable, keyed by
// event ID, so late decryption results find their slot and failure
// causes can be reported. Accessed only from the controller goroutine.
type utdTracker struct {
	pending map[ref.EventID]utdRecord
	stats   UTDStats
	log     *slog.Logger
}

type utdRecord struct {
	since time.Time
	cause UTDCause
}

func newUTDTracker(log *slog.Logger) *utdTracker {
	return &utdTracker{
		pending: make(map[ref.EventID]utdRecord),
		log:     log,
	}
}

// observe registers an unreadable event. Re-observing a known event
// (duplicate delivery) keeps the original record.
func (t *utdTracker) observe(id ref.EventID, cause UTDCause, now time.Time) {
	if _, ok := t.pending[id]; ok {
		return
	}
	t.pending[id] = utdRecord{since: now, cause: cause}
	t.log.Debug("event undecryptable", "event_id", id, "cause", cause)
}

// fail records a classified decryption failure for a tracked event.
// Reports whether the cause changed from what the item shows.
func (t *utdTracker) fail(id ref.EventID, cause UTDCause) bool {
	record, ok := t.pending[id]
	if !ok || record.cause == cause {
		return false
	}
	record.cause = cause
	t.pending[id] = record
	return true
}

// shouldRetry reports whether a tracked event is worth another
// decryption attempt when it is delivered again.
func (t *utdTracker) shouldRetry(id ref.EventID) bool {
	record, ok := t.pending[id]
	return ok && !record.cause.permanent()
}

// resolve marks a late decryption success and returns how long the
// event sat unreadable.
func (t *utdTracker) resolve(id ref.EventID, now time.Time) (time.Duration, bool) {
	record, ok := t.pending[id]
	if !ok {
		return 0, false
	}
	delete(t.pending, id)
	t.stats.LateResolved++
	age := now.Sub(record.since)
	t.log.Debug("late decryption resolved", "event_id", id, "after", age)
	return age, true
}

// discard marks a late decryption whose content turned out to be
// nothing renderable; the placeholder slot is being removed.
func (t *utdTracker) discard(id ref.EventID) {
	if _, ok := t.pending[id]; !ok {
		return
	}
	delete(t.pending, id)
	t.stats.RemovedUnsupported++
}

// forget drops tracking for an item leaving the sequence for unrelated
// reasons (redaction, pagination eviction).
func (t *utdTracker) forget(id ref.EventID) {
	delete(t.pending, id)
}

func (t *utdTracker) snapshot() UTDStats {
	out := t.stats
	out.Outstanding = make(map[UTDCause]int)
	for _, record := range t.pending {
		out.Outstanding[record.cause]++
	}
	return out
}
