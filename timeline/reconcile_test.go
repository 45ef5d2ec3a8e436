// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"testing"

	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/messaging"
)

func TestSyncInsertsEventsInTimestampOrder(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(
		textEvent(t, "$b", userAlice, at(0, 10), "second"),
		textEvent(t, "$a", userBob, at(0, 9), "first"),
		textEvent(t, "$c", userAlice, at(0, 11), "third"),
	))
	assertSequence(t, snapshot(t, tl), "$a", "$b", "$c")
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	tl := newLiveTimeline(t)
	event := textEvent(t, "$a", userAlice, at(0, 9), "hello")

	handleSync(t, tl, joinedRoom(event, textEvent(t, "$b", userBob, at(0, 10), "hi")))
	handleSync(t, tl, joinedRoom(reactionEvent(t, "$r", userBob, at(0, 11), "$a", "👍")))
	before := itemByID(t, snapshot(t, tl), "$a")

	// The same event redelivered, alone and alongside new material.
	handleSync(t, tl, joinedRoom(event))
	handleSync(t, tl, joinedRoom(event, textEvent(t, "$c", userAlice, at(0, 12), "more")))

	items := snapshot(t, tl)
	assertSequence(t, items, "$a", "$b", "$c")
	after := itemByID(t, items, "$a")
	if after.StableID != before.StableID {
		t.Errorf("duplicate delivery changed StableID: %d -> %d", before.StableID, after.StableID)
	}
	if len(after.Reactions) != 1 || len(after.Reactions[0].Senders) != 1 {
		t.Errorf("duplicate delivery disturbed reactions: %+v", after.Reactions)
	}
}

func TestInterleavedBatchesConverge(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(
		textEvent(t, "$a", userAlice, at(0, 9), "one"),
		textEvent(t, "$c", userAlice, at(0, 11), "three"),
	))
	handleSync(t, tl, joinedRoom(
		textEvent(t, "$b", userBob, at(0, 10), "two"),
		textEvent(t, "$d", userBob, at(0, 12), "four"),
	))
	assertSequence(t, snapshot(t, tl), "$a", "$b", "$c", "$d")
}

func TestEditReplacesDisplayContent(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(textEvent(t, "$a", userAlice, at(0, 9), "helo")))
	before := itemByID(t, snapshot(t, tl), "$a")

	handleSync(t, tl, joinedRoom(editEvent(t, "$e1", userAlice, at(0, 10), "$a", "hello")))

	items := snapshot(t, tl)
	assertSequence(t, items, "$a")
	item := itemByID(t, items, "$a")
	if item.StableID != before.StableID {
		t.Errorf("edit changed StableID: %d -> %d", before.StableID, item.StableID)
	}
	if got := item.Content.Message.Body; got != "hello" {
		t.Errorf("display body after edit: got %q, want %q", got, "hello")
	}
	if !item.Content.Message.Edited {
		t.Error("display content not marked edited")
	}
	if len(item.Edits) != 1 || item.Edits[0].EventID.String() != "$e1" {
		t.Errorf("edit history: %+v", item.Edits)
	}
}

func TestEditResolutionPicksLatestTimestamp(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(textEvent(t, "$a", userAlice, at(0, 9), "v1")))

	// The newer edit arrives first; the older one must not displace it.
	handleSync(t, tl, joinedRoom(editEvent(t, "$e2", userAlice, at(0, 12), "$a", "v3")))
	handleSync(t, tl, joinedRoom(editEvent(t, "$e1", userAlice, at(0, 10), "$a", "v2")))

	item := itemByID(t, snapshot(t, tl), "$a")
	if got := item.Content.Message.Body; got != "v3" {
		t.Errorf("display body: got %q, want %q (latest by origin timestamp)", got, "v3")
	}
	if len(item.Edits) != 2 {
		t.Errorf("edit history length: got %d, want 2", len(item.Edits))
	}
}

func TestEditFromDifferentSenderIgnored(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(textEvent(t, "$a", userAlice, at(0, 9), "original")))
	handleSync(t, tl, joinedRoom(editEvent(t, "$e1", userBob, at(0, 10), "$a", "forged")))

	item := itemByID(t, snapshot(t, tl), "$a")
	if got := item.Content.Message.Body; got != "original" {
		t.Errorf("display body: got %q, want %q", got, "original")
	}
	if len(item.Edits) != 0 {
		t.Errorf("forged edit entered history: %+v", item.Edits)
	}
}

func TestEditArrivingBeforeTargetApplies(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(editEvent(t, "$e1", userAlice, at(0, 10), "$a", "fixed")))
	assertSequence(t, snapshot(t, tl)) // nothing visible yet

	handleSync(t, tl, joinedRoom(textEvent(t, "$a", userAlice, at(0, 9), "broken")))

	item := itemByID(t, snapshot(t, tl), "$a")
	if got := item.Content.Message.Body; got != "fixed" {
		t.Errorf("display body: got %q, want %q (buffered edit)", got, "fixed")
	}
}

func TestEditPreservesReplyTarget(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(
		textEvent(t, "$a", userAlice, at(0, 9), "question"),
		replyEvent(t, "$b", userBob, at(0, 10), "answer", "$a"),
	))
	handleSync(t, tl, joinedRoom(editEvent(t, "$e1", userBob, at(0, 11), "$b", "better answer")))

	item := itemByID(t, snapshot(t, tl), "$b")
	if got := item.Content.Message.InReplyTo.String(); got != "$a" {
		t.Errorf("reply target after edit: got %q, want %q", got, "$a")
	}
	if got := item.Content.Message.Body; got != "better answer" {
		t.Errorf("display body: got %q, want %q", got, "better answer")
	}
}

func TestBundledEditAppliesOnInsert(t *testing.T) {
	tl := newLiveTimeline(t)
	event := textEvent(t, "$a", userAlice, at(0, 9), "stale")
	edit := editEvent(t, "$e1", userAlice, at(0, 10), "$a", "fresh")
	event.Unsigned = &messaging.EventUnsigned{
		Relations: &messaging.BundledRelations{Replace: &edit},
	}
	handleSync(t, tl, joinedRoom(event))

	item := itemByID(t, snapshot(t, tl), "$a")
	if got := item.Content.Message.Body; got != "fresh" {
		t.Errorf("display body with bundled edit: got %q, want %q", got, "fresh")
	}
	if !item.Content.Message.Edited {
		t.Error("bundled edit not marked edited")
	}
}

func TestReactionsAggregate(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(textEvent(t, "$a", userAlice, at(0, 9), "news")))
	handleSync(t, tl, joinedRoom(
		reactionEvent(t, "$r1", userBob, at(0, 10), "$a", "👍"),
		reactionEvent(t, "$r2", userOwn, at(0, 11), "$a", "👍"),
		reactionEvent(t, "$r3", userBob, at(0, 12), "$a", "🎉"),
		// Duplicate sender+key is a no-op.
		reactionEvent(t, "$r4", userBob, at(0, 13), "$a", "👍"),
	))

	item := itemByID(t, snapshot(t, tl), "$a")
	if len(item.Reactions) != 2 {
		t.Fatalf("reaction keys: got %d, want 2 (%+v)", len(item.Reactions), item.Reactions)
	}
	// Keys keep first-seen order.
	if item.Reactions[0].Key != "👍" || item.Reactions[1].Key != "🎉" {
		t.Errorf("key order: %q, %q", item.Reactions[0].Key, item.Reactions[1].Key)
	}
	thumbs := item.Reactions[0]
	if len(thumbs.Senders) != 2 {
		t.Fatalf("👍 senders: got %d, want 2 (%+v)", len(thumbs.Senders), thumbs.Senders)
	}
	if thumbs.Senders[0].Sender != userBob || thumbs.Senders[1].Sender != userOwn {
		t.Errorf("👍 sender order: %v, %v", thumbs.Senders[0].Sender, thumbs.Senders[1].Sender)
	}
}

func TestRedactedReactionRemovesOnlyItsEntry(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(textEvent(t, "$a", userAlice, at(0, 9), "news")))
	handleSync(t, tl, joinedRoom(
		reactionEvent(t, "$r1", userBob, at(0, 10), "$a", "👍"),
		reactionEvent(t, "$r2", userOwn, at(0, 11), "$a", "👍"),
	))
	handleSync(t, tl, joinedRoom(redactionEvent(t, "$x", userBob, at(0, 12), "$r1", "")))

	items := snapshot(t, tl)
	assertSequence(t, items, "$a")
	item := itemByID(t, items, "$a")
	if len(item.Reactions) != 1 || len(item.Reactions[0].Senders) != 1 {
		t.Fatalf("reactions after redacting $r1: %+v", item.Reactions)
	}
	if item.Reactions[0].Senders[0].Sender != userOwn {
		t.Errorf("surviving sender: got %v, want %v", item.Reactions[0].Senders[0].Sender, userOwn)
	}
	if item.Content.Kind != ContentMessage {
		t.Errorf("redacting a reaction blanked the target: %v", item.Content.Kind)
	}
}

func TestRedactionBlanksTargetInPlace(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(
		textEvent(t, "$a", userAlice, at(0, 9), "regrettable"),
		textEvent(t, "$b", userBob, at(0, 10), "context"),
	))
	handleSync(t, tl, joinedRoom(
		editEvent(t, "$e1", userAlice, at(0, 11), "$a", "still regrettable"),
		reactionEvent(t, "$r1", userBob, at(0, 12), "$a", "😬"),
	))
	before := itemByID(t, snapshot(t, tl), "$a")

	handleSync(t, tl, joinedRoom(redactionEvent(t, "$x", userAlice, at(0, 13), "$a", "spam")))

	items := snapshot(t, tl)
	assertSequence(t, items, "$a", "$b")
	item := itemByID(t, items, "$a")
	if item.StableID != before.StableID {
		t.Errorf("redaction changed StableID: %d -> %d", before.StableID, item.StableID)
	}
	if item.Content.Kind != ContentRedacted {
		t.Fatalf("content kind: got %v, want ContentRedacted", item.Content.Kind)
	}
	if item.Content.Redacted.Reason != "spam" {
		t.Errorf("redaction reason: got %q", item.Content.Redacted.Reason)
	}
	if item.Content.Redacted.RedactedBy.String() != "$x" {
		t.Errorf("redaction source: got %s", item.Content.Redacted.RedactedBy)
	}
	if len(item.Edits) != 0 || len(item.Reactions) != 0 {
		t.Errorf("facets survived redaction: edits=%v reactions=%v", item.Edits, item.Reactions)
	}

	// A late edit of the redacted event stays ignored.
	handleSync(t, tl, joinedRoom(editEvent(t, "$e2", userAlice, at(0, 14), "$a", "resurrect")))
	if got := itemByID(t, snapshot(t, tl), "$a").Content.Kind; got != ContentRedacted {
		t.Errorf("edit resurrected redacted content: %v", got)
	}
}

func TestRedactionEventLevelTarget(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(textEvent(t, "$a", userAlice, at(0, 9), "old-school")))

	// Pre-v11 rooms carry the target at the event level with no
	// content-level copy.
	handleSync(t, tl, joinedRoom(messaging.Event{
		EventID:        ref.MustParseEventID("$x"),
		Type:           messaging.EventTypeRedaction,
		Sender:         userAlice,
		OriginServerTS: at(0, 10),
		Redacts:        ref.MustParseEventID("$a"),
	}))

	if got := itemByID(t, snapshot(t, tl), "$a").Content.Kind; got != ContentRedacted {
		t.Errorf("content kind: got %v, want ContentRedacted", got)
	}
}

func TestRedactionArrivingBeforeTargetApplies(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(redactionEvent(t, "$x", userAlice, at(0, 10), "$a", "early")))
	handleSync(t, tl, joinedRoom(textEvent(t, "$a", userAlice, at(0, 9), "doomed")))

	item := itemByID(t, snapshot(t, tl), "$a")
	if item.Content.Kind != ContentRedacted {
		t.Fatalf("content kind: got %v, want ContentRedacted", item.Content.Kind)
	}
	if item.Content.Redacted.Reason != "early" {
		t.Errorf("reason: got %q, want %q", item.Content.Redacted.Reason, "early")
	}
}

func TestServerStrippedEventRendersAsRedacted(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(messaging.Event{
		EventID:        ref.MustParseEventID("$a"),
		Type:           messaging.EventTypeMessage,
		Sender:         userAlice,
		OriginServerTS: at(0, 9),
		Content:        []byte(`{}`),
	}))

	item := itemByID(t, snapshot(t, tl), "$a")
	if item.Content.Kind != ContentRedacted {
		t.Fatalf("content kind: got %v, want ContentRedacted", item.Content.Kind)
	}
	if !item.Content.Redacted.RedactedBy.IsZero() {
		t.Errorf("stripped event has no redaction source, got %s", item.Content.Redacted.RedactedBy)
	}
}

func TestMembershipEventRenders(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(memberEvent(t, "$j", userAlice, at(0, 9), userBob, messaging.MembershipInvite)))

	item := itemByID(t, snapshot(t, tl), "$j")
	if item.Content.Kind != ContentMembership {
		t.Fatalf("content kind: got %v, want ContentMembership", item.Content.Kind)
	}
	if item.Content.Membership.Target != userBob {
		t.Errorf("membership target: got %v, want %v", item.Content.Membership.Target, userBob)
	}
	if item.Content.Membership.Membership != messaging.MembershipInvite {
		t.Errorf("membership: got %q", item.Content.Membership.Membership)
	}
}

func TestReceiptTracksNewestOnly(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(
		textEvent(t, "$a", userAlice, at(0, 9), "one"),
		textEvent(t, "$b", userAlice, at(0, 10), "two"),
		textEvent(t, "$c", userAlice, at(0, 11), "three"),
	))

	handleSync(t, tl, ephemeralRoom(receiptEvent(t, "$b", userBob, messaging.ReceiptRead, at(0, 12), "")))
	items := snapshot(t, tl)
	if kind := itemByID(t, items, "$b").Receipts[userBob]; kind != ReceiptPublic {
		t.Fatalf("receipt on $b: got %q, want %q", kind, ReceiptPublic)
	}

	// A receipt for an earlier event is stale; the pointer stays.
	handleSync(t, tl, ephemeralRoom(receiptEvent(t, "$a", userBob, messaging.ReceiptRead, at(0, 13), "")))
	items = snapshot(t, tl)
	if _, ok := itemByID(t, items, "$a").Receipts[userBob]; ok {
		t.Error("stale receipt moved the pointer backward")
	}
	if _, ok := itemByID(t, items, "$b").Receipts[userBob]; !ok {
		t.Error("receipt on $b lost")
	}

	// A receipt for a later event moves it and clears the old slot.
	handleSync(t, tl, ephemeralRoom(receiptEvent(t, "$c", userBob, messaging.ReceiptRead, at(0, 14), "")))
	items = snapshot(t, tl)
	if _, ok := itemByID(t, items, "$b").Receipts[userBob]; ok {
		t.Error("old receipt slot not cleared")
	}
	if _, ok := itemByID(t, items, "$c").Receipts[userBob]; !ok {
		t.Error("receipt did not advance to $c")
	}
}

func TestReceiptScopeFilteredInLiveFocus(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(textEvent(t, "$a", userAlice, at(0, 9), "one")))

	// Thread-scoped receipts do not belong to the main view; unthreaded
	// and main-scoped ones do.
	handleSync(t, tl, ephemeralRoom(receiptEvent(t, "$a", userBob, messaging.ReceiptRead, at(0, 10), "$thread")))
	if receipts := itemByID(t, snapshot(t, tl), "$a").Receipts; len(receipts) != 0 {
		t.Errorf("thread-scoped receipt leaked into main view: %v", receipts)
	}

	handleSync(t, tl, ephemeralRoom(receiptEvent(t, "$a", userBob, messaging.ReceiptRead, at(0, 11), messaging.ThreadMain)))
	if _, ok := itemByID(t, snapshot(t, tl), "$a").Receipts[userBob]; !ok {
		t.Error("main-scoped receipt rejected")
	}

	handleSync(t, tl, ephemeralRoom(receiptEvent(t, "$a", userAlice, messaging.ReceiptRead, at(0, 12), "")))
	if _, ok := itemByID(t, snapshot(t, tl), "$a").Receipts[userAlice]; !ok {
		t.Error("unscoped receipt rejected")
	}
}

func TestFullyReadFeedsOwnReadPointer(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(
		textEvent(t, "$a", userAlice, at(0, 9), "one"),
		textEvent(t, "$b", userAlice, at(0, 10), "two"),
	))

	handleSync(t, tl, accountDataRoom(fullyReadEvent(t, "$a")))

	items := snapshot(t, tl)
	assertSequence(t, items, "$a", "read-marker", "$b")
	if kind := itemByID(t, items, "$a").Receipts[userOwn]; kind != ReceiptFullyRead {
		t.Errorf("own receipt kind: got %q, want %q", kind, ReceiptFullyRead)
	}
	unread, err := tl.Unread(context.Background())
	if err != nil {
		t.Fatalf("Unread failed: %v", err)
	}
	if unread != 1 {
		t.Errorf("unread after fully-read on $a: got %d, want 1", unread)
	}
}

func TestReplyInheritsThreadFromTarget(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(
		textEvent(t, "$root", userAlice, at(0, 9), "thread root"),
		threadReply(t, "$t1", userBob, at(0, 10), "threaded", "$root"),
	))
	// A plain rich reply from a thread-unaware client inherits the
	// thread of the message it replies to.
	handleSync(t, tl, joinedRoom(replyEvent(t, "$r", userAlice, at(0, 11), "me too", "$t1")))

	items := snapshot(t, tl)
	if got := itemByID(t, items, "$t1").ThreadRoot.String(); got != "$root" {
		t.Errorf("explicit thread root: got %q, want %q", got, "$root")
	}
	if got := itemByID(t, items, "$r").ThreadRoot.String(); got != "$root" {
		t.Errorf("inherited thread root: got %q, want %q", got, "$root")
	}
	// A reply to an unthreaded message stays unthreaded.
	handleSync(t, tl, joinedRoom(replyEvent(t, "$r2", userBob, at(0, 12), "aside", "$root")))
	if got := itemByID(t, snapshot(t, tl), "$r2").ThreadRoot; !got.IsZero() {
		t.Errorf("reply to thread root inherited a root: %s", got)
	}
}

func TestHideThreadedFiltersThreadReplies(t *testing.T) {
	tl := newLiveTimeline(t, func(cfg *Config) {
		cfg.Focus = FocusLive{HideThreaded: true}
	})
	handleSync(t, tl, joinedRoom(
		textEvent(t, "$root", userAlice, at(0, 9), "thread root"),
		threadReply(t, "$t1", userBob, at(0, 10), "threaded", "$root"),
		textEvent(t, "$b", userAlice, at(0, 11), "main talk"),
	))
	// The root itself is unthreaded and stays; replies are filtered.
	assertSequence(t, snapshot(t, tl), "$root", "$b")
}

func TestEncryptedThreadReplyFilteredByCleartextRelation(t *testing.T) {
	tl := newLiveTimeline(t, func(cfg *Config) {
		cfg.Focus = FocusLive{HideThreaded: true}
	})
	encrypted := messaging.Event{
		EventID:        ref.MustParseEventID("$enc"),
		Type:           messaging.EventTypeEncrypted,
		Sender:         userBob,
		OriginServerTS: at(0, 10),
		Content: rawContent(t, messaging.EncryptedContent{
			Algorithm: "m.megolm.v1.aes-sha2",
			SessionID: "session",
			RelatesTo: &messaging.RelatesTo{
				RelType: messaging.RelThread,
				EventID: ref.MustParseEventID("$root"),
			},
		}),
	}
	handleSync(t, tl, joinedRoom(
		textEvent(t, "$a", userAlice, at(0, 9), "main"),
		encrypted,
	))
	// The cleartext thread relation filters the ciphertext before its
	// payload is readable.
	assertSequence(t, snapshot(t, tl), "$a")
}

func TestUndecryptablePlaceholderAndLateDecryption(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(encryptedEvent(t, "$enc", userAlice, at(0, 9), "session-1")))

	items := snapshot(t, tl)
	placeholder := itemByID(t, items, "$enc")
	if placeholder.Content.Kind != ContentUTD {
		t.Fatalf("content kind: got %v, want ContentUTD", placeholder.Content.Kind)
	}
	if placeholder.Content.UTD.SessionID != "session-1" {
		t.Errorf("session ID: got %q", placeholder.Content.UTD.SessionID)
	}

	// An edit received while unreadable is recorded against the slot.
	handleSync(t, tl, joinedRoom(editEvent(t, "$e1", userAlice, at(0, 10), "$enc", "revised")))

	if err := tl.ReportDecrypted(context.Background(), ref.MustParseEventID("$enc"), &DecryptedEvent{
		Type:    messaging.EventTypeMessage,
		Content: rawContent(t, messaging.NewTextMessage("secret")),
	}); err != nil {
		t.Fatalf("ReportDecrypted failed: %v", err)
	}

	items = snapshot(t, tl)
	item := itemByID(t, items, "$enc")
	if item.StableID != placeholder.StableID {
		t.Errorf("decryption changed StableID: %d -> %d", placeholder.StableID, item.StableID)
	}
	if item.Content.Kind != ContentMessage {
		t.Fatalf("content kind after decryption: got %v", item.Content.Kind)
	}
	// The buffered edit applies now that the content is readable.
	if got := item.Content.Message.Body; got != "revised" {
		t.Errorf("display body after decryption: got %q, want %q", got, "revised")
	}

	stats, err := tl.UTDStats(context.Background())
	if err != nil {
		t.Fatalf("UTDStats failed: %v", err)
	}
	if stats.LateResolved != 1 {
		t.Errorf("late resolved count: got %d, want 1", stats.LateResolved)
	}
	if total := stats.Outstanding[CauseUnknown]; total != 0 {
		t.Errorf("outstanding after resolution: %d", total)
	}
}

func TestDecryptedRelationAppliesToTarget(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(
		textEvent(t, "$a", userAlice, at(0, 9), "target"),
		encryptedEvent(t, "$enc", userBob, at(0, 10), "session-1"),
	))

	if err := tl.ReportDecrypted(context.Background(), ref.MustParseEventID("$enc"), &DecryptedEvent{
		Type:    messaging.EventTypeReaction,
		Content: rawContent(t, messaging.NewReaction(ref.MustParseEventID("$a"), "🔒")),
	}); err != nil {
		t.Fatalf("ReportDecrypted failed: %v", err)
	}

	items := snapshot(t, tl)
	assertSequence(t, items, "$a")
	item := itemByID(t, items, "$a")
	if len(item.Reactions) != 1 || item.Reactions[0].Key != "🔒" {
		t.Errorf("decrypted reaction not applied: %+v", item.Reactions)
	}
}

func TestDecryptionToUnrenderablePayloadRemovesPlaceholder(t *testing.T) {
	tl := newLiveTimeline(t)
	handleSync(t, tl, joinedRoom(
		textEvent(t, "$a", userAlice, at(0, 9), "visible"),
		encryptedEvent(t, "$enc", userBob, at(0, 10), "session-1"),
	))

	if err := tl.ReportDecrypted(context.Background(), ref.MustParseEventID("$enc"), &DecryptedEvent{
		Type:    "org.example.custom",
		Content: []byte(`{"answer":42}`),
	}); err != nil {
		t.Fatalf("ReportDecrypted failed: %v", err)
	}
	assertSequence(t, snapshot(t, tl), "$a")
}

func TestGappySyncResetsLoadedHistory(t *testing.T) {
	transport := &scriptedTransport{
		pages: map[string]Chunk{
			"gap-token": {Events: []messaging.Event{
				textEvent(t, "$m", userAlice, at(0, 11), "missed"),
			}, NextToken: "older"},
		},
	}
	tl := newLiveTimeline(t, func(cfg *Config) { cfg.Transport = transport })
	handleSync(t, tl, joinedRoom(
		textEvent(t, "$a", userAlice, at(0, 9), "one"),
		textEvent(t, "$b", userBob, at(0, 10), "two"),
	))

	handleSync(t, tl, limitedRoom("gap-token",
		textEvent(t, "$y", userAlice, at(1, 9), "after gap"),
		textEvent(t, "$z", userBob, at(1, 10), "latest"),
	))

	// Only the post-gap window remains.
	assertSequence(t, snapshot(t, tl), "$y", "$z")

	// Backward pagination resumes from the gap's prev_batch.
	exhausted, err := tl.Paginate(context.Background(), DirectionBackward, 0)
	if err != nil {
		t.Fatalf("Paginate failed: %v", err)
	}
	if exhausted {
		t.Error("unexpected exhaustion")
	}
	assertSequence(t, snapshot(t, tl), "$m", "day-divider", "$y", "$z")
	calls := transport.callLog()
	if len(calls) != 1 || calls[0] != `page backward "gap-token"` {
		t.Errorf("transport calls: %v", calls)
	}
}

func TestReceiptForEvictedEventReprojectsOnReload(t *testing.T) {
	transport := &scriptedTransport{
		pages: map[string]Chunk{
			"gap-token": {Events: []messaging.Event{
				textEvent(t, "$a", userAlice, at(0, 9), "one"),
			}},
		},
	}
	tl := newLiveTimeline(t, func(cfg *Config) { cfg.Transport = transport })
	handleSync(t, tl, joinedRoom(textEvent(t, "$a", userAlice, at(0, 9), "one")))
	handleSync(t, tl, ephemeralRoom(receiptEvent(t, "$a", userBob, messaging.ReceiptRead, at(0, 10), "")))

	// The gap drops $a; the receipt pointer survives unloaded.
	handleSync(t, tl, limitedRoom("gap-token", textEvent(t, "$z", userBob, at(0, 11), "new")))
	assertSequence(t, snapshot(t, tl), "$z")

	// Paginating $a back in re-projects the receipt onto it.
	if _, err := tl.Paginate(context.Background(), DirectionBackward, 0); err != nil {
		t.Fatalf("Paginate failed: %v", err)
	}
	items := snapshot(t, tl)
	if _, ok := itemByID(t, items, "$a").Receipts[userBob]; !ok {
		t.Error("receipt not re-projected onto reloaded event")
	}
}
