// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"encoding/json"
	"slices"

	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/messaging"
)

// applyRemoteEvents classifies and applies one batch in its delivered
// order. A bad event never fails the batch: damage is confined to its
// own slot. Returns the number of item slots the batch created.
func (e *engine) applyRemoteEvents(events []messaging.Event) int {
	before := len(e.body)
	for i := range events {
		event := events[i]
		c := classifyEvent(&event)
		if c.class == classIgnore {
			continue
		}
		e.applyClassified(&c)
	}
	e.pendingRels.sweep(e.clk.Now())
	e.checkBodyOrder()
	return len(e.body) - before
}

func (e *engine) applyClassified(c *classified) {
	switch c.class {
	case classItem:
		e.insertRemote(c)
	case classEdit:
		e.applyEditEvent(c)
	case classReaction:
		e.applyReactionEvent(c)
	case classRedaction:
		e.applyRedactionEvent(c)
	}
}

// insertRemote places one remote event. Deduplication runs before
// focus filtering: a duplicate must stay a no-op even if it would not
// be accepted fresh.
func (e *engine) insertRemote(c *classified) {
	// Local echo match: by transaction ID before confirmation, by
	// event ID after.
	if !c.txnID.IsZero() {
		if echo, ok := e.byTxnID[c.txnID]; ok {
			e.mergeEchoWithRemote(echo, c)
			return
		}
	}
	if existing, ok := e.byEventID[c.id]; ok {
		if existing.IsLocalEcho() {
			e.mergeEchoWithRemote(existing, c)
			return
		}
		// Duplicate delivery. Content is ignored, but aggregations the
		// duplicate carries may still be news, and an undecryptable
		// item may be worth another attempt now that keys had time to
		// arrive.
		if c.bundledEdit != nil {
			e.applyEditRecord(existing, c.bundledEdit)
		}
		if existing.Content.Kind == ContentUTD && e.utds.shouldRetry(c.id) {
			e.submitDecrypt(c.id)
		}
		return
	}
	c.threadRoot = e.resolveThreadRoot(c)
	if !focusAccepts(e.focus, c) {
		return
	}
	e.insertFresh(c)
}

// resolveThreadRoot returns the thread an event belongs to. Thread-aware
// clients attach an explicit m.thread relation; plain replies to threaded
// messages (clients predating threads) inherit the root of the message
// they reply to when that message is loaded.
func (e *engine) resolveThreadRoot(c *classified) ref.EventID {
	if !c.threadRoot.IsZero() {
		return c.threadRoot
	}
	if c.replyTo.IsZero() {
		return ref.EventID{}
	}
	if target, ok := e.byEventID[c.replyTo]; ok {
		return target.ThreadRoot
	}
	return ref.EventID{}
}

func (e *engine) insertFresh(c *classified) {
	item := &Item{
		Kind:       KindEvent,
		StableID:   e.allocStableID(),
		EventID:    c.id,
		TxnID:      c.txnID,
		Sender:     c.sender,
		Timestamp:  c.timestamp,
		ThreadRoot: c.threadRoot,
		Content:    c.content,
		base:       c.content,
	}
	position := bodyInsertPos(e.body, item)
	e.body = slices.Insert(e.body, position, item)
	e.byEventID[c.id] = item
	if !c.txnID.IsZero() {
		// Our own send observed without a live echo (echo cancelled,
		// or the process restarted mid-send). Registering the
		// transaction keeps redeliveries idempotent.
		e.byTxnID[c.txnID] = item
	}
	if c.content.Kind == ContentUTD {
		e.utds.observe(c.id, c.content.UTD.Cause, e.clk.Now())
		if c.raw != nil && !c.content.UTD.Cause.permanent() {
			e.utdRaw[c.id] = c.raw
			e.submitDecrypt(c.id)
		}
	}
	if c.bundledEdit != nil {
		e.applyEditRecord(item, c.bundledEdit)
	}
	e.drainPendingFor(c.id)
	e.projectReceiptsOnto(item)
	e.markDirty()
}

// mergeEchoWithRemote replaces a local echo's provisional state with
// its remote copy. The item keeps the slot the echo occupied — sorting
// it to its server-timestamp position would make the user's own
// message jump the moment it is delivered — so it joins the end of
// body exempt from the ordering invariant.
func (e *engine) mergeEchoWithRemote(echo *Item, c *classified) {
	if echo.SendState == SendNone {
		return // already merged; this is a redelivery
	}
	if !echo.EventID.IsZero() && echo.EventID != c.id {
		e.log.Warn("remote copy does not match confirmed echo",
			"txn_id", echo.TxnID, "confirmed", echo.EventID, "remote", c.id)
		return
	}
	echo.EventID = c.id
	e.byEventID[c.id] = echo
	echo.Timestamp = c.timestamp
	if c.content.Kind != ContentUTD {
		echo.Content = c.content
		echo.base = c.content
	}
	// An undecryptable remote copy of our own send keeps the composed
	// content: we authored the plaintext.
	if !c.threadRoot.IsZero() {
		echo.ThreadRoot = c.threadRoot
	}
	echo.SendState = SendNone
	echo.SendError = nil
	echo.orderExempt = true
	e.removeFromTail(echo)
	e.body = append(e.body, echo)
	echo.touch()
	if c.bundledEdit != nil {
		e.applyEditRecord(echo, c.bundledEdit)
	}
	e.drainPendingFor(c.id)
	e.projectReceiptsOnto(echo)
	e.markDirty()
}

// drainPendingFor applies relations that were buffered waiting for
// this event.
func (e *engine) drainPendingFor(id ref.EventID) {
	for _, rel := range e.pendingRels.take(id) {
		held := rel
		e.applyClassified(&held)
	}
}

// Edits.

func (e *engine) applyEditEvent(c *classified) {
	item, ok := e.byEventID[c.target]
	if !ok {
		e.pendingRels.add(*c, e.clk.Now())
		return
	}
	e.applyEditRecord(item, c.edit)
}

// applyEditRecord appends to the target's edit history and recomputes
// the display content. Out-of-order arrivals are fine: display picks
// the latest edit by origin timestamp, not the last received.
func (e *engine) applyEditRecord(item *Item, edit *Edit) {
	if edit.Sender != item.Sender {
		e.log.Warn("ignoring edit from a different sender",
			"target", item.EventID, "edit", edit.EventID, "sender", edit.Sender)
		return
	}
	if item.Content.Kind == ContentRedacted {
		return
	}
	if item.base.Kind != ContentMessage && item.base.Kind != ContentUTD {
		return
	}
	for _, existing := range item.Edits {
		if existing.EventID == edit.EventID {
			return
		}
	}
	item.Edits = append(item.Edits, *edit)
	e.editSource[edit.EventID] = item.EventID
	e.refreshDisplayContent(item)
	item.touch()
	e.markDirty()
}

// refreshDisplayContent recomputes what the item shows: the latest
// edit, or the base content when none remain. Undecryptable and
// redacted items keep their placeholder; recorded edits apply once the
// content becomes readable.
func (e *engine) refreshDisplayContent(item *Item) {
	if item.Content.Kind == ContentUTD || item.Content.Kind == ContentRedacted {
		return
	}
	if item.base.Kind != ContentMessage {
		return
	}
	latest := latestEdit(item.Edits)
	if latest == nil {
		item.Content = item.base
		return
	}
	display := *latest.Content
	// A reply stays a reply through edits; replacements do not carry
	// the relation.
	display.InReplyTo = item.base.Message.InReplyTo
	item.Content = EventContent{Kind: ContentMessage, Message: &display}
}

func latestEdit(edits []Edit) *Edit {
	var best *Edit
	for i := range edits {
		candidate := &edits[i]
		if best == nil || candidate.Timestamp > best.Timestamp ||
			(candidate.Timestamp == best.Timestamp && candidate.EventID.Compare(best.EventID) > 0) {
			best = candidate
		}
	}
	return best
}

func (e *engine) removeEditRecord(item *Item, editID ref.EventID) {
	for i := range item.Edits {
		if item.Edits[i].EventID == editID {
			item.Edits = append(item.Edits[:i], item.Edits[i+1:]...)
			e.refreshDisplayContent(item)
			item.touch()
			e.markDirty()
			return
		}
	}
}

// Reactions.

func (e *engine) applyReactionEvent(c *classified) {
	item, ok := e.byEventID[c.target]
	if !ok {
		e.pendingRels.add(*c, e.clk.Now())
		return
	}
	if item.Content.Kind == ContentRedacted {
		return
	}
	e.reactionSource[c.id] = c.target
	if item.addReaction(c.key, ReactionSender{Sender: c.sender, EventID: c.id}) {
		e.markDirty()
	}
}

// Redactions.

func (e *engine) applyRedactionEvent(c *classified) {
	if item, ok := e.byEventID[c.target]; ok {
		e.blankItem(item, c.id, c.reason)
		return
	}
	// The target may be a relation event with no slot of its own: a
	// redacted reaction removes one reaction entry, a redacted edit
	// removes one history entry. Neither leaves a visible trace of the
	// redaction itself.
	if target, ok := e.reactionSource[c.target]; ok {
		delete(e.reactionSource, c.target)
		if item, ok := e.byEventID[target]; ok {
			if item.removeReactionByEvent(c.target) {
				e.markDirty()
			}
		}
		return
	}
	if target, ok := e.editSource[c.target]; ok {
		delete(e.editSource, c.target)
		if item, ok := e.byEventID[target]; ok {
			e.removeEditRecord(item, c.target)
		}
		return
	}
	e.pendingRels.add(*c, e.clk.Now())
}

// blankItem applies a redaction to a target item: the slot stays, the
// content becomes a tombstone, and every relation facet is cleared.
func (e *engine) blankItem(item *Item, redactionID ref.EventID, reason string) {
	if item.Content.Kind == ContentRedacted {
		return
	}
	for _, reaction := range item.Reactions {
		for _, sender := range reaction.Senders {
			delete(e.reactionSource, sender.EventID)
		}
	}
	for _, edit := range item.Edits {
		delete(e.editSource, edit.EventID)
	}
	content := EventContent{Kind: ContentRedacted, Redacted: &RedactedContent{
		RedactedBy: redactionID,
		Reason:     reason,
	}}
	item.Content = content
	item.base = content
	item.Edits = nil
	item.Reactions = nil
	e.utds.forget(item.EventID)
	delete(e.utdRaw, item.EventID)
	item.touch()
	e.markDirty()
}

// Receipts.

// receiptState is one user's authoritative receipt pointer within
// this focus's scope.
type receiptState struct {
	event ref.EventID
	ts    int64
	kind  ReceiptKind
}

func (e *engine) applyEphemeral(events []messaging.Event) {
	for i := range events {
		if events[i].Type != messaging.EventTypeReceipt {
			continue
		}
		var content messaging.ReceiptContent
		if err := json.Unmarshal(events[i].Content, &content); err != nil {
			e.log.Debug("malformed receipt event", "error", err)
			continue
		}
		for rawTarget, byType := range content {
			target, err := ref.ParseEventID(rawTarget)
			if err != nil {
				continue
			}
			for rawType, byUser := range byType {
				var kind ReceiptKind
				switch rawType {
				case messaging.ReceiptRead:
					kind = ReceiptPublic
				case messaging.ReceiptReadPrivate:
					kind = ReceiptPrivate
				default:
					continue
				}
				for rawUser, data := range byUser {
					user, err := ref.ParseUserID(rawUser)
					if err != nil {
						continue
					}
					if !acceptsReceiptScope(e.focus, data.ThreadID) {
						continue
					}
					e.applyReceipt(user, target, kind, data.Timestamp)
				}
			}
		}
	}
}

func (e *engine) applyAccountData(events []messaging.Event) {
	for i := range events {
		if events[i].Type != messaging.EventTypeFullyRead {
			continue
		}
		var content messaging.FullyReadContent
		if err := json.Unmarshal(events[i].Content, &content); err != nil {
			e.log.Debug("malformed fully-read event", "error", err)
			continue
		}
		e.applyReceipt(e.ownUser, content.EventID, ReceiptFullyRead, 0)
	}
}

// applyReceipt moves one user's receipt pointer. Only the most recent
// receipt per user is retained; older arrivals are dropped.
func (e *engine) applyReceipt(user ref.UserID, target ref.EventID, kind ReceiptKind, ts int64) {
	if user.IsZero() || target.IsZero() {
		return
	}
	next := receiptState{event: target, ts: ts, kind: kind}
	current, exists := e.receipts[user]
	if exists {
		if current.event == target {
			if current.kind == kind && current.ts >= ts {
				return
			}
		} else if !e.receiptSupersedes(next, current) {
			return
		}
	}
	e.receipts[user] = next
	if exists && current.event != target {
		e.unprojectReceipt(current.event, user)
	}
	e.projectReceipt(target, user, kind)
	if user == e.ownUser {
		// The read marker follows the own receipt.
		e.markDirty()
	}
}

// receiptSupersedes decides whether next replaces current: the later
// loaded position wins when both targets are loaded, otherwise the
// newer origin timestamp, otherwise whichever can actually be
// projected.
func (e *engine) receiptSupersedes(next, current receiptState) bool {
	nextIndex, nextLoaded := e.bodyIndex(next.event)
	currentIndex, currentLoaded := e.bodyIndex(current.event)
	switch {
	case nextLoaded && currentLoaded:
		if nextIndex != currentIndex {
			return nextIndex > currentIndex
		}
		return next.ts >= current.ts
	case next.ts != 0 && current.ts != 0:
		return next.ts > current.ts
	default:
		return nextLoaded
	}
}

func (e *engine) bodyIndex(id ref.EventID) (int, bool) {
	item, ok := e.byEventID[id]
	if !ok || item.IsLocalEcho() {
		return 0, false
	}
	for i, candidate := range e.body {
		if candidate == item {
			return i, true
		}
	}
	return 0, false
}

func (e *engine) projectReceipt(target ref.EventID, user ref.UserID, kind ReceiptKind) {
	at := e.receiptsAt[target]
	if at == nil {
		at = make(map[ref.UserID]ReceiptKind)
		e.receiptsAt[target] = at
	}
	at[user] = kind
	if item, ok := e.byEventID[target]; ok && !item.IsLocalEcho() {
		item.setReceipt(user, kind)
		e.markDirty()
	}
}

func (e *engine) unprojectReceipt(target ref.EventID, user ref.UserID) {
	at := e.receiptsAt[target]
	if at == nil {
		return
	}
	delete(at, user)
	if len(at) == 0 {
		delete(e.receiptsAt, target)
	}
	if item, ok := e.byEventID[target]; ok {
		item.clearReceipt(user)
		e.markDirty()
	}
}

// projectReceiptsOnto stamps an item entering the sequence with every
// receipt already pointing at it.
func (e *engine) projectReceiptsOnto(item *Item) {
	for user, kind := range e.receiptsAt[item.EventID] {
		item.setReceipt(user, kind)
	}
}

// Local send lifecycle. The engine mutates state; the send worker does
// the network calls and reports back through these.

func (e *engine) beginLocalSend(txn ref.TxnID, content *messaging.MessageContent) {
	threadRoot, replyTo := relationInfo(content.RelatesTo)
	display := messageFromWire(content)
	display.InReplyTo = replyTo
	item := &Item{
		Kind:       KindEvent,
		StableID:   e.allocStableID(),
		TxnID:      txn,
		Sender:     e.ownUser,
		Timestamp:  e.clk.Now().UnixMilli(),
		ThreadRoot: threadRoot,
		SendState:  SendPending,
		Content:    EventContent{Kind: ContentMessage, Message: display},
	}
	item.base = item.Content
	e.tail = append(e.tail, item)
	e.byTxnID[txn] = item
	e.markDirty()
}

func (e *engine) confirmLocalSend(txn ref.TxnID, id ref.EventID) {
	echo, ok := e.byTxnID[txn]
	if !ok {
		e.log.Debug("confirmation for unknown transaction", "txn_id", txn)
		return
	}
	if remote, ok := e.byEventID[id]; ok && remote != echo {
		// The remote copy arrived over sync before the send call
		// returned and was not matched by transaction ID. The remote
		// slot wins; the echo slot goes away.
		e.removeFromTail(echo)
		remote.TxnID = txn
		e.byTxnID[txn] = remote
		remote.touch()
		e.markDirty()
		return
	}
	if echo.SendState == SendNone {
		return // sync already merged the remote copy
	}
	echo.EventID = id
	e.byEventID[id] = echo
	echo.SendState = SendSent
	echo.SendError = nil
	echo.touch()
	e.drainPendingFor(id)
	e.markDirty()
}

// failLocalSend marks the echo failed, reporting whether it did: false
// means the remote copy won the race and the failure was only apparent
// (the response was lost after the server accepted the send).
func (e *engine) failLocalSend(txn ref.TxnID, sendErr error) bool {
	echo, ok := e.byTxnID[txn]
	if !ok || echo.SendState == SendNone || echo.SendState == SendSent {
		return false
	}
	echo.SendState = SendFailed
	echo.SendError = sendErr
	echo.touch()
	e.markDirty()
	return true
}

// Late decryption.

func (e *engine) reportDecrypted(id ref.EventID, decrypted *DecryptedEvent) {
	item, ok := e.byEventID[id]
	if !ok || item.Content.Kind != ContentUTD {
		return
	}
	synthetic := messaging.Event{
		EventID:        id,
		Type:           decrypted.Type,
		Sender:         item.Sender,
		OriginServerTS: item.Timestamp,
		Content:        decrypted.Content,
	}
	c := classifyEvent(&synthetic)
	switch c.class {
	case classItem:
		if c.content.Kind == ContentUTD {
			// Decryption succeeded but the payload is nothing
			// renderable. The placeholder was never meant to be shown.
			e.removeDecryptedPlaceholder(item)
			return
		}
		if root := e.resolveThreadRoot(&c); !root.IsZero() {
			item.ThreadRoot = root
		}
		if !focusAccepts(e.focus, &classified{id: id, threadRoot: item.ThreadRoot}) {
			// The decrypted payload belongs to a scope this view
			// filters out.
			e.removeDecryptedPlaceholder(item)
			return
		}
		item.Content = c.content
		item.base = c.content
		// Edits recorded while the item was unreadable apply now.
		e.refreshDisplayContent(item)
		delete(e.utdRaw, id)
		e.utds.resolve(id, e.clk.Now())
		item.touch()
		e.markDirty()
	case classEdit, classReaction, classRedaction:
		// The ciphertext hid a relation; it applies to its real
		// target, and the placeholder slot goes away.
		e.removeDecryptedPlaceholder(item)
		e.applyClassified(&c)
	default:
		e.removeDecryptedPlaceholder(item)
	}
}

func (e *engine) decryptFailed(id ref.EventID, cause UTDCause) {
	if !e.utds.fail(id, cause) {
		return
	}
	item, ok := e.byEventID[id]
	if !ok || item.Content.Kind != ContentUTD {
		return
	}
	item.Content = EventContent{Kind: ContentUTD, UTD: &UTDContent{
		Cause:     cause,
		Algorithm: item.Content.UTD.Algorithm,
		SessionID: item.Content.UTD.SessionID,
	}}
	item.base = item.Content
	item.touch()
	e.markDirty()
}

func (e *engine) removeDecryptedPlaceholder(item *Item) {
	e.utds.discard(item.EventID)
	delete(e.utdRaw, item.EventID)
	e.removeBodyItem(item)
	e.markDirty()
}

// Structural removal and index upkeep.

func (e *engine) removeBodyItem(item *Item) {
	for i, candidate := range e.body {
		if candidate == item {
			e.body = append(e.body[:i], e.body[i+1:]...)
			break
		}
	}
	e.forgetBodyItem(item)
}

// forgetBodyItem clears every index entry for an item leaving the
// sequence. Receipt state survives — a receipt pointing at an unloaded
// event is still the user's latest.
func (e *engine) forgetBodyItem(item *Item) {
	delete(e.byEventID, item.EventID)
	if !item.TxnID.IsZero() {
		delete(e.byTxnID, item.TxnID)
	}
	for _, reaction := range item.Reactions {
		for _, sender := range reaction.Senders {
			delete(e.reactionSource, sender.EventID)
		}
	}
	for _, edit := range item.Edits {
		delete(e.editSource, edit.EventID)
	}
	e.utds.forget(item.EventID)
	delete(e.utdRaw, item.EventID)
}

func (e *engine) removeFromTail(item *Item) {
	for i, candidate := range e.tail {
		if candidate == item {
			e.tail = append(e.tail[:i], e.tail[i+1:]...)
			return
		}
	}
}

// Sync intake.

func (e *engine) handleSyncRoom(joined *messaging.JoinedRoom) {
	if !followsSync(e.focus) {
		return
	}
	section := joined.Timeline
	if section.Limited && len(e.body) > 0 {
		e.resetForGap(section.PrevBatch)
	}
	if len(e.body) == 0 && e.back.token == "" && !e.back.exhausted && section.PrevBatch != "" {
		// First network batch primes the backward cursor.
		e.back.token = section.PrevBatch
	}
	if applied := e.applyRemoteEvents(section.Events); applied > 0 {
		e.log.Debug("applied sync events", "room", e.room, "new", applied)
	}
	e.applyEphemeral(joined.Ephemeral.Events)
	e.applyAccountData(joined.AccountData.Events)
	e.enforceWindow()
}

// resetForGap drops the loaded body when sync reports a gap: stitching
// events across an unknown span would present a false contiguity. The
// local tail survives — unsent messages are not the server's to drop.
func (e *engine) resetForGap(prevBatch string) {
	e.log.Info("sync gap, resetting timeline",
		"room", e.room, "dropped", len(e.body))
	for _, item := range e.body {
		e.forgetBodyItem(item)
	}
	e.body = e.body[:0]
	e.back = cursor{token: prevBatch}
	e.fwd = cursor{}
	e.forceReset = true
	e.markDirty()
}

// enforceWindow evicts the oldest body items once sync growth exceeds
// the window. The backward cursor becomes unknown; the next backward
// pagination re-derives a position from the oldest surviving item.
func (e *engine) enforceWindow() {
	if e.maxItems <= 0 || !followsSync(e.focus) {
		return
	}
	over := len(e.body) - e.maxItems
	if over <= 0 {
		return
	}
	for _, item := range e.body[:over] {
		e.forgetBodyItem(item)
	}
	e.body = append(e.body[:0], e.body[over:]...)
	e.back = cursor{}
	e.log.Debug("evicted oldest items", "room", e.room, "count", over)
	e.markDirty()
}

// checkBodyOrder verifies the ordering invariant, skipping items a
// local-echo merge pinned out of place. A violation means a bug
// upstream; the sequence self-heals by re-sorting. Slots genuinely
// move, so every stable ID is reassigned and subscribers get a reset.
func (e *engine) checkBodyOrder() {
	previous := -1
	broken := false
	for i, item := range e.body {
		if item.orderExempt {
			continue
		}
		if previous >= 0 && bodyBefore(item, e.body[previous]) {
			broken = true
			break
		}
		previous = i
	}
	if !broken {
		return
	}
	e.log.Error("timeline ordering invariant violated, re-sorting", "room", e.room)
	sortBody(e.body)
	for _, item := range e.body {
		item.StableID = e.allocStableID()
		item.orderExempt = false
	}
	e.forceReset = true
	e.markDirty()
}
