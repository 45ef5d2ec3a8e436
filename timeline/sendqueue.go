// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"fmt"
	"slices"

	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/messaging"
)

// decryptBuffer is the depth of the decryption job queue. Submission
// never blocks the controller: a full queue drops the job, and the
// next duplicate delivery or ReportDecrypted call gets another chance.
const decryptBuffer = 64

type jobKind int

const (
	jobMessage jobKind = iota
	jobReaction
	jobRedaction
	jobReceipt
	jobReadMarkers
)

// sendJob is one unit of outgoing work. Jobs run strictly in enqueue
// order, one at a time, so sends arrive at the server in the order the
// user issued them.
type sendJob struct {
	kind jobKind
	txn  ref.TxnID

	message *messaging.MessageContent // jobMessage

	target ref.EventID // jobReaction, jobRedaction, jobReceipt
	key    string      // jobReaction
	reason string      // jobRedaction

	receiptKind ReceiptKind // jobReceipt
	threadID    string      // jobReceipt

	markers messaging.ReadMarkersRequest // jobReadMarkers
}

type decryptJob struct {
	id    ref.EventID
	event *messaging.Event
}

// Send composes a local echo and queues the message for delivery. The
// echo appears in the local tail immediately with SendPending state;
// the returned transaction ID is the handle for Retry and Cancel.
// Under a thread focus the thread relation is filled in automatically
// unless the content already carries an explicit one.
func (t *Timeline) Send(ctx context.Context, content *messaging.MessageContent) (ref.TxnID, error) {
	if t.cfg.Sender == nil {
		return ref.TxnID{}, ErrReadOnly
	}
	if content == nil || content.Body == "" {
		return ref.TxnID{}, fmt.Errorf("timeline: message body is empty")
	}
	if !allowsSend(t.cfg.Focus) {
		return ref.TxnID{}, ErrNotApplicable
	}
	return await(ctx, t, func(e *engine) ref.TxnID {
		txn := e.newTxnID()
		filled := e.fillThreadRelation(content)
		e.beginLocalSend(txn, filled)
		e.enqueueSend(sendJob{kind: jobMessage, txn: txn, message: filled})
		return txn
	})
}

// Retry re-queues a failed send. The echo returns to SendPending and
// the job joins the back of the queue; the transaction ID is reused,
// so a send the server already accepted cannot duplicate.
func (t *Timeline) Retry(ctx context.Context, txn ref.TxnID) error {
	if t.cfg.Sender == nil {
		return ErrReadOnly
	}
	return t.doErr(ctx, func(e *engine) error {
		echo, ok := e.byTxnID[txn]
		if !ok || !echo.IsLocalEcho() {
			return ErrUnknownTransaction
		}
		switch echo.SendState {
		case SendPending:
			return ErrSendInFlight
		case SendSent:
			return ErrAlreadySent
		}
		job, ok := e.failedSends[txn]
		if !ok {
			return ErrUnknownTransaction
		}
		delete(e.failedSends, txn)
		echo.SendState = SendPending
		echo.SendError = nil
		echo.touch()
		e.enqueueSend(job)
		e.markDirty()
		return nil
	})
}

// Cancel discards an unsent echo: one whose send failed, or one still
// waiting in the queue. A send already on the wire cannot be cancelled
// (the server may have accepted it), and neither can one that
// succeeded.
func (t *Timeline) Cancel(ctx context.Context, txn ref.TxnID) error {
	return t.doErr(ctx, func(e *engine) error {
		echo, ok := e.byTxnID[txn]
		if !ok || !echo.IsLocalEcho() {
			return ErrUnknownTransaction
		}
		switch echo.SendState {
		case SendPending:
			if !e.dropQueuedSend(txn) {
				return ErrSendInFlight
			}
		case SendFailed:
			delete(e.failedSends, txn)
		case SendSent:
			return ErrAlreadySent
		}
		e.removeEcho(echo)
		return nil
	})
}

// ToggleReaction adds the own user's reaction with the given key to an
// event, or removes it if already present. The local state flips
// immediately; the server operation follows through the send queue and
// reconciles on its sync echo.
func (t *Timeline) ToggleReaction(ctx context.Context, event ref.EventID, key string) error {
	if t.cfg.Sender == nil {
		return ErrReadOnly
	}
	if key == "" {
		return fmt.Errorf("timeline: reaction key is empty")
	}
	return t.doErr(ctx, func(e *engine) error {
		return e.toggleReaction(event, key)
	})
}

// Redact asks the server to redact an event. No optimistic blanking:
// the item blanks when the redaction arrives over sync, which also
// covers redactions of the same event by others.
func (t *Timeline) Redact(ctx context.Context, event ref.EventID, reason string) error {
	if t.cfg.Sender == nil {
		return ErrReadOnly
	}
	return t.doErr(ctx, func(e *engine) error {
		if _, ok := e.byEventID[event]; !ok {
			return ErrUnknownEvent
		}
		e.enqueueSend(sendJob{kind: jobRedaction, txn: e.newTxnID(), target: event, reason: reason})
		return nil
	})
}

// MarkAsRead moves the own user's read receipt to the newest loaded
// item and sends it with the given kind. The marker moves immediately;
// redundant calls (already at the newest item) are a no-op. In a live
// view the fully-read marker advances with the receipt; in a thread
// view the receipt is scoped to the thread.
func (t *Timeline) MarkAsRead(ctx context.Context, kind ReceiptKind) error {
	if t.cfg.Sender == nil {
		return ErrReadOnly
	}
	return t.doErr(ctx, func(e *engine) error {
		if _, detached := e.focus.(FocusEventContext); detached {
			return ErrNotApplicable
		}
		target := e.newestReadTarget()
		if target.IsZero() {
			return nil
		}
		if state, ok := e.receipts[e.ownUser]; ok && state.event == target {
			return nil
		}
		e.applyReceipt(e.ownUser, target, kind, e.clk.Now().UnixMilli())
		e.enqueueSend(e.readJob(kind, target))
		return nil
	})
}

// SendReceipt records and sends the own user's read receipt for a
// specific loaded event, scoped to the focus's thread when there is
// one.
func (t *Timeline) SendReceipt(ctx context.Context, kind ReceiptKind, event ref.EventID) error {
	if t.cfg.Sender == nil {
		return ErrReadOnly
	}
	return t.doErr(ctx, func(e *engine) error {
		if _, ok := e.byEventID[event]; !ok {
			return ErrUnknownEvent
		}
		e.applyReceipt(e.ownUser, event, kind, e.clk.Now().UnixMilli())
		threadID := ""
		if root := threadRootOf(e.focus); !root.IsZero() {
			threadID = root.String()
		}
		e.enqueueSend(sendJob{kind: jobReceipt, receiptKind: kind, target: event, threadID: threadID})
		return nil
	})
}

// Engine-side send machinery. Everything below runs on the controller
// goroutine except the workers at the bottom.

func (e *engine) newTxnID() ref.TxnID {
	e.txnCounter++
	txn, _ := ref.ParseTxnID(fmt.Sprintf("loom-%d-%d", e.clk.Now().UnixMilli(), e.txnCounter))
	return txn
}

func (e *engine) enqueueSend(job sendJob) {
	e.sendQueue = append(e.sendQueue, job)
	select {
	case e.sendKick <- struct{}{}:
	default:
	}
}

// dropQueuedSend removes a not-yet-started job from the queue.
func (e *engine) dropQueuedSend(txn ref.TxnID) bool {
	for i, job := range e.sendQueue {
		if job.txn == txn {
			e.sendQueue = slices.Delete(e.sendQueue, i, i+1)
			return true
		}
	}
	return false
}

func (e *engine) dropQueuedReaction(target ref.EventID, key string) bool {
	for i, job := range e.sendQueue {
		if job.kind == jobReaction && job.target == target && job.key == key {
			e.sendQueue = slices.Delete(e.sendQueue, i, i+1)
			return true
		}
	}
	return false
}

// removeEcho discards a cancelled echo and its index entries.
func (e *engine) removeEcho(echo *Item) {
	e.removeFromTail(echo)
	delete(e.byTxnID, echo.TxnID)
	if !echo.EventID.IsZero() {
		delete(e.byEventID, echo.EventID)
	}
	e.markDirty()
}

// fillThreadRelation attaches the focus's thread to outgoing content
// carrying no explicit relation, with a reply fallback to the latest
// thread event so clients that do not render threads still show the
// message in context.
func (e *engine) fillThreadRelation(content *messaging.MessageContent) *messaging.MessageContent {
	root := threadRootOf(e.focus)
	if root.IsZero() || content.RelatesTo != nil {
		return content
	}
	relates := &messaging.RelatesTo{RelType: messaging.RelThread, EventID: root}
	if latest := e.latestThreadEvent(root); !latest.IsZero() {
		relates.IsFallingBack = true
		relates.InReplyTo = &messaging.InReplyTo{EventID: latest}
	}
	filled := *content
	filled.RelatesTo = relates
	return &filled
}

func (e *engine) latestThreadEvent(root ref.EventID) ref.EventID {
	for i := len(e.body) - 1; i >= 0; i-- {
		item := e.body[i]
		if !item.EventID.IsZero() && (item.ThreadRoot == root || item.EventID == root) {
			return item.EventID
		}
	}
	return ref.EventID{}
}

// newestReadTarget is the newest body item a receipt can reference.
func (e *engine) newestReadTarget() ref.EventID {
	for i := len(e.body) - 1; i >= 0; i-- {
		if id := e.body[i].EventID; !id.IsZero() {
			return id
		}
	}
	return ref.EventID{}
}

// readJob builds the server call matching a MarkAsRead: the
// read_markers endpoint for a live view (receipt and fully-read marker
// advance together), a thread-scoped receipt for a thread view.
func (e *engine) readJob(kind ReceiptKind, target ref.EventID) sendJob {
	if root := threadRootOf(e.focus); !root.IsZero() {
		return sendJob{kind: jobReceipt, receiptKind: kind, target: target, threadID: root.String()}
	}
	id := target
	markers := messaging.ReadMarkersRequest{FullyRead: &id}
	switch kind {
	case ReceiptPrivate:
		markers.ReadPrivate = &id
	case ReceiptPublic:
		markers.Read = &id
	}
	return sendJob{kind: jobReadMarkers, markers: markers}
}

func (e *engine) toggleReaction(target ref.EventID, key string) error {
	item, ok := e.byEventID[target]
	if !ok {
		return ErrUnknownEvent
	}
	if entry := item.reactionEntry(key); entry != nil {
		for _, sender := range entry.Senders {
			if sender.Sender != e.ownUser {
				continue
			}
			if sender.Pending {
				// Not on the wire yet: drop the queued job along with
				// the local entry.
				e.dropQueuedReaction(target, key)
				item.removeReactionBySender(key, e.ownUser)
			} else {
				reactionEvent, _ := item.removeReactionBySender(key, e.ownUser)
				delete(e.reactionSource, reactionEvent)
				e.enqueueSend(sendJob{kind: jobRedaction, txn: e.newTxnID(), target: reactionEvent})
			}
			item.touch()
			e.markDirty()
			return nil
		}
	}
	item.addReaction(key, ReactionSender{Sender: e.ownUser, Pending: true})
	item.touch()
	e.markDirty()
	e.enqueueSend(sendJob{kind: jobReaction, txn: e.newTxnID(), target: target, key: key})
	return nil
}

// confirmReaction records the event ID the server assigned to our
// reaction so a later toggle can redact it.
func (e *engine) confirmReaction(target ref.EventID, key string, id ref.EventID) {
	e.reactionSource[id] = target
	item, ok := e.byEventID[target]
	if !ok {
		return
	}
	entry := item.reactionEntry(key)
	if entry == nil {
		return
	}
	for i := range entry.Senders {
		if entry.Senders[i].Sender == e.ownUser {
			entry.Senders[i].EventID = id
			entry.Senders[i].Pending = false
			item.touch()
			e.markDirty()
			return
		}
	}
}

// failReaction rolls back the optimistic entry of a reaction whose
// send failed.
func (e *engine) failReaction(target ref.EventID, key string, sendErr error) {
	e.log.Warn("reaction send failed", "target", target, "key", key, "error", sendErr)
	item, ok := e.byEventID[target]
	if !ok {
		return
	}
	entry := item.reactionEntry(key)
	if entry == nil {
		return
	}
	for _, sender := range entry.Senders {
		if sender.Sender == e.ownUser && sender.Pending {
			item.removeReactionBySender(key, e.ownUser)
			item.touch()
			e.markDirty()
			return
		}
	}
}

// failMessageSend marks the echo failed and parks the job for Retry.
func (e *engine) failMessageSend(job sendJob, sendErr error) {
	if e.failLocalSend(job.txn, sendErr) {
		e.failedSends[job.txn] = job
	}
}

// submitDecrypt queues a decryption attempt for an undecryptable item.
func (e *engine) submitDecrypt(id ref.EventID) {
	if e.decryptor == nil {
		return
	}
	raw, ok := e.utdRaw[id]
	if !ok {
		return
	}
	select {
	case e.decryptJobs <- decryptJob{id: id, event: raw}:
	default:
	}
}

// sendWorker drains the send queue: one job at a time, in order. It
// runs on its own goroutine; queue access goes through controller
// commands.
func (t *Timeline) sendWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-t.done
		cancel()
	}()
	for {
		select {
		case <-t.done:
			return
		case <-t.sendKick:
		}
		for {
			job, ok := t.nextSendJob()
			if !ok {
				break
			}
			t.runSendJob(ctx, job)
		}
	}
}

func (t *Timeline) nextSendJob() (sendJob, bool) {
	type head struct {
		job sendJob
		ok  bool
	}
	result, err := await(context.Background(), t, func(e *engine) head {
		if len(e.sendQueue) == 0 {
			return head{}
		}
		job := e.sendQueue[0]
		e.sendQueue = append(e.sendQueue[:0], e.sendQueue[1:]...)
		return head{job: job, ok: true}
	})
	if err != nil || !result.ok {
		return sendJob{}, false
	}
	return result.job, true
}

func (t *Timeline) runSendJob(ctx context.Context, job sendJob) {
	sender := t.cfg.Sender
	room := t.cfg.Room
	switch job.kind {
	case jobMessage:
		id, err := sender.SendMessage(ctx, room, job.txn, job.message)
		if err != nil {
			t.submit(func(e *engine) { e.failMessageSend(job, err) })
			return
		}
		t.submit(func(e *engine) { e.confirmLocalSend(job.txn, id) })
	case jobReaction:
		id, err := sender.SendReaction(ctx, room, job.txn, job.target, job.key)
		if err != nil {
			t.submit(func(e *engine) { e.failReaction(job.target, job.key, err) })
			return
		}
		t.submit(func(e *engine) { e.confirmReaction(job.target, job.key, id) })
	case jobRedaction:
		if _, err := sender.RedactEvent(ctx, room, job.txn, job.target, job.reason); err != nil {
			t.log.Warn("redaction failed", "target", job.target, "error", err)
		}
	case jobReceipt:
		if err := sender.SendReceipt(ctx, room, job.receiptKind, job.target, job.threadID); err != nil {
			t.log.Warn("receipt send failed", "event", job.target, "error", err)
		}
	case jobReadMarkers:
		if err := sender.SetReadMarkers(ctx, room, job.markers); err != nil {
			t.log.Warn("read marker update failed", "error", err)
		}
	}
}

// decryptWorker runs decryption attempts off the controller goroutine
// and reports outcomes back as commands.
func (t *Timeline) decryptWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-t.done
		cancel()
	}()
	for {
		select {
		case <-t.done:
			return
		case job := <-t.decryptJobs:
			decrypted, err := t.cfg.Decryptor.Decrypt(ctx, job.event)
			if err != nil {
				cause := causeOf(err)
				t.submit(func(e *engine) { e.decryptFailed(job.id, cause) })
				continue
			}
			t.submit(func(e *engine) { e.reportDecrypted(job.id, decrypted) })
		}
	}
}
