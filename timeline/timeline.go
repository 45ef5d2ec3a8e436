// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/loom/lib/clock"
	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/messaging"
)

// Chunk is one page of history from a pagination fetch. Events are in
// chronological order regardless of the direction fetched; an empty
// NextToken means the direction is exhausted.
type Chunk struct {
	Events    []messaging.Event
	NextToken string
}

// ContextChunk is a window of history around one event. Events are in
// chronological order and include the anchor. StartToken continues
// backward from the window, EndToken forward; an empty token means no
// more history on that side.
type ContextChunk struct {
	Events     []messaging.Event
	StartToken string
	EndToken   string
}

// Transport fetches history pages. Implementations normalize server
// responses to chronological order; SessionTransport adapts a
// messaging.Session.
type Transport interface {
	FetchPage(ctx context.Context, room ref.RoomID, direction Direction, token string, limit int) (Chunk, error)
	FetchContext(ctx context.Context, room ref.RoomID, event ref.EventID, limit int) (ContextChunk, error)
	FetchThread(ctx context.Context, room ref.RoomID, root ref.EventID, token string, limit int) (Chunk, error)
}

// Sender performs outgoing operations. Sends are idempotent by
// transaction ID: retrying a txn the server has seen returns the
// original event. SessionSender adapts a messaging.Session.
type Sender interface {
	SendMessage(ctx context.Context, room ref.RoomID, txn ref.TxnID, content *messaging.MessageContent) (ref.EventID, error)
	SendReaction(ctx context.Context, room ref.RoomID, txn ref.TxnID, target ref.EventID, key string) (ref.EventID, error)
	RedactEvent(ctx context.Context, room ref.RoomID, txn ref.TxnID, target ref.EventID, reason string) (ref.EventID, error)
	SendReceipt(ctx context.Context, room ref.RoomID, kind ReceiptKind, event ref.EventID, threadID string) error
	SetReadMarkers(ctx context.Context, room ref.RoomID, markers messaging.ReadMarkersRequest) error
}

// DecryptedEvent is the cleartext payload recovered from an
// m.room.encrypted envelope: the embedded event type and its content.
type DecryptedEvent struct {
	Type    ref.EventType
	Content json.RawMessage
}

// Decryptor recovers cleartext from encrypted events. A failure should
// be a *DecryptionError so the cause reaches diagnostics; any other
// error counts as CauseUnknown and stays retryable. Keys that arrive
// after the fact enter through [Timeline.ReportDecrypted].
type Decryptor interface {
	Decrypt(ctx context.Context, event *messaging.Event) (*DecryptedEvent, error)
}

// Store caches timeline history between runs. All methods are best
// effort from the timeline's point of view: a failing store degrades
// to re-fetching, never to wrong output.
type Store interface {
	// LoadRecent returns up to limit cached events for the room in
	// chronological order, plus the backward pagination token matching
	// the oldest of them.
	LoadRecent(ctx context.Context, room ref.RoomID, limit int) ([]messaging.Event, string, error)
	InsertEvents(ctx context.Context, room ref.RoomID, events []messaging.Event) error
	SetBackwardToken(ctx context.Context, room ref.RoomID, token string) error
	// Clear drops the room's cached events. Called when a sync gap
	// makes cached contiguity a lie.
	Clear(ctx context.Context, room ref.RoomID) error
	SaveSyncToken(ctx context.Context, token string) error
	LoadSyncToken(ctx context.Context) (string, error)
}

// defaultPageSize is the pagination fetch size when the config leaves
// PageSize zero.
const defaultPageSize = 50

// Config assembles a Timeline.
type Config struct {
	// Room is the room this timeline renders.
	Room ref.RoomID

	// OwnUser is the logged-in user: the sender of local echoes and
	// the owner of the read marker.
	OwnUser ref.UserID

	// Focus scopes the view: FocusLive, FocusThread, or
	// FocusEventContext. Immutable for the timeline's lifetime.
	Focus Focus

	// Transport fetches history. Required.
	Transport Transport

	// Sender performs outgoing operations. Nil makes the timeline
	// read-only: Send, Retry, ToggleReaction, Redact, MarkAsRead, and
	// SendReceipt return ErrReadOnly.
	Sender Sender

	// Decryptor recovers encrypted events. Nil leaves them as
	// undecryptable placeholders until ReportDecrypted supplies
	// cleartext.
	Decryptor Decryptor

	// Store caches history between runs. Optional.
	Store Store

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to discard.
	Logger *slog.Logger

	// Location is the timezone day dividers are computed in. Defaults
	// to UTC.
	Location *time.Location

	// MaxItems bounds the loaded window; 0 means unbounded. Live
	// timelines evict oldest on sync growth; context windows evict
	// from the end opposite the paginated one.
	MaxItems int

	// PageSize is the default pagination fetch size.
	PageSize int
}

// Validate reports the first problem with the config.
func (c *Config) Validate() error {
	if c.Room.IsZero() {
		return fmt.Errorf("config: Room is required")
	}
	if c.OwnUser.IsZero() {
		return fmt.Errorf("config: OwnUser is required")
	}
	if err := validateFocus(c.Focus); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Transport == nil {
		return fmt.Errorf("config: Transport is required")
	}
	if c.MaxItems < 0 {
		return fmt.Errorf("config: MaxItems must not be negative")
	}
	if c.PageSize < 0 {
		return fmt.Errorf("config: PageSize must not be negative")
	}
	return nil
}

// Timeline is a reconciled, focus-scoped view of one room's events:
// an ordered item sequence plus a diff stream describing its changes.
// All methods are safe for concurrent use.
type Timeline struct {
	cfg      Config
	log      *slog.Logger
	clk      clock.Clock
	pageSize int

	commands    chan func(*engine)
	done        chan struct{}
	sendKick    chan struct{}
	decryptJobs chan decryptJob

	closeOnce sync.Once
}

// New builds the timeline and starts its controller. ctx governs the
// timeline's lifetime: cancelling it closes the timeline exactly like
// Close. Priming I/O — the cache load for a live view, the anchor
// window for a context view, the first page of a thread — runs
// synchronously before the controller starts, so a returned timeline
// has content.
func New(ctx context.Context, cfg Config) (*Timeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With("room", cfg.Room)
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	t := &Timeline{
		cfg:         cfg,
		log:         log,
		clk:         clk,
		pageSize:    pageSize,
		commands:    make(chan func(*engine), commandBuffer),
		done:        make(chan struct{}),
		sendKick:    make(chan struct{}, 1),
		decryptJobs: make(chan decryptJob, decryptBuffer),
	}
	e := &engine{
		log:            log,
		clk:            clk,
		room:           cfg.Room,
		ownUser:        cfg.OwnUser,
		focus:          cfg.Focus,
		location:       location,
		maxItems:       cfg.MaxItems,
		pageSize:       pageSize,
		transport:      cfg.Transport,
		sender:         cfg.Sender,
		decryptor:      cfg.Decryptor,
		byEventID:      make(map[ref.EventID]*Item),
		byTxnID:        make(map[ref.TxnID]*Item),
		reactionSource: make(map[ref.EventID]ref.EventID),
		editSource:     make(map[ref.EventID]ref.EventID),
		receipts:       make(map[ref.UserID]receiptState),
		receiptsAt:     make(map[ref.EventID]map[ref.UserID]ReceiptKind),
		pendingRels:    newPendingRelations(log),
		utds:           newUTDTracker(log),
		utdRaw:         make(map[ref.EventID]*messaging.Event),
		dividers:       make(map[int64]*Item),
		subscribers:    make(map[*Subscription]struct{}),
		failedSends:    make(map[ref.TxnID]sendJob),
		sendKick:       t.sendKick,
		decryptJobs:    t.decryptJobs,
		commands:       t.commands,
		done:           t.done,
	}
	if err := t.prime(ctx, e); err != nil {
		return nil, err
	}
	e.flush()
	go e.run(ctx)
	if cfg.Sender != nil {
		go t.sendWorker()
	}
	if cfg.Decryptor != nil {
		go t.decryptWorker()
	}
	return t, nil
}

// prime seeds the engine before the controller starts, per focus: a
// context view loads its anchor window (a failure here is fatal, the
// window is the whole point), a thread view loads its newest page, a
// live view seeds from the cache when one is configured.
func (t *Timeline) prime(ctx context.Context, e *engine) error {
	switch focus := e.focus.(type) {
	case FocusEventContext:
		window := focus.Window
		if window <= 0 {
			window = defaultContextWindow
		}
		chunk, err := e.transport.FetchContext(ctx, e.room, focus.Event, window)
		if err != nil {
			return fmt.Errorf("timeline: loading context around %s: %w", focus.Event, err)
		}
		e.applyRemoteEvents(chunk.Events)
		e.back = cursor{token: chunk.StartToken, exhausted: chunk.StartToken == ""}
		e.fwd = cursor{token: chunk.EndToken, exhausted: chunk.EndToken == ""}
	case FocusThread:
		chunk, err := e.transport.FetchThread(ctx, e.room, focus.Root, "", e.pageSize)
		if err != nil {
			return fmt.Errorf("timeline: loading thread %s: %w", focus.Root, err)
		}
		e.applyRemoteEvents(chunk.Events)
		e.back = cursor{token: chunk.NextToken, exhausted: chunk.NextToken == ""}
	case FocusLive:
		if t.cfg.Store == nil {
			return nil
		}
		limit := e.pageSize
		if e.maxItems > 0 && e.maxItems < limit {
			limit = e.maxItems
		}
		events, token, err := t.cfg.Store.LoadRecent(ctx, e.room, limit)
		if err != nil {
			t.log.Warn("timeline cache load failed", "error", err)
			return nil
		}
		e.applyRemoteEvents(events)
		e.back.token = token
	}
	e.markDirty()
	return nil
}

// Close stops the controller and closes every subscriber channel.
// Blocks until shutdown completes. Safe to call more than once.
func (t *Timeline) Close() {
	t.closeOnce.Do(func() {
		t.submit(func(e *engine) { e.closing = true })
	})
	<-t.done
}

// submit queues a command without waiting for it. Dropped if the
// timeline closes first.
func (t *Timeline) submit(fn func(*engine)) {
	select {
	case t.commands <- fn:
	case <-t.done:
	}
}

// await queues a command and returns its result. ErrClosed after
// Close; ctx applies to both queueing and waiting.
func await[T any](ctx context.Context, t *Timeline, fn func(*engine) T) (T, error) {
	var zero T
	result := make(chan T, 1)
	command := func(e *engine) { result <- fn(e) }
	select {
	case t.commands <- command:
	case <-t.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case value := <-result:
		return value, nil
	case <-t.done:
		return zero, ErrClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (t *Timeline) do(ctx context.Context, fn func(*engine)) error {
	_, err := await(ctx, t, func(e *engine) struct{} {
		fn(e)
		return struct{}{}
	})
	return err
}

func (t *Timeline) doErr(ctx context.Context, fn func(*engine) error) error {
	result, err := await(ctx, t, fn)
	if err != nil {
		return err
	}
	return result
}

// Subscribe registers a diff-stream consumer and returns it together
// with the current item sequence. Diffs delivered on the subscription
// apply to exactly that snapshot: there is no gap and no overlap
// between the two.
func (t *Timeline) Subscribe(ctx context.Context) (*Subscription, []*Item, error) {
	sub := &Subscription{t: t, ch: make(chan []Diff, subscriberBuffer)}
	snapshot, err := await(ctx, t, func(e *engine) []*Item {
		// Flush before registering: pending changes go to existing
		// subscribers, and the snapshot is exactly the state the new
		// subscription's diffs will apply to.
		e.flush()
		e.subscribers[sub] = struct{}{}
		return e.snapshotItems()
	})
	if err != nil {
		return nil, nil, err
	}
	return sub, snapshot, nil
}

// Snapshot returns a detached copy of the current item sequence,
// reflecting every operation that completed before the call.
func (t *Timeline) Snapshot(ctx context.Context) ([]*Item, error) {
	return await(ctx, t, func(e *engine) []*Item {
		e.flush()
		return e.snapshotItems()
	})
}

// HandleSync feeds one room's slice of a sync response into the
// timeline: timeline events, ephemeral receipts, and account data.
// RunLive calls this internally; embedders driving their own sync loop
// call it directly. Detached context views ignore sync.
func (t *Timeline) HandleSync(ctx context.Context, joined *messaging.JoinedRoom) error {
	if joined == nil {
		return nil
	}
	return t.do(ctx, func(e *engine) { e.handleSyncRoom(joined) })
}

// ReportDecrypted delivers late-arriving cleartext for an encrypted
// event, typically after a key became available. A placeholder whose
// cleartext turns out renderable is replaced in place, keeping its
// position and identity; one that decrypts to something this view
// cannot show is removed.
func (t *Timeline) ReportDecrypted(ctx context.Context, event ref.EventID, decrypted *DecryptedEvent) error {
	if decrypted == nil {
		return nil
	}
	return t.do(ctx, func(e *engine) { e.reportDecrypted(event, decrypted) })
}

// Unread counts loaded items from other senders past the own user's
// read receipt.
func (t *Timeline) Unread(ctx context.Context) (int, error) {
	return await(ctx, t, func(e *engine) int { return e.unreadCount() })
}

// UTDStats reports undecryptable-event diagnostics.
func (t *Timeline) UTDStats(ctx context.Context) (UTDStats, error) {
	return await(ctx, t, func(e *engine) UTDStats { return e.utds.snapshot() })
}

func (e *engine) unreadCount() int {
	start := 0
	if state, ok := e.receipts[e.ownUser]; ok {
		if index, ok := e.bodyIndex(state.event); ok {
			start = index + 1
		}
	}
	count := 0
	for _, item := range e.body[start:] {
		if item.Sender == e.ownUser {
			continue
		}
		switch item.Content.Kind {
		case ContentMessage, ContentUTD:
			count++
		}
	}
	return count
}
