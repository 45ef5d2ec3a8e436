// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"context"
	"slices"

	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/messaging"
)

// SessionTransport adapts a messaging.Session to the Transport
// interface. The server returns backward pages newest-first; the
// adapter reverses them so every Chunk is chronological.
type SessionTransport struct {
	Session *messaging.Session
}

func (st *SessionTransport) FetchPage(ctx context.Context, room ref.RoomID, direction Direction, token string, limit int) (Chunk, error) {
	dir := "b"
	if direction == DirectionForward {
		dir = "f"
	}
	resp, err := st.Session.RoomMessages(ctx, room, messaging.RoomMessagesOptions{
		From:      token,
		Direction: dir,
		Limit:     limit,
	})
	if err != nil {
		return Chunk{}, err
	}
	events := resp.Chunk
	if direction == DirectionBackward {
		slices.Reverse(events)
	}
	// The server omits the end token when the fetch hit the edge of
	// visible history; an empty NextToken marks the direction
	// exhausted.
	return Chunk{Events: events, NextToken: resp.End}, nil
}

func (st *SessionTransport) FetchContext(ctx context.Context, room ref.RoomID, event ref.EventID, limit int) (ContextChunk, error) {
	resp, err := st.Session.RoomContext(ctx, room, event, messaging.ContextOptions{Limit: limit})
	if err != nil {
		return ContextChunk{}, err
	}
	// events_before is closest-first; flipped, it prepends in
	// chronological order.
	events := make([]messaging.Event, 0, len(resp.EventsBefore)+1+len(resp.EventsAfter))
	for i := len(resp.EventsBefore) - 1; i >= 0; i-- {
		events = append(events, resp.EventsBefore[i])
	}
	if resp.Event != nil {
		events = append(events, *resp.Event)
	}
	events = append(events, resp.EventsAfter...)
	return ContextChunk{Events: events, StartToken: resp.Start, EndToken: resp.End}, nil
}

func (st *SessionTransport) FetchThread(ctx context.Context, room ref.RoomID, root ref.EventID, token string, limit int) (Chunk, error) {
	resp, err := st.Session.RoomRelations(ctx, room, root, messaging.RelThread, messaging.RelationsOptions{
		From:      token,
		Direction: "b",
		Limit:     limit,
	})
	if err != nil {
		return Chunk{}, err
	}
	events := resp.Chunk
	slices.Reverse(events)
	return Chunk{Events: events, NextToken: resp.NextBatch}, nil
}

// SessionSender adapts a messaging.Session to the Sender interface.
type SessionSender struct {
	Session *messaging.Session
}

func (ss *SessionSender) SendMessage(ctx context.Context, room ref.RoomID, txn ref.TxnID, content *messaging.MessageContent) (ref.EventID, error) {
	return ss.Session.SendMessage(ctx, room, txn, *content)
}

func (ss *SessionSender) SendReaction(ctx context.Context, room ref.RoomID, txn ref.TxnID, target ref.EventID, key string) (ref.EventID, error) {
	content := messaging.ReactionContent{RelatesTo: messaging.RelatesTo{
		RelType: messaging.RelAnnotation,
		EventID: target,
		Key:     key,
	}}
	return ss.Session.SendEvent(ctx, room, messaging.EventTypeReaction, txn, content)
}

func (ss *SessionSender) RedactEvent(ctx context.Context, room ref.RoomID, txn ref.TxnID, target ref.EventID, reason string) (ref.EventID, error) {
	return ss.Session.RedactEvent(ctx, room, target, txn, reason)
}

func (ss *SessionSender) SendReceipt(ctx context.Context, room ref.RoomID, kind ReceiptKind, event ref.EventID, threadID string) error {
	return ss.Session.SendReceipt(ctx, room, string(kind), event, threadID)
}

func (ss *SessionSender) SetReadMarkers(ctx context.Context, room ref.RoomID, markers messaging.ReadMarkersRequest) error {
	return ss.Session.SetReadMarkers(ctx, room, markers)
}
