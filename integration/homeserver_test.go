// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package integration_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/messaging"
)

const testAccessToken = "integration-token"

// homeserver is an in-process Matrix homeserver fragment serving one
// room: an append-only event log behind the sync, messages, send,
// receipt, and read-markers endpoints, with enough long-poll behavior
// to drive RunLive. Tokens are positions in the log: sync tokens
// ("s<n>") mark how much a client has consumed, pagination tokens
// ("t<n>") mark the boundary before index n.
type homeserver struct {
	t    *testing.T
	room ref.RoomID
	user ref.UserID

	// syncWindow caps the timeline section of an initial sync, the
	// way a real server jumps to the newest events and leaves the
	// rest to back-pagination.
	syncWindow int

	mu          sync.Mutex
	events      []messaging.Event
	byTxn       map[string]ref.EventID
	ephemeral   []messaging.Event
	accountData []messaging.Event
	wake        chan struct{}
	counter     int
	baseTS      int64
	messages    int

	markers chan messaging.ReadMarkersRequest

	server *httptest.Server
}

func newHomeserver(t *testing.T, room ref.RoomID, user ref.UserID) *homeserver {
	hs := &homeserver{
		t:          t,
		room:       room,
		user:       user,
		syncWindow: 5,
		byTxn:      make(map[string]ref.EventID),
		wake:       make(chan struct{}),
		baseTS:     1700000000000,
		markers:    make(chan messaging.ReadMarkersRequest, 8),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /_matrix/client/v3/sync", hs.handleSync)
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{room}/messages", hs.handleMessages)
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{room}/send/{type}/{txn}", hs.handleSend)
	mux.HandleFunc("POST /_matrix/client/v3/rooms/{room}/receipt/{type}/{event}", hs.handleReceipt)
	mux.HandleFunc("POST /_matrix/client/v3/rooms/{room}/read_markers", hs.handleReadMarkers)
	hs.server = httptest.NewServer(mux)
	t.Cleanup(hs.server.Close)
	return hs
}

// newSession builds a real messaging client pointed at the fake.
func (hs *homeserver) newSession(t *testing.T) *messaging.Session {
	t.Helper()
	client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: hs.server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	session, err := client.SessionFromToken(hs.user, ref.MustParseDeviceID("ITEST"), testAccessToken)
	if err != nil {
		t.Fatalf("SessionFromToken failed: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

// injectMessage appends a remote m.room.message to the log and wakes
// long-polling sync requests.
func (hs *homeserver) injectMessage(sender ref.UserID, body string) messaging.Event {
	content, err := json.Marshal(messaging.NewTextMessage(body))
	if err != nil {
		hs.t.Fatalf("marshaling message: %v", err)
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()
	event := hs.appendLocked(messaging.Event{
		Type:    messaging.EventTypeMessage,
		Sender:  sender,
		Content: content,
	})
	return event
}

func (hs *homeserver) seedMessages(sender ref.UserID, n int) {
	for i := 1; i <= n; i++ {
		hs.injectMessage(sender, fmt.Sprintf("history %d", i))
	}
}

func (hs *homeserver) messagesCalls() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.messages
}

// appendLocked assigns an event ID and timestamp, appends, and wakes
// pollers. Timestamps step one second per event so ordering never
// depends on the wall clock.
func (hs *homeserver) appendLocked(event messaging.Event) messaging.Event {
	hs.counter++
	event.EventID = ref.MustParseEventID(fmt.Sprintf("$e%d:test", hs.counter))
	event.OriginServerTS = hs.baseTS + int64(hs.counter)*1000
	hs.events = append(hs.events, event)
	close(hs.wake)
	hs.wake = make(chan struct{})
	return event
}

func (hs *homeserver) authorized(writer http.ResponseWriter, request *http.Request) bool {
	if request.Header.Get("Authorization") == "Bearer "+testAccessToken {
		return true
	}
	writer.WriteHeader(http.StatusUnauthorized)
	fmt.Fprint(writer, `{"errcode": "M_UNKNOWN_TOKEN", "error": "bad token"}`)
	return false
}

func (hs *homeserver) writeJSON(writer http.ResponseWriter, value any) {
	writer.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(value); err != nil {
		hs.t.Errorf("encoding response: %v", err)
	}
}

func (hs *homeserver) handleSync(writer http.ResponseWriter, request *http.Request) {
	if !hs.authorized(writer, request) {
		return
	}
	query := request.URL.Query()
	if query.Get("filter") == "" {
		hs.t.Error("sync request carries no filter")
	}
	since := 0
	if raw := query.Get("since"); raw != "" {
		parsed, err := strconv.Atoi(raw[1:])
		if err != nil || raw[0] != 's' {
			hs.t.Errorf("bad since token %q", raw)
		}
		since = parsed
	}
	timeoutMilliseconds, _ := strconv.Atoi(query.Get("timeout"))

	hs.mu.Lock()
	if since >= len(hs.events) && len(hs.ephemeral) == 0 && len(hs.accountData) == 0 && timeoutMilliseconds > 0 {
		// Nothing new: long-poll until activity, capped well below
		// the client's timeout so idle tests stay fast.
		waitCh := hs.wake
		hs.mu.Unlock()
		select {
		case <-waitCh:
		case <-time.After(300 * time.Millisecond):
		case <-request.Context().Done():
			return
		}
		hs.mu.Lock()
	}

	var joined messaging.JoinedRoom
	if since == 0 {
		start := max(0, len(hs.events)-hs.syncWindow)
		joined.Timeline.Events = append([]messaging.Event(nil), hs.events[start:]...)
		joined.Timeline.PrevBatch = fmt.Sprintf("t%d", start)
	} else if since < len(hs.events) {
		joined.Timeline.Events = append([]messaging.Event(nil), hs.events[since:]...)
		joined.Timeline.PrevBatch = fmt.Sprintf("t%d", since)
	}
	joined.Ephemeral.Events = hs.ephemeral
	hs.ephemeral = nil
	joined.AccountData.Events = hs.accountData
	hs.accountData = nil
	next := fmt.Sprintf("s%d", len(hs.events))
	hs.mu.Unlock()

	hs.writeJSON(writer, messaging.SyncResponse{
		NextBatch: next,
		Rooms: messaging.RoomsSection{
			Join: map[ref.RoomID]messaging.JoinedRoom{hs.room: joined},
		},
	})
}

func (hs *homeserver) handleMessages(writer http.ResponseWriter, request *http.Request) {
	if !hs.authorized(writer, request) {
		return
	}
	query := request.URL.Query()
	from := query.Get("from")
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = 10
	}
	boundary := 0
	if from != "" && from[0] == 't' {
		boundary, _ = strconv.Atoi(from[1:])
	}

	hs.mu.Lock()
	hs.messages++
	response := messaging.RoomMessagesResponse{Start: from}
	switch query.Get("dir") {
	case "f":
		end := min(len(hs.events), boundary+limit)
		response.Chunk = append([]messaging.Event(nil), hs.events[boundary:end]...)
		if end < len(hs.events) {
			response.End = fmt.Sprintf("t%d", end)
		}
	default: // "b": newest first
		start := max(0, boundary-limit)
		for i := boundary - 1; i >= start; i-- {
			response.Chunk = append(response.Chunk, hs.events[i])
		}
		if start > 0 {
			response.End = fmt.Sprintf("t%d", start)
		}
	}
	hs.mu.Unlock()

	hs.writeJSON(writer, response)
}

func (hs *homeserver) handleSend(writer http.ResponseWriter, request *http.Request) {
	if !hs.authorized(writer, request) {
		return
	}
	eventType := request.PathValue("type")
	txn := request.PathValue("txn")
	var content json.RawMessage
	if err := json.NewDecoder(request.Body).Decode(&content); err != nil {
		hs.t.Errorf("bad send body: %v", err)
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()
	// Idempotent PUT: a replayed transaction returns the original ID.
	if id, ok := hs.byTxn[txn]; ok {
		hs.writeJSON(writer, messaging.SendEventResponse{EventID: id})
		return
	}
	event := hs.appendLocked(messaging.Event{
		Type:     ref.EventType(eventType),
		Sender:   hs.user,
		Content:  content,
		Unsigned: &messaging.EventUnsigned{TransactionID: ref.MustParseTxnID(txn)},
	})
	hs.byTxn[txn] = event.EventID
	hs.writeJSON(writer, messaging.SendEventResponse{EventID: event.EventID})
}

func (hs *homeserver) handleReceipt(writer http.ResponseWriter, request *http.Request) {
	if !hs.authorized(writer, request) {
		return
	}
	var body messaging.ReceiptRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		hs.t.Errorf("bad receipt body: %v", err)
	}
	hs.queueReceipt(request.PathValue("type"), request.PathValue("event"), body.ThreadID)
	hs.writeJSON(writer, struct{}{})
}

func (hs *homeserver) handleReadMarkers(writer http.ResponseWriter, request *http.Request) {
	if !hs.authorized(writer, request) {
		return
	}
	var body messaging.ReadMarkersRequest
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		hs.t.Errorf("bad read markers body: %v", err)
	}
	hs.markers <- body

	if body.FullyRead != nil {
		content, _ := json.Marshal(messaging.FullyReadContent{EventID: *body.FullyRead})
		hs.mu.Lock()
		hs.accountData = append(hs.accountData, messaging.Event{
			Type:    messaging.EventTypeFullyRead,
			Content: content,
		})
		close(hs.wake)
		hs.wake = make(chan struct{})
		hs.mu.Unlock()
	}
	if body.Read != nil {
		hs.queueReceipt(messaging.ReceiptRead, body.Read.String(), "")
	}
	if body.ReadPrivate != nil {
		hs.queueReceipt(messaging.ReceiptReadPrivate, body.ReadPrivate.String(), "")
	}
	hs.writeJSON(writer, struct{}{})
}

// queueReceipt stages an m.receipt ephemeral event for the next sync.
func (hs *homeserver) queueReceipt(receiptType, eventID, threadID string) {
	receipt := messaging.ReceiptContent{
		eventID: {
			receiptType: {
				hs.user.String(): messaging.ReceiptData{
					Timestamp: time.Now().UnixMilli(),
					ThreadID:  threadID,
				},
			},
		},
	}
	content, err := json.Marshal(receipt)
	if err != nil {
		hs.t.Errorf("marshaling receipt: %v", err)
		return
	}
	hs.mu.Lock()
	hs.ephemeral = append(hs.ephemeral, messaging.Event{
		Type:    messaging.EventTypeReceipt,
		Content: content,
	})
	close(hs.wake)
	hs.wake = make(chan struct{})
	hs.mu.Unlock()
}
