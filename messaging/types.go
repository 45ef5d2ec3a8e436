// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"encoding/json"

	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/lib/secret"
)

// Event types the timeline engine understands. Everything else passes
// through as an opaque envelope.
const (
	EventTypeMessage    ref.EventType = "m.room.message"
	EventTypeReaction   ref.EventType = "m.reaction"
	EventTypeRedaction  ref.EventType = "m.room.redaction"
	EventTypeEncrypted  ref.EventType = "m.room.encrypted"
	EventTypeMember     ref.EventType = "m.room.member"
	EventTypeCreate     ref.EventType = "m.room.create"
	EventTypeName       ref.EventType = "m.room.name"
	EventTypeTopic      ref.EventType = "m.room.topic"
	EventTypeAvatar     ref.EventType = "m.room.avatar"
	EventTypeEncryption ref.EventType = "m.room.encryption"
	EventTypeReceipt    ref.EventType = "m.receipt"
	EventTypeFullyRead  ref.EventType = "m.fully_read"
)

// Relation types (m.relates_to rel_type values).
const (
	RelThread     = "m.thread"
	RelReplace    = "m.replace"
	RelAnnotation = "m.annotation"
)

// Message types (msgtype values) for m.room.message content.
const (
	MsgText   = "m.text"
	MsgEmote  = "m.emote"
	MsgNotice = "m.notice"
)

// Receipt types for the /receipt endpoint and m.receipt ephemeral events.
const (
	ReceiptRead        = "m.read"
	ReceiptReadPrivate = "m.read.private"
)

// Membership states for m.room.member content.
const (
	MembershipJoin   = "join"
	MembershipLeave  = "leave"
	MembershipInvite = "invite"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

// FormatCustomHTML is the only value of MessageContent.Format the
// Matrix spec defines.
const FormatCustomHTML = "org.matrix.custom.html"

// ThreadMain is the thread_id value receipts use for the unthreaded
// (main) timeline, as opposed to a thread root event ID.
const ThreadMain = "main"

// RegisterRequest holds parameters for registering a new Matrix account.
// Password and RegistrationToken are stored in mmap-backed buffers (locked
// against swap, excluded from core dumps). The caller retains ownership of
// the buffers — Register reads from them but does not close them.
type RegisterRequest struct {
	Username          string
	Password          *secret.Buffer
	RegistrationToken *secret.Buffer
}

// AuthResponse is returned by Register and Login.
type AuthResponse struct {
	UserID      ref.UserID   `json:"user_id"`
	AccessToken string       `json:"access_token"`
	DeviceID    ref.DeviceID `json:"device_id"`
}

// LoginRequest is the request body for password login.
type LoginRequest struct {
	Type                     string `json:"type"`
	User                     string `json:"user"`
	Password                 string `json:"password"`
	DeviceID                 string `json:"device_id,omitempty"`
	InitialDeviceDisplayName string `json:"initial_device_display_name,omitempty"`
}

// Event represents a Matrix event from the server: a timeline event,
// a state event, or an ephemeral event (which has no event ID or
// timestamp). Content stays raw JSON — the timeline package decodes it
// per event so a malformed body poisons one item, not the whole
// response.
type Event struct {
	EventID        ref.EventID     `json:"event_id,omitzero"`
	Type           ref.EventType   `json:"type"`
	Sender         ref.UserID      `json:"sender,omitzero"`
	OriginServerTS int64           `json:"origin_server_ts,omitempty"`
	Content        json.RawMessage `json:"content,omitempty"`
	RoomID         ref.RoomID      `json:"room_id,omitzero"`
	StateKey       *string         `json:"state_key,omitempty"`

	// Redacts is set on m.room.redaction events in room versions
	// before 11. Version 11 moved it into content; see
	// RedactionContent.Redacts. Check both.
	Redacts  ref.EventID    `json:"redacts,omitzero"`
	Unsigned *EventUnsigned `json:"unsigned,omitempty"`
}

// EventUnsigned holds optional unsigned data attached to events.
type EventUnsigned struct {
	Age int64 `json:"age,omitempty"`

	// TransactionID echoes the client-chosen transaction ID on the
	// sending device's own sync stream. This is how a local echo is
	// matched to its confirmed remote event.
	TransactionID ref.TxnID `json:"transaction_id,omitzero"`

	// RedactedBecause carries the redaction event when this event has
	// been redacted.
	RedactedBecause *Event `json:"redacted_because,omitempty"`

	// Relations holds server-side aggregations of events that relate
	// to this one (thread summaries, reaction tallies, latest edit).
	Relations *BundledRelations `json:"m.relations,omitempty"`
}

// BundledRelations is the unsigned.m.relations aggregation block the
// server attaches to events that are targets of relations. It lets a
// client render thread summaries and reaction counts without fetching
// every relating event.
type BundledRelations struct {
	Thread      *BundledThread      `json:"m.thread,omitempty"`
	Annotations *BundledAnnotations `json:"m.annotation,omitempty"`
	Replace     *Event              `json:"m.replace,omitempty"`
}

// BundledThread summarizes a thread rooted at the carrying event.
type BundledThread struct {
	LatestEvent             *Event `json:"latest_event,omitempty"`
	Count                   int    `json:"count,omitempty"`
	CurrentUserParticipated bool   `json:"current_user_participated,omitempty"`
}

// BundledAnnotations aggregates reactions by key.
type BundledAnnotations struct {
	Chunk []AnnotationAggregate `json:"chunk"`
}

// AnnotationAggregate is one reaction key's aggregate count.
type AnnotationAggregate struct {
	Type  ref.EventType `json:"type"`
	Key   string        `json:"key"`
	Count int           `json:"count"`
}

// MessageContent is the content body of an m.room.message event.
type MessageContent struct {
	MsgType       string      `json:"msgtype"`
	Body          string      `json:"body"`
	Format        string      `json:"format,omitempty"`
	FormattedBody string      `json:"formatted_body,omitempty"`
	RelatesTo     *RelatesTo  `json:"m.relates_to,omitempty"`
	NewContent    *NewContent `json:"m.new_content,omitempty"`
}

// NewContent is the replacement content of an edit (m.replace). The
// outer MessageContent carries fallback text for clients that do not
// understand edits; NewContent is what the target event should now
// display.
type NewContent struct {
	MsgType       string `json:"msgtype"`
	Body          string `json:"body"`
	Format        string `json:"format,omitempty"`
	FormattedBody string `json:"formatted_body,omitempty"`
}

// RelatesTo expresses a relationship between events. For threads,
// RelType is "m.thread" and EventID is the thread root. For edits,
// RelType is "m.replace" and EventID is the event being edited. For
// reactions, RelType is "m.annotation", EventID is the reacted-to
// event, and Key is the reaction (usually an emoji). A rich reply has
// no RelType at all — only InReplyTo.
type RelatesTo struct {
	RelType       string      `json:"rel_type,omitempty"`
	EventID       ref.EventID `json:"event_id,omitzero"`
	Key           string      `json:"key,omitempty"`
	IsFallingBack bool        `json:"is_falling_back,omitempty"`
	InReplyTo     *InReplyTo  `json:"m.in_reply_to,omitempty"`
}

// InReplyTo references a specific event being replied to.
type InReplyTo struct {
	EventID ref.EventID `json:"event_id"`
}

// ReactionContent is the content body of an m.reaction event.
type ReactionContent struct {
	RelatesTo RelatesTo `json:"m.relates_to"`
}

// MemberContent is the content body of an m.room.member state event.
type MemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// EncryptedContent is the envelope of an m.room.encrypted event. The
// ciphertext itself stays opaque — decryption happens outside this
// module — but the envelope metadata identifies which session the
// payload needs, which is what undecryptable-event diagnostics report.
// Relations ride in cleartext next to the ciphertext so servers (and
// clients holding no keys) can still aggregate threads.
type EncryptedContent struct {
	Algorithm string       `json:"algorithm"`
	SenderKey string       `json:"sender_key,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	DeviceID  ref.DeviceID `json:"device_id,omitzero"`
	RelatesTo *RelatesTo   `json:"m.relates_to,omitempty"`
}

// RedactionContent is the content body of an m.room.redaction event in
// room version 11 and later. Older room versions put the target in the
// event-level redacts field instead.
type RedactionContent struct {
	Redacts ref.EventID `json:"redacts,omitzero"`
	Reason  string      `json:"reason,omitempty"`
}

// ReceiptContent is the content of an m.receipt ephemeral event:
// event ID, then receipt type ("m.read", "m.read.private"), then user
// ID, then the receipt data. Keys stay raw strings so one malformed ID
// from a misbehaving server drops that entry, not the whole receipt
// batch — callers validate each key as they walk the map.
type ReceiptContent map[string]map[string]map[string]ReceiptData

// ReceiptData is a single user's receipt on a single event.
type ReceiptData struct {
	Timestamp int64 `json:"ts,omitempty"`

	// ThreadID scopes the receipt to a thread: "main" for the
	// unthreaded timeline, a thread root event ID for a thread, or
	// empty for an unscoped (pre-threading) receipt.
	ThreadID string `json:"thread_id,omitempty"`
}

// FullyReadContent is the content of the m.fully_read room account
// data event: the user's explicit read marker.
type FullyReadContent struct {
	EventID ref.EventID `json:"event_id"`
}

// ReadMarkersRequest is the body for POST /rooms/{roomId}/read_markers.
// Each field is optional; nil fields are omitted from the request.
type ReadMarkersRequest struct {
	FullyRead   *ref.EventID `json:"m.fully_read,omitempty"`
	Read        *ref.EventID `json:"m.read,omitempty"`
	ReadPrivate *ref.EventID `json:"m.read.private,omitempty"`
}

// ReceiptRequest is the body for POST /rooms/{roomId}/receipt/....
type ReceiptRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
}

// RoomMessagesOptions controls pagination for room message fetching.
type RoomMessagesOptions struct {
	From      string // pagination token; empty means "from now"
	Direction string // "b" (backward/older) or "f" (forward/newer)
	Limit     int    // max events to return; 0 uses server default
}

// RoomMessagesResponse is returned by RoomMessages.
type RoomMessagesResponse struct {
	Start string  `json:"start"`
	End   string  `json:"end,omitempty"`
	Chunk []Event `json:"chunk"`
}

// RelationsOptions controls pagination for relation fetching.
type RelationsOptions struct {
	From      string // pagination token
	Direction string // "b" or "f"; empty uses the server default ("b")
	Limit     int    // max events to return; 0 uses server default
}

// RelationsResponse is returned by RoomRelations.
type RelationsResponse struct {
	Chunk     []Event `json:"chunk"`
	NextBatch string  `json:"next_batch,omitempty"`
	PrevBatch string  `json:"prev_batch,omitempty"`
}

// ContextOptions controls the size of an event context window.
type ContextOptions struct {
	Limit int // max events before plus after; 0 uses server default
}

// ContextResponse is returned by RoomContext: the anchor event with
// surrounding history and pagination tokens for both directions.
type ContextResponse struct {
	Start        string  `json:"start"`
	End          string  `json:"end"`
	Event        *Event  `json:"event"`
	EventsBefore []Event `json:"events_before"`
	EventsAfter  []Event `json:"events_after"`
}

// SyncOptions controls the behavior of the /sync endpoint.
type SyncOptions struct {
	Since      string // next_batch token from previous sync; empty for initial sync
	Timeout    int    // long-poll timeout in milliseconds; 0 for immediate return
	SetTimeout bool   // if true, send the timeout parameter (needed to distinguish "not set" from "0")
	Filter     string // filter ID or inline JSON filter
}

// SyncResponse is the top-level response from /sync.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

// RoomsSection contains per-room sync data grouped by membership state.
// Map keys are room IDs; encoding/json uses ref.RoomID's TextUnmarshaler
// for automatic validation at deserialization.
type RoomsSection struct {
	Join   map[ref.RoomID]JoinedRoom  `json:"join,omitempty"`
	Invite map[ref.RoomID]InvitedRoom `json:"invite,omitempty"`
	Leave  map[ref.RoomID]LeftRoom    `json:"leave,omitempty"`
}

// JoinedRoom contains sync data for a room the user has joined.
type JoinedRoom struct {
	Timeline    TimelineSection    `json:"timeline"`
	State       StateSection       `json:"state"`
	Ephemeral   EphemeralSection   `json:"ephemeral"`
	AccountData AccountDataSection `json:"account_data"`
}

// InvitedRoom contains sync data for a room the user was invited to.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// LeftRoom contains sync data for a room the user has left.
type LeftRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// TimelineSection contains timeline events from a sync response.
// When Limited is true the server skipped events between the previous
// sync and this batch; PrevBatch is the token to back-fill the gap.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch,omitempty"`
	Limited   bool    `json:"limited,omitempty"`
}

// StateSection contains state events from a sync response.
type StateSection struct {
	Events []Event `json:"events"`
}

// EphemeralSection contains ephemeral events (receipts, typing) from a
// sync response.
type EphemeralSection struct {
	Events []Event `json:"events"`
}

// AccountDataSection contains per-room account data events (such as
// m.fully_read) from a sync response.
type AccountDataSection struct {
	Events []Event `json:"events"`
}

// SendEventResponse is returned by SendMessage, SendEvent, and RedactEvent.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   ref.UserID   `json:"user_id"`
	DeviceID ref.DeviceID `json:"device_id,omitzero"`
}

// ResolveAliasResponse is returned by ResolveAlias.
type ResolveAliasResponse struct {
	RoomID  ref.RoomID `json:"room_id"`
	Servers []string   `json:"servers"`
}

// JoinedRoomsResponse is returned by JoinedRooms.
type JoinedRoomsResponse struct {
	JoinedRooms []ref.RoomID `json:"joined_rooms"`
}

// ServerVersionsResponse is returned by Client.ServerVersions.
type ServerVersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}
