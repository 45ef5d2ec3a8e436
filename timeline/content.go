// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package timeline

import (
	"encoding/json"

	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/messaging"
)

// ContentKind discriminates EventContent variants.
type ContentKind int

const (
	// ContentMessage is a renderable room message.
	ContentMessage ContentKind = iota

	// ContentMembership is a membership change (join, leave, invite,
	// ban, knock).
	ContentMembership

	// ContentState is a non-membership state change rendered
	// generically (room creation, name, topic, avatar, encryption
	// enablement).
	ContentState

	// ContentUTD is a payload that cannot (or cannot yet) be read: an
	// encrypted event awaiting decryption, or an event whose content
	// failed to parse.
	ContentUTD

	// ContentRedacted is the tombstone left where a redacted event
	// used to be.
	ContentRedacted
)

// EventContent is the tagged content of an event item. Exactly the
// variant field matching Kind is set. Variant structs are immutable
// once built — content changes swap the pointer, never write through
// it — so clones can share them.
type EventContent struct {
	Kind ContentKind

	Message    *MessageContent
	Membership *MembershipContent
	State      *StateContent
	UTD        *UTDContent
	Redacted   *RedactedContent
}

// MessageContent is the display content of a message item after edit
// resolution.
type MessageContent struct {
	MsgType       string
	Body          string
	Format        string
	FormattedBody string

	// Edited is true when the body reflects a replacement rather than
	// the original content.
	Edited bool

	// InReplyTo is the rich-reply target, zero when the message is not
	// a reply. Thread fallback replies (is_falling_back) are excluded:
	// they point at the latest thread event for the benefit of clients
	// that do not understand threads, not at anything the sender chose.
	InReplyTo ref.EventID
}

// MembershipContent is a membership change. Target is the affected
// user (the state key), which differs from the item's Sender for
// invites, kicks, and bans.
type MembershipContent struct {
	Target      ref.UserID
	Membership  string
	DisplayName string
	Reason      string
}

// StateContent carries a state change the timeline shows as a generic
// "state changed" line. Content stays raw for callers that render
// specific types more richly.
type StateContent struct {
	Type     ref.EventType
	StateKey string
	Content  json.RawMessage
}

// UTDContent marks an unreadable payload. For encrypted events the
// envelope metadata identifies the missing session; for parse
// failures only the cause is set.
type UTDContent struct {
	Cause     UTDCause
	Algorithm string
	SessionID string
}

// RedactedContent is the tombstone for a redacted event.
type RedactedContent struct {
	// RedactedBy is the redaction event. Zero when the event arrived
	// from the server already stripped, with no redaction attached.
	RedactedBy ref.EventID
	Reason     string
}

// eventClass says how a remote event enters the sequence: as an item
// slot, or as a relation applied to another item's facets, or not at
// all.
type eventClass int

const (
	classIgnore eventClass = iota
	classItem
	classEdit
	classReaction
	classRedaction
)

// classified is a remote event after wire-shape triage, ready for the
// reconciler. Triage never fails: unusable events classify as
// classIgnore, unparseable renderable events become ContentUTD items
// so the damage stays confined to one slot.
type classified struct {
	class eventClass

	id        ref.EventID
	sender    ref.UserID
	timestamp int64
	txnID     ref.TxnID

	// classItem.
	content     EventContent
	threadRoot  ref.EventID // explicit m.thread root
	replyTo     ref.EventID // genuine rich-reply target
	bundledEdit *Edit       // server-aggregated latest edit, applied after insert
	raw         *messaging.Event

	// classEdit, classReaction, classRedaction.
	target ref.EventID
	edit   *Edit  // classEdit
	key    string // classReaction
	reason string // classRedaction
}

// classifyEvent triages one raw timeline event.
func classifyEvent(event *messaging.Event) classified {
	out := classified{
		class:     classIgnore,
		id:        event.EventID,
		sender:    event.Sender,
		timestamp: event.OriginServerTS,
		raw:       event,
	}
	if event.Unsigned != nil {
		out.txnID = event.Unsigned.TransactionID
	}
	if event.EventID.IsZero() {
		// Ephemeral events are routed before classification; anything
		// else without an event ID cannot be deduplicated or related
		// to, so it cannot enter the sequence.
		return out
	}
	switch event.Type {
	case messaging.EventTypeMessage:
		classifyMessage(event, &out)
	case messaging.EventTypeEncrypted:
		classifyEncrypted(event, &out)
	case messaging.EventTypeReaction:
		classifyReaction(event, &out)
	case messaging.EventTypeRedaction:
		classifyRedaction(event, &out)
	case messaging.EventTypeMember:
		classifyMember(event, &out)
	case messaging.EventTypeCreate, messaging.EventTypeName,
		messaging.EventTypeTopic, messaging.EventTypeAvatar,
		messaging.EventTypeEncryption:
		classifyState(event, &out)
	}
	// Everything else — unrendered state (power levels, history
	// visibility), typing spam from misrouted ephemeral sections,
	// unknown custom types — stays classIgnore.
	return out
}

func classifyMessage(event *messaging.Event, out *classified) {
	if redaction := redactedBy(event); redaction != nil {
		out.class = classItem
		out.content = redactedContent(redaction)
		return
	}
	var wire messaging.MessageContent
	if err := json.Unmarshal(event.Content, &wire); err != nil {
		out.class = classItem
		out.content = unsupportedContent()
		return
	}
	if rel := wire.RelatesTo; rel != nil && rel.RelType == messaging.RelReplace {
		// A replacement is a relation, not a slot. One without a
		// target or replacement body carries nothing applicable.
		if rel.EventID.IsZero() || wire.NewContent == nil {
			return
		}
		out.class = classEdit
		out.target = rel.EventID
		out.edit = &Edit{
			EventID:   event.EventID,
			Sender:    event.Sender,
			Timestamp: event.OriginServerTS,
			Content: &MessageContent{
				MsgType:       wire.NewContent.MsgType,
				Body:          wire.NewContent.Body,
				Format:        formatOf(wire.NewContent.Format),
				FormattedBody: formattedBodyOf(wire.NewContent.Format, wire.NewContent.FormattedBody),
				Edited:        true,
			},
		}
		return
	}
	if wire.MsgType == "" && wire.Body == "" {
		// Servers strip redacted content; when the redaction itself is
		// not attached the empty body is all that is left.
		out.class = classItem
		out.content = redactedContent(nil)
		return
	}
	out.class = classItem
	message := messageFromWire(&wire)
	out.threadRoot, out.replyTo = relationInfo(wire.RelatesTo)
	message.InReplyTo = out.replyTo
	out.content = EventContent{Kind: ContentMessage, Message: message}
	out.bundledEdit = bundledEdit(event)
}

func classifyEncrypted(event *messaging.Event, out *classified) {
	if redaction := redactedBy(event); redaction != nil {
		out.class = classItem
		out.content = redactedContent(redaction)
		return
	}
	var wire messaging.EncryptedContent
	if err := json.Unmarshal(event.Content, &wire); err != nil || wire.Algorithm == "" {
		out.class = classItem
		out.content = unsupportedContent()
		return
	}
	out.class = classItem
	out.content = EventContent{Kind: ContentUTD, UTD: &UTDContent{
		Cause:     CauseUnknown,
		Algorithm: wire.Algorithm,
		SessionID: wire.SessionID,
	}}
	// The relation rides in cleartext, so threaded encrypted events
	// filter correctly before their payload is readable.
	out.threadRoot, out.replyTo = relationInfo(wire.RelatesTo)
}

func classifyReaction(event *messaging.Event, out *classified) {
	// A reaction never owns a slot, so a redacted or malformed one
	// contributes nothing — there is no item to confine damage to.
	if redactedBy(event) != nil {
		return
	}
	var wire messaging.ReactionContent
	if err := json.Unmarshal(event.Content, &wire); err != nil {
		return
	}
	rel := wire.RelatesTo
	if rel.RelType != messaging.RelAnnotation || rel.EventID.IsZero() || rel.Key == "" {
		return
	}
	out.class = classReaction
	out.target = rel.EventID
	out.key = rel.Key
}

func classifyRedaction(event *messaging.Event, out *classified) {
	// Room version 11 moved the target into content; older versions
	// carry it at the event level. Content wins when both are present.
	target := event.Redacts
	reason := ""
	if len(event.Content) > 0 {
		var wire messaging.RedactionContent
		if json.Unmarshal(event.Content, &wire) == nil {
			if !wire.Redacts.IsZero() {
				target = wire.Redacts
			}
			reason = wire.Reason
		}
	}
	if target.IsZero() {
		return
	}
	out.class = classRedaction
	out.target = target
	out.reason = reason
}

func classifyMember(event *messaging.Event, out *classified) {
	if event.StateKey == nil {
		return
	}
	out.class = classItem
	target, err := ref.ParseUserID(*event.StateKey)
	if err != nil {
		out.content = unsupportedContent()
		return
	}
	var wire messaging.MemberContent
	if err := json.Unmarshal(event.Content, &wire); err != nil || wire.Membership == "" {
		// The membership key survives redaction, so an empty one means
		// the event is malformed, not stripped.
		out.content = unsupportedContent()
		return
	}
	out.content = EventContent{Kind: ContentMembership, Membership: &MembershipContent{
		Target:      target,
		Membership:  wire.Membership,
		DisplayName: wire.DisplayName,
		Reason:      wire.Reason,
	}}
}

func classifyState(event *messaging.Event, out *classified) {
	if event.StateKey == nil {
		return
	}
	out.class = classItem
	out.content = EventContent{Kind: ContentState, State: &StateContent{
		Type:     event.Type,
		StateKey: *event.StateKey,
		Content:  append(json.RawMessage(nil), event.Content...),
	}}
}

// redactedBy returns the redaction event attached to an event the
// server delivered already blanked, or nil.
func redactedBy(event *messaging.Event) *messaging.Event {
	if event.Unsigned == nil {
		return nil
	}
	return event.Unsigned.RedactedBecause
}

// bundledEdit extracts the server-aggregated latest edit riding in
// unsigned.m.relations. Applying it after insert means history fetched
// long after an edit still renders the edited body without waiting for
// the replacement event itself to be paginated in.
func bundledEdit(event *messaging.Event) *Edit {
	unsigned := event.Unsigned
	if unsigned == nil || unsigned.Relations == nil || unsigned.Relations.Replace == nil {
		return nil
	}
	inner := classifyEvent(unsigned.Relations.Replace)
	if inner.class != classEdit {
		return nil
	}
	return inner.edit
}

func messageFromWire(wire *messaging.MessageContent) *MessageContent {
	return &MessageContent{
		MsgType:       wire.MsgType,
		Body:          wire.Body,
		Format:        formatOf(wire.Format),
		FormattedBody: formattedBodyOf(wire.Format, wire.FormattedBody),
	}
}

// formatOf drops formats other than org.matrix.custom.html — an
// unknown format's formatted body is unrenderable, the plain body is
// the fallback.
func formatOf(format string) string {
	if format == messaging.FormatCustomHTML {
		return format
	}
	return ""
}

func formattedBodyOf(format, body string) string {
	if format == messaging.FormatCustomHTML {
		return body
	}
	return ""
}

// relationInfo resolves the explicit thread root and the genuine
// rich-reply target from a wire relation.
func relationInfo(rel *messaging.RelatesTo) (threadRoot, replyTo ref.EventID) {
	if rel == nil {
		return
	}
	switch rel.RelType {
	case messaging.RelThread:
		threadRoot = rel.EventID
		if rel.InReplyTo != nil && !rel.IsFallingBack {
			replyTo = rel.InReplyTo.EventID
		}
	case "":
		if rel.InReplyTo != nil {
			replyTo = rel.InReplyTo.EventID
		}
	}
	return threadRoot, replyTo
}

func unsupportedContent() EventContent {
	return EventContent{Kind: ContentUTD, UTD: &UTDContent{Cause: CauseUnsupported}}
}

func redactedContent(redaction *messaging.Event) EventContent {
	content := &RedactedContent{}
	if redaction != nil {
		content.RedactedBy = redaction.EventID
		if len(redaction.Content) > 0 {
			var wire messaging.RedactionContent
			if json.Unmarshal(redaction.Content, &wire) == nil {
				content.Reason = wire.Reason
			}
		}
	}
	return EventContent{Kind: ContentRedacted, Redacted: content}
}

func (k ContentKind) String() string {
	switch k {
	case ContentMessage:
		return "message"
	case ContentMembership:
		return "membership"
	case ContentState:
		return "state"
	case ContentUTD:
		return "utd"
	case ContentRedacted:
		return "redacted"
	}
	return "unknown"
}
