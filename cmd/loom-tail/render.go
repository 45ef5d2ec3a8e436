// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/messaging"
	"github.com/bureau-foundation/loom/timeline"
)

// renderer turns the timeline's diff stream into scrolling text. It
// keeps a mirror of the item list — diffs address positions in that
// mirror — and prints one line per visible change: inserted items,
// and updates whose rendered line actually differs (receipt-only
// changes stay silent). Removals and moves only adjust the mirror;
// they are window eviction and ordering bookkeeping, not content.
type renderer struct {
	out      io.Writer
	location *time.Location

	// threadTags appends a [thread] tag to threaded items. On for the
	// live view, off when the focus is itself a thread.
	threadTags bool

	items []*timeline.Item
}

func newRenderer(out io.Writer, location *time.Location, threadTags bool) *renderer {
	return &renderer{out: out, location: location, threadTags: threadTags}
}

// snapshot replaces the mirror and prints every line.
func (r *renderer) snapshot(items []*timeline.Item) {
	r.items = slices.Clone(items)
	for _, item := range items {
		fmt.Fprintln(r.out, r.line(item))
	}
}

// apply folds one diff batch into the mirror. Indices refer to the
// mirror as it stands when each op is applied, so ops mutate and print
// strictly in batch order.
func (r *renderer) apply(diffs []timeline.Diff) {
	for _, diff := range diffs {
		switch diff.Op {
		case timeline.OpInsert:
			r.items = slices.Insert(r.items, diff.Index, diff.Item)
			if r.printableInsert(diff) {
				fmt.Fprintln(r.out, r.line(diff.Item))
			}
		case timeline.OpUpdate:
			previous := r.line(r.items[diff.Index])
			r.items[diff.Index] = diff.Item
			if current := r.line(diff.Item); current != previous {
				fmt.Fprintln(r.out, "* "+current)
			}
		case timeline.OpRemove:
			r.items = slices.Delete(r.items, diff.Index, diff.Index+1)
		case timeline.OpMove:
			item := r.items[diff.From]
			r.items = slices.Delete(r.items, diff.From, diff.From+1)
			r.items = slices.Insert(r.items, diff.To, item)
		case timeline.OpReset:
			fmt.Fprintln(r.out, divider("resync"))
			r.snapshot(diff.Items)
		}
	}
}

// printableInsert filters insert noise: event items always print, but
// virtual items print only when they land at the tail (a new day's
// divider). The read marker shuffling mid-list as receipts move would
// otherwise dominate the output.
func (r *renderer) printableInsert(diff timeline.Diff) bool {
	if diff.Item.Kind == timeline.KindEvent {
		return true
	}
	return diff.Index == len(r.items)-1 && diff.Item.Virtual == timeline.VirtualDayDivider
}

// line renders one item as a single logical line. Multi-line message
// bodies keep their newlines with continuation lines indented.
func (r *renderer) line(item *timeline.Item) string {
	if item.Kind == timeline.KindVirtual {
		switch item.Virtual {
		case timeline.VirtualDayDivider:
			return divider(item.Day.Format("Monday, 2 January 2006"))
		case timeline.VirtualReadMarker:
			return divider("read")
		case timeline.VirtualTimelineStart:
			return divider("start of history")
		case timeline.VirtualThreadStart:
			return divider("thread")
		}
		return divider("?")
	}

	stamp := time.UnixMilli(item.Timestamp).In(r.location).Format("15:04")
	sender := item.Sender.Localpart()

	var b strings.Builder
	switch item.Content.Kind {
	case timeline.ContentMessage:
		message := item.Content.Message
		if message.MsgType == messaging.MsgEmote {
			fmt.Fprintf(&b, "%s %s %s", stamp, sender, bodyText(message))
		} else {
			fmt.Fprintf(&b, "%s <%s> ", stamp, sender)
			if !message.InReplyTo.IsZero() {
				b.WriteString("↩ ")
			}
			b.WriteString(bodyText(message))
		}
		if message.Edited {
			b.WriteString(" (edited)")
		}
	case timeline.ContentMembership:
		fmt.Fprintf(&b, "%s %s", stamp, membershipText(item.Sender, item.Content.Membership))
	case timeline.ContentState:
		fmt.Fprintf(&b, "%s %s %s", stamp, sender, stateText(item.Content.State))
	case timeline.ContentUTD:
		fmt.Fprintf(&b, "%s <%s> [undecryptable: %s]", stamp, sender, item.Content.UTD.Cause)
	case timeline.ContentRedacted:
		fmt.Fprintf(&b, "%s <%s> [redacted]", stamp, sender)
		if reason := item.Content.Redacted.Reason; reason != "" {
			fmt.Fprintf(&b, " (%s)", reason)
		}
	}

	if tag := reactionsText(item.Reactions); tag != "" {
		b.WriteString(" ")
		b.WriteString(tag)
	}
	if r.threadTags && item.IsThreaded() {
		b.WriteString(" [thread]")
	}
	switch item.SendState {
	case timeline.SendPending:
		b.WriteString(" (sending)")
	case timeline.SendFailed:
		fmt.Fprintf(&b, " (failed: %v)", item.SendError)
	}
	return b.String()
}

func divider(label string) string {
	return "─── " + label + " ───"
}

// bodyText is the display body with continuation lines indented under
// the message head.
func bodyText(message *timeline.MessageContent) string {
	body := message.Body
	if message.MsgType != "" && message.MsgType != messaging.MsgText &&
		message.MsgType != messaging.MsgEmote && message.MsgType != messaging.MsgNotice {
		body = "[" + strings.TrimPrefix(message.MsgType, "m.") + "] " + body
	}
	return strings.ReplaceAll(body, "\n", "\n    ")
}

func membershipText(sender ref.UserID, membership *timeline.MembershipContent) string {
	who := sender.Localpart()
	target := membership.Target.Localpart()
	var text string
	switch membership.Membership {
	case messaging.MembershipJoin:
		text = who + " joined"
	case messaging.MembershipLeave:
		if membership.Target == sender {
			text = who + " left"
		} else {
			text = who + " removed " + target
		}
	case messaging.MembershipBan:
		text = who + " banned " + target
	case messaging.MembershipInvite:
		text = who + " invited " + target
	case messaging.MembershipKnock:
		text = who + " knocked"
	default:
		text = fmt.Sprintf("%s set membership of %s to %q", who, target, membership.Membership)
	}
	if membership.Reason != "" {
		text += " (" + membership.Reason + ")"
	}
	return text
}

func stateText(state *timeline.StateContent) string {
	switch state.Type {
	case messaging.EventTypeCreate:
		return "created the room"
	case messaging.EventTypeName:
		return "changed the room name"
	case messaging.EventTypeTopic:
		return "changed the topic"
	case messaging.EventTypeAvatar:
		return "changed the room avatar"
	case messaging.EventTypeEncryption:
		return "enabled encryption"
	default:
		text := "changed " + state.Type.String()
		if state.StateKey != "" {
			text += " (" + state.StateKey + ")"
		}
		return text
	}
}

// reactionsText summarizes reactions as [key ×n key]; single-sender
// keys omit the count.
func reactionsText(reactions []timeline.Reaction) string {
	if len(reactions) == 0 {
		return ""
	}
	parts := make([]string, 0, len(reactions))
	for _, reaction := range reactions {
		if n := len(reaction.Senders); n > 1 {
			parts = append(parts, fmt.Sprintf("%s ×%d", reaction.Key, n))
		} else {
			parts = append(parts, reaction.Key)
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}
