// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/bureau-foundation/loom/lib/ref"
)

// composeMarkdown converts markdown message bodies to the HTML carried
// in formatted_body. The instance is initialized once and shared: the
// configuration never changes, and goldmark parsing and HTML rendering
// create per-call state.
var composeMarkdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// NewTextMessage creates a plain text message with no formatting and
// no relations.
func NewTextMessage(body string) MessageContent {
	return MessageContent{
		MsgType: MsgText,
		Body:    body,
	}
}

// NewMarkdownMessage creates a message whose formatted_body is the
// markdown source rendered to HTML (GFM dialect: tables, strikethrough,
// autolinks). The plain-text body keeps the markdown source so clients
// that ignore formatting still show something readable. Falls back to
// a plain text message if rendering fails.
func NewMarkdownMessage(markdown string) MessageContent {
	var rendered bytes.Buffer
	if err := composeMarkdown.Convert([]byte(markdown), &rendered); err != nil {
		return NewTextMessage(markdown)
	}
	return MessageContent{
		MsgType:       MsgText,
		Body:          markdown,
		Format:        FormatCustomHTML,
		FormattedBody: strings.TrimSpace(rendered.String()),
	}
}

// InThread returns a copy of the content that replies within the
// thread rooted at threadRoot. The is_falling_back reply to the thread
// root makes the message render as a reply on clients without thread
// support.
func (c MessageContent) InThread(threadRoot ref.EventID) MessageContent {
	c.RelatesTo = &RelatesTo{
		RelType:       RelThread,
		EventID:       threadRoot,
		IsFallingBack: true,
		InReplyTo: &InReplyTo{
			EventID: threadRoot,
		},
	}
	return c
}

// ReplyTo returns a copy of the content that is a rich reply to the
// target event, outside any thread.
func (c MessageContent) ReplyTo(target ref.EventID) MessageContent {
	c.RelatesTo = &RelatesTo{
		InReplyTo: &InReplyTo{
			EventID: target,
		},
	}
	return c
}

// AsEdit returns a copy of the content that replaces the target event.
// The real content moves into m.new_content; the outer body becomes
// the conventional "* "-prefixed fallback that clients without edit
// support display as-is. Any relation already present on the content
// is discarded — the edit relation must stand alone, and servers
// resolve the target's own thread membership.
func (c MessageContent) AsEdit(target ref.EventID) MessageContent {
	c.NewContent = &NewContent{
		MsgType:       c.MsgType,
		Body:          c.Body,
		Format:        c.Format,
		FormattedBody: c.FormattedBody,
	}
	c.Body = "* " + c.Body
	if c.FormattedBody != "" {
		c.FormattedBody = "* " + c.FormattedBody
	}
	c.RelatesTo = &RelatesTo{
		RelType: RelReplace,
		EventID: target,
	}
	return c
}

// NewReaction creates the content of an m.reaction event: an
// annotation of the target event with the given key (usually an emoji).
func NewReaction(target ref.EventID, key string) ReactionContent {
	return ReactionContent{
		RelatesTo: RelatesTo{
			RelType: RelAnnotation,
			EventID: target,
			Key:     key,
		},
	}
}
