// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging wraps the slice of the Matrix client-server API
// that loom's timeline engine consumes.
//
// The package provides two core types. [Client] is an unauthenticated
// Matrix client that handles registration (token-authenticated via the
// MSC3231 UIAA flow) and login, returning authenticated [Session]
// values. Client holds the homeserver URL and HTTP transport, shared
// across all Sessions derived from it.
//
// [Session] wraps a Client with an access token for authenticated
// operations: incremental sync with long-polling, room history
// pagination (/messages), event context windows (/context), thread
// pagination (/relations with m.thread), idempotent event sending with
// client-chosen transaction IDs, redactions, read receipts and read
// markers, and alias resolution. Sessions are lightweight (a pointer to
// the parent Client plus an access token in mmap-backed secret.Buffer
// memory); callers must call Session.Close to release the protected
// memory.
//
// Event content is carried as json.RawMessage rather than a decoded
// map. The timeline package decodes content per event so that one
// malformed event damages only its own timeline item, never the
// surrounding sync response.
//
// All API errors are returned as [*MatrixError] with the standard
// Matrix error code (M_FORBIDDEN, M_NOT_FOUND, etc.) and HTTP status
// code. [IsMatrixError] tests for a specific code and [IsRetryable]
// classifies errors for retry loops (rate limits and server errors are
// retryable, other client errors are not). Request URLs are built by
// string concatenation rather than url.URL to avoid double-encoding of
// path segments that contain URL-encoded characters (such as event IDs
// with slashes).
//
// Message composition is first-class: [NewTextMessage] and
// [NewMarkdownMessage] create message content, and the
// [MessageContent.InThread], [MessageContent.ReplyTo], and
// [MessageContent.AsEdit] combinators attach the m.relates_to
// relations the timeline engine understands.
package messaging
