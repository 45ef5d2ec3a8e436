// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists room timeline history between runs so a
// timeline can render cached events immediately while sync catches up.
// It implements the timeline.Store interface on SQLite via
// lib/sqlitepool.
//
// Everything the store writes is encrypted at rest. Each event is
// CBOR-encoded (lib/codec), compressed (zstd by default, lz4 or none
// by configuration, with automatic passthrough for incompressible
// records), and sealed with XChaCha20-Poly1305 under a key derived
// from the store master key via HKDF. Room and event identifiers never
// appear in the database: rows are addressed by keyed BLAKE3 hashes of
// the identifiers, so a copy of the database file reveals row counts
// and timestamps but neither room membership nor message content.
//
// The master key is held in a secret.Buffer (mmap-backed, mlock'd,
// zeroed on close) for the lifetime of the store. Derive it from a
// passphrase with [KeyFromPassphrase], or generate a random one with
// [NewKey] and seal it alongside the session credentials. Opening a
// database with the wrong key fails immediately with [ErrWrongKey]
// rather than surfacing garbage on the first read.
//
// The cache holds, per room, a contiguous suffix of the timeline: the
// sync driver clears it whenever a gap makes contiguity a lie, and
// backward pagination extends it older along with its pagination
// token. LoadRecent therefore returns either the whole cached range
// with the stored token, or a truncated newest-first window with no
// token (forcing pagination to restart from the live edge, which
// deduplication absorbs).
package store
