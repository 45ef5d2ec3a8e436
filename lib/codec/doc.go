// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides loom's standard CBOR encoding configuration.
//
// Loom uses two serialization formats with a clear boundary:
//
//   - JSON for the external interface: the Matrix Client-Server API,
//     CLI output, and age-sealed session files (small, occasionally
//     inspected by hand).
//   - CBOR for internal persistence: timeline records in the store
//     cache, where deterministic bytes matter.
//
// This package provides the shared CBOR encoding and decoding modes so
// that every loom package encodes identically without duplicating
// configuration. The encoder uses Core Deterministic Encoding (RFC
// 8949 §4.2): sorted map keys, smallest integer encoding, no
// indefinite-length items. Same logical data always produces identical
// bytes, which keeps encrypted store records stable across rewrites.
//
// # Struct Tag Rules
//
// The struct tag on a type documents its serialization format:
//
//   - `cbor` tag: this type is ONLY ever serialized as CBOR.
//   - `json` tag: this type may be serialized as BOTH JSON and CBOR.
//     fxamacker/cbor v2 reads `json` tags as fallback when `cbor`
//     tags are absent, so a single `json` tag controls field naming
//     and omitempty for both formats. Matrix wire types cached in the
//     store fall in this category.
//
// Never use both `cbor` and `json` tags on the same field. The tag
// choice documents the contract.
package codec
