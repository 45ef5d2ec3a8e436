// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable identifiers for the
// Matrix protocol: user IDs, room IDs, room aliases, event IDs, device
// IDs, server names, and client transaction IDs.
//
// Each identifier is a validated value type constructed through a Parse
// function at the boundary where raw strings enter the program (API
// responses, configuration, CLI flags). Once constructed, a ref is
// immutable; accessors return the canonical string form at zero
// allocation cost. The zero value of every type is "unset" and is
// reported by IsZero.
//
// JSON and CBOR marshaling use the canonical Matrix string form via
// encoding.TextMarshaler, so wire structs and persisted records carry
// ref types directly.
package ref
