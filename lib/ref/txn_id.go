// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import "fmt"

// TxnID is a client-generated transaction ID for an outgoing event.
//
// Transaction IDs make sends idempotent: the homeserver deduplicates
// PUT /send requests by (device, transaction ID), and echoes the ID
// back in unsigned.transaction_id on the device's own /sync stream so
// the client can match a local echo to its confirmed remote copy.
// The ID is opaque — any non-empty string the sending device has not
// used before is valid.
//
// TxnID is an immutable value type. The zero value means "not locally
// originated"; use IsZero to check.
type TxnID struct {
	id string
}

// ParseTxnID constructs a TxnID from a raw string. Returns an error if
// the string is empty.
func ParseTxnID(raw string) (TxnID, error) {
	if raw == "" {
		return TxnID{}, fmt.Errorf("transaction ID is empty")
	}
	return TxnID{id: raw}, nil
}

// MustParseTxnID is like ParseTxnID but panics on error. Use in tests
// and static initialization where the input is known-valid.
func MustParseTxnID(raw string) TxnID {
	t, err := ParseTxnID(raw)
	if err != nil {
		panic(fmt.Sprintf("ref.MustParseTxnID(%q): %v", raw, err))
	}
	return t
}

// String returns the raw transaction ID string.
func (t TxnID) String() string { return t.id }

// IsZero reports whether the TxnID is the zero value (unset).
func (t TxnID) IsZero() bool { return t.id == "" }

// MarshalText implements encoding.TextMarshaler for JSON and other
// text-based serialization formats.
func (t TxnID) MarshalText() ([]byte, error) {
	if t.id == "" {
		return []byte{}, nil
	}
	return []byte(t.id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for JSON and other
// text-based serialization formats. An empty input produces the zero
// value (not locally originated).
func (t *TxnID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*t = TxnID{}
		return nil
	}
	*t = TxnID{id: string(data)}
	return nil
}
