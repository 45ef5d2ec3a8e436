// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref_test

import (
	"encoding/json"
	"testing"

	"github.com/bureau-foundation/loom/lib/ref"
)

func TestParseUserID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "simple", input: "@alice:example.com"},
		{name: "with-port", input: "@alice:example.com:8448"},
		{name: "dotted-localpart", input: "@alice.bot:example.com"},
		{name: "empty", input: "", wantErr: true},
		{name: "missing-sigil", input: "alice:example.com", wantErr: true},
		{name: "wrong-sigil", input: "#alice:example.com", wantErr: true},
		{name: "missing-server", input: "@alice", wantErr: true},
		{name: "empty-localpart", input: "@:example.com", wantErr: true},
		{name: "empty-server", input: "@alice:", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := ref.ParseUserID(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", u)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if u.String() != tt.input {
				t.Errorf("String() = %q, want %q", u.String(), tt.input)
			}
		})
	}
}

func TestUserIDParts(t *testing.T) {
	u := ref.MustParseUserID("@alice:example.com")
	if u.Localpart() != "alice" {
		t.Errorf("Localpart() = %q, want %q", u.Localpart(), "alice")
	}
	if u.Server() != "example.com" {
		t.Errorf("Server() = %q, want %q", u.Server(), "example.com")
	}
}

func TestMatrixUserID(t *testing.T) {
	server := ref.MustParseServerName("example.com")
	u := ref.MatrixUserID("alice", server)
	if u.String() != "@alice:example.com" {
		t.Errorf("MatrixUserID = %q, want %q", u.String(), "@alice:example.com")
	}
}

func TestParseRoomID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "simple", input: "!abc123:example.com"},
		{name: "with-port", input: "!abc123:example.com:8448"},
		{name: "empty", input: "", wantErr: true},
		{name: "wrong-sigil", input: "#abc123:example.com", wantErr: true},
		{name: "missing-server", input: "!abc123", wantErr: true},
		{name: "empty-local", input: "!:example.com", wantErr: true},
		{name: "empty-server", input: "!abc123:", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ref.ParseRoomID(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", r)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if r.String() != tt.input {
				t.Errorf("String() = %q, want %q", r.String(), tt.input)
			}
		})
	}
}

func TestRoomIDJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		RoomID ref.RoomID `json:"room_id"`
	}
	original := wrapper{RoomID: ref.MustParseRoomID("!abc:example.com")}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded wrapper
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.RoomID != original.RoomID {
		t.Errorf("round-trip: got %q, want %q", decoded.RoomID, original.RoomID)
	}
}

func TestParseRoomAlias(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "simple", input: "#lobby:example.com"},
		{name: "slashed", input: "#team/general:example.com"},
		{name: "empty", input: "", wantErr: true},
		{name: "wrong-sigil", input: "!lobby:example.com", wantErr: true},
		{name: "missing-server", input: "#lobby", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ref.ParseRoomAlias(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", a)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if a.String() != tt.input {
				t.Errorf("String() = %q, want %q", a.String(), tt.input)
			}
		})
	}
}

func TestRoomAliasParts(t *testing.T) {
	a := ref.MustParseRoomAlias("#lobby:example.com")
	if a.Localpart() != "lobby" {
		t.Errorf("Localpart() = %q, want %q", a.Localpart(), "lobby")
	}
	if a.Server() != "example.com" {
		t.Errorf("Server() = %q, want %q", a.Server(), "example.com")
	}
}

func TestParseServerName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "simple", input: "example.com"},
		{name: "with-port", input: "example.com:8448"},
		{name: "localhost", input: "localhost"},
		{name: "empty", input: "", wantErr: true},
		{name: "with-space", input: "example .com", wantErr: true},
		{name: "with-at", input: "user@example.com", wantErr: true},
		{name: "with-hash", input: "#example.com", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ref.ParseServerName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseServerName(%q): err=%v, wantErr=%v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestServerFromUserID(t *testing.T) {
	server, err := ref.ServerFromUserID("@alice:example.com")
	if err != nil {
		t.Fatalf("ServerFromUserID: %v", err)
	}
	if server.String() != "example.com" {
		t.Errorf("server = %q, want %q", server.String(), "example.com")
	}

	if _, err := ref.ServerFromUserID("not-a-user-id"); err == nil {
		t.Error("expected error for malformed user ID")
	}
}

func TestTxnID(t *testing.T) {
	if _, err := ref.ParseTxnID(""); err == nil {
		t.Error("expected error for empty transaction ID")
	}

	txn := ref.MustParseTxnID("loom-1750000000000-1")
	if txn.String() != "loom-1750000000000-1" {
		t.Errorf("String() = %q", txn.String())
	}
	if txn.IsZero() {
		t.Error("IsZero() = true for valid TxnID")
	}

	var zero ref.TxnID
	if !zero.IsZero() {
		t.Error("zero TxnID should be IsZero()")
	}
}

func TestDeviceID(t *testing.T) {
	if _, err := ref.ParseDeviceID(""); err == nil {
		t.Error("expected error for empty device ID")
	}

	d, err := ref.ParseDeviceID("LOOMDEV01")
	if err != nil {
		t.Fatalf("ParseDeviceID: %v", err)
	}
	if d.String() != "LOOMDEV01" {
		t.Errorf("String() = %q", d.String())
	}

	// Zero DeviceID marshals to an empty string (unset).
	var zero ref.DeviceID
	text, err := zero.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText on zero DeviceID: %v", err)
	}
	if len(text) != 0 {
		t.Errorf("zero DeviceID marshaled to %q, want empty", text)
	}
}
