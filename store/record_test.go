// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/bureau-foundation/loom/lib/secret"
)

func testRecordKey(t *testing.T) *secret.Buffer {
	t.Helper()
	key := [KeySize]byte{
		0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00, 0x11,
		0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99,
		0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00, 0x11,
		0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99,
	}
	buffer, err := secret.NewFromBytes(key[:])
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

// compressiblePlaintext is JSON-like and highly repetitive, so every
// algorithm shrinks it.
func compressiblePlaintext() []byte {
	return []byte(strings.Repeat(`{"type":"m.room.message","content":{"msgtype":"m.text","body":"hello"}}`, 40))
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testRecordKey(t)
	binding := []byte("room-and-event")
	plaintext := compressiblePlaintext()

	for _, compression := range []Compression{CompressionZstd, CompressionLZ4, CompressionNone} {
		t.Run(compression.String(), func(t *testing.T) {
			sealed, err := sealRecord(plaintext, key, binding, compression)
			if err != nil {
				t.Fatal(err)
			}
			if bytes.Contains(sealed, []byte("m.room.message")) {
				t.Error("sealed record leaks plaintext")
			}

			opened, err := openRecord(sealed, key, binding)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(opened, plaintext) {
				t.Error("opened record does not match original plaintext")
			}
		})
	}
}

func TestSealCompressesWhenWorthwhile(t *testing.T) {
	key := testRecordKey(t)
	plaintext := compressiblePlaintext()

	sealed, err := sealRecord(plaintext, key, []byte("b"), CompressionZstd)
	if err != nil {
		t.Fatal(err)
	}
	uncompressedSize := recordOverhead + frameHeaderSize + len(plaintext)
	if len(sealed) >= uncompressedSize {
		t.Errorf("sealed compressible record is %d bytes, expected under %d", len(sealed), uncompressedSize)
	}
}

func TestSealIncompressibleFallsBackToNone(t *testing.T) {
	key := testRecordKey(t)
	plaintext := make([]byte, 512)
	if _, err := rand.Read(plaintext); err != nil {
		t.Fatal(err)
	}

	for _, compression := range []Compression{CompressionZstd, CompressionLZ4} {
		t.Run(compression.String(), func(t *testing.T) {
			sealed, err := sealRecord(plaintext, key, []byte("b"), compression)
			if err != nil {
				t.Fatal(err)
			}
			// Random bytes don't compress, so the frame must carry the
			// plaintext as-is: the sealed size is exactly the overhead
			// plus the frame header plus the original length.
			want := recordOverhead + frameHeaderSize + len(plaintext)
			if len(sealed) != want {
				t.Errorf("sealed incompressible record is %d bytes, want exactly %d", len(sealed), want)
			}

			opened, err := openRecord(sealed, key, []byte("b"))
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(opened, plaintext) {
				t.Error("opened record does not match original plaintext")
			}
		})
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	key := testRecordKey(t)
	sealed, err := sealRecord([]byte("payload"), key, []byte("b"), CompressionNone)
	if err != nil {
		t.Fatal(err)
	}

	wrongBytes := [KeySize]byte{0x42}
	wrong, err := secret.NewFromBytes(wrongBytes[:])
	if err != nil {
		t.Fatal(err)
	}
	defer wrong.Close()

	if _, err := openRecord(sealed, wrong, []byte("b")); err == nil {
		t.Error("opening with the wrong key should fail authentication")
	}
}

func TestOpenRejectsWrongBinding(t *testing.T) {
	key := testRecordKey(t)
	sealed, err := sealRecord([]byte("payload"), key, []byte("row-a"), CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := openRecord(sealed, key, []byte("row-b")); err == nil {
		t.Error("a record moved to a different row should fail authentication")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	key := testRecordKey(t)
	sealed, err := sealRecord([]byte("payload"), key, []byte("b"), CompressionNone)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("flipped ciphertext byte", func(t *testing.T) {
		tampered := append([]byte(nil), sealed...)
		tampered[len(tampered)-1] ^= 0x01
		if _, err := openRecord(tampered, key, []byte("b")); err == nil {
			t.Error("tampered ciphertext should fail authentication")
		}
	})

	t.Run("flipped version byte", func(t *testing.T) {
		tampered := append([]byte(nil), sealed...)
		tampered[0] = 0x7f
		if _, err := openRecord(tampered, key, []byte("b")); err == nil {
			t.Error("unknown version should be rejected")
		}
	})

	t.Run("truncated", func(t *testing.T) {
		if _, err := openRecord(sealed[:recordOverhead-1], key, []byte("b")); err == nil {
			t.Error("truncated record should be rejected")
		}
	})
}

func TestCompressionNames(t *testing.T) {
	cases := []struct {
		compression Compression
		name        string
	}{
		{CompressionZstd, "zstd"},
		{CompressionLZ4, "lz4"},
		{CompressionNone, "none"},
	}
	for _, tc := range cases {
		if got := tc.compression.String(); got != tc.name {
			t.Errorf("%d.String() = %q, want %q", tc.compression, got, tc.name)
		}
		parsed, err := ParseCompression(tc.name)
		if err != nil {
			t.Errorf("ParseCompression(%q): %v", tc.name, err)
		}
		if parsed != tc.compression {
			t.Errorf("ParseCompression(%q) = %d, want %d", tc.name, parsed, tc.compression)
		}
	}

	if Compression(99).String() != "unknown(99)" {
		t.Errorf("unexpected name for unknown value: %s", Compression(99))
	}
	if _, err := ParseCompression("gzip"); err == nil {
		t.Error("ParseCompression should reject unknown names")
	}
}
