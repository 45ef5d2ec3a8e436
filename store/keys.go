// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/scrypt"

	"github.com/bureau-foundation/loom/lib/ref"
	"github.com/bureau-foundation/loom/lib/secret"
)

// KeySize is the size in bytes of the store master key and of every
// key derived from it.
const KeySize = 32

// SaltSize is the size in bytes of the salt produced by [NewSalt] for
// passphrase key derivation.
const SaltSize = 16

// scrypt parameters for KeyFromPassphrase. Interactive-use strength:
// roughly 100ms and 32 MiB on current hardware. Changing these changes
// the derived key, so they are format constants as much as the record
// layout is.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// HKDF info strings, the domain separation between the keys derived
// from the master key. Changing any of these invalidates every
// database written under the old derivation.
var (
	hkdfInfoRecord = []byte("loom.store.record.enc.v1")
	hkdfInfoToken  = []byte("loom.store.token.enc.v1")
	hkdfInfoCheck  = []byte("loom.store.check.v1")
	hkdfInfoLookup = []byte("loom.store.lookup.v1")
)

// Lookup domain tags, the data prefix for BLAKE3 keyed hashing when
// computing row keys. Domain tags keep room keys from ever colliding
// with event keys.
var (
	lookupDomainRoom  = []byte("loom.store.ref.room.v1")
	lookupDomainEvent = []byte("loom.store.ref.event.v1")
)

// KeyFromPassphrase derives a store master key from a passphrase using
// scrypt. The salt must be at least 8 bytes and must be kept with the
// database (it is not secret); use [NewSalt] to generate one. The same
// passphrase and salt always derive the same key.
//
// The passphrase is borrowed and not zeroed; callers holding it in a
// secret.Buffer should pass buffer.Bytes(). The returned Buffer must
// be closed by the caller (or handed to [Open], which takes ownership).
func KeyFromPassphrase(passphrase []byte, salt []byte) (*secret.Buffer, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("store: passphrase is empty")
	}
	if len(salt) < 8 {
		return nil, fmt.Errorf("store: salt must be at least 8 bytes, got %d", len(salt))
	}
	derived, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return nil, fmt.Errorf("store: scrypt key derivation: %w", err)
	}
	// NewFromBytes copies into mmap and zeros the heap slice.
	return secret.NewFromBytes(derived)
}

// NewKey generates a random store master key directly into guarded
// memory. The returned Buffer must be closed by the caller (or handed
// to [Open], which takes ownership).
func NewKey() (*secret.Buffer, error) {
	buffer, err := secret.New(KeySize)
	if err != nil {
		return nil, fmt.Errorf("store: allocating key buffer: %w", err)
	}
	if _, err := io.ReadFull(rand.Reader, buffer.Bytes()); err != nil {
		buffer.Close()
		return nil, fmt.Errorf("store: generating random key: %w", err)
	}
	return buffer, nil
}

// NewSalt generates a random salt for [KeyFromPassphrase].
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("store: generating salt: %w", err)
	}
	return salt, nil
}

// keySet holds the master key and derives the working keys. Record and
// token encryption keys are derived fresh per call — HKDF-SHA256 takes
// roughly a microsecond, negligible next to the AEAD and SQLite work
// that follows. The lookup key is the exception: every row of every
// query needs it, so it is derived once at construction and kept.
//
// Close zeroes and releases both buffers. After Close, all methods
// panic (via secret.Buffer's closed check).
type keySet struct {
	master *secret.Buffer
	lookup *secret.Buffer
}

// newKeySet validates the master key and derives the lookup key. The
// master key buffer is owned by the keySet on success and closed when
// Close is called; on error, ownership stays with the caller.
func newKeySet(master *secret.Buffer) (*keySet, error) {
	if master == nil {
		return nil, fmt.Errorf("store: master key is required")
	}
	if master.Len() != KeySize {
		return nil, fmt.Errorf("store: master key must be %d bytes, got %d", KeySize, master.Len())
	}
	lookup, err := deriveKey(master.Bytes(), hkdfInfoLookup)
	if err != nil {
		return nil, fmt.Errorf("store: deriving lookup key: %w", err)
	}
	return &keySet{master: master, lookup: lookup}, nil
}

// Close zeroes and releases the master and lookup keys. Idempotent.
func (k *keySet) Close() error {
	lookupErr := k.lookup.Close()
	masterErr := k.master.Close()
	if masterErr != nil {
		return masterErr
	}
	return lookupErr
}

// recordKey derives the event-record encryption key for a room. Each
// room's records are sealed under their own key. The returned Buffer
// must be closed by the caller.
func (k *keySet) recordKey(room ref.RoomID) (*secret.Buffer, error) {
	roomID := room.String()
	info := make([]byte, 0, len(hkdfInfoRecord)+len(roomID))
	info = append(info, hkdfInfoRecord...)
	info = append(info, roomID...)
	return deriveKey(k.master.Bytes(), info)
}

// tokenKey derives the encryption key for pagination and sync tokens.
// The returned Buffer must be closed by the caller.
func (k *keySet) tokenKey() (*secret.Buffer, error) {
	return deriveKey(k.master.Bytes(), hkdfInfoToken)
}

// checkKey derives the key for the key-check probe in the meta table.
// The returned Buffer must be closed by the caller.
func (k *keySet) checkKey() (*secret.Buffer, error) {
	return deriveKey(k.master.Bytes(), hkdfInfoCheck)
}

// roomKey returns the obscured row key for a room. Deterministic (the
// same room always maps to the same row key) and opaque without the
// master key.
func (k *keySet) roomKey(room ref.RoomID) []byte {
	return obscure(k.lookup.Bytes(), lookupDomainRoom, room.String())
}

// eventKey returns the obscured row key for an event.
func (k *keySet) eventKey(event ref.EventID) []byte {
	return obscure(k.lookup.Bytes(), lookupDomainEvent, event.String())
}

// deriveKey is the shared HKDF-SHA256 derivation. The salt is nil: the
// master key is already uniformly random (scrypt output or a random
// key), so HKDF's extract phase with nil salt is appropriate per
// RFC 5869.
func deriveKey(inputKeyMaterial []byte, info []byte) (*secret.Buffer, error) {
	reader := hkdf.New(sha256.New, inputKeyMaterial, nil, info)
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return secret.NewFromBytes(derived)
}

// obscure computes a BLAKE3 keyed hash over a domain tag and an
// identifier. The key must be exactly 32 bytes, guaranteed since it
// comes from HKDF output.
func obscure(key []byte, domainTag []byte, value string) []byte {
	hasher, err := blake3.NewKeyed(key)
	if err != nil {
		panic("store: BLAKE3 keyed hash initialization failed (key must be 32 bytes): " + err.Error())
	}
	hasher.Write(domainTag)
	hasher.Write([]byte(value))
	return hasher.Sum(nil)
}
