// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/bureau-foundation/loom/lib/secret"
)

// Compression selects the algorithm applied to records before
// encryption. The values are stored in the record frame (1 byte each)
// and are format constants — changing them breaks existing databases.
type Compression uint8

const (
	// CompressionZstd compresses with zstd at the default level.
	// Matrix event JSON runs 3-5x smaller. The zero value, so an
	// unset Config gets it.
	CompressionZstd Compression = 0

	// CompressionLZ4 compresses with LZ4 block compression. Lower
	// ratio than zstd but faster, for very large rooms on slow
	// hardware.
	CompressionLZ4 Compression = 1

	// CompressionNone stores records uncompressed. Also what any
	// configuration falls back to per record when compression does
	// not make the record smaller.
	CompressionNone Compression = 2
)

// String returns the human-readable name of a compression setting.
func (c Compression) String() string {
	switch c {
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	case CompressionNone:
		return "none"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression setting from its string
// representation.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	case "none":
		return CompressionNone, nil
	default:
		return 0, fmt.Errorf("unknown compression setting: %q", name)
	}
}

// recordVersion is the version byte prepended to every sealed record.
// Included as additional authenticated data in the AEAD call, so
// tampering with it causes authentication failure.
const recordVersion byte = 0x01

// recordOverhead is the minimum size of a sealed record:
// 1 (version) + 24 (XChaCha20-Poly1305 nonce) + 16 (Poly1305 tag).
const recordOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// frameHeaderSize is the compressed frame prefix inside the AEAD
// plaintext: 1-byte compression tag + 4-byte little-endian
// uncompressed size.
const frameHeaderSize = 5

// maxRecordSize caps the uncompressed size accepted when opening a
// record. Matrix events are bounded at 64 KiB on the wire; anything
// past this is a corrupt or hostile size field, rejected before
// allocation.
const maxRecordSize = 1 << 20

// sealRecord compresses plaintext per the configured algorithm
// (falling back to none when compression does not shrink it), frames
// it as [tag: 1 byte][uncompressed size: 4 bytes LE][payload], and
// encrypts the frame with XChaCha20-Poly1305:
//
//	[Version: 1 byte (0x01)] [Nonce: 24 bytes (random)] [Ciphertext+Tag]
//
// The version byte and binding are the additional authenticated data.
// The binding ties the ciphertext to its row (room key, event key), so
// records cannot be swapped between rows of a stolen database without
// failing authentication.
//
// The key is borrowed and not closed.
func sealRecord(plaintext []byte, key *secret.Buffer, binding []byte, compression Compression) ([]byte, error) {
	payload, tag, err := compressRecord(plaintext, compression)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	frame[0] = byte(tag)
	binary.LittleEndian.PutUint32(frame[1:], uint32(len(plaintext)))
	copy(frame[frameHeaderSize:], payload)

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating random nonce: %w", err)
	}

	sealed := make([]byte, 1+chacha20poly1305.NonceSizeX, recordOverhead+len(frame))
	sealed[0] = recordVersion
	copy(sealed[1:], nonce[:])
	return aead.Seal(sealed, nonce[:], frame, buildAAD(recordVersion, binding)), nil
}

// openRecord reverses sealRecord: authenticates and decrypts the
// sealed record under the same key and binding, then decompresses the
// frame and verifies the uncompressed size.
//
// Fails if the record is truncated, the version is unknown, the AEAD
// authentication fails (wrong key, tampered data, or a record moved to
// a different row), or the decompressed size does not match the frame
// header.
func openRecord(sealed []byte, key *secret.Buffer, binding []byte) ([]byte, error) {
	if len(sealed) < recordOverhead {
		return nil, fmt.Errorf("sealed record is %d bytes, minimum is %d", len(sealed), recordOverhead)
	}
	version := sealed[0]
	if version != recordVersion {
		return nil, fmt.Errorf("sealed record version %d is not supported (expected %d)", version, recordVersion)
	}

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[1+chacha20poly1305.NonceSizeX:]
	frame, err := aead.Open(nil, nonce, ciphertext, buildAAD(version, binding))
	if err != nil {
		return nil, fmt.Errorf("record authentication failed (wrong key, tampered data, or mismatched row): %w", err)
	}

	if len(frame) < frameHeaderSize {
		return nil, fmt.Errorf("record frame is %d bytes, header needs %d", len(frame), frameHeaderSize)
	}
	tag := Compression(frame[0])
	uncompressedSize := int(binary.LittleEndian.Uint32(frame[1:]))
	if uncompressedSize > maxRecordSize {
		return nil, fmt.Errorf("record claims %d uncompressed bytes, cap is %d", uncompressedSize, maxRecordSize)
	}
	return decompressRecord(frame[frameHeaderSize:], tag, uncompressedSize)
}

// buildAAD constructs the additional authenticated data: the version
// byte followed by the row binding.
func buildAAD(version byte, binding []byte) []byte {
	aad := make([]byte, 1+len(binding))
	aad[0] = version
	copy(aad[1:], binding)
	return aad
}

// compressRecord applies the configured algorithm, returning the
// payload and the tag actually used. When the compressed output would
// not be smaller than the input, the plaintext is stored as-is under
// CompressionNone.
func compressRecord(plaintext []byte, compression Compression) ([]byte, Compression, error) {
	switch compression {
	case CompressionNone:
		return plaintext, CompressionNone, nil

	case CompressionZstd:
		compressed := zstdEncoder.EncodeAll(plaintext, nil)
		if len(compressed) >= len(plaintext) {
			return plaintext, CompressionNone, nil
		}
		return compressed, CompressionZstd, nil

	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(plaintext))
		destination := make([]byte, bound)
		written, err := lz4.CompressBlock(plaintext, destination, nil)
		if err != nil {
			return nil, 0, fmt.Errorf("lz4 compress: %w", err)
		}
		// CompressBlock returns 0 for incompressible input.
		if written == 0 || written >= len(plaintext) {
			return plaintext, CompressionNone, nil
		}
		return destination[:written], CompressionLZ4, nil

	default:
		return nil, 0, fmt.Errorf("unsupported compression setting: %d", compression)
	}
}

// decompressRecord reverses compressRecord. The uncompressedSize comes
// from the authenticated frame header and must match exactly.
func decompressRecord(payload []byte, tag Compression, uncompressedSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(payload) != uncompressedSize {
			return nil, fmt.Errorf("uncompressed record: size %d does not match expected %d", len(payload), uncompressedSize)
		}
		return payload, nil

	case CompressionZstd:
		result, err := zstdDecoder.DecodeAll(payload, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != uncompressedSize {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), uncompressedSize)
		}
		return result, nil

	case CompressionLZ4:
		destination := make([]byte, uncompressedSize)
		read, err := lz4.UncompressBlock(payload, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != uncompressedSize {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, uncompressedSize)
		}
		return destination, nil

	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// zstdEncoder and zstdDecoder are reused across calls to avoid
// repeated initialization overhead. Both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
	)
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}
