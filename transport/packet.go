package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/opd-ai/filewire/chunker"
	"github.com/opd-ai/filewire/crypto"
)

// ErrMalformedFrame indicates that a wire frame could not be parsed.
var ErrMalformedFrame = errors.New("malformed frame")

// PacketType identifies the type of a filewire frame.
type PacketType byte

const (
	// PacketManifest announces a session before its first chunk.
	PacketManifest PacketType = iota + 1
	// PacketChunk carries one encrypted chunk.
	PacketChunk
	// PacketComplete marks the end of a session's chunk stream.
	PacketComplete
	// PacketResult reports the server's terminal verdict for a session.
	PacketResult
)

// SessionStatus is the server's terminal verdict carried in a Result frame.
type SessionStatus byte

const (
	// StatusOK indicates the file was reassembled and verified.
	StatusOK SessionStatus = iota
	// StatusChecksumMismatch indicates the reassembled file failed
	// whole-file checksum verification.
	StatusChecksumMismatch
	// StatusIntegrityError indicates a chunk failed authentication.
	StatusIntegrityError
	// StatusTimeout indicates reassembly timed out waiting for chunks.
	StatusTimeout
	// StatusError covers any other terminal session failure.
	StatusError
)

// String returns the human-readable name of a session status.
func (s SessionStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusChecksumMismatch:
		return "checksum_mismatch"
	case StatusIntegrityError:
		return "integrity_error"
	case StatusTimeout:
		return "reassembly_timeout"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", byte(s))
	}
}

// MaxFileNameLength is the maximum allowed file name length in bytes.
const MaxFileNameLength = 255

// Manifest describes a session's full chunk stream. It is sent once,
// before the first chunk, and tells the receiver when reassembly is
// complete and what the final output must hash to.
type Manifest struct {
	SessionID    uuid.UUID
	ChunkCount   uint64
	ChunkSize    uint32
	FileSize     uint64
	FileChecksum chunker.Checksum
	FileName     string
}

const manifestFixedLen = 16 + 8 + 4 + 8 + chunker.ChecksumSize + 2

// Serialize converts a manifest to its wire representation.
func (m *Manifest) Serialize() ([]byte, error) {
	if len(m.FileName) > MaxFileNameLength {
		return nil, fmt.Errorf("%w: file name exceeds %d bytes", ErrMalformedFrame, MaxFileNameLength)
	}

	// Format: [type (1)][session id (16)][chunk count (8)][chunk size (4)]
	//         [file size (8)][file checksum (32)][name len (2)][name]
	buf := make([]byte, 1+manifestFixedLen+len(m.FileName))
	buf[0] = byte(PacketManifest)
	off := 1
	copy(buf[off:], m.SessionID[:])
	off += 16
	binary.BigEndian.PutUint64(buf[off:], m.ChunkCount)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], m.ChunkSize)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], m.FileSize)
	off += 8
	copy(buf[off:], m.FileChecksum[:])
	off += chunker.ChecksumSize
	binary.BigEndian.PutUint16(buf[off:], uint16(len(m.FileName)))
	off += 2
	copy(buf[off:], m.FileName)

	return buf, nil
}

// ParseManifest converts frame payload bytes (after the type byte) to a
// Manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) < manifestFixedLen {
		return nil, fmt.Errorf("%w: manifest too short (%d bytes)", ErrMalformedFrame, len(data))
	}

	m := &Manifest{}
	off := 0
	copy(m.SessionID[:], data[off:off+16])
	off += 16
	m.ChunkCount = binary.BigEndian.Uint64(data[off:])
	off += 8
	m.ChunkSize = binary.BigEndian.Uint32(data[off:])
	off += 4
	m.FileSize = binary.BigEndian.Uint64(data[off:])
	off += 8
	copy(m.FileChecksum[:], data[off:off+chunker.ChecksumSize])
	off += chunker.ChecksumSize
	nameLen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2

	if nameLen > MaxFileNameLength {
		return nil, fmt.Errorf("%w: file name exceeds %d bytes", ErrMalformedFrame, MaxFileNameLength)
	}
	if len(data) != manifestFixedLen+nameLen {
		return nil, fmt.Errorf("%w: manifest length %d does not match declared name length %d", ErrMalformedFrame, len(data), nameLen)
	}
	m.FileName = string(data[off : off+nameLen])

	return m, nil
}

// Chunk frame flags.
const (
	// FlagStored indicates the chunk payload was transmitted without
	// compression and the receiver must skip decompression.
	FlagStored byte = 1 << 0
)

// ChunkFrame is the wire unit for one encrypted chunk.
type ChunkFrame struct {
	SessionID uuid.UUID
	Index     uint64
	Stored    bool
	Checksum  chunker.Checksum // checksum of the original, pre-compression bytes
	Nonce     crypto.Nonce
	Payload   []byte // ciphertext including authentication tag
}

const chunkFixedLen = 16 + 8 + 1 + chunker.ChecksumSize + crypto.NonceSize + 4

// Serialize converts a chunk frame to its wire representation.
func (c *ChunkFrame) Serialize() ([]byte, error) {
	if c.Payload == nil {
		return nil, fmt.Errorf("%w: chunk payload is nil", ErrMalformedFrame)
	}

	// Format: [type (1)][session id (16)][index (8)][flags (1)]
	//         [checksum (32)][nonce (24)][payload len (4)][payload]
	buf := make([]byte, 1+chunkFixedLen+len(c.Payload))
	buf[0] = byte(PacketChunk)
	off := 1
	copy(buf[off:], c.SessionID[:])
	off += 16
	binary.BigEndian.PutUint64(buf[off:], c.Index)
	off += 8
	var flags byte
	if c.Stored {
		flags |= FlagStored
	}
	buf[off] = flags
	off++
	copy(buf[off:], c.Checksum[:])
	off += chunker.ChecksumSize
	copy(buf[off:], c.Nonce[:])
	off += crypto.NonceSize
	binary.BigEndian.PutUint32(buf[off:], uint32(len(c.Payload)))
	off += 4
	copy(buf[off:], c.Payload)

	return buf, nil
}

// ParseChunkFrame converts frame payload bytes (after the type byte) to
// a ChunkFrame.
func ParseChunkFrame(data []byte) (*ChunkFrame, error) {
	if len(data) < chunkFixedLen {
		return nil, fmt.Errorf("%w: chunk frame too short (%d bytes)", ErrMalformedFrame, len(data))
	}

	c := &ChunkFrame{}
	off := 0
	copy(c.SessionID[:], data[off:off+16])
	off += 16
	c.Index = binary.BigEndian.Uint64(data[off:])
	off += 8
	c.Stored = data[off]&FlagStored != 0
	off++
	copy(c.Checksum[:], data[off:off+chunker.ChecksumSize])
	off += chunker.ChecksumSize
	copy(c.Nonce[:], data[off:off+crypto.NonceSize])
	off += crypto.NonceSize
	payloadLen := int(binary.BigEndian.Uint32(data[off:]))
	off += 4

	if len(data) != chunkFixedLen+payloadLen {
		return nil, fmt.Errorf("%w: chunk frame length %d does not match declared payload length %d", ErrMalformedFrame, len(data), payloadLen)
	}
	c.Payload = make([]byte, payloadLen)
	copy(c.Payload, data[off:])

	return c, nil
}

// Complete marks the end of a session's chunk stream.
type Complete struct {
	SessionID uuid.UUID
}

// Serialize converts a completion marker to its wire representation.
func (c *Complete) Serialize() ([]byte, error) {
	buf := make([]byte, 1+16)
	buf[0] = byte(PacketComplete)
	copy(buf[1:], c.SessionID[:])
	return buf, nil
}

// ParseComplete converts frame payload bytes to a Complete marker.
func ParseComplete(data []byte) (*Complete, error) {
	if len(data) != 16 {
		return nil, fmt.Errorf("%w: completion marker must be 16 bytes, got %d", ErrMalformedFrame, len(data))
	}
	c := &Complete{}
	copy(c.SessionID[:], data)
	return c, nil
}

// Result reports the server's terminal verdict for a session back to the
// client, including the last sequence index accepted so a future
// resumable-transfer extension has a restart point.
type Result struct {
	SessionID uuid.UUID
	Status    SessionStatus
	LastIndex uint64
	Message   string
}

const resultFixedLen = 16 + 1 + 8 + 2

// Serialize converts a result to its wire representation.
func (r *Result) Serialize() ([]byte, error) {
	buf := make([]byte, 1+resultFixedLen+len(r.Message))
	buf[0] = byte(PacketResult)
	off := 1
	copy(buf[off:], r.SessionID[:])
	off += 16
	buf[off] = byte(r.Status)
	off++
	binary.BigEndian.PutUint64(buf[off:], r.LastIndex)
	off += 8
	binary.BigEndian.PutUint16(buf[off:], uint16(len(r.Message)))
	off += 2
	copy(buf[off:], r.Message)
	return buf, nil
}

// ParseResult converts frame payload bytes to a Result.
func ParseResult(data []byte) (*Result, error) {
	if len(data) < resultFixedLen {
		return nil, fmt.Errorf("%w: result frame too short (%d bytes)", ErrMalformedFrame, len(data))
	}

	r := &Result{}
	off := 0
	copy(r.SessionID[:], data[off:off+16])
	off += 16
	r.Status = SessionStatus(data[off])
	off++
	r.LastIndex = binary.BigEndian.Uint64(data[off:])
	off += 8
	msgLen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if len(data) != resultFixedLen+msgLen {
		return nil, fmt.Errorf("%w: result length %d does not match declared message length %d", ErrMalformedFrame, len(data), msgLen)
	}
	r.Message = string(data[off : off+msgLen])

	return r, nil
}
