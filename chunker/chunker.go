package chunker

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// ErrInvalidChunkSize indicates that a chunk size of zero or less was requested.
var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// ErrExhausted indicates that Next was called after the chunker reported io.EOF.
var ErrExhausted = errors.New("chunker is exhausted")

// DefaultChunkSize is the chunk size used when none is configured.
const DefaultChunkSize = 64 * 1024

// ChecksumSize is the size in bytes of a chunk or file checksum.
const ChecksumSize = 32

// Checksum is a BLAKE3-256 digest of a byte sequence.
type Checksum [ChecksumSize]byte

// Sum computes the checksum of the given bytes.
func Sum(data []byte) Checksum {
	return Checksum(blake3.Sum256(data))
}

// String renders the checksum as lowercase hex.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// Chunk is one bounded, sequence-indexed unit of a byte stream.
// Indices are 0-based and contiguous with no gaps.
type Chunk struct {
	Index    uint64
	Data     []byte
	Checksum Checksum
}

// Chunker splits a byte source into fixed-size chunks plus a final
// remainder chunk. The source is read sequentially exactly once; a
// Chunker cannot be restarted.
type Chunker struct {
	reader    io.Reader
	chunkSize int
	nextIndex uint64
	fileHash  *blake3.Hasher
	totalRead uint64
	done      bool
}

// New creates a Chunker over r producing chunks of the given size.
// Returns ErrInvalidChunkSize if size is not positive.
func New(r io.Reader, size int) (*Chunker, error) {
	if size <= 0 {
		logrus.WithFields(logrus.Fields{
			"function":   "New",
			"chunk_size": size,
		}).Error("Invalid chunk size requested")
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, size)
	}

	return &Chunker{
		reader:    r,
		chunkSize: size,
		fileHash:  blake3.New(),
	}, nil
}

// Next returns the next chunk of the stream. The final chunk has length
// total mod size (or the full size if evenly divisible). Returns io.EOF
// once the source is drained, and ErrExhausted on calls after that.
func (c *Chunker) Next() (*Chunk, error) {
	if c.done {
		return nil, ErrExhausted
	}

	buf := make([]byte, c.chunkSize)
	n, err := io.ReadFull(c.reader, buf)
	switch {
	case err == io.EOF:
		// Source drained exactly on a chunk boundary.
		c.done = true
		return nil, io.EOF
	case err == io.ErrUnexpectedEOF:
		// Final remainder chunk.
		c.done = true
	case err != nil:
		c.done = true
		return nil, fmt.Errorf("reading chunk %d: %w", c.nextIndex, err)
	}

	data := buf[:n]
	c.fileHash.Write(data)
	c.totalRead += uint64(n)

	chunk := &Chunk{
		Index:    c.nextIndex,
		Data:     data,
		Checksum: Sum(data),
	}
	c.nextIndex++

	logrus.WithFields(logrus.Fields{
		"function":    "Next",
		"chunk_index": chunk.Index,
		"chunk_len":   n,
	}).Debug("Produced chunk")

	return chunk, nil
}

// Count returns the number of chunks produced so far.
func (c *Chunker) Count() uint64 {
	return c.nextIndex
}

// BytesRead returns the total number of source bytes consumed so far.
func (c *Chunker) BytesRead() uint64 {
	return c.totalRead
}

// FileChecksum returns the checksum of all bytes read so far. It is the
// whole-file checksum once the chunker has reported io.EOF.
func (c *Chunker) FileChecksum() Checksum {
	var sum Checksum
	c.fileHash.Digest().Read(sum[:])
	return sum
}

// CountChunks returns the number of chunks a stream of total bytes
// splits into at the given chunk size.
func CountChunks(total uint64, size int) uint64 {
	if total == 0 {
		return 0
	}
	s := uint64(size)
	return (total + s - 1) / s
}

// HashFile computes the whole-file checksum and size of the file at path
// in a single sequential pass.
func HashFile(path string) (Checksum, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Checksum{}, 0, err
	}
	defer f.Close()

	h := blake3.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return Checksum{}, 0, fmt.Errorf("hashing %s: %w", path, err)
	}

	var sum Checksum
	h.Digest().Read(sum[:])
	return sum, uint64(n), nil
}
