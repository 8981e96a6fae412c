package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"
)

// ErrCorruptData indicates that compressed data could not be decoded.
var ErrCorruptData = errors.New("compressed data is corrupt")

// Level is the gzip compression level applied to every chunk.
const Level = 6

// MaxDecompressedSize bounds decompression output to prevent memory
// exhaustion from a hostile or corrupt stream.
const MaxDecompressedSize = 64 * 1024 * 1024

// Compress compresses a chunk's raw bytes with gzip. When gzip would not
// shrink the chunk the raw bytes are returned unchanged with stored=true,
// so the receiver can skip decompression deterministically. The returned
// ratio is output size over input size.
func Compress(raw []byte) (data []byte, stored bool, ratio float64, err error) {
	if len(raw) == 0 {
		return raw, true, 1.0, nil
	}

	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, Level)
	if err != nil {
		return nil, false, 0, fmt.Errorf("creating gzip writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, false, 0, fmt.Errorf("compressing chunk: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, false, 0, fmt.Errorf("flushing gzip stream: %w", err)
	}

	if buf.Len() >= len(raw) {
		logrus.WithFields(logrus.Fields{
			"function":       "Compress",
			"raw_len":        len(raw),
			"compressed_len": buf.Len(),
		}).Debug("Chunk incompressible, storing raw")
		return raw, true, 1.0, nil
	}

	return buf.Bytes(), false, float64(buf.Len()) / float64(len(raw)), nil
}

// Decompress reverses Compress, honoring the stored flag. Stored chunks
// are returned as-is.
func Decompress(data []byte, stored bool) ([]byte, error) {
	if stored {
		return data, nil
	}

	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	defer r.Close()

	raw, err := io.ReadAll(io.LimitReader(r, MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptData, err)
	}
	if len(raw) > MaxDecompressedSize {
		return nil, fmt.Errorf("%w: decompressed size exceeds %d bytes", ErrCorruptData, MaxDecompressedSize)
	}

	return raw, nil
}
