package pipeline

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"github.com/opd-ai/filewire/chunker"
	"github.com/opd-ai/filewire/transport"
)

// ErrChecksumMismatch indicates the fully reassembled file did not hash
// to the manifest's declared checksum. Terminal and non-retryable for
// the session.
var ErrChecksumMismatch = errors.New("whole-file checksum mismatch")

// ErrChunkChecksum indicates a chunk's bytes, after decrypt and
// decompress, did not match the checksum computed before compress and
// encrypt.
var ErrChunkChecksum = errors.New("chunk checksum mismatch")

// ErrWindowExceeded indicates more out-of-order chunks are pending than
// the buffering window allows.
var ErrWindowExceeded = errors.New("reassembly window exceeded")

// ErrReassemblyTimeout indicates the session stalled waiting for
// missing chunks.
var ErrReassemblyTimeout = errors.New("reassembly timed out waiting for chunks")

// ErrSessionFinished indicates a chunk arrived for an already completed
// or failed session.
var ErrSessionFinished = errors.New("session already finished")

// ErrIndexOutOfRange indicates a sequence index at or beyond the
// manifest's declared chunk count.
var ErrIndexOutOfRange = errors.New("chunk index outside manifest range")

// ErrIncomplete indicates the stream ended before every declared chunk
// arrived.
var ErrIncomplete = errors.New("stream ended with chunks missing")

// DefaultWindow is the maximum number of out-of-order chunks buffered
// while waiting for their predecessors.
const DefaultWindow = 64

// DefaultStallTimeout is how long a session may go without accepting a
// chunk before it is considered stalled.
const DefaultStallTimeout = 30 * time.Second

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Reassembler writes a session's chunks to its output sink strictly in
// sequence-index order, regardless of arrival order. Out-of-order
// chunks are buffered up to a bounded window; duplicates of already
// accepted indices are discarded without altering output. Completion is
// signaled only after the manifest's declared chunk count has been
// written and the whole-file checksum matches.
type Reassembler struct {
	manifest *transport.Manifest
	out      io.Writer
	window   int
	timeout  time.Duration
	tp       TimeProvider

	mu           sync.Mutex
	next         uint64
	pending      map[uint64][]byte
	written      uint64
	bytesWritten uint64
	hash         *blake3.Hasher
	lastAccepted time.Time
	completed    bool
	failed       error
}

// Option configures a Reassembler.
type Option func(*Reassembler)

// WithWindow bounds the out-of-order buffering window.
func WithWindow(n int) Option {
	return func(r *Reassembler) { r.window = n }
}

// WithStallTimeout sets the stall detection timeout. Zero disables
// stall detection.
func WithStallTimeout(d time.Duration) Option {
	return func(r *Reassembler) { r.timeout = d }
}

// WithTimeProvider sets a custom time provider for deterministic tests.
func WithTimeProvider(tp TimeProvider) Option {
	return func(r *Reassembler) { r.tp = tp }
}

// NewReassembler creates a reassembler for one session writing to out.
func NewReassembler(manifest *transport.Manifest, out io.Writer, opts ...Option) *Reassembler {
	r := &Reassembler{
		manifest: manifest,
		out:      out,
		window:   DefaultWindow,
		timeout:  DefaultStallTimeout,
		tp:       DefaultTimeProvider{},
		pending:  make(map[uint64][]byte),
		hash:     blake3.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.lastAccepted = r.tp.Now()
	return r
}

// Add accepts one decrypted, decompressed chunk. It returns true if the
// chunk was accepted, false if it was a duplicate of an already
// accepted index (discarded idempotently). Terminal errors mark the
// session failed; no further chunks are accepted afterwards.
func (r *Reassembler) Add(index uint64, data []byte, checksum chunker.Checksum) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.completed || r.failed != nil {
		return false, ErrSessionFinished
	}
	if index >= r.manifest.ChunkCount {
		return false, r.fail(fmt.Errorf("%w: index %d, declared count %d", ErrIndexOutOfRange, index, r.manifest.ChunkCount))
	}

	// Verify the pre-transform checksum before anything is buffered or
	// written.
	if chunker.Sum(data) != checksum {
		return false, r.fail(fmt.Errorf("%w: chunk %d", ErrChunkChecksum, index))
	}

	// Duplicate of an already written chunk.
	if index < r.next {
		logrus.WithFields(logrus.Fields{
			"function":    "Add",
			"session_id":  r.manifest.SessionID,
			"chunk_index": index,
		}).Debug("Discarding duplicate chunk")
		return false, nil
	}
	// Duplicate of a buffered chunk.
	if _, buffered := r.pending[index]; buffered {
		return false, nil
	}

	if index > r.next && len(r.pending) >= r.window {
		return false, r.fail(fmt.Errorf("%w: %d chunks pending, window %d", ErrWindowExceeded, len(r.pending), r.window))
	}

	r.pending[index] = data
	r.lastAccepted = r.tp.Now()

	if err := r.drain(); err != nil {
		return false, r.fail(err)
	}

	if r.written == r.manifest.ChunkCount {
		if err := r.finalize(); err != nil {
			return false, r.fail(err)
		}
	}
	return true, nil
}

// drain writes every consecutively available chunk starting at next.
func (r *Reassembler) drain() error {
	for {
		data, ok := r.pending[r.next]
		if !ok {
			return nil
		}
		delete(r.pending, r.next)

		if _, err := r.out.Write(data); err != nil {
			return fmt.Errorf("writing chunk %d: %w", r.next, err)
		}
		r.hash.Write(data)
		r.bytesWritten += uint64(len(data))
		r.written++
		r.next++
	}
}

// finalize verifies the whole-file checksum against the manifest.
func (r *Reassembler) finalize() error {
	var sum chunker.Checksum
	r.hash.Digest().Read(sum[:])

	if sum != r.manifest.FileChecksum {
		return fmt.Errorf("%w: session %s", ErrChecksumMismatch, r.manifest.SessionID)
	}
	if r.bytesWritten != r.manifest.FileSize {
		return fmt.Errorf("%w: wrote %d bytes, manifest declares %d", ErrChecksumMismatch, r.bytesWritten, r.manifest.FileSize)
	}

	r.completed = true
	logrus.WithFields(logrus.Fields{
		"function":   "finalize",
		"session_id": r.manifest.SessionID,
		"chunks":     r.written,
		"bytes":      r.bytesWritten,
	}).Info("Session reassembled and verified")
	return nil
}

// Finish is called when the sender's completion marker arrives. If the
// declared chunk count has not been written the session fails with
// ErrIncomplete.
func (r *Reassembler) Finish() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failed != nil {
		return r.failed
	}
	// A zero-chunk manifest (empty file) never passes through Add, so
	// its verification happens here.
	if !r.completed && r.written == r.manifest.ChunkCount {
		if err := r.finalize(); err != nil {
			return r.fail(err)
		}
	}
	if !r.completed {
		return r.fail(fmt.Errorf("%w: %d of %d chunks written", ErrIncomplete, r.written, r.manifest.ChunkCount))
	}
	return nil
}

// CheckTimeout fails the session with ErrReassemblyTimeout if no chunk
// has been accepted within the stall timeout. Called periodically by
// the session owner.
func (r *Reassembler) CheckTimeout() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timeout == 0 || r.completed || r.failed != nil {
		return nil
	}
	if r.tp.Since(r.lastAccepted) >= r.timeout {
		logrus.WithFields(logrus.Fields{
			"function":   "CheckTimeout",
			"session_id": r.manifest.SessionID,
			"written":    r.written,
			"pending":    len(r.pending),
		}).Warn("Session stalled waiting for chunks")
		return r.fail(ErrReassemblyTimeout)
	}
	return nil
}

// Abort marks the session failed and releases the buffering window.
// The caller discards any partial output.
func (r *Reassembler) Abort(reason error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed || r.failed != nil {
		return
	}
	r.fail(reason)
}

// fail records the terminal error and releases buffered chunks. Callers
// hold the mutex.
func (r *Reassembler) fail(err error) error {
	r.failed = err
	r.pending = make(map[uint64][]byte)
	return err
}

// Completed reports whether the session finished and verified.
func (r *Reassembler) Completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

// Err returns the terminal error, if any.
func (r *Reassembler) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// LastWrittenIndex returns the highest sequence index written so far,
// and false if nothing has been written.
func (r *Reassembler) LastWrittenIndex() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.written == 0 {
		return 0, false
	}
	return r.next - 1, true
}

// BytesWritten returns the number of output bytes written so far.
func (r *Reassembler) BytesWritten() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesWritten
}
