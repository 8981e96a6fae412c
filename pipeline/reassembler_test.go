package pipeline

import (
	"bytes"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/filewire/chunker"
	"github.com/opd-ai/filewire/transport"
)

// makeChunks splits data into chunks of the given size with checksums.
func makeChunks(t *testing.T, data []byte, size int) []*chunker.Chunk {
	t.Helper()
	c, err := chunker.New(bytes.NewReader(data), size)
	require.NoError(t, err)

	var chunks []*chunker.Chunk
	for {
		chunk, err := c.Next()
		if err != nil {
			break
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

func makeManifest(data []byte, size int) *transport.Manifest {
	return &transport.Manifest{
		SessionID:    uuid.New(),
		ChunkCount:   chunker.CountChunks(uint64(len(data)), size),
		ChunkSize:    uint32(size),
		FileSize:     uint64(len(data)),
		FileChecksum: chunker.Sum(data),
		FileName:     "test.bin",
	}
}

func TestReassembleInOrder(t *testing.T) {
	data := make([]byte, 2500)
	rand.New(rand.NewSource(1)).Read(data)
	chunks := makeChunks(t, data, 1024)
	require.Len(t, chunks, 3)

	var out bytes.Buffer
	r := NewReassembler(makeManifest(data, 1024), &out)

	for _, chunk := range chunks {
		accepted, err := r.Add(chunk.Index, chunk.Data, chunk.Checksum)
		require.NoError(t, err)
		assert.True(t, accepted)
	}

	require.NoError(t, r.Finish())
	assert.True(t, r.Completed())
	assert.Equal(t, data, out.Bytes())
	assert.EqualValues(t, 2500, r.BytesWritten())

	last, ok := r.LastWrittenIndex()
	require.True(t, ok)
	assert.EqualValues(t, 2, last)
}

func TestReassembleEmptyFile(t *testing.T) {
	var out bytes.Buffer
	r := NewReassembler(makeManifest(nil, 1024), &out)

	require.NoError(t, r.Finish())
	assert.True(t, r.Completed())
	assert.Zero(t, r.BytesWritten())
	assert.Empty(t, out.Bytes())
}

func TestReassembleReverseOrder(t *testing.T) {
	data := make([]byte, 8*512+100)
	rand.New(rand.NewSource(2)).Read(data)
	chunks := makeChunks(t, data, 512)

	var out bytes.Buffer
	r := NewReassembler(makeManifest(data, 512), &out, WithWindow(len(chunks)))

	for i := len(chunks) - 1; i >= 0; i-- {
		_, err := r.Add(chunks[i].Index, chunks[i].Data, chunks[i].Checksum)
		require.NoError(t, err)
	}

	require.NoError(t, r.Finish())
	assert.Equal(t, data, out.Bytes())
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	data := make([]byte, 3000)
	rand.New(rand.NewSource(3)).Read(data)
	chunks := makeChunks(t, data, 1024)

	var out bytes.Buffer
	r := NewReassembler(makeManifest(data, 1024), &out)

	// Deliver chunk 1 twice before chunk 0 (buffered duplicate), then
	// everything, then chunk 0 again (written duplicate).
	accepted, err := r.Add(chunks[1].Index, chunks[1].Data, chunks[1].Checksum)
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = r.Add(chunks[1].Index, chunks[1].Data, chunks[1].Checksum)
	require.NoError(t, err)
	assert.False(t, accepted, "buffered duplicate must be discarded")

	for _, chunk := range chunks {
		_, err := r.Add(chunk.Index, chunk.Data, chunk.Checksum)
		require.NoError(t, err)
	}

	accepted, err = r.Add(chunks[0].Index, chunks[0].Data, chunks[0].Checksum)
	require.NoError(t, err)
	assert.False(t, accepted, "written duplicate must be discarded")

	require.NoError(t, r.Finish())
	assert.Equal(t, data, out.Bytes(), "duplicates must not alter output")
}

func TestChunkChecksumMismatchIsTerminal(t *testing.T) {
	data := make([]byte, 2048)
	rand.New(rand.NewSource(4)).Read(data)
	chunks := makeChunks(t, data, 1024)

	var out bytes.Buffer
	r := NewReassembler(makeManifest(data, 1024), &out)

	tampered := make([]byte, len(chunks[0].Data))
	copy(tampered, chunks[0].Data)
	tampered[10] ^= 0xFF

	_, err := r.Add(chunks[0].Index, tampered, chunks[0].Checksum)
	assert.ErrorIs(t, err, ErrChunkChecksum)

	// Session is dead; further chunks are rejected.
	_, err = r.Add(chunks[1].Index, chunks[1].Data, chunks[1].Checksum)
	assert.ErrorIs(t, err, ErrSessionFinished)
	assert.ErrorIs(t, r.Err(), ErrChunkChecksum)
}

func TestWholeFileChecksumMismatch(t *testing.T) {
	data := make([]byte, 2048)
	rand.New(rand.NewSource(5)).Read(data)
	chunks := makeChunks(t, data, 1024)

	manifest := makeManifest(data, 1024)
	manifest.FileChecksum = chunker.Sum([]byte("a different file"))

	var out bytes.Buffer
	r := NewReassembler(manifest, &out)

	_, err := r.Add(chunks[0].Index, chunks[0].Data, chunks[0].Checksum)
	require.NoError(t, err)
	_, err = r.Add(chunks[1].Index, chunks[1].Data, chunks[1].Checksum)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.False(t, r.Completed())
}

func TestWindowExceeded(t *testing.T) {
	data := make([]byte, 10*100)
	rand.New(rand.NewSource(6)).Read(data)
	chunks := makeChunks(t, data, 100)

	var out bytes.Buffer
	r := NewReassembler(makeManifest(data, 100), &out, WithWindow(3))

	// Hold back chunk 0 so nothing drains; the fourth buffered chunk
	// overflows the window.
	for i := 1; i <= 3; i++ {
		_, err := r.Add(chunks[i].Index, chunks[i].Data, chunks[i].Checksum)
		require.NoError(t, err)
	}
	_, err := r.Add(chunks[4].Index, chunks[4].Data, chunks[4].Checksum)
	assert.ErrorIs(t, err, ErrWindowExceeded)
}

func TestIndexOutOfRange(t *testing.T) {
	data := make([]byte, 1000)
	chunks := makeChunks(t, data, 500)

	var out bytes.Buffer
	r := NewReassembler(makeManifest(data, 500), &out)

	_, err := r.Add(99, chunks[0].Data, chunks[0].Checksum)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestFinishWithMissingChunks(t *testing.T) {
	data := make([]byte, 3000)
	rand.New(rand.NewSource(7)).Read(data)
	chunks := makeChunks(t, data, 1024)

	var out bytes.Buffer
	r := NewReassembler(makeManifest(data, 1024), &out)

	_, err := r.Add(chunks[0].Index, chunks[0].Data, chunks[0].Checksum)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Finish(), ErrIncomplete)
}

type fakeTime struct {
	now time.Time
}

func (f *fakeTime) Now() time.Time                  { return f.now }
func (f *fakeTime) Since(t time.Time) time.Duration { return f.now.Sub(t) }

func TestCheckTimeout(t *testing.T) {
	data := make([]byte, 3000)
	rand.New(rand.NewSource(8)).Read(data)
	chunks := makeChunks(t, data, 1024)

	clock := &fakeTime{now: time.Unix(1000, 0)}
	var out bytes.Buffer
	r := NewReassembler(makeManifest(data, 1024), &out,
		WithStallTimeout(10*time.Second),
		WithTimeProvider(clock),
	)

	_, err := r.Add(chunks[0].Index, chunks[0].Data, chunks[0].Checksum)
	require.NoError(t, err)

	clock.now = clock.now.Add(5 * time.Second)
	require.NoError(t, r.CheckTimeout())

	clock.now = clock.now.Add(6 * time.Second)
	assert.ErrorIs(t, r.CheckTimeout(), ErrReassemblyTimeout)
	assert.ErrorIs(t, r.Err(), ErrReassemblyTimeout)
}

func TestAbortReleasesWindow(t *testing.T) {
	data := make([]byte, 3000)
	rand.New(rand.NewSource(9)).Read(data)
	chunks := makeChunks(t, data, 1024)

	var out bytes.Buffer
	r := NewReassembler(makeManifest(data, 1024), &out)

	_, err := r.Add(chunks[1].Index, chunks[1].Data, chunks[1].Checksum)
	require.NoError(t, err)

	r.Abort(ErrReassemblyTimeout)
	assert.ErrorIs(t, r.Err(), ErrReassemblyTimeout)

	_, err = r.Add(chunks[0].Index, chunks[0].Data, chunks[0].Checksum)
	assert.ErrorIs(t, err, ErrSessionFinished)
}
