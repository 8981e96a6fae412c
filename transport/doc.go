// Package transport implements the wire protocol for filewire transfers.
//
// This package handles frame formatting and TCP communication between
// the sending client and the receiving server. Every frame is a single
// length-prefixed packet: a type byte followed by a fixed header and an
// optional variable-length tail, parsed with explicit offsets.
//
// Frame types:
//
//   - Manifest: announces a session (chunk count, chunk size, file size,
//     whole-file checksum, file name) before the first chunk
//   - ChunkFrame: one encrypted chunk with its sequence index, stored
//     flag, pre-transform checksum and nonce
//   - Complete: end-of-stream marker for a session
//   - Result: the receiver's terminal verdict, sent back to the client
//
// The Sender retries transient send failures with bounded exponential
// backoff; exhausting the ceiling aborts the session with
// ErrTransferAborted.
package transport
