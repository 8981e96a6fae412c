// Package client implements the sending side of a filewire transfer.
//
// A file moves through the pipeline as bounded chunks: each chunk is
// checksummed, compressed, encrypted and sent as one frame. Compression
// and encryption run on a bounded pool of workers; frames are funneled
// through a single sender so the wire stream stays well-formed, and the
// receiver's reordering window absorbs the pool's completion skew.
// Every stage call is wrapped in a span and its latency recorded, and
// the whole upload shares one session-atomic sampling decision made at
// the root span.
package client
