// Package compress provides deterministic, lossless per-chunk
// compression for the transfer pipeline.
//
// Chunks are gzip-compressed at a fixed level. A chunk whose gzip
// encoding would be no smaller than the input is transmitted raw with a
// stored flag set in its frame header, so the receiving side never has
// to guess whether decompression applies.
package compress
