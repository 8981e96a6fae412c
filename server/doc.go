// Package server implements the receiving side of a filewire transfer.
//
// A Server accepts length-prefixed frames over TCP, tracks sessions in
// a registry keyed by session id, and runs each chunk through the
// receive pipeline: decrypt, decompress, reassemble. Output is written
// to a temporary file and moved into the output directory only after
// the whole-file checksum verifies. Every terminal verdict is reported
// back to the sender in a Result frame and, when a ledger is
// configured, recorded durably.
package server
