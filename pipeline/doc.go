// Package pipeline implements the receive-side reassembly of a chunked
// transfer.
//
// The Reassembler is the single place where chunk ordering is enforced:
// chunks may arrive in any order within a bounded buffering window, but
// they are written to the output sink strictly by sequence index.
// Duplicate delivery is idempotent, stalls convert to a terminal
// timeout, and completion is only signaled once the manifest's declared
// chunk count has been written and the whole-file checksum matches.
package pipeline
