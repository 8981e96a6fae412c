// Package chunker splits byte streams into fixed-size, sequence-indexed
// chunks for the filewire transfer pipeline.
//
// A Chunker reads its source sequentially exactly once and produces
// chunks lazily: every chunk has the configured size except the last,
// which carries the remainder. Each chunk is checksummed with BLAKE3 at
// the moment it is read, before any compression or encryption, so the
// receiving side can verify the original bytes after undoing both
// transforms.
//
// Example:
//
//	c, err := chunker.New(file, 64*1024)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for {
//	    chunk, err := c.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    // compress, encrypt, send chunk
//	}
package chunker
