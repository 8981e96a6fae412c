// Package crypto implements per-chunk authenticated encryption for the
// filewire transfer pipeline.
//
// Chunks are encrypted with NaCl secretbox under a pre-shared 32-byte
// session key. Each chunk's 24-byte nonce is derived deterministically
// from the session id and the chunk's sequence index, which guarantees
// nonce uniqueness within a session without any coordination between
// sender and receiver. Key exchange is out of scope: both sides are
// configured with the same key at startup.
//
// Example:
//
//	key, _ := crypto.ParseKey(hexKey)
//	nonce := crypto.DeriveNonce(sessionID, chunk.Index)
//	ciphertext, _ := crypto.Seal(key, nonce, compressed)
//
//	// receiver
//	plaintext, err := crypto.Open(key, nonce, ciphertext)
//	if errors.Is(err, crypto.ErrIntegrity) {
//	    // tampered chunk, abort the session
//	}
package crypto
