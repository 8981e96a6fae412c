package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrEncryption indicates that a chunk could not be encrypted, typically
// because the key is absent or malformed.
var ErrEncryption = errors.New("encryption failed")

// ErrIntegrity indicates that authentication of a ciphertext failed.
// The chunk was tampered with or encrypted under a different key/nonce;
// no plaintext is ever returned in this case.
var ErrIntegrity = errors.New("message authentication failed")

// KeySize is the size in bytes of a symmetric session key.
const KeySize = 32

// NonceSize is the size in bytes of a per-chunk nonce.
const NonceSize = 24

// Overhead is the number of bytes the authentication tag adds to a
// ciphertext.
const Overhead = secretbox.Overhead

// Key is a pre-shared symmetric key.
type Key [KeySize]byte

// Nonce is a 24-byte value used for encryption. Within a session every
// chunk gets a distinct nonce; reuse is a correctness violation.
type Nonce [NonceSize]byte

// ParseKey decodes a 64-character hex string into a Key.
func ParseKey(s string) (Key, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: key is not valid hex", ErrEncryption)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("%w: key must be %d bytes, got %d", ErrEncryption, KeySize, len(raw))
	}
	var key Key
	copy(key[:], raw)
	return key, nil
}

// GenerateKey creates a new random key from a cryptographically secure
// source.
func GenerateKey() (Key, error) {
	var key Key
	if _, err := rand.Read(key[:]); err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	return key, nil
}

// IsZero reports whether the key is the all-zero value, i.e. absent.
func (k Key) IsZero() bool {
	return k == Key{}
}

// String renders the key as hex. Intended for configuration files, not
// logging.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// DeriveNonce builds the unique per-chunk nonce for a session
// deterministically: the 16 session id bytes followed by the big-endian
// chunk index. Both sides derive the same value independently, and no
// two chunks within a session ever share a nonce.
func DeriveNonce(sessionID uuid.UUID, index uint64) Nonce {
	var nonce Nonce
	copy(nonce[:16], sessionID[:])
	binary.BigEndian.PutUint64(nonce[16:], index)
	return nonce
}

// Seal encrypts plaintext with the session key and per-chunk nonce using
// NaCl secretbox authenticated encryption. The authentication tag is
// appended to the returned ciphertext.
func Seal(key Key, nonce Nonce, plaintext []byte) ([]byte, error) {
	if key.IsZero() {
		return nil, fmt.Errorf("%w: key is absent", ErrEncryption)
	}

	return secretbox.Seal(nil, plaintext, (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(&key)), nil
}

// Open verifies the authentication tag and decrypts ciphertext. A tag
// mismatch returns ErrIntegrity and no plaintext.
func Open(key Key, nonce Nonce, ciphertext []byte) ([]byte, error) {
	if key.IsZero() {
		return nil, fmt.Errorf("%w: key is absent", ErrEncryption)
	}
	if len(ciphertext) < Overhead {
		return nil, fmt.Errorf("%w: ciphertext shorter than authentication tag", ErrIntegrity)
	}

	plaintext, ok := secretbox.Open(nil, ciphertext, (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(&key))
	if !ok {
		return nil, ErrIntegrity
	}

	return plaintext, nil
}
