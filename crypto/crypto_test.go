package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	sessionID := uuid.New()
	plaintext := []byte("compressed chunk payload")
	nonce := DeriveNonce(sessionID, 0)

	ciphertext, err := Seal(key, nonce, plaintext)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if len(ciphertext) != len(plaintext)+Overhead {
		t.Errorf("ciphertext length = %d, want %d", len(ciphertext), len(plaintext)+Overhead)
	}

	back, err := Open(key, nonce, ciphertext)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !bytes.Equal(back, plaintext) {
		t.Error("round trip did not reproduce plaintext")
	}
}

func TestOpenDetectsTampering(t *testing.T) {
	key, _ := GenerateKey()
	nonce := DeriveNonce(uuid.New(), 7)

	ciphertext, err := Seal(key, nonce, []byte("chunk data that must not be altered"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	// Flipping any single bit anywhere in the ciphertext (payload or
	// tag) must yield ErrIntegrity, never silent corruption.
	for i := 0; i < len(ciphertext); i++ {
		tampered := make([]byte, len(ciphertext))
		copy(tampered, ciphertext)
		tampered[i] ^= 0x01

		if _, err := Open(key, nonce, tampered); !errors.Is(err, ErrIntegrity) {
			t.Fatalf("bit flip at byte %d: expected ErrIntegrity, got %v", i, err)
		}
	}
}

func TestOpenWrongNonce(t *testing.T) {
	key, _ := GenerateKey()
	sessionID := uuid.New()

	ciphertext, err := Seal(key, DeriveNonce(sessionID, 3), []byte("payload"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	if _, err := Open(key, DeriveNonce(sessionID, 4), ciphertext); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity with wrong nonce, got %v", err)
	}
}

func TestSealRejectsAbsentKey(t *testing.T) {
	if _, err := Seal(Key{}, Nonce{}, []byte("data")); !errors.Is(err, ErrEncryption) {
		t.Fatalf("expected ErrEncryption with zero key, got %v", err)
	}
	if _, err := Open(Key{}, Nonce{}, make([]byte, Overhead+1)); !errors.Is(err, ErrEncryption) {
		t.Fatalf("expected ErrEncryption with zero key, got %v", err)
	}
}

func TestDeriveNonceUniqueAndDeterministic(t *testing.T) {
	a := uuid.New()
	b := uuid.New()

	if DeriveNonce(a, 0) != DeriveNonce(a, 0) {
		t.Error("nonce derivation is not deterministic")
	}

	seen := make(map[Nonce]bool)
	for i := uint64(0); i < 1000; i++ {
		n := DeriveNonce(a, i)
		if seen[n] {
			t.Fatalf("nonce reuse at index %d", i)
		}
		seen[n] = true
	}

	if DeriveNonce(a, 5) == DeriveNonce(b, 5) {
		t.Error("different sessions derived the same nonce")
	}
}

func TestParseKey(t *testing.T) {
	key, _ := GenerateKey()

	parsed, err := ParseKey(key.String())
	if err != nil {
		t.Fatalf("ParseKey failed: %v", err)
	}
	if parsed != key {
		t.Error("ParseKey did not round-trip the key")
	}

	for _, bad := range []string{"", "zz", "deadbeef"} {
		if _, err := ParseKey(bad); !errors.Is(err, ErrEncryption) {
			t.Errorf("ParseKey(%q): expected ErrEncryption, got %v", bad, err)
		}
	}
}
