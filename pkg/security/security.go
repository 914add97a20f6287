// Package security implements the cryptographic primitives the handshake
// manager needs: HKDF-SHA256 key derivation, HMAC-SHA256 tagging, a
// counter-carrying nonce for replay defense, and best-effort secure
// zeroization of key material after use.
package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/hkdf"
)

const (
	// NonceRandomBytes is the length of the random prefix of a handshake nonce.
	NonceRandomBytes = 8
	// NonceCounterBytes is the length of the big-endian monotonic counter suffix.
	NonceCounterBytes = 8
	// NonceTotalBytes is the full nonce length (random || counter).
	NonceTotalBytes = NonceRandomBytes + NonceCounterBytes

	// TagLength is the truncated HMAC-SHA256 tag length used on the wire.
	TagLength = 16

	hkdfSalt    = "mcubridge-v2"
	hkdfInfoAuth = "handshake-auth"
)

// ErrShortNonce is returned when a nonce buffer is not NonceTotalBytes long.
var ErrShortNonce = errors.New("security: nonce must be 16 bytes")

// HKDFSHA256 derives length bytes of key material from ikm using HKDF-SHA256
// with the given salt and info.
func HKDFSHA256(ikm, salt, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("security: hkdf derive: %w", err)
	}
	return out, nil
}

// DeriveHandshakeKey derives the 32-byte authentication key used to tag and
// verify handshake nonces from the configured shared secret.
func DeriveHandshakeKey(sharedSecret []byte) ([]byte, error) {
	return HKDFSHA256(sharedSecret, []byte(hkdfSalt), []byte(hkdfInfoAuth), 32)
}

// ComputeTag returns HMAC-SHA256(key, nonce) truncated to TagLength bytes.
func ComputeTag(key, nonce []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(nonce)
	return mac.Sum(nil)[:TagLength]
}

// ConstantTimeEqual compares two tags without leaking timing information.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// GenerateNonceWithCounter builds a 16-byte nonce: 8 cryptographically
// random bytes followed by the monotonic counter (big-endian), incremented
// from counter. It returns the nonce and the new counter value.
func GenerateNonceWithCounter(counter uint64) ([]byte, uint64, error) {
	newCounter := counter + 1
	nonce := make([]byte, NonceTotalBytes)
	if _, err := rand.Read(nonce[:NonceRandomBytes]); err != nil {
		return nil, counter, fmt.Errorf("security: generating nonce randomness: %w", err)
	}
	binary.BigEndian.PutUint64(nonce[NonceRandomBytes:], newCounter)
	return nonce, newCounter, nil
}

// ExtractNonceCounter returns the 64-bit counter carried in the tail of nonce.
func ExtractNonceCounter(nonce []byte) (uint64, error) {
	if len(nonce) != NonceTotalBytes {
		return 0, ErrShortNonce
	}
	return binary.BigEndian.Uint64(nonce[NonceRandomBytes:]), nil
}

// ValidateNonceCounter reports whether nonce's counter is strictly greater
// than lastCounter (anti-replay), returning the counter to adopt as the new
// high-water mark when valid.
func ValidateNonceCounter(nonce []byte, lastCounter uint64) (valid bool, newLastCounter uint64) {
	current, err := ExtractNonceCounter(nonce)
	if err != nil {
		return false, lastCounter
	}
	if current <= lastCounter {
		return false, lastCounter
	}
	return true, current
}

// SecureZero overwrites buf with zeros. Go's garbage collector and compiler
// may still retain copies elsewhere, but this at least ensures the call is
// not optimized away as a dead store by keeping buf live past the loop.
func SecureZero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
	runtime.KeepAlive(buf)
}
