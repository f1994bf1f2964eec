// Package crypto implements the symmetric primitives of the relay: padded
// authenticated encryption for room snapshots, the HMAC join-token scheme,
// and timing-safe comparison helpers.
package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the length of a room's symmetric key.
	KeySize = 32
	// NonceSize is the XSalsa20 nonce length prepended to every blob.
	NonceSize = 24
	// TagOverhead is the Poly1305 authenticator length secretbox adds.
	TagOverhead = secretbox.Overhead
	// PadBlock is the padding granularity: ciphertext length reveals only the
	// next multiple of this of the plaintext size.
	PadBlock = 4096
	// MaxPlaintextBytes caps a single snapshot at encrypt time.
	MaxPlaintextBytes = 100 * 1024 * 1024
	// minBlobSize is the smallest blob Decrypt will even look at:
	// nonce + tag + one ciphertext byte.
	minBlobSize = NonceSize + TagOverhead + 1
	// lenPrefixSize is the big-endian length prefix inside the padded plaintext.
	lenPrefixSize = 4
)

var (
	// ErrInvalidKey means the key is missing, not 32 bytes, or all zero.
	ErrInvalidKey = errors.New("crypto: key must be 32 non-zero bytes")
	// ErrTooLarge means the plaintext exceeds MaxPlaintextBytes.
	ErrTooLarge = errors.New("crypto: plaintext exceeds size cap")
	// ErrMalformed means the blob is structurally unusable: too short, or the
	// decrypted length prefix is inconsistent.
	ErrMalformed = errors.New("crypto: malformed blob")
	// ErrAuthFail means authentication failed. Tampering, truncation and a
	// wrong key are deliberately indistinguishable.
	ErrAuthFail = errors.New("crypto: authentication failed")
)

func checkKey(key []byte) error {
	if len(key) != KeySize {
		return ErrInvalidKey
	}
	nonZero := false
	for _, b := range key {
		if b != 0 {
			nonZero = true
			break
		}
	}
	if !nonZero {
		return ErrInvalidKey
	}
	return nil
}

// paddedLen returns the padded plaintext length for a payload of n bytes:
// the length prefix plus payload, rounded up to the next PadBlock multiple.
func paddedLen(n int) int {
	raw := lenPrefixSize + n
	blocks := (raw + PadBlock - 1) / PadBlock
	return blocks * PadBlock
}

// Encrypt seals plaintext under key into a self-contained blob:
//
//	nonce(24) || secretbox( len(4,BE) || plaintext || zero padding )
//
// The nonce is freshly random per call, so identical inputs never produce
// identical blobs. The zero padding rounds the sealed length up to the next
// 4096-byte multiple so the stored size leaks only a coarse bound.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if len(plaintext) > MaxPlaintextBytes {
		return nil, ErrTooLarge
	}

	padded := make([]byte, paddedLen(len(plaintext)))
	binary.BigEndian.PutUint32(padded[:lenPrefixSize], uint32(len(plaintext)))
	copy(padded[lenPrefixSize:], plaintext)

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		Zeroize(padded)
		return nil, err
	}

	var k [KeySize]byte
	copy(k[:], key)

	blob := make([]byte, NonceSize, NonceSize+len(padded)+TagOverhead)
	copy(blob, nonce[:])
	blob = secretbox.Seal(blob, padded, &nonce, &k)

	Zeroize(padded)
	Zeroize(k[:])
	return blob, nil
}

// Decrypt opens a blob produced by Encrypt and returns the original
// plaintext with padding stripped. Any tampered byte, truncation or wrong
// key yields ErrAuthFail; the failure modes are not distinguished.
func Decrypt(blob, key []byte) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if len(blob) < minBlobSize {
		return nil, ErrMalformed
	}

	var nonce [NonceSize]byte
	copy(nonce[:], blob[:NonceSize])

	var k [KeySize]byte
	copy(k[:], key)
	defer Zeroize(k[:])

	padded, ok := secretbox.Open(nil, blob[NonceSize:], &nonce, &k)
	if !ok {
		return nil, ErrAuthFail
	}

	if len(padded) < lenPrefixSize {
		Zeroize(padded)
		return nil, ErrMalformed
	}
	n := binary.BigEndian.Uint32(padded[:lenPrefixSize])
	if int64(n) > int64(len(padded)-lenPrefixSize) {
		Zeroize(padded)
		return nil, ErrMalformed
	}

	plaintext := make([]byte, n)
	copy(plaintext, padded[lenPrefixSize:lenPrefixSize+int(n)])
	Zeroize(padded)
	return plaintext, nil
}
