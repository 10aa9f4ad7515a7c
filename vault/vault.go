// Package vault provides password-based at-rest protection for an exported
// identity blob, per the locked_blob format: a fixed PBKDF2-HMAC-SHA256
// derivation followed by ChaCha20-Poly1305 sealing.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	vaultVersion byte = 0x01

	saltSize = 32
	ivSize   = chacha20poly1305.NonceSize // 12

	// MinIterations is the floor for the PBKDF2 work factor; Lock rejects
	// any lower value. Future vault versions may raise the default without
	// breaking blobs sealed under this one, since the version tag is
	// persisted alongside the blob.
	MinIterations = 100_000

	aad = "chai/vault/v1"
)

// ErrVaultUnlockFailed is returned by Unlock when the password is wrong or
// the blob has been tampered with; the two cases are indistinguishable by
// design.
var ErrVaultUnlockFailed = errors.New("vault: unlock failed")

// ErrMalformedBlob is returned by Unlock when the blob is too short
// or carries an unrecognized version tag.
var ErrMalformedBlob = errors.New("vault: malformed blob")

// Lock seals identityBytes under password using iterations PBKDF2 rounds
// (must be >= MinIterations). The returned blob is self-describing: version,
// salt, and iv are all persisted alongside the ciphertext.
func Lock(identityBytes []byte, password string, iterations int) ([]byte, error) {
	if iterations < MinIterations {
		return nil, fmt.Errorf("vault: iterations %d below minimum %d", iterations, MinIterations)
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	key := deriveKey(password, salt, iterations)
	aeadCipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	ciphertext := aeadCipher.Seal(nil, iv, identityBytes, []byte(aad))

	blob := make([]byte, 0, 1+saltSize+ivSize+len(ciphertext))
	blob = append(blob, vaultVersion)
	blob = append(blob, salt...)
	blob = append(blob, iv...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// Unlock reverses Lock, returning the original identity bytes. A wrong
// password or a tampered ciphertext both surface as ErrVaultUnlockFailed; no
// detail about which is ever returned. A blob too short to hold its header,
// or with an unknown version tag, returns ErrMalformedBlob.
func Unlock(blob []byte, password string, iterations int) ([]byte, error) {
	if len(blob) < 1+saltSize+ivSize {
		return nil, ErrMalformedBlob
	}
	if blob[0] != vaultVersion {
		return nil, ErrMalformedBlob
	}
	i := 1
	salt := blob[i : i+saltSize]
	i += saltSize
	iv := blob[i : i+ivSize]
	i += ivSize
	ciphertext := blob[i:]

	key := deriveKey(password, salt, iterations)
	aeadCipher, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aeadCipher.Open(nil, iv, ciphertext, []byte(aad))
	if err != nil {
		return nil, ErrVaultUnlockFailed
	}
	return plaintext, nil
}

// IsLocked reports whether blob looks like a vault-sealed identity, i.e. its
// first byte matches the current vault version tag.
func IsLocked(blob []byte) bool {
	return len(blob) > 0 && blob[0] == vaultVersion
}

func deriveKey(password string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(password), salt, iterations, chacha20poly1305.KeySize, sha256.New)
}
