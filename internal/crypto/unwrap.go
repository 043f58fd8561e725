// Package crypto implements the concrete DEK-unwrap arithmetic left
// opaque by the instance specification: the controller supplies a wrapped
// Data Encryption Key, and this package recovers the raw key the instance
// manager feeds to cryptsetup over stdin.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DEKSize is the length in bytes of a LUKS Data Encryption Key.
const DEKSize = 32

// ErrMalformedWrapped is returned when a wrapped DEK is too short to
// contain a nonce and authentication tag.
var ErrMalformedWrapped = errors.New("crypto: malformed wrapped dek")

// DEK is a Data Encryption Key held in memory only as long as needed to
// hand it to cryptsetup. Zero must be called as soon as the key has been
// written to the subprocess's stdin.
type DEK []byte

// Zero overwrites the key material in place. Safe to call more than once.
func (d DEK) Zero() {
	for i := range d {
		d[i] = 0
	}
}

// deriveKEK derives a 32-byte key-encryption-key from the keystore-held
// host secret, salted with the host fingerprint so two hosts sharing a
// secret (which should never happen, but fail-closed reasoning assumes
// the worst) still derive distinct KEKs.
func deriveKEK(hostSecret, fingerprint string) ([]byte, error) {
	kek := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(hostSecret), []byte(fingerprint), []byte("qudata-dek-wrap-v1"))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("derive kek: %w", err)
	}
	return kek, nil
}

// Unwrap recovers the raw DEK from a hex-encoded, AES-256-GCM-wrapped
// value. wrapped is nonce || ciphertext || tag, hex-encoded, matching the
// wire format the instance specification's WrappedDEK field carries.
func Unwrap(wrappedHex, hostSecret, fingerprint string) (DEK, error) {
	wrapped, err := hex.DecodeString(wrappedHex)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped dek: %w", err)
	}

	kek, err := deriveKEK(hostSecret, fingerprint)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	if len(wrapped) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrMalformedWrapped
	}
	nonce, ciphertext := wrapped[:gcm.NonceSize()], wrapped[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrap dek: %w", err)
	}
	return DEK(plain), nil
}

// Wrap is the inverse of Unwrap, used by tests and by provisioning tools
// that need to produce a WrappedDEK value for a given raw key.
func Wrap(dek DEK, hostSecret, fingerprint string) (string, error) {
	kek, err := deriveKEK(hostSecret, fingerprint)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, dek, nil)
	return hex.EncodeToString(append(nonce, ciphertext...)), nil
}
