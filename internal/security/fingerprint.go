package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// FingerprintSize is the length of a stored token fingerprint.
const FingerprintSize = sha256.Size

// secretBytes is the entropy of an opaque client secret (256 bits).
const secretBytes = 32

// Fingerprinter derives the stored form of opaque tokens. The raw secret
// goes to the client; only the HMAC-SHA256 digest is persisted.
type Fingerprinter struct {
	key []byte
}

func NewFingerprinter(key []byte) (*Fingerprinter, error) {
	if len(key) == 0 {
		return nil, errors.New("fingerprint key must not be empty")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Fingerprinter{key: k}, nil
}

// Fingerprint returns the 32-byte keyed digest of raw.
func (f *Fingerprinter) Fingerprint(raw string) []byte {
	mac := hmac.New(sha256.New, f.key)
	mac.Write([]byte(raw))
	return mac.Sum(nil)
}

// GenerateSecret returns a URL-safe random secret with 256 bits of entropy.
func (f *Fingerprinter) GenerateSecret() (string, error) {
	return GenerateSecret()
}

// GenerateSecret returns a URL-safe random secret with 256 bits of entropy.
func GenerateSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
