// Package cryptox wraps the encryption envelope used by the scraper: secret
// keys scoped to domains, authenticated document and stream encryption, and
// key wrapping for a set of recipients.
package cryptox

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/lysyi3m/webscraper/internal/hashing"
)

// FormatMgs4 tags ciphertext produced by this package.
const FormatMgs4 = "mgs4"

const SecretKeySize = 32

var ErrInvalidKey = errors.New("invalid secret key")

// SecretKey is a single-use symmetric key together with the domains allowed
// to decrypt what it protects.
type SecretKey struct {
	KeyID   string
	Secret  []byte
	Domains []string
}

// NewSecretKey generates a fresh random key for domains.
func NewSecretKey(domains []string) (*SecretKey, error) {
	secret := make([]byte, SecretKeySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	return &SecretKey{
		KeyID:   KeyID(secret),
		Secret:  secret,
		Domains: append([]string(nil), domains...),
	}, nil
}

// KeyID derives the key identity from the secret itself.
func KeyID(secret []byte) string {
	d := hashing.NewBlake2s256()
	_, _ = d.Write(secret)
	return d.Base58btc()
}

// DecodeKeyBase64 decodes a base64 secret, tolerating stripped padding.
func DecodeKeyBase64(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if rem := len(value) % 4; rem != 0 {
		value += strings.Repeat("=", 4-rem)
	}
	key, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != SecretKeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKey, SecretKeySize, len(key))
	}
	return key, nil
}

// EncodeBase64 is the unpadded encoding used for nonces and ciphertexts.
func EncodeBase64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// DecodeBase64 accepts both padded and unpadded input.
func DecodeBase64(value string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(value, "="))
}
