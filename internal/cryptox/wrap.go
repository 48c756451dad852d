package cryptox

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/lysyi3m/webscraper/internal/hashing"
	"golang.org/x/crypto/nacl/box"
)

var ErrNoRecipientKey = errors.New("no wrapped key for this recipient")

// WrappedKeys holds one sealed copy of a secret per recipient, indexed by the
// recipient public key fingerprint.
type WrappedKeys struct {
	CleID    string            `json:"cle_id,omitempty"`
	Domaines []string          `json:"domaines,omitempty"`
	Cles     map[string]string `json:"cles"`
}

// SealedMessage is a document encrypted with a one-time key that is itself
// wrapped for its recipients.
type SealedMessage struct {
	Dechiffrage WrappedKeys       `json:"dechiffrage"`
	Document    EncryptedDocument `json:"document"`
}

// Fingerprint identifies a recipient public key.
func Fingerprint(pub ed25519.PublicKey) string {
	d := hashing.NewBlake2s256()
	_, _ = d.Write(pub)
	return d.Base58btc()
}

// WrapKey seals key.Secret for every recipient.
func WrapKey(key *SecretKey, recipients []ed25519.PublicKey) (*WrappedKeys, error) {
	if len(recipients) == 0 {
		return nil, errors.New("no recipients to wrap key for")
	}
	wrapped := &WrappedKeys{
		CleID:    key.KeyID,
		Domaines: append([]string(nil), key.Domains...),
		Cles:     make(map[string]string, len(recipients)),
	}
	for _, pub := range recipients {
		xpub, err := x25519Public(pub)
		if err != nil {
			return nil, err
		}
		sealed, err := box.SealAnonymous(nil, key.Secret, xpub, rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to seal key: %w", err)
		}
		wrapped.Cles[Fingerprint(pub)] = EncodeBase64(sealed)
	}
	return wrapped, nil
}

// UnwrapKey opens the copy sealed for priv.
func UnwrapKey(wrapped *WrappedKeys, priv ed25519.PrivateKey) ([]byte, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected public key type")
	}
	sealedB64, ok := wrapped.Cles[Fingerprint(pub)]
	if !ok {
		return nil, ErrNoRecipientKey
	}
	sealed, err := DecodeBase64(sealedB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode wrapped key: %w", err)
	}

	xpub, err := x25519Public(pub)
	if err != nil {
		return nil, err
	}
	xpriv := x25519Private(priv)
	secret, ok := box.OpenAnonymous(nil, sealed, xpub, xpriv)
	if !ok {
		return nil, fmt.Errorf("failed to open wrapped key")
	}
	return secret, nil
}

// SealJSON encrypts v for recipients with a fresh key.
func SealJSON(v any, recipients []ed25519.PublicKey) (*SealedMessage, error) {
	key, err := NewSecretKey(nil)
	if err != nil {
		return nil, err
	}
	doc, err := EncryptJSON(key, v)
	if err != nil {
		return nil, err
	}
	wrapped, err := WrapKey(key, recipients)
	if err != nil {
		return nil, err
	}
	return &SealedMessage{Dechiffrage: *wrapped, Document: *doc}, nil
}

// OpenJSON decrypts a message sealed for priv into v.
func OpenJSON(msg *SealedMessage, priv ed25519.PrivateKey, v any) error {
	secret, err := UnwrapKey(&msg.Dechiffrage, priv)
	if err != nil {
		return err
	}
	plaintext, err := DecryptDocument(secret, &msg.Document)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("failed to parse sealed message: %w", err)
	}
	return nil
}

// ParseRecipientCertificate extracts the Ed25519 public key of a PEM certificate.
func ParseRecipientCertificate(pemData string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate key is not ed25519")
	}
	return pub, nil
}

func x25519Public(pub ed25519.PublicKey) (*[32]byte, error) {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return nil, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	var out [32]byte
	copy(out[:], p.BytesMontgomery())
	return &out, nil
}

func x25519Private(priv ed25519.PrivateKey) *[32]byte {
	h := sha512.Sum512(priv.Seed())
	var out [32]byte
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return &out
}
