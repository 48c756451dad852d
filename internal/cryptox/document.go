package cryptox

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// EncryptedDocument is the serialized form of a small encrypted value.
type EncryptedDocument struct {
	CleID            string `json:"cle_id,omitempty"`
	Format           string `json:"format"`
	Nonce            string `json:"nonce"`
	CiphertextBase64 string `json:"ciphertext_base64"`
}

// EncryptDocument seals plaintext with XChaCha20-Poly1305 under secret.
func EncryptDocument(secret []byte, keyID string, plaintext []byte) (*EncryptedDocument, error) {
	aead, err := chacha20poly1305.NewX(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	return &EncryptedDocument{
		CleID:            keyID,
		Format:           FormatMgs4,
		Nonce:            EncodeBase64(nonce),
		CiphertextBase64: EncodeBase64(ciphertext),
	}, nil
}

// EncryptJSON marshals v and encrypts the result.
func EncryptJSON(key *SecretKey, v any) (*EncryptedDocument, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal document: %w", err)
	}
	return EncryptDocument(key.Secret, key.KeyID, plaintext)
}

// DecryptDocument opens doc with secret.
func DecryptDocument(secret []byte, doc *EncryptedDocument) ([]byte, error) {
	if doc == nil {
		return nil, fmt.Errorf("encrypted document is nil")
	}
	if doc.Format != "" && doc.Format != FormatMgs4 {
		return nil, fmt.Errorf("unsupported encryption format: %s", doc.Format)
	}

	aead, err := chacha20poly1305.NewX(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	nonce, err := DecodeBase64(doc.Nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decode nonce: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size %d", len(nonce))
	}

	ciphertext, err := DecodeBase64(doc.CiphertextBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt document: %w", err)
	}
	return plaintext, nil
}

// DecryptJSON opens doc and unmarshals it into v.
func DecryptJSON(secret []byte, doc *EncryptedDocument, v any) error {
	plaintext, err := DecryptDocument(secret, doc)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return fmt.Errorf("failed to parse decrypted document: %w", err)
	}
	return nil
}
