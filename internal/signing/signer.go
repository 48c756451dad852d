package signing

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lysyi3m/webscraper/internal/bus"
	"github.com/lysyi3m/webscraper/internal/hashing"
)

var ErrInvalidSignature = errors.New("invalid message signature")

// Signer signs bus messages with the instance key.
type Signer struct {
	identity *Identity
	now      func() time.Time
}

var _ bus.Signer = (*Signer)(nil)

func NewSigner(identity *Identity) *Signer {
	return &Signer{identity: identity, now: time.Now}
}

func (s *Signer) Identity() *Identity {
	return s.identity
}

func (s *Signer) Sign(kind bus.Kind, domain, action string, content any) (*bus.Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal content: %w", err)
	}

	msg := &bus.Message{
		Kind:        kind,
		Domain:      domain,
		Action:      action,
		Content:     string(raw),
		Timestamp:   s.now().Unix(),
		Certificate: s.identity.ChainPEM,
	}

	pub := s.identity.PublicKey()
	msg.ID, err = messageID(pub, msg)
	if err != nil {
		return nil, err
	}

	sig, err := jwt.SigningMethodEdDSA.Sign(msg.ID, s.identity.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	msg.Signature = hex.EncodeToString(sig)
	return msg, nil
}

// Verify checks that msg was produced by the holder of pub and was not altered.
func Verify(msg *bus.Message, pub ed25519.PublicKey) error {
	id, err := messageID(pub, msg)
	if err != nil {
		return err
	}
	if id != msg.ID {
		return fmt.Errorf("%w: id mismatch", ErrInvalidSignature)
	}
	sig, err := hex.DecodeString(msg.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err := jwt.SigningMethodEdDSA.Verify(msg.ID, sig, pub); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

func messageID(pub ed25519.PublicKey, msg *bus.Message) (string, error) {
	routing := map[string]string{"domaine": msg.Domain, "action": msg.Action}
	raw, err := json.Marshal([]any{hex.EncodeToString(pub), msg.Timestamp, int(msg.Kind), msg.Content, routing})
	if err != nil {
		return "", fmt.Errorf("failed to marshal message id input: %w", err)
	}
	return hashing.HexBlake2s(raw), nil
}
