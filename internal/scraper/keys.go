package scraper

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/lysyi3m/webscraper/internal/bus"
	"github.com/lysyi3m/webscraper/internal/cryptox"
)

// KeyRegistrar registers a worker secret key with the key authority. The
// registration command is built on first need, attached to every commit until
// one succeeds, and never sent again afterwards.
type KeyRegistrar struct {
	producer bus.Producer
	signer   bus.Signer
	idmg     string
	key      *cryptox.SecretKey

	mu        sync.Mutex
	submitted bool
	pending   *bus.Message
}

func NewKeyRegistrar(producer bus.Producer, signer bus.Signer, idmg string, key *cryptox.SecretKey) *KeyRegistrar {
	return &KeyRegistrar{producer: producer, signer: signer, idmg: idmg, key: key}
}

func (r *KeyRegistrar) Key() *cryptox.SecretKey {
	return r.key
}

func (r *KeyRegistrar) Submitted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submitted
}

// Attachments returns the attachments to add to the next commit.
func (r *KeyRegistrar) Attachments(ctx context.Context) (map[string]*bus.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.submitted {
		return nil, nil
	}
	if r.pending == nil {
		cmd, err := r.buildCommand(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to prepare key registration: %w", err)
		}
		r.pending = cmd
	}
	return map[string]*bus.Message{"key": r.pending}, nil
}

// Observe records the outcome of a commit that carried the registration.
func (r *KeyRegistrar) Observe(resp *bus.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.submitted || r.pending == nil || resp == nil || !resp.Ok {
		return
	}
	r.submitted = true
	r.pending = nil
	slog.Debug("Secret key registered", "key_id", r.key.KeyID)
}

func (r *KeyRegistrar) buildCommand(ctx context.Context) (*bus.Message, error) {
	resp, err := r.producer.Request(ctx, bus.DomainCoreTopologie, bus.ActionFicheMillegrille, map[string]string{"idmg": r.idmg})
	if err != nil {
		return nil, err
	}
	var fiche struct {
		Chiffrage [][]string `json:"chiffrage"`
	}
	if err := resp.Decode(&fiche); err != nil {
		return nil, err
	}
	if len(fiche.Chiffrage) == 0 {
		return nil, errors.New("no encryption certificates for this instance")
	}

	recipients := make([]ed25519.PublicKey, 0, len(fiche.Chiffrage))
	for _, chain := range fiche.Chiffrage {
		pub, err := cryptox.ParseRecipientCertificate(strings.Join(chain, "\n"))
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, pub)
	}

	wrapped, err := cryptox.WrapKey(r.key, recipients)
	if err != nil {
		return nil, err
	}
	return r.signer.Sign(bus.KindCommand, bus.DomainMaitreDesCles, bus.ActionAjouterCleDomaines, wrapped)
}
