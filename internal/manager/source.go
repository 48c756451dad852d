package manager

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lysyi3m/webscraper/internal/bus"
	"github.com/lysyi3m/webscraper/internal/cryptox"
	"github.com/lysyi3m/webscraper/internal/scraper"
)

var ErrMissingKeys = errors.New("no decryption keys were received")

// BusSource loads feeds from the index domain. Feed information arrives
// encrypted, with its keys sealed for this instance.
type BusSource struct {
	producer   bus.Producer
	privateKey ed25519.PrivateKey
}

func NewBusSource(producer bus.Producer, privateKey ed25519.PrivateKey) *BusSource {
	return &BusSource{producer: producer, privateKey: privateKey}
}

type feedsResponse struct {
	Feeds []scraper.FeedParameters `json:"feeds"`
	Keys  *cryptox.SealedMessage   `json:"keys"`
}

type decryptedKeys struct {
	Cles []struct {
		CleID  string `json:"cle_id"`
		Secret string `json:"cle_secrete_base64"`
	} `json:"cles"`
}

func (s *BusSource) LoadFeeds(ctx context.Context) ([]scraper.FeedParameters, error) {
	resp, err := s.producer.Request(ctx, bus.DomainDataCollector, bus.ActionGetFeedsForScraper, map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("failed to request feeds: %w", err)
	}
	if !resp.Ok {
		return nil, fmt.Errorf("failed to request feeds: %s", resp.Err)
	}

	var body feedsResponse
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	if len(body.Feeds) == 0 {
		slog.Info("No configured/active feeds")
		return nil, nil
	}
	if body.Keys == nil {
		return nil, ErrMissingKeys
	}

	keys, err := s.openKeys(body.Keys)
	if err != nil {
		return nil, err
	}

	for i := range body.Feeds {
		feed := &body.Feeds[i]
		doc := feed.EncryptedFeedInformation
		if doc == nil {
			return nil, fmt.Errorf("feed %s has no feed information", feed.FeedID)
		}
		secret, ok := keys[doc.CleID]
		if !ok {
			return nil, fmt.Errorf("feed %s: %w: %s", feed.FeedID, ErrMissingKeys, doc.CleID)
		}
		if err := cryptox.DecryptJSON(secret, doc, &feed.Information); err != nil {
			return nil, fmt.Errorf("failed to decrypt feed %s: %w", feed.FeedID, err)
		}
	}
	return body.Feeds, nil
}

func (s *BusSource) openKeys(sealed *cryptox.SealedMessage) (map[string][]byte, error) {
	var decrypted decryptedKeys
	if err := cryptox.OpenJSON(sealed, s.privateKey, &decrypted); err != nil {
		return nil, fmt.Errorf("failed to open feed keys: %w", err)
	}
	keys := make(map[string][]byte, len(decrypted.Cles))
	for _, k := range decrypted.Cles {
		secret, err := cryptox.DecodeKeyBase64(k.Secret)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", k.CleID, err)
		}
		keys[k.CleID] = secret
	}
	return keys, nil
}
