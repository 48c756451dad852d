package scraper

import (
	"fmt"
	"time"

	"github.com/lysyi3m/webscraper/internal/bus"
	"github.com/lysyi3m/webscraper/internal/cryptox"
	"golang.org/x/sync/semaphore"
)

// Deps are the process wide services shared by every worker.
type Deps struct {
	Producer  bus.Producer
	Signer    bus.Signer
	IDMG      string
	Uploader  Uploader
	Index     AttachmentIndex
	Fetcher   *Fetcher
	Semaphore *semaphore.Weighted
	Throttle  time.Duration
}

// Factory builds a worker for a feed according to its type.
type Factory struct {
	deps Deps
}

func NewFactory(deps Deps) *Factory {
	if deps.Semaphore == nil {
		deps.Semaphore = semaphore.NewWeighted(1)
	}
	return &Factory{deps: deps}
}

func (f *Factory) New(params FeedParameters) (*Worker, error) {
	var processor Processor
	switch params.FeedType {
	case FeedTypeCustom:
		if _, err := LookupExtractor(params.Information.CustomProcess); err != nil {
			return nil, err
		}
		processor = NewDocumentProcessor(f.deps.Producer, f.deps.Uploader, f.deps.Index, f.deps.Fetcher)
	case FeedTypeGoogleTrends:
		processor = NewTrendsProcessor(f.deps.Producer, f.deps.Fetcher)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFeedType, params.FeedType)
	}

	key, err := cryptox.NewSecretKey([]string{params.TargetDomain()})
	if err != nil {
		return nil, fmt.Errorf("failed to create feed key: %w", err)
	}
	registrar := NewKeyRegistrar(f.deps.Producer, f.deps.Signer, f.deps.IDMG, key)

	return newWorker(params, processor, registrar, f.deps.Fetcher, f.deps.Semaphore, f.deps.Throttle), nil
}
