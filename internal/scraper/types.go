package scraper

import (
	"errors"
	"time"

	"github.com/lysyi3m/webscraper/internal/bus"
	"github.com/lysyi3m/webscraper/internal/cryptox"
	"github.com/lysyi3m/webscraper/internal/filehost"
)

// Feed types
const (
	FeedTypeCustom       = "web.scraper.python_custom"
	FeedTypeGoogleTrends = "web.google_trends.news"
)

// MinPollInterval is the lowest polling cadence a feed can request.
const MinPollInterval = 30 * time.Second

var (
	ErrUnsupportedFeedType = errors.New("unsupported feed type")
	ErrUnknownExtractor    = errors.New("unknown extractor")
	// ErrRebuildRequired means the change cannot be applied to a running
	// worker; the feed needs a new one.
	ErrRebuildRequired = errors.New("feed type or domain changed")
)

// FeedInformation is the decrypted part of a feed configuration.
type FeedInformation struct {
	URL           string `json:"url" yaml:"url"`
	CustomProcess string `json:"custom_process,omitempty" yaml:"custom_process"`
}

// FeedParameters is one feed as configured remotely.
type FeedParameters struct {
	FeedID   string `json:"feed_id" yaml:"feed_id"`
	FeedType string `json:"feed_type" yaml:"feed_type"`
	PollRate *int   `json:"poll_rate,omitempty" yaml:"poll_rate"`
	Domain   string `json:"domain,omitempty" yaml:"domain"`
	Deleted  bool   `json:"deleted,omitempty" yaml:"deleted"`
	Active   *bool  `json:"active,omitempty" yaml:"active"`

	EncryptedFeedInformation *cryptox.EncryptedDocument `json:"encrypted_feed_information,omitempty" yaml:"-"`
	Information              FeedInformation            `json:"-" yaml:"information"`
}

// Interval returns the polling cadence, zero for one-shot feeds.
func (p FeedParameters) Interval() time.Duration {
	if p.PollRate == nil {
		return 0
	}
	return max(time.Duration(*p.PollRate)*time.Second, MinPollInterval)
}

// TargetDomain is the domain produced data is routed to.
func (p FeedParameters) TargetDomain() string {
	if p.Domain == "" {
		return bus.DomainDataCollector
	}
	return p.Domain
}

// Enabled reports whether the feed should have a running worker.
func (p FeedParameters) Enabled() bool {
	return !p.Deleted && (p.Active == nil || *p.Active)
}

// DataCollectorTransaction is the index record committed for a content item.
type DataCollectorTransaction struct {
	FeedID         string   `json:"feed_id"`
	DataID         string   `json:"data_id"`
	SaveDate       int64    `json:"save_date"`
	DataFuuid      string   `json:"data_fuuid"`
	KeyIDs         []string `json:"key_ids"`
	PubDateStart   *int64   `json:"pub_date_start"`
	PubDateEnd     *int64   `json:"pub_date_end"`
	AttachedFuuids []string `json:"attached_fuuids"`
}

// DataFeedFile is the full record stored, compressed, on the filehost.
type DataFeedFile struct {
	FeedID            string                     `json:"feed_id"`
	DataID            string                     `json:"data_id"`
	SaveDate          int64                      `json:"save_date"`
	EncryptedData     *cryptox.EncryptedDocument `json:"encrypted_data"`
	PubStartDate      *int64                     `json:"pub_start_date"`
	PubEndDate        *int64                     `json:"pub_end_date"`
	Files             []filehost.AttachedFile    `json:"files"`
	EncryptedFilesMap *cryptox.EncryptedDocument `json:"encrypted_files_map,omitempty"`
}

// AttachedFileCorrelation ties an uploaded file to the identity of its source.
type AttachedFileCorrelation struct {
	filehost.AttachedFile
	Correlation string `json:"correlation"`
}

// AttachmentSource is a file proposed by an extractor.
type AttachmentSource struct {
	Correlation string
	URL         string
}

// Extraction is what an extractor learned from fetched content.
type Extraction struct {
	PubDateStart *time.Time
	PubDateEnd   *time.Time
	Attachments  []AttachmentSource
}

func (e *Extraction) observeDate(t time.Time) {
	if e.PubDateStart == nil || t.Before(*e.PubDateStart) {
		start := t
		e.PubDateStart = &start
	}
	if e.PubDateEnd == nil || t.After(*e.PubDateEnd) {
		end := t
		e.PubDateEnd = &end
	}
}

func epochMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}
