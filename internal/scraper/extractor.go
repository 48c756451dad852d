package scraper

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-shiori/go-readability"
	"github.com/lysyi3m/webscraper/internal/hashing"
	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
)

// Builtin extractor names, selected by a feed's custom_process value.
const (
	ExtractorNoop         = "noop"
	ExtractorRSS          = "rss"
	ExtractorGoogleTrends = "google_trends"
	ExtractorArticle      = "article"
)

// Extractor derives publication dates and attachments from fetched content.
// Extractors are a fixed set compiled into the binary; feed configurations
// can only name one.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (*Extraction, error)
}

// LookupExtractor resolves a custom_process value. An empty name is noop.
func LookupExtractor(name string) (Extractor, error) {
	switch strings.TrimSpace(name) {
	case "", ExtractorNoop:
		return noopExtractor{}, nil
	case ExtractorRSS:
		return &feedExtractor{attachments: itemImages}, nil
	case ExtractorGoogleTrends:
		return &feedExtractor{attachments: trendsPictures}, nil
	case ExtractorArticle:
		return articleExtractor{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExtractor, name)
	}
}

type noopExtractor struct{}

func (noopExtractor) Extract(context.Context, []byte) (*Extraction, error) {
	return &Extraction{}, nil
}

type feedExtractor struct {
	attachments func(item *gofeed.Item) []string
}

func (e *feedExtractor) Extract(_ context.Context, data []byte) (*Extraction, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	out := &Extraction{}
	seen := make(map[string]bool)
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		if item.PublishedParsed != nil {
			out.observeDate(*item.PublishedParsed)
		}
		for _, url := range e.attachments(item) {
			correlation := hashing.Correlation(url)
			if seen[correlation] {
				continue
			}
			seen[correlation] = true
			out.Attachments = append(out.Attachments, AttachmentSource{Correlation: correlation, URL: url})
		}
	}

	slog.Debug("Feed extracted", "items", len(feed.Items), "attachments", len(out.Attachments))
	return out, nil
}

func itemImages(item *gofeed.Item) []string {
	if item.Image != nil && item.Image.URL != "" {
		return []string{item.Image.URL}
	}
	for _, enclosure := range item.Enclosures {
		if enclosure != nil && enclosure.URL != "" && strings.HasPrefix(enclosure.Type, "image/") {
			return []string{enclosure.URL}
		}
	}
	return nil
}

// trendsPictures picks the item picture of a trends feed, falling back to the
// picture of its first news item.
func trendsPictures(item *gofeed.Item) []string {
	ht := item.Extensions[trendsPrefix]
	if picture := extValue(ht, "picture"); picture != "" {
		return []string{picture}
	}
	for _, news := range ht["news_item"] {
		if picture := extValue(news.Children, "news_item_picture"); picture != "" {
			return []string{picture}
		}
	}
	return nil
}

type articleExtractor struct{}

func (articleExtractor) Extract(_ context.Context, data []byte) (*Extraction, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("HTML data is empty")
	}

	article, err := readability.FromReader(bytes.NewReader(data), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to extract content: %w", err)
	}

	slog.Debug("Content extracted successfully",
		"title", article.Title,
		"content_length", len(article.Content))

	out := &Extraction{}
	if article.Image != "" {
		out.Attachments = []AttachmentSource{{Correlation: hashing.Correlation(article.Image), URL: article.Image}}
	}
	return out, nil
}

func extValue(values map[string][]ext.Extension, name string) string {
	for _, v := range values[name] {
		if s := strings.TrimSpace(v.Value); s != "" {
			return s
		}
	}
	return ""
}
