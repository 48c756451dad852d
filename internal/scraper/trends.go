package scraper

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/lysyi3m/webscraper/internal/bus"
	"github.com/lysyi3m/webscraper/internal/cryptox"
	"github.com/lysyi3m/webscraper/internal/hashing"
	"github.com/mmcdole/gofeed"
)

const trendsPrefix = "ht"

// TrendGroup describes the trend a news item belongs to.
type TrendGroup struct {
	Title         string `json:"title,omitempty"`
	ApproxTraffic string `json:"approx_traffic,omitempty"`
	PubDate       *int64 `json:"pub_date,omitempty"`
}

// TrendsNewsItem is the cleartext of one saved trends item.
type TrendsNewsItem struct {
	Title         string     `json:"title"`
	Snippet       *string    `json:"snippet"`
	URL           string     `json:"url"`
	PubDate       int64      `json:"pub_date"`
	ItemSource    string     `json:"item_source,omitempty"`
	PictureURL    string     `json:"picture_url,omitempty"`
	PictureSource string     `json:"picture_source,omitempty"`
	Thumbnail     string     `json:"thumbnail,omitempty"`
	Group         TrendGroup `json:"group"`
}

// DataID identifies the item by title, url and publication second. The
// hashed text is an ASCII-only JSON array with ", " separators so ids match
// those already stored by the index.
func (i *TrendsNewsItem) DataID() string {
	parts := []string{asciiJSON(i.Title), asciiJSON(i.URL), strconv.FormatInt(i.PubDate, 10)}
	return hashing.HexBlake2s([]byte("[" + strings.Join(parts, ", ") + "]"))
}

func asciiJSON(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)

	var out strings.Builder
	for _, r := range strings.TrimSuffix(buf.String(), "\n") {
		if r < utf8.RuneSelf {
			out.WriteRune(r)
			continue
		}
		for _, unit := range utf16.Encode([]rune{r}) {
			fmt.Fprintf(&out, "\\u%04x", unit)
		}
	}
	return out.String()
}

type trendsDataItem struct {
	DataID        string                     `json:"data_id"`
	FeedID        string                     `json:"feed_id"`
	PubDate       int64                      `json:"pub_date"`
	EncryptedData *cryptox.EncryptedDocument `json:"encrypted_data"`
}

// TrendsProcessor saves every news item of a trends feed as its own
// encrypted data item.
type TrendsProcessor struct {
	producer bus.Producer
	fetcher  *Fetcher
	spacing  time.Duration
}

func NewTrendsProcessor(producer bus.Producer, fetcher *Fetcher) *TrendsProcessor {
	return &TrendsProcessor{producer: producer, fetcher: fetcher, spacing: 500 * time.Millisecond}
}

func (p *TrendsProcessor) Process(ctx context.Context, job *Job) error {
	feedID := job.Feed.FeedID

	data, err := io.ReadAll(job.Content)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}
	items, err := ParseTrends(data)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	ids := make([]string, len(items))
	for i := range items {
		ids[i] = items[i].DataID()
	}
	missing, err := checkExistingDataIDs(ctx, p.producer, feedID, ids)
	if err != nil {
		return err
	}

	var fresh []*TrendsNewsItem
	for i := range items {
		if missing[ids[i]] {
			fresh = append(fresh, &items[i])
		}
	}
	if len(fresh) == 0 {
		slog.Debug("No new trends items", "feed", feedID)
		return nil
	}

	thumbnails := p.loadThumbnails(ctx, fresh)

	key := job.Registrar.Key()
	for _, item := range fresh {
		item.Thumbnail = thumbnails[item.PictureURL]

		encrypted, err := cryptox.EncryptJSON(key, item)
		if err != nil {
			return err
		}
		record := trendsDataItem{
			DataID:        item.DataID(),
			FeedID:        feedID,
			PubDate:       item.PubDate,
			EncryptedData: encrypted,
		}
		if err := commit(ctx, p.producer, job, bus.ActionSaveDataItem, record); err != nil {
			return err
		}
	}

	slog.Info("Task completed",
		"type", "ProcessedTrends",
		"feed", feedID,
		"total", len(items),
		"new", len(fresh))
	return nil
}

func (p *TrendsProcessor) loadThumbnails(ctx context.Context, items []*TrendsNewsItem) map[string]string {
	thumbnails := make(map[string]string)
	first := true
	for _, item := range items {
		url := item.PictureURL
		if url == "" {
			continue
		}
		if _, done := thumbnails[url]; done {
			continue
		}
		if !first && p.spacing > 0 {
			if err := sleepContext(ctx, p.spacing); err != nil {
				return thumbnails
			}
		}
		first = false

		content, err := p.fetcher.Download(ctx, url)
		if err != nil {
			slog.Warn("Error loading thumbnail", "url", url, "error", err)
			thumbnails[url] = ""
			continue
		}
		thumbnails[url] = base64.RawStdEncoding.EncodeToString(content)
	}
	return thumbnails
}

// ParseTrends flattens a trends RSS document into one entry per news item.
func ParseTrends(data []byte) ([]TrendsNewsItem, error) {
	feed, err := gofeed.NewParser().Parse(strings.NewReader(string(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	var out []TrendsNewsItem
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		ht := item.Extensions[trendsPrefix]

		group := TrendGroup{
			Title:         item.Title,
			ApproxTraffic: extValue(ht, "approx_traffic"),
		}
		var pubDate int64
		if item.PublishedParsed != nil {
			pubDate = item.PublishedParsed.Unix()
			group.PubDate = &pubDate
		}
		picture := extValue(ht, "picture")
		pictureSource := extValue(ht, "picture_source")

		for _, news := range ht["news_item"] {
			entry := TrendsNewsItem{
				Title:         extValue(news.Children, "news_item_title"),
				URL:           extValue(news.Children, "news_item_url"),
				PubDate:       pubDate,
				ItemSource:    extValue(news.Children, "news_item_source"),
				PictureURL:    picture,
				PictureSource: pictureSource,
				Group:         group,
			}
			if own := extValue(news.Children, "news_item_picture"); own != "" {
				entry.PictureURL = own
				entry.PictureSource = entry.ItemSource
			}
			out = append(out, entry)
		}
	}
	return out, nil
}
