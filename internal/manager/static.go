package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/lysyi3m/webscraper/internal/scraper"
	"gopkg.in/yaml.v3"
)

// StaticSource reads cleartext feed definitions from a YAML file:
//
//	feeds:
//	  - feed_id: news
//	    feed_type: web.scraper.python_custom
//	    poll_rate: 600
//	    information:
//	      url: https://example.com/rss.xml
//	      custom_process: rss
type StaticSource struct {
	path string
}

func NewStaticSource(path string) *StaticSource {
	return &StaticSource{path: path}
}

type staticFile struct {
	Feeds []scraper.FeedParameters `yaml:"feeds"`
}

func (s *StaticSource) LoadFeeds(ctx context.Context) ([]scraper.FeedParameters, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var file staticFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	seen := make(map[string]bool, len(file.Feeds))
	for i := range file.Feeds {
		feed := &file.Feeds[i]
		if feed.FeedType == "" {
			feed.FeedType = scraper.FeedTypeCustom
		}
		if err := validateFeed(feed); err != nil {
			return nil, fmt.Errorf("invalid feed at index %d: %w", i, err)
		}
		if seen[feed.FeedID] {
			return nil, fmt.Errorf("duplicate feed id %q", feed.FeedID)
		}
		seen[feed.FeedID] = true
	}

	slog.Debug("Static feeds loaded", "file", s.path, "feeds", len(file.Feeds))
	return file.Feeds, nil
}

func validateFeed(feed *scraper.FeedParameters) error {
	requiredFields := map[string]string{
		"feed id":  feed.FeedID,
		"feed URL": feed.Information.URL,
	}
	for fieldName, fieldValue := range requiredFields {
		if fieldValue == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
	}
	if feed.PollRate != nil && *feed.PollRate < 0 {
		return fmt.Errorf("poll rate must be non-negative")
	}
	return nil
}

// Watch calls onChange whenever the feed file is written, created or
// replaced, until ctx is done.
func (s *StaticSource) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Saving may replace the file, which would drop a watch on the file itself.
	target := filepath.Clean(s.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", target, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				slog.Info("Feed file changed", "file", target, "op", event.Op.String())
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Feed file watcher error", "error", err)
		}
	}
}
