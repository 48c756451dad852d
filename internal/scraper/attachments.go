package scraper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/lysyi3m/webscraper/internal/bus"
	"github.com/lysyi3m/webscraper/internal/cryptox"
	"github.com/lysyi3m/webscraper/internal/filehost"
)

// AttachmentIndex is the volatile correlation table.
type AttachmentIndex interface {
	Lookup(ctx context.Context, correlations []string) (map[string]filehost.AttachedFile, error)
	Record(ctx context.Context, files []AttachedFileCorrelation) error
}

// CorrelationCache is a local shortcut in front of an AttachmentIndex.
type CorrelationCache interface {
	GetAttachments(ctx context.Context, correlations []string) (map[string]filehost.AttachedFile, error)
	SetAttachments(ctx context.Context, files map[string]filehost.AttachedFile) error
}

// BusIndex queries the volatile correlation table of the index domain.
type BusIndex struct {
	producer bus.Producer
}

func NewBusIndex(producer bus.Producer) *BusIndex {
	return &BusIndex{producer: producer}
}

func (b *BusIndex) Lookup(ctx context.Context, correlations []string) (map[string]filehost.AttachedFile, error) {
	found := make(map[string]filehost.AttachedFile)
	if len(correlations) == 0 {
		return found, nil
	}

	resp, err := b.producer.Request(ctx, bus.DomainDataCollector, bus.ActionGetFuuidsVolatile, map[string]any{"correlations": correlations})
	if err != nil {
		return nil, err
	}
	if !resp.Ok {
		return nil, fmt.Errorf("failed to get volatile fuuids: %s", resp.Err)
	}
	var body struct {
		Files []AttachedFileCorrelation `json:"files"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	for _, f := range body.Files {
		if f.Correlation != "" && f.Fuuid != "" {
			found[f.Correlation] = f.AttachedFile
		}
	}
	return found, nil
}

func (b *BusIndex) Record(ctx context.Context, files []AttachedFileCorrelation) error {
	if len(files) == 0 {
		return nil
	}
	resp, err := b.producer.Command(ctx, bus.DomainDataCollector, bus.ActionAddFuuidsVolatile, map[string]any{"files": files}, nil)
	if err != nil {
		return err
	}
	if !resp.Succeeded() {
		return fmt.Errorf("failed to add volatile fuuids: %s", resp.Err)
	}
	return nil
}

// CachedIndex serves lookups from a cache before asking the index. Cache
// failures only cost the shortcut.
type CachedIndex struct {
	cache CorrelationCache
	next  AttachmentIndex
}

func NewCachedIndex(cache CorrelationCache, next AttachmentIndex) *CachedIndex {
	return &CachedIndex{cache: cache, next: next}
}

func (c *CachedIndex) Lookup(ctx context.Context, correlations []string) (map[string]filehost.AttachedFile, error) {
	found, err := c.cache.GetAttachments(ctx, correlations)
	if err != nil {
		slog.Warn("Correlation cache lookup failed", "error", err)
		found = make(map[string]filehost.AttachedFile)
	}

	var misses []string
	for _, correlation := range correlations {
		if _, ok := found[correlation]; !ok {
			misses = append(misses, correlation)
		}
	}
	if len(misses) == 0 {
		return found, nil
	}

	fromIndex, err := c.next.Lookup(ctx, misses)
	if err != nil {
		return nil, err
	}
	for correlation, file := range fromIndex {
		found[correlation] = file
	}
	if err := c.cache.SetAttachments(ctx, fromIndex); err != nil {
		slog.Warn("Correlation cache update failed", "error", err)
	}
	return found, nil
}

func (c *CachedIndex) Record(ctx context.Context, files []AttachedFileCorrelation) error {
	if err := c.next.Record(ctx, files); err != nil {
		return err
	}
	entries := make(map[string]filehost.AttachedFile, len(files))
	for _, f := range files {
		entries[f.Correlation] = f.AttachedFile
	}
	if err := c.cache.SetAttachments(ctx, entries); err != nil {
		slog.Warn("Correlation cache update failed", "error", err)
	}
	return nil
}

// Uploader is the part of the upload session used by the pipeline.
type Uploader interface {
	WaitReady(ctx context.Context) error
	EncryptUploadFile(ctx context.Context, secret []byte, r io.Reader) (*filehost.AttachedFile, error)
	UploadFile(ctx context.Context, fuuid string, size int64, r io.Reader) error
}

// attachmentResolver turns proposed attachments into uploaded files, reusing
// any whose correlation is already known.
type attachmentResolver struct {
	index    AttachmentIndex
	uploader Uploader
	fetcher  *Fetcher
	spacing  time.Duration
}

type resolvedAttachments struct {
	Files        []filehost.AttachedFile
	EncryptedMap *cryptox.EncryptedDocument
}

func (r *attachmentResolver) resolve(ctx context.Context, key *cryptox.SecretKey, sources []AttachmentSource) (*resolvedAttachments, error) {
	if len(sources) == 0 {
		return &resolvedAttachments{}, nil
	}

	correlations := make([]string, len(sources))
	for i, s := range sources {
		correlations[i] = s.Correlation
	}
	known, err := r.index.Lookup(ctx, correlations)
	if err != nil {
		return nil, fmt.Errorf("failed to look up attachments: %w", err)
	}
	if known == nil {
		known = make(map[string]filehost.AttachedFile)
	}

	var (
		files    []filehost.AttachedFile
		uploaded []AttachedFileCorrelation
		fileMap  = make(map[string]string)
	)
	for i, source := range sources {
		if file, ok := known[source.Correlation]; ok {
			files = append(files, file)
			fileMap[source.URL] = file.Fuuid
			continue
		}

		if i > 0 && r.spacing > 0 {
			if err := sleepContext(ctx, r.spacing); err != nil {
				return nil, err
			}
		}
		data, err := r.fetcher.Download(ctx, source.URL)
		if err != nil {
			slog.Warn("Error loading attachment", "url", source.URL, "error", err)
			continue
		}
		if err := r.uploader.WaitReady(ctx); err != nil {
			return nil, err
		}
		file, err := r.uploader.EncryptUploadFile(ctx, key.Secret, bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to upload attachment: %w", err)
		}
		file.CleID = key.KeyID

		files = append(files, *file)
		fileMap[source.URL] = file.Fuuid
		uploaded = append(uploaded, AttachedFileCorrelation{AttachedFile: *file, Correlation: source.Correlation})
		known[source.Correlation] = *file
	}

	if err := r.index.Record(ctx, uploaded); err != nil {
		return nil, fmt.Errorf("failed to record attachments: %w", err)
	}

	out := &resolvedAttachments{Files: files}
	if len(files) > 0 {
		out.EncryptedMap, err = cryptox.EncryptJSON(key, fileMap)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
