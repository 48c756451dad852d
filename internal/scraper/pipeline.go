package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/lysyi3m/webscraper/internal/bus"
	"github.com/lysyi3m/webscraper/internal/cryptox"
	"github.com/lysyi3m/webscraper/internal/hashing"
)

// Job is one fetched content handed to a Processor.
type Job struct {
	Feed      FeedParameters
	Registrar *KeyRegistrar
	Content   *os.File
	Size      int64
}

// Processor handles fetched content for one feed type.
type Processor interface {
	Process(ctx context.Context, job *Job) error
}

// DocumentProcessor stores each distinct fetched document as one encrypted,
// compressed record on the filehost and commits its transaction to the index.
type DocumentProcessor struct {
	producer    bus.Producer
	uploader    Uploader
	attachments *attachmentResolver
	now         func() time.Time
}

func NewDocumentProcessor(producer bus.Producer, uploader Uploader, index AttachmentIndex, fetcher *Fetcher) *DocumentProcessor {
	return &DocumentProcessor{
		producer: producer,
		uploader: uploader,
		attachments: &attachmentResolver{
			index:    index,
			uploader: uploader,
			fetcher:  fetcher,
			spacing:  500 * time.Millisecond,
		},
		now: time.Now,
	}
}

func (p *DocumentProcessor) Process(ctx context.Context, job *Job) error {
	feedID := job.Feed.FeedID
	key := job.Registrar.Key()

	dataID, err := hashing.DataID(job.Content)
	if err != nil {
		return err
	}
	if _, err := job.Content.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind content: %w", err)
	}

	missing, err := checkExistingDataIDs(ctx, p.producer, feedID, []string{dataID})
	if err != nil {
		return err
	}
	if !missing[dataID] {
		slog.Debug("Content already saved", "feed", feedID, "data_id", dataID)
		return nil
	}

	data, err := io.ReadAll(job.Content)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}

	extractor, err := LookupExtractor(job.Feed.Information.CustomProcess)
	if err != nil {
		return err
	}
	extraction, err := extractor.Extract(ctx, data)
	if err != nil {
		return fmt.Errorf("failed to extract content: %w", err)
	}

	resolved, err := p.attachments.resolve(ctx, key, extraction.Attachments)
	if err != nil {
		return err
	}

	saveDate := p.now().UnixMilli()
	tx := DataCollectorTransaction{
		FeedID:       feedID,
		DataID:       dataID,
		SaveDate:     saveDate,
		KeyIDs:       []string{key.KeyID},
		PubDateStart: epochMillis(extraction.PubDateStart),
		PubDateEnd:   epochMillis(extraction.PubDateEnd),
	}
	for _, f := range resolved.Files {
		if !slices.Contains(tx.AttachedFuuids, f.Fuuid) {
			tx.AttachedFuuids = append(tx.AttachedFuuids, f.Fuuid)
		}
	}

	encrypted, err := cryptox.EncryptDocument(key.Secret, key.KeyID, data)
	if err != nil {
		return err
	}
	record := DataFeedFile{
		FeedID:            feedID,
		DataID:            dataID,
		SaveDate:          saveDate,
		EncryptedData:     encrypted,
		PubStartDate:      tx.PubDateStart,
		PubEndDate:        tx.PubDateEnd,
		Files:             resolved.Files,
		EncryptedFilesMap: resolved.EncryptedMap,
	}
	if record.PubEndDate == nil {
		record.PubEndDate = &saveDate
	}

	compressed, err := compressRecord(record)
	if err != nil {
		return err
	}
	tx.DataFuuid = hashing.Fuuid(compressed)

	if err := p.uploader.WaitReady(ctx); err != nil {
		return err
	}
	if err := p.uploader.UploadFile(ctx, tx.DataFuuid, int64(len(compressed)), bytes.NewReader(compressed)); err != nil {
		return err
	}

	if err := commit(ctx, p.producer, job, bus.ActionSaveDataItemV2, tx); err != nil {
		return err
	}

	slog.Info("Task completed",
		"type", "ProcessedDocument",
		"feed", feedID,
		"data_id", dataID,
		"size", job.Size,
		"attachments", len(resolved.Files))
	return nil
}

func compressRecord(record DataFeedFile) ([]byte, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress record: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress record: %w", err)
	}
	return buf.Bytes(), nil
}

// checkExistingDataIDs returns the subset of dataIDs the index has not seen.
func checkExistingDataIDs(ctx context.Context, producer bus.Producer, feedID string, dataIDs []string) (map[string]bool, error) {
	resp, err := producer.Request(ctx, bus.DomainDataCollector, bus.ActionCheckExistingDataIds,
		map[string]any{"feed_id": feedID, "data_ids": dataIDs})
	if err != nil {
		return nil, fmt.Errorf("failed to check existing data ids: %w", err)
	}
	if !resp.Ok {
		return nil, fmt.Errorf("failed to check existing data ids: %s", resp.Err)
	}
	var body struct {
		MissingIDs []string `json:"missing_ids"`
	}
	if err := resp.Decode(&body); err != nil {
		return nil, err
	}
	missing := make(map[string]bool, len(body.MissingIDs))
	for _, id := range body.MissingIDs {
		missing[id] = true
	}
	return missing, nil
}

// commit sends a save command to the feed's domain, carrying the pending key
// registration if any. Duplicates count as success.
func commit(ctx context.Context, producer bus.Producer, job *Job, action string, content any) error {
	attachments, err := job.Registrar.Attachments(ctx)
	if err != nil {
		return err
	}

	resp, err := producer.Command(ctx, job.Feed.TargetDomain(), action, content, attachments)
	if err != nil {
		return fmt.Errorf("failed to save data item: %w", err)
	}
	job.Registrar.Observe(resp)

	if !resp.Succeeded() {
		return fmt.Errorf("failed to save data item: %s", resp.Err)
	}
	if resp.IsDuplicate() {
		slog.Debug("Data item already exists", "feed", job.Feed.FeedID)
	}
	return nil
}
