package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lysyi3m/webscraper/internal/hashing"
)

const DefaultMaxFetchSize = 50 * 1024 * 1024

var ErrFetchTooLarge = errors.New("fetched content exceeds maximum size")

// HTTPStatusError is a non-2xx response from a content source.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP error: %s", e.Status)
}

// Validators are the cache validation tokens of the last successful fetch.
type Validators struct {
	ETag         string
	LastModified string
}

// FetchResult holds fetched content in a temporary file positioned at offset 0.
type FetchResult struct {
	File       *os.File
	Size       int64
	Validators Validators
}

// Close releases the temporary file.
func (r *FetchResult) Close() error {
	if r == nil || r.File == nil {
		return nil
	}
	name := r.File.Name()
	err := r.File.Close()
	_ = os.Remove(name)
	return err
}

type Fetcher struct {
	client    *http.Client
	userAgent string
	dataDir   string
	maxSize   int64
}

func NewFetcher(client *http.Client, userAgent, dataDir string, maxSize int64) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFetchSize
	}
	return &Fetcher{client: client, userAgent: userAgent, dataDir: dataDir, maxSize: maxSize}
}

// Fetch streams source into a temporary file. A 304 answer yields an empty
// result.
func (f *Fetcher) Fetch(ctx context.Context, source string, prev Validators) (*FetchResult, error) {
	if path, ok := localPath(source); ok {
		return f.fetchFile(path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	if prev.ETag != "" {
		req.Header.Set("If-None-Match", prev.ETag)
	}
	if prev.LastModified != "" {
		req.Header.Set("If-Modified-Since", prev.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return &FetchResult{Validators: prev}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	result, err := f.spool(resp.Body)
	if err != nil {
		return nil, err
	}
	result.Validators = Validators{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	return result, nil
}

// Download reads a small resource fully into memory.
func (f *Fetcher) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > f.maxSize {
		return nil, ErrFetchTooLarge
	}
	return data, nil
}

func (f *Fetcher) fetchFile(path string) (*FetchResult, error) {
	src, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer src.Close()
	return f.spool(src)
}

func (f *Fetcher) spool(src io.Reader) (*FetchResult, error) {
	tmp, err := os.CreateTemp(f.dataDir, "fetch-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	result := &FetchResult{File: tmp}

	n, err := io.CopyBuffer(tmp, io.LimitReader(src, f.maxSize+1), make([]byte, hashing.ChunkSize))
	if err != nil {
		_ = result.Close()
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	if n > f.maxSize {
		_ = result.Close()
		return nil, ErrFetchTooLarge
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		_ = result.Close()
		return nil, fmt.Errorf("failed to rewind content: %w", err)
	}
	result.Size = n
	return result, nil
}

func localPath(source string) (string, bool) {
	if rest, ok := strings.CutPrefix(source, "file://"); ok {
		return rest, true
	}
	if !strings.Contains(source, "://") {
		return source, true
	}
	return "", false
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
