package filehost

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/lysyi3m/webscraper/internal/bus"
	"github.com/lysyi3m/webscraper/internal/cryptox"
	"github.com/lysyi3m/webscraper/internal/hashing"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const MaxUploadSize = 100_000_000

var (
	ErrNotReady = errors.New("upload session not ready")
	ErrTooLarge = errors.New("file exceeds maximum upload size")
)

type Options struct {
	DataDir string
	CAPEM   string
	// FallbackURL is used, with the local CA, for a filehost that publishes
	// no url.
	FallbackURL       string
	TLSConfig         *tls.Config
	UploadConcurrency int64
}

// Status is a point-in-time view of the session.
type Status struct {
	Ready      bool   `json:"ready"`
	FilehostID string `json:"filehost_id,omitempty"`
	URL        string `json:"url,omitempty"`
}

// Session keeps an authenticated connection to the selected filehost. The
// filehost descriptor is written only by the maintenance loop and the live
// client only by the session loop.
type Session struct {
	producer  bus.Producer
	signer    bus.Signer
	caPEM     string
	tlsConfig *tls.Config
	dataDir   string
	fallback  string
	sem       *semaphore.Weighted

	filehostReady *Event
	ready         *Event

	mu       sync.RWMutex
	filehost *Filehost
	client   *http.Client
	baseURL  *url.URL

	selectInterval     time.Duration
	selectTimeoutRetry time.Duration
	selectErrorRetry   time.Duration
	reauthInterval     time.Duration
	errorRetry         time.Duration
}

func NewSession(producer bus.Producer, signer bus.Signer, opts Options) *Session {
	concurrency := opts.UploadConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Session{
		producer:           producer,
		signer:             signer,
		caPEM:              opts.CAPEM,
		tlsConfig:          opts.TLSConfig,
		dataDir:            opts.DataDir,
		fallback:           opts.FallbackURL,
		sem:                semaphore.NewWeighted(concurrency),
		filehostReady:      NewEvent(),
		ready:              NewEvent(),
		selectInterval:     300 * time.Second,
		selectTimeoutRetry: 15 * time.Second,
		selectErrorRetry:   60 * time.Second,
		reauthInterval:     600 * time.Second,
		errorRetry:         20 * time.Second,
	}
}

// Run drives the maintenance and session loops until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.maintain(ctx) })
	g.Go(func() error { return s.serveLoop(ctx) })
	return g.Wait()
}

func (s *Session) Ready() bool {
	return s.ready.IsSet()
}

// WaitReady blocks until the session is authenticated.
func (s *Session) WaitReady(ctx context.Context) error {
	return s.ready.Wait(ctx)
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{Ready: s.ready.IsSet()}
	if s.filehost != nil {
		st.FilehostID = s.filehost.FilehostID
	}
	if s.baseURL != nil {
		st.URL = s.baseURL.String()
	}
	return st
}

// SelectFilehost asks the topology domain which filehost to use.
func (s *Session) SelectFilehost(ctx context.Context) error {
	resp, err := s.producer.Request(ctx, bus.DomainCoreTopologie, bus.ActionGetFilehostForInstance, map[string]any{})
	if err != nil {
		return err
	}
	if !resp.Ok {
		return fmt.Errorf("failed to get filehost: %s", resp.Err)
	}
	var body struct {
		Filehost *Filehost `json:"filehost"`
	}
	if err := resp.Decode(&body); err != nil {
		return err
	}
	if body.Filehost == nil {
		return errors.New("no filehost in response")
	}

	s.mu.Lock()
	s.filehost = body.Filehost
	s.mu.Unlock()
	s.filehostReady.Set()

	slog.Debug("Filehost selected", "filehost_id", body.Filehost.FilehostID)
	return nil
}

func (s *Session) maintain(ctx context.Context) error {
	for {
		wait := s.selectInterval
		if err := s.SelectFilehost(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if bus.IsTimeout(err) {
				slog.Warn("Timeout selecting filehost", "error", err)
				wait = s.selectTimeoutRetry
			} else {
				slog.Error("Failed to select filehost", "error", err)
				wait = s.selectErrorRetry
			}
		}
		if !sleep(ctx, wait) {
			return nil
		}
	}
}

func (s *Session) serveLoop(ctx context.Context) error {
	for ctx.Err() == nil {
		fh := s.currentFilehost()
		if fh == nil {
			if err := s.filehostReady.Wait(ctx); err != nil {
				return nil
			}
			continue
		}

		if err := s.serve(ctx, fh); err != nil {
			slog.Error("Filehost session failed", "filehost_id", fh.FilehostID, "error", err)
			if !sleep(ctx, s.errorRetry) {
				return nil
			}
		}
	}
	return nil
}

// serve authenticates against fh and re-authenticates periodically until an
// error occurs, ctx is done or another filehost gets selected.
func (s *Session) serve(ctx context.Context, fh *Filehost) error {
	rawURL, mode, err := fh.Endpoint()
	if errors.Is(err, ErrNoEndpoint) && s.fallback != "" {
		rawURL, mode, err = s.fallback, TLSMillegrille, nil
	}
	if err != nil {
		return err
	}
	base, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid filehost url: %w", err)
	}
	client, err := s.newClient(mode)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.client = client
	s.baseURL = base
	s.mu.Unlock()
	defer s.clearSession()

	for {
		if err := s.authenticate(ctx, client, base); err != nil {
			return err
		}
		s.ready.Set()
		slog.Info("Authenticated with filehost", "url", base.String())

		if !sleep(ctx, s.reauthInterval) {
			return nil
		}
		if !fh.Same(s.currentFilehost()) {
			slog.Info("Filehost changed, reconnecting")
			return nil
		}
	}
}

func (s *Session) authenticate(ctx context.Context, client *http.Client, base *url.URL) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	msg, err := s.signer.Sign(bus.KindCommand, bus.DomainFilehost, bus.ActionAuthenticate, map[string]any{})
	if err != nil {
		return fmt.Errorf("failed to sign authentication: %w", err)
	}
	msg.Millegrille = s.caPEM

	body, err := jsonBody(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, resolve(base, "/filehost/authenticate"), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("authentication rejected: HTTP %d", resp.StatusCode)
	}
	return nil
}

// EncryptUploadFile encrypts r with secret into a temporary file and uploads
// the ciphertext under its content address.
func (s *Session) EncryptUploadFile(ctx context.Context, secret []byte, r io.Reader) (*AttachedFile, error) {
	if !s.Ready() {
		return nil, ErrNotReady
	}

	tmp, err := os.CreateTemp(s.dataDir, "upload-*.mgs4")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	digest := hashing.NewBlake2b512()
	enc, err := cryptox.NewStreamEncrypter(secret, io.MultiWriter(tmp, digest))
	if err != nil {
		return nil, err
	}
	if _, err := io.CopyBuffer(enc, r, make([]byte, cryptox.StreamChunkSize)); err != nil {
		return nil, fmt.Errorf("failed to encrypt file: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encrypt file: %w", err)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind temp file: %w", err)
	}

	fuuid := digest.Base58btc()
	if err := s.UploadFile(ctx, fuuid, enc.CiphertextSize(), tmp); err != nil {
		return nil, err
	}

	return &AttachedFile{
		Fuuid:  fuuid,
		Format: cryptox.FormatMgs4,
		Nonce:  cryptox.EncodeBase64(enc.Header()),
	}, nil
}

// UploadFile sends an already prepared blob of size bytes.
func (s *Session) UploadFile(ctx context.Context, fuuid string, size int64, r io.Reader) error {
	if size > MaxUploadSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	s.mu.RLock()
	client, base := s.client, s.baseURL
	s.mu.RUnlock()
	if client == nil || base == nil || !s.Ready() {
		return ErrNotReady
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, resolve(base, "/filehost/files/"+fuuid), io.NopCloser(r))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("x-fuuid", fuuid)
	req.Header.Set("Content-Length", strconv.FormatInt(size, 10))

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", fuuid, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload of %s rejected: HTTP %d", fuuid, resp.StatusCode)
	}
	slog.Debug("File uploaded", "fuuid", fuuid, "size", size)
	return nil
}

func (s *Session) currentFilehost() *Filehost {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filehost
}

func (s *Session) clearSession() {
	s.ready.Clear()
	s.mu.Lock()
	s.client = nil
	s.baseURL = nil
	s.mu.Unlock()
}

func (s *Session) newClient(mode string) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 20 * time.Second

	switch mode {
	case TLSMillegrille:
		if s.tlsConfig != nil {
			transport.TLSClientConfig = s.tlsConfig.Clone()
		}
	case TLSNoCheck:
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	case TLSExternal:
	default:
		return nil, fmt.Errorf("unsupported tls mode %q", mode)
	}

	return &http.Client{Transport: transport, Jar: jar}, nil
}

func jsonBody(v any) (io.Reader, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return bytes.NewReader(raw), nil
}

func resolve(base *url.URL, path string) string {
	return base.ResolveReference(&url.URL{Path: path}).String()
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
