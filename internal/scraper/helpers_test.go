package scraper

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lysyi3m/webscraper/internal/bus"
	"github.com/lysyi3m/webscraper/internal/cryptox"
	"github.com/lysyi3m/webscraper/internal/filehost"
	"github.com/lysyi3m/webscraper/internal/hashing"
	"github.com/stretchr/testify/require"
)

type busCall struct {
	Domain      string
	Action      string
	Content     any
	Attachments map[string]*bus.Message
}

// fakeBus answers the index, topology and volatile table calls in memory.
type fakeBus struct {
	mu           sync.Mutex
	calls        []busCall
	saved        map[string]bool
	volatile     map[string]AttachedFileCorrelation
	commitOk     []bool
	checkFails   bool
	recipientPEM string
}

func newFakeBus(t *testing.T) (*fakeBus, ed25519.PrivateKey) {
	certPEM, priv := recipientCertificate(t)
	return &fakeBus{
		saved:        make(map[string]bool),
		volatile:     make(map[string]AttachedFileCorrelation),
		recipientPEM: certPEM,
	}, priv
}

func (b *fakeBus) Request(ctx context.Context, domain, action string, content any) (*bus.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, busCall{Domain: domain, Action: action, Content: content})

	body := map[string]any{"ok": true}
	switch action {
	case bus.ActionCheckExistingDataIds:
		if b.checkFails {
			return respond(map[string]any{"ok": false, "err": "index unavailable"})
		}
		var missing []string
		for _, id := range content.(map[string]any)["data_ids"].([]string) {
			if !b.saved[id] {
				missing = append(missing, id)
			}
		}
		body["missing_ids"] = missing
	case bus.ActionFicheMillegrille:
		body["chiffrage"] = [][]string{{b.recipientPEM}}
	case bus.ActionGetFuuidsVolatile:
		var files []AttachedFileCorrelation
		for _, c := range content.(map[string]any)["correlations"].([]string) {
			if f, ok := b.volatile[c]; ok {
				files = append(files, f)
			}
		}
		body["files"] = files
	}
	return respond(body)
}

func (b *fakeBus) Command(ctx context.Context, domain, action string, content any, attachments map[string]*bus.Message) (*bus.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, busCall{Domain: domain, Action: action, Content: content, Attachments: attachments})

	switch action {
	case bus.ActionAddFuuidsVolatile:
		for _, f := range content.(map[string]any)["files"].([]AttachedFileCorrelation) {
			b.volatile[f.Correlation] = f
		}
	case bus.ActionSaveDataItemV2, bus.ActionSaveDataItem:
		ok := true
		if len(b.commitOk) > 0 {
			ok, b.commitOk = b.commitOk[0], b.commitOk[1:]
		}
		if !ok {
			return respond(map[string]any{"ok": false, "err": "rejected"})
		}
		switch record := content.(type) {
		case DataCollectorTransaction:
			if b.saved[record.DataID] {
				return respond(map[string]any{"ok": false, "code": bus.CodeAlreadyExists})
			}
			b.saved[record.DataID] = true
		case trendsDataItem:
			b.saved[record.DataID] = true
		}
	}
	return respond(map[string]any{"ok": true})
}

func (b *fakeBus) callsFor(action string) []busCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []busCall
	for _, c := range b.calls {
		if c.Action == action {
			out = append(out, c)
		}
	}
	return out
}

func respond(body map[string]any) (*bus.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return bus.NewResponse(raw)
}

type fakeSigner struct{}

func (fakeSigner) Sign(kind bus.Kind, domain, action string, content any) (*bus.Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, err
	}
	return &bus.Message{ID: hashing.HexBlake2s(raw), Kind: kind, Domain: domain, Action: action, Content: string(raw)}, nil
}

// fakeUploader keeps uploaded blobs in memory without encrypting attachments.
type fakeUploader struct {
	mu        sync.Mutex
	encrypted int
	blobs     map[string][]byte
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{blobs: make(map[string][]byte)}
}

func (u *fakeUploader) WaitReady(ctx context.Context) error {
	return nil
}

func (u *fakeUploader) EncryptUploadFile(ctx context.Context, secret []byte, r io.Reader) (*filehost.AttachedFile, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	fuuid := hashing.Fuuid(data)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.encrypted++
	u.blobs[fuuid] = data
	return &filehost.AttachedFile{Fuuid: fuuid, Format: cryptox.FormatMgs4, Nonce: "nonce"}, nil
}

func (u *fakeUploader) UploadFile(ctx context.Context, fuuid string, size int64, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.blobs[fuuid] = data
	return nil
}

func (u *fakeUploader) encryptCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.encrypted
}

func (u *fakeUploader) blob(fuuid string) []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.blobs[fuuid]
}

func recipientCertificate(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "maitredescles"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})), priv
}

func newJob(t *testing.T, params FeedParameters, registrar *KeyRegistrar, content []byte) *Job {
	t.Helper()
	path := filepath.Join(t.TempDir(), "content")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return &Job{Feed: params, Registrar: registrar, Content: f, Size: int64(len(content))}
}

func newRegistrar(t *testing.T, b *fakeBus, domain string) *KeyRegistrar {
	t.Helper()
	key, err := cryptox.NewSecretKey([]string{domain})
	require.NoError(t, err)
	return NewKeyRegistrar(b, fakeSigner{}, "zIdmg", key)
}

func pollRate(seconds int) *int {
	return &seconds
}

func rssFeed(items ...string) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?><rss version="2.0"><channel><title>Test</title><link>https://example.com</link>`)
	for _, item := range items {
		buf.WriteString(item)
	}
	buf.WriteString(`</channel></rss>`)
	return buf.Bytes()
}
