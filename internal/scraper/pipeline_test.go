package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/lysyi3m/webscraper/internal/bus"
	"github.com/lysyi3m/webscraper/internal/cryptox"
	"github.com/lysyi3m/webscraper/internal/filehost"
	"github.com/lysyi3m/webscraper/internal/hashing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func customFeed(id, extractor string) FeedParameters {
	return FeedParameters{
		FeedID:      id,
		FeedType:    FeedTypeCustom,
		Information: FeedInformation{URL: "https://example.com/" + id, CustomProcess: extractor},
	}
}

func imageServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes:" + r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newProcessor(b *fakeBus, u *fakeUploader, index AttachmentIndex, client *http.Client, t *testing.T) *DocumentProcessor {
	p := NewDocumentProcessor(b, u, index, NewFetcher(client, "test", t.TempDir(), 0))
	p.attachments.spacing = 0
	return p
}

func decodeRecord(t *testing.T, blob []byte) DataFeedFile {
	t.Helper()
	zr, err := zlib.NewReader(bytes.NewReader(blob))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	var record DataFeedFile
	require.NoError(t, json.Unmarshal(raw, &record))
	return record
}

func TestDocumentProcessorStoresRecord(t *testing.T) {
	b, _ := newFakeBus(t)
	u := newFakeUploader()
	p := newProcessor(b, u, NewBusIndex(b), http.DefaultClient, t)
	feed := customFeed("feed-1", ExtractorNoop)
	registrar := newRegistrar(t, b, feed.TargetDomain())
	content := []byte("<html><body>hello</body></html>")

	require.NoError(t, p.Process(context.Background(), newJob(t, feed, registrar, content)))

	saves := b.callsFor(bus.ActionSaveDataItemV2)
	require.Len(t, saves, 1)
	assert.Equal(t, bus.DomainDataCollector, saves[0].Domain)
	tx := saves[0].Content.(DataCollectorTransaction)

	expectedID, err := hashing.DataID(bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, expectedID, tx.DataID)
	assert.Equal(t, []string{registrar.Key().KeyID}, tx.KeyIDs)
	assert.Nil(t, tx.PubDateStart)

	blob := u.blob(tx.DataFuuid)
	require.NotEmpty(t, blob)
	assert.Equal(t, tx.DataFuuid, hashing.Fuuid(blob))

	record := decodeRecord(t, blob)
	assert.Equal(t, tx.DataID, record.DataID)
	require.NotNil(t, record.PubEndDate)
	assert.Equal(t, tx.SaveDate, *record.PubEndDate)
	plaintext, err := cryptox.DecryptDocument(registrar.Key().Secret, record.EncryptedData)
	require.NoError(t, err)
	assert.Equal(t, content, plaintext)
}

func TestDocumentProcessorSkipsKnownContent(t *testing.T) {
	b, _ := newFakeBus(t)
	u := newFakeUploader()
	p := newProcessor(b, u, NewBusIndex(b), http.DefaultClient, t)
	feed := customFeed("feed-1", "")
	registrar := newRegistrar(t, b, feed.TargetDomain())
	content := []byte("same content")

	require.NoError(t, p.Process(context.Background(), newJob(t, feed, registrar, content)))
	require.NoError(t, p.Process(context.Background(), newJob(t, feed, registrar, content)))

	assert.Len(t, b.callsFor(bus.ActionCheckExistingDataIds), 2)
	assert.Len(t, b.callsFor(bus.ActionSaveDataItemV2), 1)
}

func TestDocumentProcessorRejectedExistenceCheck(t *testing.T) {
	b, _ := newFakeBus(t)
	b.checkFails = true
	u := newFakeUploader()
	p := newProcessor(b, u, NewBusIndex(b), http.DefaultClient, t)
	feed := customFeed("feed-1", ExtractorNoop)
	registrar := newRegistrar(t, b, feed.TargetDomain())

	err := p.Process(context.Background(), newJob(t, feed, registrar, []byte("fresh content")))
	require.ErrorContains(t, err, "index unavailable")
	assert.Empty(t, b.callsFor(bus.ActionSaveDataItemV2))
	assert.Zero(t, u.encryptCount())
}

func TestKeyRegistrationUntilAccepted(t *testing.T) {
	b, recipient := newFakeBus(t)
	b.commitOk = []bool{false, true, true}
	u := newFakeUploader()
	p := newProcessor(b, u, NewBusIndex(b), http.DefaultClient, t)
	feed := customFeed("feed-1", "")
	registrar := newRegistrar(t, b, feed.TargetDomain())

	err := p.Process(context.Background(), newJob(t, feed, registrar, []byte("first")))
	require.Error(t, err)
	assert.False(t, registrar.Submitted())

	require.NoError(t, p.Process(context.Background(), newJob(t, feed, registrar, []byte("second"))))
	assert.True(t, registrar.Submitted())
	require.NoError(t, p.Process(context.Background(), newJob(t, feed, registrar, []byte("third"))))

	saves := b.callsFor(bus.ActionSaveDataItemV2)
	require.Len(t, saves, 3)
	require.NotNil(t, saves[0].Attachments["key"])
	require.NotNil(t, saves[1].Attachments["key"])
	assert.Empty(t, saves[2].Attachments)
	assert.Len(t, b.callsFor(bus.ActionFicheMillegrille), 1)

	cmd := saves[0].Attachments["key"]
	assert.Equal(t, bus.DomainMaitreDesCles, cmd.Domain)
	assert.Equal(t, bus.ActionAjouterCleDomaines, cmd.Action)
	var wrapped cryptox.WrappedKeys
	require.NoError(t, json.Unmarshal([]byte(cmd.Content), &wrapped))
	secret, err := cryptox.UnwrapKey(&wrapped, recipient)
	require.NoError(t, err)
	assert.Equal(t, registrar.Key().Secret, secret)
}

func enclosureItem(title, url string) string {
	return fmt.Sprintf(`<item><title>%s</title><link>https://example.com/%s</link><pubDate>Mon, 14 Oct 2024 10:20:00 GMT</pubDate><enclosure url="%s" length="10" type="image/jpeg"/></item>`, title, title, url)
}

func TestSharedAttachmentUploadedOnce(t *testing.T) {
	images, hits := imageServer(t)
	b, _ := newFakeBus(t)
	u := newFakeUploader()
	index := NewBusIndex(b)
	imageURL := images.URL + "/shared.jpg"

	feedA := customFeed("feed-a", ExtractorRSS)
	feedB := customFeed("feed-b", ExtractorRSS)
	pA := newProcessor(b, u, index, images.Client(), t)
	pB := newProcessor(b, u, index, images.Client(), t)

	require.NoError(t, pA.Process(context.Background(),
		newJob(t, feedA, newRegistrar(t, b, feedA.TargetDomain()), rssFeed(enclosureItem("a", imageURL)))))
	require.NoError(t, pB.Process(context.Background(),
		newJob(t, feedB, newRegistrar(t, b, feedB.TargetDomain()), rssFeed(enclosureItem("b", imageURL)))))

	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, u.encryptCount())
	assert.Len(t, b.callsFor(bus.ActionAddFuuidsVolatile), 1)

	saves := b.callsFor(bus.ActionSaveDataItemV2)
	require.Len(t, saves, 2)
	txA := saves[0].Content.(DataCollectorTransaction)
	txB := saves[1].Content.(DataCollectorTransaction)
	require.Len(t, txA.AttachedFuuids, 1)
	assert.Equal(t, txA.AttachedFuuids, txB.AttachedFuuids)
	require.NotNil(t, txA.PubDateStart)
	assert.Equal(t, *txA.PubDateStart, *txA.PubDateEnd)
}

func TestKnownCorrelationSkipsUpload(t *testing.T) {
	images, hits := imageServer(t)
	b, _ := newFakeBus(t)
	u := newFakeUploader()
	imageURL := images.URL + "/known.jpg"
	correlation := hashing.Correlation(imageURL)
	b.volatile[correlation] = AttachedFileCorrelation{
		AttachedFile: filehost.AttachedFile{Fuuid: "zKnown", Format: cryptox.FormatMgs4},
		Correlation:  correlation,
	}

	feed := customFeed("feed-1", ExtractorRSS)
	registrar := newRegistrar(t, b, feed.TargetDomain())
	p := newProcessor(b, u, NewBusIndex(b), images.Client(), t)
	require.NoError(t, p.Process(context.Background(), newJob(t, feed, registrar, rssFeed(enclosureItem("x", imageURL)))))

	assert.Zero(t, hits.Load())
	assert.Zero(t, u.encryptCount())
	assert.Empty(t, b.callsFor(bus.ActionAddFuuidsVolatile))

	tx := b.callsFor(bus.ActionSaveDataItemV2)[0].Content.(DataCollectorTransaction)
	assert.Equal(t, []string{"zKnown"}, tx.AttachedFuuids)

	record := decodeRecord(t, u.blob(tx.DataFuuid))
	require.NotNil(t, record.EncryptedFilesMap)
	var fileMap map[string]string
	require.NoError(t, cryptox.DecryptJSON(registrar.Key().Secret, record.EncryptedFilesMap, &fileMap))
	assert.Equal(t, map[string]string{imageURL: "zKnown"}, fileMap)
}

type mapCache struct {
	entries map[string]filehost.AttachedFile
}

func (c *mapCache) GetAttachments(ctx context.Context, correlations []string) (map[string]filehost.AttachedFile, error) {
	out := make(map[string]filehost.AttachedFile)
	for _, k := range correlations {
		if f, ok := c.entries[k]; ok {
			out[k] = f
		}
	}
	return out, nil
}

func (c *mapCache) SetAttachments(ctx context.Context, files map[string]filehost.AttachedFile) error {
	for k, f := range files {
		c.entries[k] = f
	}
	return nil
}

func TestCachedIndex(t *testing.T) {
	b, _ := newFakeBus(t)
	b.volatile["remote"] = AttachedFileCorrelation{AttachedFile: filehost.AttachedFile{Fuuid: "zRemote"}, Correlation: "remote"}
	cache := &mapCache{entries: map[string]filehost.AttachedFile{"local": {Fuuid: "zLocal"}}}
	index := NewCachedIndex(cache, NewBusIndex(b))

	found, err := index.Lookup(context.Background(), []string{"local"})
	require.NoError(t, err)
	assert.Equal(t, "zLocal", found["local"].Fuuid)
	assert.Empty(t, b.callsFor(bus.ActionGetFuuidsVolatile))

	found, err = index.Lookup(context.Background(), []string{"local", "remote", "absent"})
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Equal(t, "zRemote", cache.entries["remote"].Fuuid)
	calls := b.callsFor(bus.ActionGetFuuidsVolatile)
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"remote", "absent"}, calls[0].Content.(map[string]any)["correlations"])

	require.NoError(t, index.Record(context.Background(), []AttachedFileCorrelation{
		{AttachedFile: filehost.AttachedFile{Fuuid: "zNew"}, Correlation: "new"},
	}))
	assert.Equal(t, "zNew", cache.entries["new"].Fuuid)
	assert.Equal(t, "zNew", b.volatile["new"].Fuuid)
}
