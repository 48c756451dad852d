package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lysyi3m/webscraper/internal/scraper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorker struct {
	mu      sync.Mutex
	params  scraper.FeedParameters
	updates int
	stops   int
	stopCh  chan struct{}
}

func newFakeWorker(params scraper.FeedParameters) *fakeWorker {
	return &fakeWorker{params: params, stopCh: make(chan struct{})}
}

func (w *fakeWorker) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	}
	return nil
}

func (w *fakeWorker) Update(params scraper.FeedParameters) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if params.FeedType != w.params.FeedType || params.TargetDomain() != w.params.TargetDomain() {
		return scraper.ErrRebuildRequired
	}
	w.updates++
	w.params = params
	return nil
}

func (w *fakeWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stops++
	if w.stops == 1 {
		close(w.stopCh)
	}
}

func (w *fakeWorker) Status() scraper.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return scraper.WorkerStatus{FeedID: w.params.FeedID, FeedType: w.params.FeedType}
}

func (w *fakeWorker) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.updates, w.stops
}

type fakeFactory struct {
	mu      sync.Mutex
	created map[string]*fakeWorker
}

func (f *fakeFactory) build(params scraper.FeedParameters) (Worker, error) {
	if params.FeedType != scraper.FeedTypeCustom && params.FeedType != scraper.FeedTypeGoogleTrends {
		return nil, fmt.Errorf("%w: %s", scraper.ErrUnsupportedFeedType, params.FeedType)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	w := newFakeWorker(params)
	f.created[params.FeedID] = w
	return w, nil
}

func (f *fakeFactory) get(feedID string) *fakeWorker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[feedID]
}

type fakeSource struct {
	mu    sync.Mutex
	feeds []scraper.FeedParameters
	err   error
	loads int
}

func (s *fakeSource) LoadFeeds(ctx context.Context) ([]scraper.FeedParameters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	return s.feeds, s.err
}

func (s *fakeSource) set(feeds ...scraper.FeedParameters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds = feeds
}

func (s *fakeSource) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func feed(id string) scraper.FeedParameters {
	return scraper.FeedParameters{FeedID: id, FeedType: scraper.FeedTypeCustom, Information: scraper.FeedInformation{URL: "https://example.com/" + id}}
}

func newTestManager() (*Manager, *fakeSource, *fakeFactory) {
	source := &fakeSource{}
	factory := &fakeFactory{created: make(map[string]*fakeWorker)}
	return New(source, factory.build), source, factory
}

func noStart(Worker) {}

func TestReconcileStartsUpdatesAndStops(t *testing.T) {
	m, _, factory := newTestManager()

	require.NoError(t, m.reconcile([]scraper.FeedParameters{feed("a"), feed("c")}, noStart))
	a, c := factory.get("a"), factory.get("c")

	require.NoError(t, m.reconcile([]scraper.FeedParameters{feed("a"), feed("b")}, noStart))
	require.NotNil(t, factory.get("b"))
	assert.Same(t, a, factory.get("a"))

	updates, stops := a.counts()
	assert.Equal(t, 1, updates)
	assert.Zero(t, stops)

	_, stops = c.counts()
	assert.Equal(t, 1, stops)

	require.NoError(t, m.reconcile([]scraper.FeedParameters{feed("a"), feed("b")}, noStart))
	_, stops = c.counts()
	assert.Equal(t, 1, stops, "removed worker must be stopped exactly once")

	snapshot := m.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "a", snapshot[0].FeedID)
	assert.Equal(t, "b", snapshot[1].FeedID)
}

func TestReconcileDisabledFeedStopped(t *testing.T) {
	m, _, factory := newTestManager()
	require.NoError(t, m.reconcile([]scraper.FeedParameters{feed("a")}, noStart))

	deleted := feed("a")
	deleted.Deleted = true
	inactive := false
	paused := feed("b")
	paused.Active = &inactive
	require.NoError(t, m.reconcile([]scraper.FeedParameters{deleted, paused}, noStart))

	_, stops := factory.get("a").counts()
	assert.Equal(t, 1, stops)
	assert.Nil(t, factory.get("b"))
	assert.Empty(t, m.Snapshot())
}

func TestReconcileUnsupportedFeedType(t *testing.T) {
	m, _, factory := newTestManager()
	bad := feed("bad")
	bad.FeedType = "web.unknown"

	err := m.reconcile([]scraper.FeedParameters{bad, feed("good")}, noStart)
	require.ErrorIs(t, err, scraper.ErrUnsupportedFeedType)
	assert.NotNil(t, factory.get("good"))
	assert.Len(t, m.Snapshot(), 1)
}

func TestReconcileReplacesWorkerOnDomainOrTypeChange(t *testing.T) {
	m, _, factory := newTestManager()
	require.NoError(t, m.reconcile([]scraper.FeedParameters{feed("a"), feed("b")}, noStart))
	oldA, oldB := factory.get("a"), factory.get("b")

	movedA := feed("a")
	movedA.Domain = "Archive"
	retypedB := feed("b")
	retypedB.FeedType = scraper.FeedTypeGoogleTrends
	require.NoError(t, m.reconcile([]scraper.FeedParameters{movedA, retypedB}, noStart))

	for _, old := range []*fakeWorker{oldA, oldB} {
		updates, stops := old.counts()
		assert.Zero(t, updates)
		assert.Equal(t, 1, stops)
	}
	require.NotSame(t, oldA, factory.get("a"))
	require.NotSame(t, oldB, factory.get("b"))
	assert.Equal(t, "Archive", factory.get("a").params.Domain)
	assert.Len(t, m.Snapshot(), 2)
}

func TestPassCadence(t *testing.T) {
	m, source, _ := newTestManager()
	ctx := context.Background()

	assert.Equal(t, DefaultRefreshInterval, m.pass(ctx, noStart))

	source.err = fmt.Errorf("failed to request feeds: %w", context.DeadlineExceeded)
	assert.Equal(t, DefaultTimeoutRetry, m.pass(ctx, noStart))

	source.err = errors.New("malformed response")
	assert.Equal(t, DefaultErrorRetry, m.pass(ctx, noStart))

	bad := feed("bad")
	bad.FeedType = "web.unknown"
	source.err = nil
	source.set(bad)
	assert.Equal(t, DefaultErrorRetry, m.pass(ctx, noStart))
}

func TestRunLifecycle(t *testing.T) {
	m, source, factory := newTestManager()
	source.set(feed("a"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return factory.get("a") != nil }, 2*time.Second, 10*time.Millisecond)

	source.set(feed("b"))
	m.Refresh()
	require.Eventually(t, func() bool {
		_, stops := factory.get("a").counts()
		return stops == 1 && factory.get("b") != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, source.loadCount(), 2)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
	_, stops := factory.get("b").counts()
	assert.Equal(t, 1, stops)
}
