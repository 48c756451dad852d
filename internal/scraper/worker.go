package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lysyi3m/webscraper/internal/bus"
	"golang.org/x/sync/semaphore"
)

// MaxRateLimitWait caps the backoff after a 429 answer.
const MaxRateLimitWait = time.Hour

const DefaultCycleTimeout = 5 * time.Minute

type State int32

const (
	StateIdle State = iota
	StateScraping
	StateThrottling
	StateWaiting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScraping:
		return "scraping"
	case StateThrottling:
		return "throttling"
	case StateWaiting:
		return "waiting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WorkerStatus is a read-only view of a worker for status reporting.
type WorkerStatus struct {
	FeedID       string     `json:"feed_id"`
	FeedType     string     `json:"feed_type"`
	State        string     `json:"state"`
	PollRate     string     `json:"poll_rate,omitempty"`
	Cycles       int64      `json:"cycles"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	KeySubmitted bool       `json:"key_submitted"`
}

// Worker polls one feed. Cycles of one worker never overlap; across workers
// they are gated by a shared semaphore.
type Worker struct {
	sem          *semaphore.Weighted
	throttle     time.Duration
	cycleTimeout time.Duration
	fetcher      *Fetcher
	processor    Processor
	registrar    *KeyRegistrar

	mu        sync.Mutex
	params    FeedParameters
	lastRun   *time.Time
	lastError string

	validators Validators
	state      atomic.Int32
	cycles     atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newWorker(params FeedParameters, processor Processor, registrar *KeyRegistrar, fetcher *Fetcher, sem *semaphore.Weighted, throttle time.Duration) *Worker {
	return &Worker{
		sem:          sem,
		throttle:     throttle,
		cycleTimeout: DefaultCycleTimeout,
		fetcher:      fetcher,
		processor:    processor,
		registrar:    registrar,
		params:       params,
		stopCh:       make(chan struct{}),
	}
}

func (w *Worker) FeedID() string {
	return w.Params().FeedID
}

func (w *Worker) Params() FeedParameters {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.params
}

// Update reconfigures the worker in place. It takes effect on the next cycle.
// The processor and key are bound to the feed type and domain, so changing
// either returns ErrRebuildRequired and leaves the worker untouched.
func (w *Worker) Update(params FeedParameters) error {
	current := w.Params()
	if params.FeedType != current.FeedType || params.TargetDomain() != current.TargetDomain() {
		return fmt.Errorf("%w: %s", ErrRebuildRequired, params.FeedID)
	}
	if _, err := LookupExtractor(params.Information.CustomProcess); err != nil && params.FeedType == FeedTypeCustom {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if params.Information.URL != w.params.Information.URL {
		w.validators = Validators{}
	}
	w.params = params
	return nil
}

// Stop asks the worker to exit at its next wait point. Safe to call twice.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Worker) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := WorkerStatus{
		FeedID:    w.params.FeedID,
		FeedType:  w.params.FeedType,
		State:     State(w.state.Load()).String(),
		Cycles:    w.cycles.Load(),
		LastRun:   w.lastRun,
		LastError: w.lastError,
	}
	if interval := w.params.Interval(); interval > 0 {
		st.PollRate = interval.String()
	}
	if w.registrar != nil {
		st.KeySubmitted = w.registrar.Submitted()
	}
	return st
}

// Run polls until stopped or ctx is done. Feeds without a poll rate run a
// single cycle.
func (w *Worker) Run(ctx context.Context) error {
	defer w.state.Store(int32(StateStopped))

	for {
		if w.stopped() || ctx.Err() != nil {
			return nil
		}

		wait, ran := w.cycle(ctx)
		if !ran {
			return nil
		}
		if w.Params().Interval() == 0 {
			slog.Debug("One-shot feed done", "feed", w.FeedID())
			return nil
		}

		w.state.Store(int32(StateWaiting))
		if !w.wait(ctx, wait) {
			return nil
		}
	}
}

// cycle runs one fetch/process pass under the shared semaphore and returns
// how long to wait before the next one.
func (w *Worker) cycle(ctx context.Context) (time.Duration, bool) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return 0, false
	}
	defer w.sem.Release(1)

	if w.stopped() {
		return 0, false
	}

	params := w.Params()
	interval := params.Interval()
	wait := interval

	w.state.Store(int32(StateScraping))
	err := w.scrape(ctx, params)
	w.cycles.Add(1)

	var statusErr *HTTPStatusError
	switch {
	case err == nil:
	case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests:
		wait = rateLimitWait(interval, statusErr.RetryAfter)
		slog.Warn("Feed rate limited", "feed", params.FeedID, "wait", wait.String())
	case bus.IsTimeout(err):
		slog.Warn("Timeout scraping feed", "feed", params.FeedID, "error", err)
	default:
		slog.Error("Scrape cycle failed", "feed", params.FeedID, "error", err)
	}
	w.recordRun(err)

	if w.throttle > 0 {
		w.state.Store(int32(StateThrottling))
		_ = sleepContext(ctx, w.throttle)
	}
	return wait, true
}

func (w *Worker) scrape(ctx context.Context, params FeedParameters) error {
	ctx, cancel := context.WithTimeout(ctx, w.cycleTimeout)
	defer cancel()

	w.mu.Lock()
	prev := w.validators
	w.mu.Unlock()

	result, err := w.fetcher.Fetch(ctx, params.Information.URL, prev)
	if err != nil {
		return err
	}
	defer result.Close()

	if result.Size == 0 {
		slog.Debug("No new content", "feed", params.FeedID)
		return nil
	}

	err = w.processor.Process(ctx, &Job{
		Feed:      params,
		Registrar: w.registrar,
		Content:   result.File,
		Size:      result.Size,
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.validators = result.Validators
	w.mu.Unlock()
	return nil
}

func (w *Worker) recordRun(err error) {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastRun = &now
	w.lastError = ""
	if err != nil {
		w.lastError = err.Error()
	}
}

func (w *Worker) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// rateLimitWait is the poll interval, extended to the server requested delay
// (one hour when unspecified), never beyond one hour unless the interval is.
func rateLimitWait(interval, retryAfter time.Duration) time.Duration {
	requested := retryAfter
	if requested <= 0 || requested > MaxRateLimitWait {
		requested = MaxRateLimitWait
	}
	return max(interval, requested)
}
