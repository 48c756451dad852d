// Package manager keeps the set of running feed workers in line with the
// authoritative feed list.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lysyi3m/webscraper/internal/bus"
	"github.com/lysyi3m/webscraper/internal/scraper"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRefreshInterval = 300 * time.Second
	DefaultTimeoutRetry    = 15 * time.Second
	DefaultErrorRetry      = 60 * time.Second
)

// Worker is a running feed poller.
type Worker interface {
	Run(ctx context.Context) error
	Update(params scraper.FeedParameters) error
	Stop()
	Status() scraper.WorkerStatus
}

// Factory builds a worker for a new feed.
type Factory func(params scraper.FeedParameters) (Worker, error)

// Source returns the current feed list with feed information decrypted.
type Source interface {
	LoadFeeds(ctx context.Context) ([]scraper.FeedParameters, error)
}

type Manager struct {
	source  Source
	factory Factory

	mu      sync.RWMutex
	workers map[string]Worker

	refresh chan struct{}

	refreshInterval time.Duration
	timeoutRetry    time.Duration
	errorRetry      time.Duration
}

func New(source Source, factory Factory) *Manager {
	return &Manager{
		source:          source,
		factory:         factory,
		workers:         make(map[string]Worker),
		refresh:         make(chan struct{}, 1),
		refreshInterval: DefaultRefreshInterval,
		timeoutRetry:    DefaultTimeoutRetry,
		errorRetry:      DefaultErrorRetry,
	}
}

// Run reconciles workers until ctx is done, then stops every worker and
// waits for them to return.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	start := func(w Worker) {
		g.Go(func() error { return w.Run(gctx) })
	}

	slog.Info("Feed manager started")
	for {
		wait := m.pass(gctx, start)

		timer := time.NewTimer(wait)
		select {
		case <-gctx.Done():
			timer.Stop()
			m.stopAll()
			err := g.Wait()
			slog.Info("Feed manager stopped")
			return err
		case <-m.refresh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Refresh asks for an early reconciliation pass.
func (m *Manager) Refresh() {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

// Snapshot returns the status of every worker ordered by feed id.
func (m *Manager) Snapshot() []scraper.WorkerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]scraper.WorkerStatus, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeedID < out[j].FeedID })
	return out
}

func (m *Manager) pass(ctx context.Context, start func(Worker)) time.Duration {
	feeds, err := m.source.LoadFeeds(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return m.refreshInterval
		}
		if bus.IsTimeout(err) {
			slog.Warn("Timeout loading feeds", "error", err)
			return m.timeoutRetry
		}
		slog.Error("Failed to load feeds", "error", err)
		return m.errorRetry
	}

	if err := m.reconcile(feeds, start); err != nil {
		slog.Error("Feed reconciliation incomplete", "error", err)
		return m.errorRetry
	}
	return m.refreshInterval
}

// reconcile applies a feed list. Every valid feed is applied even when
// another one fails; the failures are returned together.
func (m *Manager) reconcile(feeds []scraper.FeedParameters, start func(Worker)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	current := make(map[string]bool, len(feeds))
	created, updated := 0, 0

	for _, params := range feeds {
		if !params.Enabled() {
			continue
		}
		current[params.FeedID] = true

		if w, ok := m.workers[params.FeedID]; ok {
			err := w.Update(params)
			if err == nil {
				updated++
				continue
			}
			if !errors.Is(err, scraper.ErrRebuildRequired) {
				errs = append(errs, fmt.Errorf("feed %s: %w", params.FeedID, err))
				continue
			}
			w.Stop()
			delete(m.workers, params.FeedID)
			slog.Info("Feed worker replaced", "feed", params.FeedID, "type", params.FeedType)
		}

		w, err := m.factory(params)
		if err != nil {
			errs = append(errs, fmt.Errorf("feed %s: %w", params.FeedID, err))
			continue
		}
		m.workers[params.FeedID] = w
		start(w)
		created++
		slog.Info("Feed worker started", "feed", params.FeedID, "type", params.FeedType)
	}

	removed := 0
	for feedID, w := range m.workers {
		if current[feedID] {
			continue
		}
		w.Stop()
		delete(m.workers, feedID)
		removed++
		slog.Info("Feed worker stopped", "feed", feedID)
	}

	slog.Debug("Feeds reconciled", "created", created, "updated", updated, "removed", removed, "total", len(m.workers))
	return errors.Join(errs...)
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		w.Stop()
	}
}
