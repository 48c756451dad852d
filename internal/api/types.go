package api

import (
	"context"

	"github.com/lysyi3m/webscraper/internal/filehost"
	"github.com/lysyi3m/webscraper/internal/manager"
	"github.com/lysyi3m/webscraper/internal/scraper"
)

type FeedsInterface interface {
	Snapshot() []scraper.WorkerStatus
	Refresh()
}

type SessionInterface interface {
	Status() filehost.Status
}

type HealthInterface interface {
	Health(ctx context.Context) map[string]any
}

var (
	_ FeedsInterface   = (*manager.Manager)(nil)
	_ SessionInterface = (*filehost.Session)(nil)
)

type Handler struct {
	feeds   FeedsInterface
	session SessionInterface
	cache   HealthInterface
	version string
}
