package cache

import (
	"context"

	"github.com/lysyi3m/webscraper/internal/filehost"
)

var _ CacheInterface = (*Cache)(nil)

// CacheInterface defines the interface for cache operations
type CacheInterface interface {
	GetAttachments(ctx context.Context, correlations []string) (map[string]filehost.AttachedFile, error)
	SetAttachments(ctx context.Context, files map[string]filehost.AttachedFile) error
	Health(ctx context.Context) map[string]any
	Close() error
}
