package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// NewHandler builds the status handlers. cache may be nil when no
// correlation cache is configured.
func NewHandler(feeds FeedsInterface, session SessionInterface, cache HealthInterface, version string) *Handler {
	return &Handler{
		feeds:   feeds,
		session: session,
		cache:   cache,
		version: version,
	}
}

func (h *Handler) GetHealth(c *gin.Context) {
	session := h.session.Status()
	health := map[string]interface{}{
		"timestamp":      time.Now().In(time.Local).Format(time.RFC3339),
		"version":        h.version,
		"status":         "ok",
		"feeds":          len(h.feeds.Snapshot()),
		"filehost_ready": session.Ready,
	}
	if !session.Ready {
		health["status"] = "degraded"
	}

	if h.cache != nil {
		cacheHealth := h.cache.Health(c.Request.Context())
		health["cache"] = cacheHealth
		if cacheHealth["status"] != "healthy" {
			health["status"] = "degraded"
		}
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) APIListFeeds(c *gin.Context) {
	feeds := h.feeds.Snapshot()
	c.JSON(http.StatusOK, map[string]interface{}{
		"feeds": feeds,
		"total": len(feeds),
	})
}

func (h *Handler) APIGetFeedDetails(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing feed id parameter"})
		return
	}

	for _, status := range h.feeds.Snapshot() {
		if status.FeedID == id {
			c.JSON(http.StatusOK, status)
			return
		}
	}

	slog.Debug("Feed not found", "feed", id)
	c.JSON(http.StatusNotFound, gin.H{"error": "Feed not found"})
}

func (h *Handler) APIRefreshFeeds(c *gin.Context) {
	h.feeds.Refresh()
	slog.Info("Feed refresh requested", "client", c.ClientIP())
	c.JSON(http.StatusAccepted, gin.H{"message": "Refresh scheduled"})
}

func (h *Handler) APIGetSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.Status())
}
