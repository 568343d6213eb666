// Package spyglass serves the public clip catalog: a JSON read API plus the
// static browsing page.
package spyglass

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"clipworks/pkg/catalog"
	"clipworks/pkg/logging"
)

const (
	defaultLimit  = 50
	maxLimit      = 100
	defaultWindow = 7 * 24 * time.Hour
)

// ClipLister is the catalog read surface the handlers need.
type ClipLister interface {
	ListClips(ctx context.Context, start, end time.Time, limit int) ([]catalog.ClipWithStreamer, error)
}

// Handlers holds the API dependencies.
type Handlers struct {
	clips  ClipLister
	logger logging.Logger
	now    func() time.Time
}

// NewHandlers creates the API handlers. now is overridable for tests and
// defaults to the wall clock.
func NewHandlers(clips ClipLister, logger logging.Logger, now func() time.Time) *Handlers {
	if now == nil {
		now = time.Now
	}
	return &Handlers{clips: clips, logger: logger, now: now}
}

// Register mounts the API routes.
func (h *Handlers) Register(router gin.IRouter) {
	router.GET("/v1.0/clip", h.ListClips)
}

type clipQuery struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Limit int       `json:"limit"`
}

// ListClips handles GET /v1.0/clip. start and end are RFC 3339 timestamps;
// the window defaults to the last seven days and limit is capped at 100.
func (h *Handlers) ListClips(c *gin.Context) {
	now := h.now().UTC()
	query := clipQuery{
		Start: now.Add(-defaultWindow),
		End:   now,
		Limit: defaultLimit,
	}

	if raw := c.Query("start"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start must be an RFC 3339 timestamp"})
			return
		}
		query.Start = t.UTC()
	}
	if raw := c.Query("end"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end must be an RFC 3339 timestamp"})
			return
		}
		query.End = t.UTC()
	}
	if query.Start.After(query.End) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start must not be after end"})
		return
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		query.Limit = limit
	}
	if query.Limit > maxLimit {
		query.Limit = maxLimit
	}

	clips, err := h.clips.ListClips(c.Request.Context(), query.Start, query.End, query.Limit)
	if err != nil {
		h.logger.WithError(err).Error("Clip listing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list clips"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"clips": clips,
		"count": len(clips),
		"query": query,
	})
}
