package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/timmy/mediamatch/internal/domain"
	"github.com/timmy/mediamatch/internal/logger"
	"github.com/timmy/mediamatch/internal/repository"
	"github.com/timmy/mediamatch/internal/service"
)

// AdminHandler exposes the configured bulk-load sources and lets a curator
// sync one on demand.
type AdminHandler struct {
	fetchTask *service.FetchTask
	cursors   *repository.SourceCursorRepository

	// Sync job state
	mu            sync.RWMutex
	running       string
	lastRunTime   time.Time
	lastRunStatus string
}

// NewAdminHandler creates a new admin handler.
// Parameters:
//   - fetchTask: task owning the configured sources.
//   - cursors: persisted per-source progress.
// Returns:
//   - *AdminHandler: initialized handler.
func NewAdminHandler(fetchTask *service.FetchTask, cursors *repository.SourceCursorRepository) *AdminHandler {
	return &AdminHandler{fetchTask: fetchTask, cursors: cursors}
}

// SourceStatus is a configured source with its sync progress.
type SourceStatus struct {
	Name       string     `json:"name"`
	Kind       string     `json:"kind"`
	Bank       string     `json:"bank"`
	Enabled    bool       `json:"enabled"`
	Cursor     string     `json:"cursor,omitempty"`
	Loaded     int64      `json:"loaded"`
	Failed     int64      `json:"failed"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
}

// SourcesResponse is the body of GET /c/sources.
type SourcesResponse struct {
	Sources       []SourceStatus `json:"sources"`
	Running       string         `json:"running,omitempty"`
	LastRunTime   string         `json:"last_run_time,omitempty"`
	LastRunStatus string         `json:"last_run_status,omitempty"`
}

// ListSources handles GET /c/sources.
func (h *AdminHandler) ListSources(c *gin.Context) {
	ctx := c.Request.Context()
	var out []SourceStatus
	for _, sc := range h.fetchTask.Sources() {
		cur, err := h.cursors.Get(ctx, sc.Name)
		if err != nil {
			respondError(c, err)
			return
		}
		out = append(out, SourceStatus{
			Name:       sc.Name,
			Kind:       sc.Kind,
			Bank:       sc.Bank,
			Enabled:    sc.Enabled,
			Cursor:     cur.Cursor,
			Loaded:     cur.Loaded,
			Failed:     cur.Failed,
			LastSyncAt: cur.LastSyncAt,
			LastError:  cur.LastError,
		})
	}

	h.mu.RLock()
	resp := SourcesResponse{Sources: out, Running: h.running, LastRunStatus: h.lastRunStatus}
	if !h.lastRunTime.IsZero() {
		resp.LastRunTime = h.lastRunTime.Format(time.RFC3339)
	}
	h.mu.RUnlock()
	c.JSON(http.StatusOK, resp)
}

// SyncSource handles POST /c/sources/:name/sync. One sync runs at a time;
// a second request gets 409.
func (h *AdminHandler) SyncSource(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	h.mu.Lock()
	if h.running != "" {
		running := h.running
		h.mu.Unlock()
		logger.CtxWarn(ctx, "Sync request rejected: source=%s, running=%s", name, running)
		c.JSON(http.StatusConflict, ErrorResponse{Error: "AlreadyRunning", Message: "sync of " + running + " in progress"})
		return
	}
	h.running = name
	h.mu.Unlock()

	start := time.Now()
	// The sync outlives a dropped client connection.
	err := h.fetchTask.Sync(context.WithoutCancel(ctx), name)
	duration := time.Since(start)

	h.mu.Lock()
	h.running = ""
	h.lastRunTime = time.Now()
	if err != nil {
		h.lastRunStatus = "failed: " + err.Error()
	} else {
		h.lastRunStatus = "success"
	}
	h.mu.Unlock()

	entry := logger.With(logger.Fields{logger.FieldDurationMs: duration.Milliseconds()})
	if err != nil {
		entry.Error(ctx, "Source sync failed: source=%s, error=%v", name, err)
		if errors.Is(err, domain.ErrNotFound) {
			respondError(c, err)
			return
		}
	} else {
		entry.Info(ctx, "Source sync completed: source=%s", name)
	}

	cur, cerr := h.cursors.Get(ctx, name)
	if cerr != nil {
		respondError(c, cerr)
		return
	}
	c.JSON(http.StatusOK, cur)
}
