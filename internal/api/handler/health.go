package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/mediamatch/internal/config"
	"github.com/timmy/mediamatch/internal/service"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	roles config.RolesConfig
	cache *service.IndexCache
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(roles config.RolesConfig, cache *service.IndexCache) *HealthHandler {
	return &HealthHandler{roles: roles, cache: cache}
}

// Health returns the health status of the service. A matcher reports
// "starting" until every signal type has a live index.
func (h *HealthHandler) Health(c *gin.Context) {
	status := "ok"
	if h.roles.Matcher {
		for _, st := range h.cache.Status() {
			if st.BuiltAt.IsZero() {
				status = "starting"
				break
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": status,
		"roles": gin.H{
			"hasher":  h.roles.Hasher,
			"matcher": h.roles.Matcher,
			"curator": h.roles.Curator,
		},
	})
}
