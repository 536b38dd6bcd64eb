package api

import (
	"github.com/gin-gonic/gin"

	"github.com/timmy/mediamatch/internal/api/handler"
	"github.com/timmy/mediamatch/internal/api/middleware"
	"github.com/timmy/mediamatch/internal/logger"
	"github.com/timmy/mediamatch/internal/service"
)

// SetupRouter configures the Gin router. Route groups are mounted per role:
// /h for the hasher, /m for the matcher and /c for the curator.
func SetupRouter(engine *service.Engine, log *logger.Logger) *gin.Engine {
	cfg := engine.Config

	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(cfg.Server.CORS))

	healthHandler := handler.NewHealthHandler(cfg.Roles, engine.Cache)
	r.GET("/health", healthHandler.Health)

	if cfg.Roles.Hasher {
		hashHandler := handler.NewHashHandler(engine.Hasher, engine.Registry)
		h := r.Group("/h")
		{
			h.POST("/hash", hashHandler.Hash)
		}
	}

	if cfg.Roles.Matcher {
		matchHandler := handler.NewMatchHandler(engine.Matcher, engine.Indexer, engine.Cache, engine.Registry)
		m := r.Group("/m")
		{
			m.GET("/lookup", matchHandler.Lookup)
			m.GET("/raw_lookup", matchHandler.RawLookup)
			m.POST("/match", matchHandler.Match)
			m.POST("/compare", matchHandler.Compare)
			m.GET("/index/status", matchHandler.IndexStatus)
			m.POST("/index/rebuild", matchHandler.Rebuild)
		}
	}

	if cfg.Roles.Curator {
		curationHandler := handler.NewCurationHandler(engine.Curation, engine.Settings)
		adminHandler := handler.NewAdminHandler(engine.FetchTask, engine.Cursors)
		c := r.Group("/c")
		{
			// Banks
			c.GET("/banks", curationHandler.ListBanks)
			c.POST("/banks", curationHandler.CreateBank)
			c.GET("/bank/:name", curationHandler.GetBank)
			c.PUT("/bank/:name", curationHandler.UpdateBank)
			c.DELETE("/bank/:name", curationHandler.DeleteBank)

			// Bank content
			c.POST("/bank/:name/content", curationHandler.AddContent)
			c.POST("/bank/:name/signal", curationHandler.AddSignal)
			c.GET("/bank/:name/content/:id", curationHandler.GetContent)
			c.PUT("/bank/:name/content/:id", curationHandler.UpdateContent)
			c.DELETE("/bank/:name/content/:id", curationHandler.DeleteContent)

			// Signal types
			c.GET("/signal_types", curationHandler.ListSignalTypes)
			c.PUT("/signal_type/:name", curationHandler.UpdateSignalType)

			// Bulk-load sources
			c.GET("/sources", adminHandler.ListSources)
			c.POST("/sources/:name/sync", adminHandler.SyncSource)
		}
	}

	return r
}
