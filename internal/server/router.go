package server

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/ces/internal/common/config"
	"github.com/kandev/ces/internal/common/httpmw"
	"github.com/kandev/ces/internal/common/logger"
	"github.com/kandev/ces/internal/session"
)

const serverName = "ces-server"

// NewRouter assembles the gin engine with the full middleware chain and
// the /api/v1 route table.
func NewRouter(manager *session.Manager, cfg *config.Config, version string, log *logger.Logger) *gin.Engine {
	if cfg.Logging.Format == "json" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(httpmw.Recovery(log))
	r.Use(httpmw.RequestLogger(log, serverName))
	r.Use(httpmw.OtelTracing(serverName))
	r.Use(httpmw.CORS())

	h := NewHandler(manager, cfg, version, log)

	// Health stays outside the auth gate so probes need no key.
	r.GET("/health", h.health)

	api := r.Group("/api/v1")
	api.Use(httpmw.APIKeyAuth(cfg.Auth))
	{
		api.POST("/sessions", h.createSession)
		api.GET("/sessions", h.listSessions)
		api.GET("/sessions/:id", h.getSession)
		api.DELETE("/sessions/:id", h.deleteSession)

		api.POST("/sessions/:id/execute", h.execute)
		api.GET("/sessions/:id/execute/:exec_id/stream", h.streamExecution)
		api.GET("/sessions/:id/executions", h.listExecutions)
		api.GET("/sessions/:id/stream", h.streamSession)

		api.POST("/sessions/:id/plugins", h.loadExtension)
		api.POST("/sessions/:id/variables", h.updateVariables)

		api.POST("/sessions/:id/files", h.uploadFile)
		api.GET("/sessions/:id/files", h.listFiles)
		api.GET("/sessions/:id/artifacts/:filename", h.downloadFile)
	}

	return r
}
