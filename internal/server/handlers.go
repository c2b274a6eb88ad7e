// Package server wires the CES HTTP API: session lifecycle, execution,
// extension loading, file transfer and the streaming endpoints.
package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/ces/internal/common/config"
	apperrors "github.com/kandev/ces/internal/common/errors"
	"github.com/kandev/ces/internal/common/logger"
	"github.com/kandev/ces/internal/session"
	v1 "github.com/kandev/ces/pkg/api/v1"
)

// Handler bundles the dependencies of the HTTP handlers.
type Handler struct {
	manager *session.Manager
	cfg     *config.Config
	logger  *logger.Logger
	version string
}

// NewHandler creates the API handler set.
func NewHandler(manager *session.Manager, cfg *config.Config, version string, log *logger.Logger) *Handler {
	return &Handler{
		manager: manager,
		cfg:     cfg,
		logger:  log.WithFields(zap.String("component", "http-handler")),
		version: version,
	}
}

// respondError renders an error through the application error taxonomy.
func (h *Handler) respondError(c *gin.Context, err error) {
	appErr := apperrors.AsAppError(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.WithContext(c.Request.Context()).Error("request failed",
			zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"code":    appErr.Code,
		"message": appErr.Message,
	})
}

// health reports service liveness.
func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, v1.HealthResponse{
		Status:         "ok",
		Version:        h.version,
		ActiveSessions: h.manager.ActiveCount(),
		EnvID:          h.cfg.Workspace.EnvID,
	})
}

// createSession provisions a session, optionally under a client-chosen id.
func (h *Handler) createSession(c *gin.Context) {
	var req v1.CreateSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.respondError(c, apperrors.BadRequest("invalid request body"))
			return
		}
	}

	s, err := h.manager.Create(c.Request.Context(), req.SessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.Info())
}

// listSessions returns every registered session.
func (h *Handler) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.manager.List()})
}

// getSession returns one session's metadata.
func (h *Handler) getSession(c *gin.Context) {
	s, err := h.manager.Get(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Info())
}

// deleteSession stops a session and removes its working directory.
func (h *Handler) deleteSession(c *gin.Context) {
	if err := h.manager.Delete(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// execute runs one code unit. With stream=false the assembled result is
// returned inline; with stream=true the call returns immediately and the
// caller follows the stream URL.
func (h *Handler) execute(c *gin.Context) {
	s, err := h.manager.Get(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	var req v1.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body"))
		return
	}
	if req.Code == "" {
		h.respondError(c, apperrors.BadRequest("code is required"))
		return
	}

	if req.Stream {
		execID, err := s.ExecuteAsync(req.ExecID, req.Code)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, v1.ExecuteAccepted{
			ExecID:    execID,
			StreamURL: fmt.Sprintf("/api/v1/sessions/%s/execute/%s/stream", s.ID(), execID),
		})
		return
	}

	result, err := s.Execute(req.ExecID, req.Code)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// loadExtension registers and loads an extension into the session.
func (h *Handler) loadExtension(c *gin.Context) {
	s, err := h.manager.Get(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	var req v1.LoadExtensionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body"))
		return
	}

	if err := s.LoadExtension(req.Name, req.Source, req.Config); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loaded": req.Name})
}

// updateVariables overwrites user-namespace bindings in the session.
func (h *Handler) updateVariables(c *gin.Context) {
	s, err := h.manager.Get(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	var req v1.UpdateVariablesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body"))
		return
	}

	if err := s.UpdateVariables(req.Bindings); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// listExecutions returns the persisted execution history of a session.
func (h *Handler) listExecutions(c *gin.Context) {
	if _, err := h.manager.Get(c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}

	store := h.manager.History()
	if store == nil {
		c.JSON(http.StatusOK, gin.H{"executions": []v1.ExecutionRecord{}})
		return
	}

	records, err := store.ListBySession(c.Request.Context(), c.Param("id"), 0)
	if err != nil {
		h.respondError(c, apperrors.InternalError("failed to list executions", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": records})
}
