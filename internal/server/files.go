package server

import (
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kandev/ces/internal/common/errors"
	"github.com/kandev/ces/internal/execution"
	v1 "github.com/kandev/ces/pkg/api/v1"
)

// validFileName rejects names that could resolve outside the session cwd.
func validFileName(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return false
	}
	return true
}

// uploadFile places a file into the session working directory.
func (h *Handler) uploadFile(c *gin.Context) {
	s, err := h.manager.Get(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	var req v1.UploadFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondError(c, apperrors.BadRequest("invalid request body"))
		return
	}
	if !validFileName(req.Filename) {
		h.respondError(c, apperrors.BadRequest("invalid filename"))
		return
	}

	data, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		h.respondError(c, apperrors.BadRequest("content is not valid base64"))
		return
	}

	path := filepath.Join(s.Cwd(), req.Filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		h.respondError(c, apperrors.InternalError("failed to write file", err))
		return
	}

	c.JSON(http.StatusCreated, v1.Artifact{
		Name:     req.Filename,
		MimeType: execution.InferMime(path),
		FileName: req.Filename,
		Size:     int64(len(data)),
	})
}

// downloadFile streams a file out of the session working directory.
func (h *Handler) downloadFile(c *gin.Context) {
	s, err := h.manager.Get(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	name := c.Param("filename")
	if !validFileName(name) {
		h.respondError(c, apperrors.BadRequest("invalid filename"))
		return
	}

	path := filepath.Join(s.Cwd(), name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		h.respondError(c, apperrors.NotFound("file", name))
		return
	}

	c.Header("Content-Type", execution.InferMime(path))
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.File(path)
}

// listFiles enumerates the session working directory, metadata only.
func (h *Handler) listFiles(c *gin.Context) {
	s, err := h.manager.Get(c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	entries, err := os.ReadDir(s.Cwd())
	if err != nil {
		h.respondError(c, apperrors.InternalError("failed to read session cwd", err))
		return
	}

	files := make([]v1.Artifact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, v1.Artifact{
			Name:     entry.Name(),
			MimeType: execution.InferMime(filepath.Join(s.Cwd(), entry.Name())),
			FileName: entry.Name(),
			Size:     info.Size(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}
