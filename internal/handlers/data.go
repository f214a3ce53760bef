package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/ol-bot-manager/internal/events"
	"github.com/oremus-labs/ol-bot-manager/internal/logutil"
)

// ListData lists the files under the host data directory.
func (h *Handler) ListData(c *gin.Context) {
	files, err := h.files.List()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": files, "root": h.opts.HostDataPath})
}

// GetData returns the content and metadata of a single data file.
func (h *Handler) GetData(c *gin.Context) {
	name := dataName(c)
	info, err := h.files.Stat(name)
	if err != nil {
		writeError(c, err)
		return
	}
	content, err := h.files.Read(name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"filename":     info.Name,
		"content":      string(content),
		"sizeBytes":    info.SizeBytes,
		"modifiedTime": info.ModifiedTime,
	})
}

// DeleteData removes a data file. The container is left untouched.
func (h *Handler) DeleteData(c *gin.Context) {
	name := dataName(c)
	if err := h.files.Delete(name); err != nil {
		writeError(c, err)
		return
	}
	logutil.Info("data_file_deleted", map[string]interface{}{"filename": name})
	if h.events != nil {
		h.events.Emit(context.WithoutCancel(c.Request.Context()), events.TypeDataDeleted, gin.H{"filename": name})
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "filename": name})
}

func dataName(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("name"), "/")
}
