package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/ol-bot-manager/internal/jobs"
	"github.com/oremus-labs/ol-bot-manager/internal/lifecycle"
	"github.com/oremus-labs/ol-bot-manager/internal/logutil"
	"github.com/oremus-labs/ol-bot-manager/internal/runtime"
)

type updateDataRequest struct {
	Filename string  `json:"filename" binding:"required"`
	Content  *string `json:"content" binding:"required"`
}

// GetStatus reports the managed container state.
func (h *Handler) GetStatus(c *gin.Context) {
	st, err := h.lifecycle.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// StartContainer starts the container, creating it from the image if needed.
func (h *Handler) StartContainer(c *gin.Context) {
	h.runAction(c, h.lifecycle.Start)
}

// StopContainer stops the container and waits until it has exited.
func (h *Handler) StopContainer(c *gin.Context) {
	h.runAction(c, h.lifecycle.Stop)
}

// RestartContainer restarts the container and waits until it runs again.
func (h *Handler) RestartContainer(c *gin.Context) {
	h.runAction(c, h.lifecycle.Restart)
}

func (h *Handler) runAction(c *gin.Context, action func(ctx context.Context) (*runtime.Result, error)) {
	ctx, cancel := h.operationContext(c)
	defer cancel()
	res, err := action(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// UpdateData replaces a data file while the container is stopped, then
// restarts it. With ?async=true the work runs as a job.
func (h *Handler) UpdateData(c *gin.Context) {
	var req updateDataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeDetail(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if isAsync(c) {
		h.submitJob(c, jobs.Request{Type: jobs.TypeUpdateData, Filename: req.Filename, Content: *req.Content})
		return
	}

	ctx, cancel := h.operationContext(c)
	defer cancel()
	res, err := h.lifecycle.UpdateData(ctx, req.Filename, []byte(*req.Content), lifecycle.Hooks{})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Rebuild removes the container, rebuilds the image and starts a fresh
// container. With ?async=true the work runs as a job.
func (h *Handler) Rebuild(c *gin.Context) {
	if isAsync(c) {
		h.submitJob(c, jobs.Request{Type: jobs.TypeRebuild})
		return
	}

	ctx, cancel := h.operationContext(c)
	defer cancel()
	res, err := h.lifecycle.Rebuild(ctx, lifecycle.Hooks{
		OnBuildLine: func(line string) {
			logutil.Debug("image_build_output", map[string]interface{}{"line": line})
		},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetLogs returns the tail of the container output.
func (h *Handler) GetLogs(c *gin.Context) {
	tail := h.opts.LogTail
	if raw := c.Query("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeDetail(c, http.StatusBadRequest, "tail must be a positive integer")
			return
		}
		tail = n
	}
	logs, err := h.lifecycle.Logs(c.Request.Context(), tail)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"container_name": h.opts.ContainerName, "tail": tail, "logs": logs})
}

func (h *Handler) submitJob(c *gin.Context, req jobs.Request) {
	if h.jobs == nil {
		writeError(c, jobs.ErrNotConfigured)
		return
	}
	job, err := h.jobs.Submit(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func isAsync(c *gin.Context) bool {
	v, err := strconv.ParseBool(c.DefaultQuery("async", "false"))
	return err == nil && v
}
