package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/ol-bot-manager/internal/jobs"
	"github.com/oremus-labs/ol-bot-manager/internal/store"
)

// ListJobs returns recent jobs, optionally filtered by status and type.
func (h *Handler) ListJobs(c *gin.Context) {
	if h.store == nil {
		writeError(c, jobs.ErrNotConfigured)
		return
	}
	limit, ok := queryLimit(c, 50)
	if !ok {
		return
	}
	list, err := h.store.ListJobs(store.JobFilter{
		Status: store.JobStatus(c.Query("status")),
		Type:   c.Query("type"),
		Limit:  limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list})
}

// GetJob returns a single job.
func (h *Handler) GetJob(c *gin.Context) {
	if h.jobs == nil {
		writeError(c, jobs.ErrNotConfigured)
		return
	}
	job, err := h.jobs.GetJob(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// JobLogs returns the most recent log lines of a job.
func (h *Handler) JobLogs(c *gin.Context) {
	if h.store == nil || h.jobs == nil {
		writeError(c, jobs.ErrNotConfigured)
		return
	}
	limit, ok := queryLimit(c, 200)
	if !ok {
		return
	}
	id := c.Param("id")
	if _, err := h.jobs.GetJob(id); err != nil {
		writeError(c, err)
		return
	}
	logs, err := h.store.ListJobLogs(id, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobId": id, "logs": logs})
}

// DeleteJobs removes jobs with the given status, or every finished job.
func (h *Handler) DeleteJobs(c *gin.Context) {
	if h.store == nil {
		writeError(c, jobs.ErrNotConfigured)
		return
	}
	status := store.JobStatus(c.Query("status"))
	switch status {
	case "", store.JobPending, store.JobRunning, store.JobDone, store.JobFailed:
	default:
		writeDetail(c, http.StatusBadRequest, "unknown job status: "+string(status))
		return
	}
	n, err := h.store.DeleteJobs(status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// ListHistory returns the audit trail, newest first.
func (h *Handler) ListHistory(c *gin.Context) {
	if h.store == nil {
		writeError(c, jobs.ErrNotConfigured)
		return
	}
	limit, ok := queryLimit(c, 100)
	if !ok {
		return
	}
	entries, err := h.store.ListHistory(limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// ClearHistory truncates the audit trail.
func (h *Handler) ClearHistory(c *gin.Context) {
	if h.store == nil {
		writeError(c, jobs.ErrNotConfigured)
		return
	}
	n, err := h.store.ClearHistory()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func queryLimit(c *gin.Context, def int) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeDetail(c, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}
