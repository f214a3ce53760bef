package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/ol-bot-manager/internal/datafiles"
	"github.com/oremus-labs/ol-bot-manager/internal/jobs"
	"github.com/oremus-labs/ol-bot-manager/internal/lifecycle"
	"github.com/oremus-labs/ol-bot-manager/internal/logutil"
	"github.com/oremus-labs/ol-bot-manager/internal/runtime"
	"github.com/oremus-labs/ol-bot-manager/internal/store"
)

// writeDetail emits the {"detail": ...} error body clients expect.
func writeDetail(c *gin.Context, status int, detail interface{}) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

// writeError maps domain errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	status, detail := classify(err)
	if status >= http.StatusInternalServerError {
		logutil.Error("request_failed", err, map[string]interface{}{
			"path":   c.FullPath(),
			"status": status,
		})
	}
	writeDetail(c, status, detail)
}

func classify(err error) (int, interface{}) {
	var (
		imageErr   *runtime.ImageNotFoundError
		timeoutErr *runtime.TimeoutError
		invalidErr *runtime.InvalidStateError
		stateErr   *runtime.StateError
		buildErr   *runtime.BuildError
		writeErr   *lifecycle.WriteError
		removeErr  *lifecycle.RemoveError
		verr       *datafiles.ValidationError
	)
	switch {
	case errors.Is(err, runtime.ErrDaemonUnavailable):
		return http.StatusServiceUnavailable, "Docker daemon is not available."
	case errors.As(err, &imageErr):
		return http.StatusNotFound, fmt.Sprintf("Image '%s' not found. Please build it first.", imageErr.Image)
	case errors.Is(err, runtime.ErrContainerNotFound):
		return http.StatusNotFound, "Container not found."
	case errors.As(err, &timeoutErr):
		return http.StatusGatewayTimeout, fmt.Sprintf("Container %s timed out.", timeoutErr.Op)
	case errors.As(err, &invalidErr):
		return http.StatusConflict, fmt.Sprintf("Container is %s; cannot %s it.", invalidErr.State, invalidErr.Op)
	case errors.As(err, &stateErr):
		return http.StatusInternalServerError, gin.H{"status": stateErr.Status, "logs": stateErr.Logs}
	case errors.As(err, &buildErr):
		return http.StatusInternalServerError, gin.H{"status": "build_failed", "logs": buildErr.Logs, "error": buildErr.Message}
	case errors.As(err, &writeErr):
		return http.StatusInternalServerError, fmt.Sprintf("Failed to write to file: %v", writeErr.Err)
	case errors.As(err, &removeErr):
		return http.StatusInternalServerError, fmt.Sprintf("Error removing old container: %v", removeErr.Err)
	case errors.As(err, &verr):
		return http.StatusBadRequest, gin.H{"filename": verr.Name, "errors": verr.Errors}
	case errors.Is(err, datafiles.ErrInvalidName):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, datafiles.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, jobs.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, jobs.ErrNotConfigured):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Operation timed out."
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
