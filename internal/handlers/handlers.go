// Package handlers provides HTTP request handlers for the bot manager API.
package handlers

import (
	"context"
	"net/http"
	goruntime "runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oremus-labs/ol-bot-manager/internal/datafiles"
	"github.com/oremus-labs/ol-bot-manager/internal/events"
	"github.com/oremus-labs/ol-bot-manager/internal/jobs"
	"github.com/oremus-labs/ol-bot-manager/internal/lifecycle"
	"github.com/oremus-labs/ol-bot-manager/internal/logutil"
	"github.com/oremus-labs/ol-bot-manager/internal/openapi"
	"github.com/oremus-labs/ol-bot-manager/internal/runtime"
	"github.com/oremus-labs/ol-bot-manager/internal/store"
)

// Options configures handler runtime behavior.
type Options struct {
	Version       string
	ContainerName string
	Image         string
	HostDataPath  string
	BuildContext  string
	DSLFilename   string
	Datastore     string
	RedisEnabled  bool
	QueueEnabled  bool
	// OperationTimeout bounds synchronous lifecycle calls, which keep running
	// if the client disconnects.
	OperationTimeout time.Duration
	LogTail          int
}

type lifecycleService interface {
	Status(ctx context.Context) (*runtime.ContainerStatus, error)
	Logs(ctx context.Context, tail int) (string, error)
	Start(ctx context.Context) (*runtime.Result, error)
	Stop(ctx context.Context) (*runtime.Result, error)
	Restart(ctx context.Context) (*runtime.Result, error)
	UpdateData(ctx context.Context, name string, content []byte, hooks lifecycle.Hooks) (*lifecycle.UpdateResult, error)
	Rebuild(ctx context.Context, hooks lifecycle.Hooks) (*lifecycle.RebuildResult, error)
}

type dataStore interface {
	List() ([]datafiles.FileInfo, error)
	Read(name string) ([]byte, error)
	Stat(name string) (*datafiles.FileInfo, error)
	Delete(name string) error
}

type jobService interface {
	Submit(ctx context.Context, req jobs.Request) (*store.Job, error)
	GetJob(id string) (*store.Job, error)
}

type stateStore interface {
	ListJobs(filter store.JobFilter) ([]store.Job, error)
	ListJobLogs(jobID string, limit int) ([]store.JobLogEntry, error)
	DeleteJobs(status store.JobStatus) (int64, error)
	ListHistory(limit int) ([]store.HistoryEntry, error)
	ClearHistory() (int64, error)
}

type eventBus interface {
	Subscribe(ctx context.Context) (<-chan events.Event, func(), error)
	Emit(ctx context.Context, eventType string, data interface{})
}

// Handler encapsulates dependencies for HTTP handlers.
type Handler struct {
	lifecycle lifecycleService
	files     dataStore
	jobs      jobService
	store     stateStore
	events    eventBus
	opts      Options
	started   time.Time
}

// Deps groups the collaborators a Handler needs. Store, Jobs and Events may
// be nil; the routes depending on them then answer 503.
type Deps struct {
	Lifecycle lifecycleService
	Files     dataStore
	Jobs      jobService
	Store     stateStore
	Events    eventBus
}

// New creates a new Handler instance.
func New(deps Deps, opts Options) *Handler {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 30 * time.Minute
	}
	if opts.DSLFilename == "" {
		opts.DSLFilename = "dsl.txt"
	}
	if opts.Datastore == "" {
		opts.Datastore = "sqlite"
	}
	return &Handler{
		lifecycle: deps.Lifecycle,
		files:     deps.Files,
		jobs:      deps.Jobs,
		store:     deps.Store,
		events:    deps.Events,
		opts:      opts,
		started:   time.Now(),
	}
}

// Health returns the health status of the service.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SystemInfo reports build, configuration and daemon reachability.
func (h *Handler) SystemInfo(c *gin.Context) {
	info := gin.H{
		"version":       h.opts.Version,
		"goVersion":     goruntime.Version(),
		"containerName": h.opts.ContainerName,
		"image":         h.opts.Image,
		"hostDataPath":  h.opts.HostDataPath,
		"buildContext":  h.opts.BuildContext,
		"dslFilename":   h.opts.DSLFilename,
		"datastore":     h.opts.Datastore,
		"redisEnabled":  h.opts.RedisEnabled,
		"queueEnabled":  h.opts.QueueEnabled,
		"uptime":        time.Since(h.started).Round(time.Second).String(),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	st, err := h.lifecycle.Status(ctx)
	switch {
	case err == nil:
		info["dockerAvailable"] = true
		info["containerStatus"] = st.Status
	default:
		info["dockerAvailable"] = false
		info["dockerError"] = err.Error()
	}
	c.JSON(http.StatusOK, info)
}

// OpenAPISpec serves the API description as JSON.
func (h *Handler) OpenAPISpec(c *gin.Context) {
	doc, err := openapi.JSON()
	if err != nil {
		logutil.Error("openapi_render_failed", err, nil)
		writeDetail(c, http.StatusInternalServerError, "failed to render OpenAPI document")
		return
	}
	c.Data(http.StatusOK, "application/json", doc)
}

// operationContext detaches lifecycle work from the request so a client
// disconnect cannot abandon the container half way through a rebuild.
func (h *Handler) operationContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.opts.OperationTimeout)
}
