package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oremus-labs/ol-bot-manager/internal/datafiles"
	"github.com/oremus-labs/ol-bot-manager/internal/events"
	"github.com/oremus-labs/ol-bot-manager/internal/lifecycle"
	"github.com/oremus-labs/ol-bot-manager/internal/logutil"
	"github.com/oremus-labs/ol-bot-manager/internal/metrics"
	"github.com/oremus-labs/ol-bot-manager/internal/runtime"
	"github.com/oremus-labs/ol-bot-manager/internal/store"
)

// Job types.
const (
	TypeRebuild    = "rebuild"
	TypeUpdateData = "update_data"
)

var (
	// ErrNotConfigured is returned when the manager has no store or lifecycle.
	ErrNotConfigured = errors.New("job manager not configured")
	// ErrInvalidRequest is returned for malformed job requests.
	ErrInvalidRequest = errors.New("invalid job request")
)

// Request describes an asynchronous lifecycle job.
type Request struct {
	Type     string `json:"type"`
	Filename string `json:"filename,omitempty"`
	Content  string `json:"content,omitempty"`
}

// Validate checks the request shape.
func (r Request) Validate() error {
	switch r.Type {
	case TypeRebuild:
		return nil
	case TypeUpdateData:
		if r.Filename == "" {
			return fmt.Errorf("%w: filename is required", ErrInvalidRequest)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown job type %q", ErrInvalidRequest, r.Type)
	}
}

// Lifecycle runs the container operations behind each job type.
type Lifecycle interface {
	UpdateData(ctx context.Context, name string, content []byte, hooks lifecycle.Hooks) (*lifecycle.UpdateResult, error)
	Rebuild(ctx context.Context, hooks lifecycle.Hooks) (*lifecycle.RebuildResult, error)
}

// Store persists jobs, job logs and history.
type Store interface {
	CreateJob(job *store.Job) error
	UpdateJob(job *store.Job) error
	GetJob(id string) (*store.Job, error)
	AppendJobLog(jobID string, entry store.JobLogEntry) error
	AppendHistory(entry *store.HistoryEntry) error
}

// Enqueuer hands jobs to an out-of-process worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID string, req Request) error
}

type eventPublisher interface {
	Publish(context.Context, events.Event) error
}

// Options configures the job manager.
type Options struct {
	Store          Store
	Lifecycle      Lifecycle
	EventPublisher eventPublisher
	// Queue, when set, receives jobs instead of running them in-process.
	Queue          Enqueuer
	MaxJobAttempts int
	// Timeout bounds one job attempt.
	Timeout time.Duration
}

// Manager coordinates asynchronous lifecycle work (rebuilds, data updates).
type Manager struct {
	store       Store
	lifecycle   Lifecycle
	events      eventPublisher
	queue       Enqueuer
	maxAttempts int
	timeout     time.Duration
	retryDelay  time.Duration
}

// New creates a job manager.
func New(opts Options) *Manager {
	if opts.MaxJobAttempts <= 0 {
		opts.MaxJobAttempts = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Minute
	}
	return &Manager{
		store:       opts.Store,
		lifecycle:   opts.Lifecycle,
		events:      opts.EventPublisher,
		queue:       opts.Queue,
		maxAttempts: opts.MaxJobAttempts,
		timeout:     opts.Timeout,
		retryDelay:  5 * time.Second,
	}
}

// Submit persists a job and either enqueues it for a worker or runs it in
// the background. A queue failure falls back to local execution.
func (m *Manager) Submit(ctx context.Context, req Request) (*store.Job, error) {
	job, err := m.CreateJob(req)
	if err != nil {
		return nil, err
	}
	if m.queue != nil {
		err := m.queue.Enqueue(ctx, job.ID, req)
		if err == nil {
			m.logJob(job, "info", "queued", "Job handed to worker queue")
			return job, nil
		}
		logutil.Warn("job_enqueue_failed", map[string]interface{}{"jobId": job.ID, "error": err.Error()})
	}
	// The background run mutates job; callers get their own copy.
	snapshot := *job
	m.ExecuteJob(job, req)
	return &snapshot, nil
}

// CreateJob persists a new pending job without executing it.
func (m *Manager) CreateJob(req Request) (*store.Job, error) {
	if m.store == nil || m.lifecycle == nil {
		return nil, ErrNotConfigured
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	payload := map[string]interface{}{}
	if req.Type == TypeUpdateData {
		payload["filename"] = req.Filename
		payload["sizeBytes"] = len(req.Content)
	}
	job := &store.Job{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Payload:     payload,
		Status:      store.JobPending,
		MaxAttempts: m.maxAttempts,
	}
	if err := m.store.CreateJob(job); err != nil {
		return nil, err
	}
	m.emitJobEvent(job)
	return job, nil
}

// ExecuteJob kicks off the job asynchronously.
func (m *Manager) ExecuteJob(job *store.Job, req Request) {
	go m.processJob(job, req)
}

// ProcessJob executes the job synchronously (used by workers).
func (m *Manager) ProcessJob(job *store.Job, req Request) {
	m.processJob(job, req)
}

// ProcessQueued loads a queued job and runs it synchronously. Jobs that
// already finished are skipped so redelivered messages are harmless.
func (m *Manager) ProcessQueued(jobID string, req Request) error {
	job, err := m.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status == store.JobDone || job.Status == store.JobFailed {
		logutil.Info("job_already_finished", map[string]interface{}{"jobId": jobID, "status": string(job.Status)})
		return nil
	}
	m.processJob(job, req)
	return nil
}

// GetJob loads a job by ID.
func (m *Manager) GetJob(id string) (*store.Job, error) {
	if m.store == nil {
		return nil, ErrNotConfigured
	}
	return m.store.GetJob(id)
}

func (m *Manager) processJob(job *store.Job, req Request) {
	start := time.Now()
	finalStatus := "failed"
	defer func() {
		metrics.ObserveJobCompletion(job.Type, finalStatus, time.Since(start))
	}()

	var (
		result map[string]interface{}
		err    error
	)
	for {
		job.Attempt++
		m.logJob(job, "info", "queued", fmt.Sprintf("Attempt %d/%d started", job.Attempt, job.MaxAttempts))
		m.updateJob(job, store.JobRunning, 0, "queued", fmt.Sprintf("Attempt %d/%d running", job.Attempt, job.MaxAttempts))

		result, err = m.runAttempt(job, req)
		if err == nil || job.Attempt >= job.MaxAttempts || !retryable(err) {
			break
		}
		m.logJob(job, "warn", "retrying", fmt.Sprintf("Attempt %d failed: %v", job.Attempt, err))
		time.Sleep(m.retryDelay)
	}

	if err != nil {
		job.Error = err.Error()
		if logs := failureLogs(err); logs != "" {
			job.Result = map[string]interface{}{"logs": logs}
		}
		m.appendHistory(job, job.Type+"_job_failed", map[string]interface{}{"jobId": job.ID, "error": err.Error()})
		m.logJob(job, "error", "failed", err.Error())
		m.updateJob(job, store.JobFailed, job.Progress, "failed", err.Error())
		logutil.Error("job_failed", err, map[string]interface{}{
			"jobId":   job.ID,
			"type":    job.Type,
			"attempt": job.Attempt,
		})
		return
	}
	finalStatus = "success"

	job.Error = ""
	job.Result = result
	m.appendHistory(job, job.Type+"_job_completed", map[string]interface{}{"jobId": job.ID})
	m.logJob(job, "info", "completed", "Job completed")
	m.updateJob(job, store.JobDone, 100, "completed", "Job completed")
	logutil.Info("job_completed", map[string]interface{}{
		"jobId":    job.ID,
		"type":     job.Type,
		"duration": time.Since(start).String(),
	})
}

func (m *Manager) runAttempt(job *store.Job, req Request) (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	hooks := lifecycle.Hooks{
		OnStage: func(stage, message string, progress int) {
			m.logJob(job, "info", stage, message)
			m.updateJob(job, store.JobRunning, progress, stage, message)
		},
		OnBuildLine: func(line string) {
			m.logJob(job, "info", lifecycle.StageBuilding, line)
		},
	}

	switch req.Type {
	case TypeUpdateData:
		res, err := m.lifecycle.UpdateData(ctx, req.Filename, []byte(req.Content), hooks)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"status": res.Status, "filename": res.Filename}, nil
	case TypeRebuild:
		res, err := m.lifecycle.Rebuild(ctx, hooks)
		if err != nil {
			return nil, err
		}
		result := map[string]interface{}{"status": res.Status}
		if res.FinalContainerStatus != nil {
			result["final_container_status"] = map[string]interface{}{"status": res.FinalContainerStatus.Status}
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unknown job type %q", req.Type)
	}
}

// retryable reports whether another attempt could succeed. Bad input and a
// missing daemon will not fix themselves between attempts.
func retryable(err error) bool {
	var verr *datafiles.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, datafiles.ErrInvalidName),
		errors.Is(err, runtime.ErrDaemonUnavailable),
		errors.Is(err, runtime.ErrImageNotFound):
		return false
	}
	return true
}

func failureLogs(err error) string {
	var (
		stateErr *runtime.StateError
		buildErr *runtime.BuildError
	)
	switch {
	case errors.As(err, &stateErr):
		return stateErr.Logs
	case errors.As(err, &buildErr):
		return buildErr.Logs
	}
	return ""
}

func (m *Manager) updateJob(job *store.Job, status store.JobStatus, progress int, stage, message string) {
	if status != "" {
		job.Status = status
	}
	if progress > 0 {
		if progress > 100 {
			progress = 100
		}
		job.Progress = progress
	}
	if stage != "" {
		job.Stage = stage
	}
	if message != "" {
		job.Message = message
	}
	if err := m.store.UpdateJob(job); err != nil {
		logutil.Warn("job_update_failed", map[string]interface{}{"jobId": job.ID, "error": err.Error()})
		return
	}
	m.emitJobEvent(job)
}

func (m *Manager) appendHistory(job *store.Job, event string, meta map[string]interface{}) {
	if m.store == nil {
		return
	}
	if err := m.store.AppendHistory(&store.HistoryEntry{
		Event:    event,
		Target:   job.Type,
		Metadata: meta,
	}); err != nil {
		logutil.Warn("history_append_failed", map[string]interface{}{"event": event, "error": err.Error()})
	}
}

func (m *Manager) emitJobEvent(job *store.Job) {
	if m.events == nil || job == nil {
		return
	}
	payload := *job
	timestamp := job.UpdatedAt
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.events.Publish(ctx, events.Event{
		Type:      events.TypeJobPrefix + string(job.Status),
		Timestamp: timestamp,
		Data:      payload,
	}); err != nil {
		logutil.Warn("job_event_publish_failed", map[string]interface{}{"jobId": job.ID, "error": err.Error()})
	}
}

func (m *Manager) logJob(job *store.Job, level, stage, message string) {
	if m.store == nil || job == nil {
		return
	}
	entry := store.JobLogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Stage:     stage,
		Message:   message,
	}
	if err := m.store.AppendJobLog(job.ID, entry); err != nil {
		logutil.Warn("job_log_append_failed", map[string]interface{}{"jobId": job.ID, "error": err.Error()})
		return
	}
	m.emitJobLogEvent(job.ID, entry)
}

func (m *Manager) emitJobLogEvent(jobID string, entry store.JobLogEntry) {
	if m.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.events.Publish(ctx, events.Event{
		ID:        fmt.Sprintf("%s-log-%d", jobID, entry.Timestamp.UnixNano()),
		Type:      events.TypeJobLog,
		Timestamp: entry.Timestamp,
		Data: map[string]interface{}{
			"jobId": jobID,
			"log":   entry,
		},
	}); err != nil {
		logutil.Warn("job_event_publish_failed", map[string]interface{}{"jobId": jobID, "error": err.Error()})
	}
}
