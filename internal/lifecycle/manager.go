// Package lifecycle serialises operations on the managed bot container and
// records what happened to history, events and metrics.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oremus-labs/ol-bot-manager/internal/datafiles"
	"github.com/oremus-labs/ol-bot-manager/internal/events"
	"github.com/oremus-labs/ol-bot-manager/internal/logutil"
	"github.com/oremus-labs/ol-bot-manager/internal/metrics"
	"github.com/oremus-labs/ol-bot-manager/internal/runtime"
	"github.com/oremus-labs/ol-bot-manager/internal/store"
)

// Result statuses produced by composite operations.
const (
	StatusDataUpdated = "data_updated_and_restarted"
	StatusRebuilt     = "rebuild_and_restart_successful"
)

// Stages reported through Hooks.OnStage.
const (
	StageValidating = "validating"
	StageStopping   = "stopping"
	StageWriting    = "writing"
	StageRestarting = "restarting"
	StageRemoving   = "removing"
	StageBuilding   = "building"
	StageStarting   = "starting"
)

// Controller is the container runtime used by the manager.
type Controller interface {
	Status(ctx context.Context) (*runtime.ContainerStatus, error)
	Start(ctx context.Context) (*runtime.Result, error)
	Stop(ctx context.Context) (*runtime.Result, error)
	Restart(ctx context.Context) (*runtime.Result, error)
	Remove(ctx context.Context) (*runtime.Result, error)
	Build(ctx context.Context, onLine func(string)) (string, error)
	Logs(ctx context.Context, tail int) (string, error)
	ContainerName() string
	Image() string
}

// DataFiles writes into the directory mounted into the container.
type DataFiles interface {
	Validate(name string, content []byte) (string, error)
	Write(name string, content []byte) (*datafiles.FileInfo, error)
}

// HistoryRecorder persists lifecycle actions.
type HistoryRecorder interface {
	AppendHistory(entry *store.HistoryEntry) error
}

// EventPublisher broadcasts lifecycle events.
type EventPublisher interface {
	Emit(ctx context.Context, eventType string, data interface{})
}

// Locker serialises lifecycle operations across processes sharing one
// daemon, such as the API server and queue workers.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// WriteError is returned when the data file could not be written. The
// container has been restarted regardless.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write to file: %v", e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// RemoveError is returned when the previous container could not be removed
// before a rebuild.
type RemoveError struct {
	Err error
}

func (e *RemoveError) Error() string {
	return fmt.Sprintf("error removing old container: %v", e.Err)
}

func (e *RemoveError) Unwrap() error { return e.Err }

// UpdateResult is returned by UpdateData.
type UpdateResult struct {
	Status   string `json:"status"`
	Filename string `json:"filename"`
}

// RebuildResult is returned by Rebuild.
type RebuildResult struct {
	Status               string          `json:"status"`
	FinalContainerStatus *runtime.Result `json:"final_container_status"`
	BuildLogs            string          `json:"build_logs"`
}

// Hooks receive progress from long running operations. Both are optional.
type Hooks struct {
	OnStage     func(stage, message string, progress int)
	OnBuildLine func(line string)
}

func (h Hooks) stage(stage, message string, progress int) {
	if h.OnStage != nil {
		h.OnStage(stage, message, progress)
	}
}

// Options configure the manager.
type Options struct {
	Controller Controller
	Files      DataFiles
	History    HistoryRecorder
	Events     EventPublisher
	// Lock is optional. Without it operations are serialised within this
	// process only.
	Lock Locker
}

// Manager runs one lifecycle operation at a time.
type Manager struct {
	ctrl    Controller
	files   DataFiles
	history HistoryRecorder
	events  EventPublisher
	lock    Locker

	mu sync.Mutex
}

// New creates a manager.
func New(opts Options) *Manager {
	return &Manager{
		ctrl:    opts.Controller,
		files:   opts.Files,
		history: opts.History,
		events:  opts.Events,
		lock:    opts.Lock,
	}
}

// acquire takes the process mutex and then the shared lock, if configured.
func (m *Manager) acquire(ctx context.Context) (func(), error) {
	m.mu.Lock()
	if m.lock == nil {
		return m.mu.Unlock, nil
	}
	release, err := m.lock.Acquire(ctx)
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("lifecycle lock: %w", err)
	}
	return func() {
		release()
		m.mu.Unlock()
	}, nil
}

// Status reports the container state without taking the lifecycle lock.
func (m *Manager) Status(ctx context.Context) (*runtime.ContainerStatus, error) {
	return m.ctrl.Status(ctx)
}

// Logs returns recent container output.
func (m *Manager) Logs(ctx context.Context, tail int) (string, error) {
	return m.ctrl.Logs(ctx, tail)
}

// Start starts the container, creating it if necessary.
func (m *Manager) Start(ctx context.Context) (*runtime.Result, error) {
	unlock, err := m.acquire(ctx)
	if err != nil {
		m.recordAction(ctx, "start", nil, err)
		return nil, err
	}
	defer unlock()
	res, err := m.ctrl.Start(ctx)
	m.recordAction(ctx, "start", res, err)
	return res, err
}

// Stop stops the container.
func (m *Manager) Stop(ctx context.Context) (*runtime.Result, error) {
	unlock, err := m.acquire(ctx)
	if err != nil {
		m.recordAction(ctx, "stop", nil, err)
		return nil, err
	}
	defer unlock()
	res, err := m.ctrl.Stop(ctx)
	m.recordAction(ctx, "stop", res, err)
	return res, err
}

// Restart restarts the container.
func (m *Manager) Restart(ctx context.Context) (*runtime.Result, error) {
	unlock, err := m.acquire(ctx)
	if err != nil {
		m.recordAction(ctx, "restart", nil, err)
		return nil, err
	}
	defer unlock()
	res, err := m.ctrl.Restart(ctx)
	m.recordAction(ctx, "restart", res, err)
	return res, err
}

// UpdateData stops the container, replaces a data file and restarts the
// container. Content is validated before the container is touched. When the
// write itself fails the container is restarted anyway and a *WriteError is
// returned.
func (m *Manager) UpdateData(ctx context.Context, name string, content []byte, hooks Hooks) (*UpdateResult, error) {
	unlock, err := m.acquire(ctx)
	if err != nil {
		m.recordAction(ctx, "update_data", nil, err)
		return nil, err
	}
	defer unlock()

	hooks.stage(StageValidating, "validating "+name, 5)
	rel, err := m.files.Validate(name, content)
	if err != nil {
		m.recordAction(ctx, "update_data", nil, err)
		return nil, err
	}

	logutil.Info("data_update_started", map[string]interface{}{"file": rel, "bytes": len(content)})
	hooks.stage(StageStopping, "stopping container", 20)
	if _, err := m.ctrl.Stop(ctx); err != nil {
		m.recordAction(ctx, "update_data", nil, err)
		return nil, err
	}

	hooks.stage(StageWriting, "writing "+rel, 50)
	info, writeErr := m.files.Write(rel, content)
	if writeErr != nil {
		logutil.Error("data_write_failed", writeErr, map[string]interface{}{"file": rel})
		hooks.stage(StageRestarting, "write failed, restarting container anyway", 80)
		if _, err := m.ctrl.Restart(ctx); err != nil {
			logutil.Error("restart_after_write_failure_failed", err, map[string]interface{}{"file": rel})
		}
		err := &WriteError{Err: writeErr}
		m.recordAction(ctx, "update_data", nil, err)
		return nil, err
	}

	hooks.stage(StageRestarting, "restarting container", 80)
	if _, err := m.ctrl.Restart(ctx); err != nil {
		m.recordAction(ctx, "update_data", nil, err)
		return nil, err
	}

	result := &UpdateResult{Status: StatusDataUpdated, Filename: rel}
	m.record(ctx, "data_updated", map[string]interface{}{"file": rel, "sizeBytes": info.SizeBytes})
	if m.events != nil {
		m.events.Emit(ctx, events.TypeDataUpdated, map[string]interface{}{"file": rel, "sizeBytes": info.SizeBytes})
	}
	metrics.RecordAction("update_data", StatusDataUpdated)
	logutil.Info("data_update_completed", map[string]interface{}{"file": rel})
	return result, nil
}

// Rebuild removes the old container, builds the image and starts a fresh
// container from it. A failed build returns *runtime.BuildError and leaves
// no container behind.
func (m *Manager) Rebuild(ctx context.Context, hooks Hooks) (*RebuildResult, error) {
	unlock, err := m.acquire(ctx)
	if err != nil {
		m.recordAction(ctx, "rebuild", nil, err)
		return nil, err
	}
	defer unlock()

	hooks.stage(StageRemoving, "removing old container", 5)
	if _, err := m.ctrl.Remove(ctx); err != nil {
		if !errors.Is(err, runtime.ErrDaemonUnavailable) {
			err = &RemoveError{Err: err}
		}
		m.recordAction(ctx, "rebuild", nil, err)
		return nil, err
	}

	hooks.stage(StageBuilding, "building image "+m.ctrl.Image(), 15)
	started := time.Now()
	logs, err := m.ctrl.Build(ctx, hooks.OnBuildLine)
	metrics.ObserveBuild(time.Since(started), err == nil)
	if m.events != nil {
		data := map[string]interface{}{"image": m.ctrl.Image(), "success": err == nil, "durationSeconds": time.Since(started).Seconds()}
		m.events.Emit(ctx, events.TypeImageBuild, data)
	}
	if err != nil {
		logutil.Error("image_build_failed", err, map[string]interface{}{"image": m.ctrl.Image()})
		m.recordAction(ctx, "rebuild", nil, err)
		return nil, err
	}

	hooks.stage(StageStarting, "starting container", 85)
	startRes, err := m.ctrl.Start(ctx)
	if err != nil {
		m.recordAction(ctx, "rebuild", nil, err)
		return nil, err
	}

	result := &RebuildResult{
		Status:               StatusRebuilt,
		FinalContainerStatus: startRes,
		BuildLogs:            logs,
	}
	m.recordAction(ctx, "rebuild", &runtime.Result{Status: StatusRebuilt}, nil)
	return result, nil
}

func (m *Manager) recordAction(ctx context.Context, action string, res *runtime.Result, err error) {
	status := ""
	if res != nil {
		status = res.Status
	}
	fields := map[string]interface{}{
		"action":    action,
		"container": m.ctrl.ContainerName(),
	}
	if err != nil {
		status = failureLabel(err)
		fields["error"] = err.Error()
		logutil.Warn("container_action_failed", fields)
	} else {
		logutil.Info("container_action", map[string]interface{}{"action": action, "container": m.ctrl.ContainerName(), "status": status})
	}
	fields["status"] = status
	metrics.RecordAction(action, status)

	event := "container_" + action
	if err != nil {
		event += "_failed"
	}
	m.record(ctx, event, fields)
	if m.events != nil {
		m.events.Emit(ctx, events.TypeContainerAction, fields)
	}
}

func (m *Manager) record(ctx context.Context, event string, metadata map[string]interface{}) {
	if m.history == nil {
		return
	}
	entry := &store.HistoryEntry{Event: event, Target: m.ctrl.ContainerName(), Metadata: metadata}
	if err := m.history.AppendHistory(entry); err != nil {
		logutil.Warn("history_append_failed", map[string]interface{}{"event": event, "error": err.Error()})
	}
}

// failureLabel maps an error to a low cardinality metric label.
func failureLabel(err error) string {
	var (
		stateErr *runtime.StateError
		buildErr *runtime.BuildError
		writeErr *WriteError
		verr     *datafiles.ValidationError
	)
	switch {
	case errors.As(err, &stateErr):
		return stateErr.Status
	case errors.As(err, &buildErr):
		return "build_failed"
	case errors.As(err, &writeErr):
		return "write_failed"
	case errors.As(err, &verr), errors.Is(err, datafiles.ErrInvalidName):
		return "invalid_data"
	case errors.Is(err, runtime.ErrDaemonUnavailable):
		return "daemon_unavailable"
	case errors.Is(err, runtime.ErrContainerNotFound):
		return "container_not_found"
	case errors.Is(err, runtime.ErrImageNotFound):
		return "image_not_found"
	case errors.Is(err, runtime.ErrTimeout):
		return "timeout"
	case errors.Is(err, runtime.ErrInvalidState):
		return "invalid_state"
	default:
		return "error"
	}
}
