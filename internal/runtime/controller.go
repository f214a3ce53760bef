// Package runtime drives the lifecycle of the managed bot container through
// the Docker Engine API.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/oremus-labs/ol-bot-manager/internal/logutil"
)

// Container states reported by the daemon plus the synthetic not_found.
const (
	StateCreated    = "created"
	StateRunning    = "running"
	StatePaused     = "paused"
	StateRestarting = "restarting"
	StateRemoving   = "removing"
	StateExited     = "exited"
	StateDead       = "dead"
	StateNotFound   = "not_found"
)

// Action results returned to API callers.
const (
	ResultAlreadyRunning     = "already_running"
	ResultStartedAndRunning  = "started_and_running"
	ResultUnpausedRunning    = "unpaused_and_running"
	ResultAlreadyStopped     = "already_stopped"
	ResultStoppedAndVerified = "stopped_and_verified"
	ResultStopNotFound       = "not_found_or_already_stopped"
	ResultRestartedRunning   = "restarted_and_running"
	ResultRemoved            = "removed"
	ResultRemoveNotFound     = "not_found"

	failedToStart   = "container_failed_to_start"
	failedOnRestart = "container_failed_on_restart"
)

// Options configures the managed container.
type Options struct {
	ContainerName     string
	Image             string
	DataHostPath      string
	DataContainerPath string
	Env               []string
	BuildContext      string
	Dockerfile        string
	PollInterval      time.Duration
	PollAttempts      int
	StopTimeout       time.Duration
	LogTail           int
}

// ContainerStatus describes the managed container as seen by the daemon.
type ContainerStatus struct {
	ContainerName string     `json:"container_name"`
	Status        string     `json:"status"`
	ID            string     `json:"id,omitempty"`
	Image         string     `json:"image,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	ExitCode      int        `json:"exit_code,omitempty"`
}

// Result is the outcome of a lifecycle action.
type Result struct {
	Status string `json:"status"`
}

// Controller manages one named container.
type Controller struct {
	engine Engine
	opts   Options
}

// New creates a controller. A nil engine yields ErrDaemonUnavailable from
// every operation.
func New(engine Engine, opts Options) *Controller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 10
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.LogTail <= 0 {
		opts.LogTail = 200
	}
	if opts.Dockerfile == "" {
		opts.Dockerfile = "Dockerfile"
	}
	if opts.DataContainerPath == "" {
		opts.DataContainerPath = "/app/data"
	}
	return &Controller{engine: engine, opts: opts}
}

// Available reports whether a daemon connection was established.
func (c *Controller) Available() bool {
	return c != nil && c.engine != nil
}

// ContainerName returns the managed container name.
func (c *Controller) ContainerName() string {
	return c.opts.ContainerName
}

// Image returns the image tag containers are created from.
func (c *Controller) Image() string {
	return c.opts.Image
}

// Status inspects the container. A missing container is reported with
// Status "not_found" rather than an error.
func (c *Controller) Status(ctx context.Context) (*ContainerStatus, error) {
	if !c.Available() {
		return nil, ErrDaemonUnavailable
	}
	info, err := c.engine.ContainerInspect(ctx, c.opts.ContainerName)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return &ContainerStatus{ContainerName: c.opts.ContainerName, Status: StateNotFound}, nil
		}
		return nil, fmt.Errorf("inspect container: %w", err)
	}
	return toStatus(c.opts.ContainerName, info), nil
}

// Start creates the container if needed and waits for it to be running. A
// paused container is unpaused; one being removed is refused.
func (c *Controller) Start(ctx context.Context) (*Result, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	switch st.Status {
	case StateRunning:
		return &Result{Status: ResultAlreadyRunning}, nil
	case StatePaused:
		if err := c.engine.ContainerUnpause(ctx, c.opts.ContainerName); err != nil {
			return nil, fmt.Errorf("unpause container: %w", err)
		}
		if err := c.waitRunning(ctx, "start", failedToStart); err != nil {
			return nil, err
		}
		return &Result{Status: ResultUnpausedRunning}, nil
	case StateRestarting:
		// The daemon is already bringing it back; starting would be rejected.
		if err := c.waitRunning(ctx, "start", failedToStart); err != nil {
			return nil, err
		}
		return &Result{Status: ResultStartedAndRunning}, nil
	case StateRemoving:
		return nil, &InvalidStateError{Op: "start", State: st.Status}
	case StateNotFound:
		if err := c.create(ctx); err != nil {
			return nil, err
		}
	}

	logutil.Info("container_starting", map[string]interface{}{
		"container": c.opts.ContainerName,
		"image":     c.opts.Image,
	})
	if err := c.engine.ContainerStart(ctx, c.opts.ContainerName, container.StartOptions{}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, ErrContainerNotFound
		}
		return nil, fmt.Errorf("start container: %w", err)
	}

	if err := c.waitRunning(ctx, "start", failedToStart); err != nil {
		return nil, err
	}
	return &Result{Status: ResultStartedAndRunning}, nil
}

// Stop stops the container and waits until the daemon reports it exited.
func (c *Controller) Stop(ctx context.Context) (*Result, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	switch st.Status {
	case StateNotFound:
		return &Result{Status: ResultStopNotFound}, nil
	case StateExited, StateCreated:
		return &Result{Status: ResultAlreadyStopped}, nil
	}

	if err := c.engine.ContainerStop(ctx, c.opts.ContainerName, c.stopOptions()); err != nil {
		if cerrdefs.IsNotFound(err) {
			return &Result{Status: ResultStopNotFound}, nil
		}
		return nil, fmt.Errorf("stop container: %w", err)
	}

	_, err = backoff.Retry(ctx, func() (string, error) {
		state, err := c.state(ctx)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		if state == StateExited || state == StateDead || state == StateNotFound {
			return state, nil
		}
		return state, errNotSettled
	}, c.retryOptions()...)
	if err != nil {
		if errors.Is(err, errNotSettled) {
			return nil, &TimeoutError{Op: "stop"}
		}
		return nil, err
	}
	return &Result{Status: ResultStoppedAndVerified}, nil
}

// Restart restarts an existing container and waits for it to run again.
func (c *Controller) Restart(ctx context.Context) (*Result, error) {
	if !c.Available() {
		return nil, ErrDaemonUnavailable
	}
	if err := c.engine.ContainerRestart(ctx, c.opts.ContainerName, c.stopOptions()); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, ErrContainerNotFound
		}
		return nil, fmt.Errorf("restart container: %w", err)
	}
	if err := c.waitRunning(ctx, "restart", failedOnRestart); err != nil {
		return nil, err
	}
	return &Result{Status: ResultRestartedRunning}, nil
}

// Remove stops and deletes the container. A missing container is not an error.
func (c *Controller) Remove(ctx context.Context) (*Result, error) {
	if !c.Available() {
		return nil, ErrDaemonUnavailable
	}
	if err := c.engine.ContainerStop(ctx, c.opts.ContainerName, c.stopOptions()); err != nil {
		if cerrdefs.IsNotFound(err) {
			return &Result{Status: ResultRemoveNotFound}, nil
		}
		return nil, fmt.Errorf("stop container: %w", err)
	}
	if err := c.engine.ContainerRemove(ctx, c.opts.ContainerName, container.RemoveOptions{}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return &Result{Status: ResultRemoveNotFound}, nil
		}
		return nil, fmt.Errorf("remove container: %w", err)
	}
	return &Result{Status: ResultRemoved}, nil
}

// Logs returns the last tail lines of combined stdout/stderr.
func (c *Controller) Logs(ctx context.Context, tail int) (string, error) {
	if !c.Available() {
		return "", ErrDaemonUnavailable
	}
	if tail <= 0 {
		tail = c.opts.LogTail
	}
	rc, err := c.engine.ContainerLogs(ctx, c.opts.ContainerName, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", ErrContainerNotFound
		}
		return "", fmt.Errorf("container logs: %w", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return buf.String(), fmt.Errorf("read container logs: %w", err)
	}
	return buf.String(), nil
}

// Build builds the image from the configured context and tags it. Each
// non-empty output line is passed to onLine (may be nil) and accumulated in
// the returned log.
func (c *Controller) Build(ctx context.Context, onLine func(string)) (string, error) {
	if !c.Available() {
		return "", ErrDaemonUnavailable
	}
	tarball, err := TarContext(c.opts.BuildContext, c.opts.Dockerfile)
	if err != nil {
		return "", fmt.Errorf("prepare build context: %w", err)
	}
	defer tarball.Close()

	logutil.Info("image_build_started", map[string]interface{}{
		"image":   c.opts.Image,
		"context": c.opts.BuildContext,
	})
	resp, err := c.engine.ImageBuild(ctx, tarball, build.ImageBuildOptions{
		Tags:       []string{c.opts.Image},
		Dockerfile: c.opts.Dockerfile,
		Remove:     true,
	})
	if err != nil {
		return "", fmt.Errorf("image build: %w", err)
	}
	defer resp.Body.Close()

	return readBuildOutput(resp.Body, onLine)
}

var errNotSettled = errors.New("container state not settled")

func readBuildOutput(r io.Reader, onLine func(string)) (string, error) {
	var logs strings.Builder
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if err == io.EOF {
				return logs.String(), nil
			}
			return logs.String(), fmt.Errorf("decode build output: %w", err)
		}
		if msg.Error != nil {
			return logs.String(), &BuildError{Message: msg.Error.Message, Logs: logs.String()}
		}
		if msg.Stream == "" {
			continue
		}
		line := strings.TrimSpace(msg.Stream)
		if line == "" {
			continue
		}
		logs.WriteString(line)
		logs.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
	}
}

func (c *Controller) create(ctx context.Context) error {
	hostConfig := &container.HostConfig{}
	if c.opts.DataHostPath != "" {
		hostConfig.Binds = []string{c.opts.DataHostPath + ":" + c.opts.DataContainerPath + ":rw"}
	}
	_, err := c.engine.ContainerCreate(ctx, &container.Config{
		Image: c.opts.Image,
		Env:   c.opts.Env,
	}, hostConfig, nil, nil, c.opts.ContainerName)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return &ImageNotFoundError{Image: c.opts.Image}
		}
		return fmt.Errorf("create container: %w", err)
	}
	logutil.Info("container_created", map[string]interface{}{
		"container": c.opts.ContainerName,
		"image":     c.opts.Image,
		"dataPath":  c.opts.DataHostPath,
	})
	return nil
}

// waitRunning polls until the container runs. The first check happens one
// interval after the action so a crash on boot is observed.
func (c *Controller) waitRunning(ctx context.Context, op, failStatus string) error {
	if err := sleepCtx(ctx, c.opts.PollInterval); err != nil {
		return err
	}
	state, err := backoff.Retry(ctx, func() (string, error) {
		state, err := c.state(ctx)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		switch state {
		case StateRunning:
			return state, nil
		case StateExited, StateDead:
			return state, backoff.Permanent(errExitedEarly)
		}
		return state, errNotSettled
	}, c.retryOptions()...)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errExitedEarly):
		if state == "" {
			state = StateExited
		}
		logs, _ := c.Logs(ctx, 0)
		return &StateError{Status: failStatus, State: state, Logs: logs}
	case errors.Is(err, errNotSettled):
		return &TimeoutError{Op: op}
	default:
		return err
	}
}

var errExitedEarly = errors.New("container exited")

func (c *Controller) state(ctx context.Context) (string, error) {
	st, err := c.Status(ctx)
	if err != nil {
		return "", err
	}
	return st.Status, nil
}

func (c *Controller) retryOptions() []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(c.opts.PollInterval)),
		backoff.WithMaxTries(uint(c.opts.PollAttempts)),
		backoff.WithMaxElapsedTime(0),
	}
}

func (c *Controller) stopOptions() container.StopOptions {
	seconds := int(c.opts.StopTimeout / time.Second)
	return container.StopOptions{Timeout: &seconds}
}

func toStatus(name string, info container.InspectResponse) *ContainerStatus {
	st := &ContainerStatus{ContainerName: name, Status: StateNotFound}
	if info.ContainerJSONBase == nil {
		return st
	}
	st.ID = info.ID
	if info.Config != nil {
		st.Image = info.Config.Image
	}
	if info.State != nil {
		st.Status = info.State.Status
		st.ExitCode = info.State.ExitCode
		if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil && !started.IsZero() && started.Year() > 1 {
			st.StartedAt = &started
		}
	}
	return st
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
