package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu sync.Mutex

	state        string
	afterStart   string
	afterStop    string
	logs         string
	buildOutput  string
	createErr    error
	buildContext []byte

	createCalls  int
	startCalls   int
	unpauseCalls int
	stopCalls    int
	removeCalls  int
	lastConfig   *container.Config
	lastHost     *container.HostConfig
	lastBuildOpt build.ImageBuildOptions
}

func notFound(what string) error {
	return fmt.Errorf("no such %s: %w", what, cerrdefs.ErrNotFound)
}

func (f *fakeEngine) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == "" {
		return container.InspectResponse{}, notFound("container")
	}
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:    "abc123",
			State: &container.State{Status: f.state, StartedAt: "2024-01-02T03:04:05Z"},
		},
		Config: &container.Config{Image: "trading-bot"},
	}, nil
}

func (f *fakeEngine) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	f.lastConfig = cfg
	f.lastHost = host
	f.state = StateCreated
	return container.CreateResponse{ID: "abc123"}, nil
}

func (f *fakeEngine) ContainerStart(ctx context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.state == "" {
		return notFound("container")
	}
	f.state = orDefault(f.afterStart, StateRunning)
	return nil
}

func (f *fakeEngine) ContainerStop(ctx context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	if f.state == "" {
		return notFound("container")
	}
	f.state = orDefault(f.afterStop, StateExited)
	return nil
}

func (f *fakeEngine) ContainerRestart(ctx context.Context, id string, _ container.StopOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == "" {
		return notFound("container")
	}
	f.state = orDefault(f.afterStart, StateRunning)
	return nil
}

func (f *fakeEngine) ContainerUnpause(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unpauseCalls++
	if f.state != StatePaused {
		return fmt.Errorf("container %s is not paused", id)
	}
	f.state = StateRunning
	return nil
}

func (f *fakeEngine) ContainerRemove(ctx context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	if f.state == "" {
		return notFound("container")
	}
	f.state = ""
	return nil
}

func (f *fakeEngine) ContainerLogs(ctx context.Context, id string, _ container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	w := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	if _, err := w.Write([]byte(f.logs)); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (f *fakeEngine) ImageBuild(ctx context.Context, body io.Reader, opts build.ImageBuildOptions) (build.ImageBuildResponse, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return build.ImageBuildResponse{}, err
	}
	f.mu.Lock()
	f.buildContext = data
	f.lastBuildOpt = opts
	f.mu.Unlock()
	return build.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(f.buildOutput))}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func newTestController(engine Engine) *Controller {
	return New(engine, Options{
		ContainerName: "bot",
		Image:         "trading-bot",
		DataHostPath:  "/srv/data",
		Env:           []string{"APPKEY=k"},
		PollInterval:  time.Millisecond,
		PollAttempts:  3,
	})
}

func TestStartAlreadyRunning(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{state: StateRunning}
	res, err := newTestController(engine).Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultAlreadyRunning, res.Status)
	require.Zero(t, engine.createCalls)
	require.Zero(t, engine.startCalls)
}

func TestStartCreatesMissingContainer(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	res, err := newTestController(engine).Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultStartedAndRunning, res.Status)
	require.Equal(t, 1, engine.createCalls)
	require.Equal(t, "trading-bot", engine.lastConfig.Image)
	require.Equal(t, []string{"APPKEY=k"}, engine.lastConfig.Env)
	require.Equal(t, []string{"/srv/data:/app/data:rw"}, engine.lastHost.Binds)
}

func TestStartExistingStoppedContainerDoesNotRecreate(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{state: StateExited}
	res, err := newTestController(engine).Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultStartedAndRunning, res.Status)
	require.Zero(t, engine.createCalls)
	require.Equal(t, 1, engine.startCalls)
}

func TestStartReportsLogsWhenContainerDies(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{state: StateExited, afterStart: StateExited, logs: "Traceback: boom\n"}
	_, err := newTestController(engine).Start(context.Background())

	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, "container_failed_to_start", stateErr.Status)
	require.Equal(t, StateExited, stateErr.State)
	require.Contains(t, stateErr.Logs, "Traceback: boom")
}

func TestStartUnpausesPausedContainer(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{state: StatePaused}
	res, err := newTestController(engine).Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultUnpausedRunning, res.Status)
	require.Equal(t, 1, engine.unpauseCalls)
	require.Zero(t, engine.startCalls)
}

func TestStartWaitsForRestartingContainer(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{state: StateRestarting}
	_, err := newTestController(engine).Start(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.Zero(t, engine.startCalls)
}

func TestStartRefusesContainerBeingRemoved(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{state: StateRemoving}
	_, err := newTestController(engine).Start(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)

	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, StateRemoving, stateErr.State)
	require.Zero(t, engine.startCalls)
	require.Zero(t, engine.createCalls)
}

func TestStartTimesOut(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{afterStart: "restarting"}
	_, err := newTestController(engine).Start(context.Background())
	require.ErrorIs(t, err, ErrTimeout)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, "start", timeoutErr.Op)
}

func TestStartMissingImage(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{createErr: notFound("image")}
	_, err := newTestController(engine).Start(context.Background())
	require.ErrorIs(t, err, ErrImageNotFound)
	require.Zero(t, engine.startCalls)
}

func TestStopStates(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		state string
		want  string
	}{
		{"missing", "", ResultStopNotFound},
		{"exited", StateExited, ResultAlreadyStopped},
		{"running", StateRunning, ResultStoppedAndVerified},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			engine := &fakeEngine{state: tc.state}
			res, err := newTestController(engine).Stop(context.Background())
			require.NoError(t, err)
			require.Equal(t, tc.want, res.Status)
		})
	}
}

func TestStopTimesOut(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{state: StateRunning, afterStop: StateRunning}
	_, err := newTestController(engine).Stop(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRestartMissingContainer(t *testing.T) {
	t.Parallel()

	_, err := newTestController(&fakeEngine{}).Restart(context.Background())
	require.ErrorIs(t, err, ErrContainerNotFound)
}

func TestRestartFailure(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{state: StateRunning, afterStart: StateDead, logs: "fatal\n"}
	_, err := newTestController(engine).Restart(context.Background())

	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, "container_failed_on_restart", stateErr.Status)
}

func TestRemoveIgnoresMissingContainer(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	res, err := newTestController(engine).Remove(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultRemoveNotFound, res.Status)

	engine = &fakeEngine{state: StateRunning}
	res, err = newTestController(engine).Remove(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultRemoved, res.Status)
	require.Equal(t, 1, engine.removeCalls)
}

func TestDaemonUnavailable(t *testing.T) {
	t.Parallel()

	c := newTestController(nil)
	require.False(t, c.Available())

	_, err := c.Status(context.Background())
	require.ErrorIs(t, err, ErrDaemonUnavailable)
	_, err = c.Start(context.Background())
	require.ErrorIs(t, err, ErrDaemonUnavailable)
	_, err = c.Build(context.Background(), nil)
	require.ErrorIs(t, err, ErrDaemonUnavailable)
}

func TestStatusReportsState(t *testing.T) {
	t.Parallel()

	st, err := newTestController(&fakeEngine{state: StateRunning}).Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, "bot", st.ContainerName)
	require.Equal(t, StateRunning, st.Status)
	require.Equal(t, "trading-bot", st.Image)
	require.NotNil(t, st.StartedAt)

	st, err = newTestController(&fakeEngine{}).Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateNotFound, st.Status)
}

func TestLogsDemultiplexes(t *testing.T) {
	t.Parallel()

	out, err := newTestController(&fakeEngine{state: StateRunning, logs: "hello\nworld\n"}).Logs(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, "hello\nworld\n", out)
}

func TestBuildCollectsStreamLines(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{buildOutput: `{"stream":"Step 1/2 : FROM golang\n"}
{"stream":"\n"}
{"status":"Pulling fs layer"}
{"stream":"Successfully tagged trading-bot:latest\n"}
`}
	c := newTestController(engine)
	c.opts.BuildContext = writeContext(t, map[string]string{"Dockerfile": "FROM scratch\n"})

	var lines []string
	logs, err := c.Build(context.Background(), func(line string) { lines = append(lines, line) })
	require.NoError(t, err)
	require.Equal(t, []string{"Step 1/2 : FROM golang", "Successfully tagged trading-bot:latest"}, lines)
	require.Equal(t, "Step 1/2 : FROM golang\nSuccessfully tagged trading-bot:latest\n", logs)
	require.Equal(t, []string{"trading-bot"}, engine.lastBuildOpt.Tags)
	require.True(t, engine.lastBuildOpt.Remove)
	require.NotEmpty(t, engine.buildContext)
}

func TestBuildReportsDaemonError(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{buildOutput: `{"stream":"Step 1/3 : RUN pip install -r requirements.txt\n"}
{"errorDetail":{"code":1,"message":"returned a non-zero code: 1"},"error":"returned a non-zero code: 1"}
`}
	c := newTestController(engine)
	c.opts.BuildContext = writeContext(t, map[string]string{"Dockerfile": "FROM scratch\n"})

	_, err := c.Build(context.Background(), nil)
	var buildErr *BuildError
	require.True(t, errors.As(err, &buildErr))
	require.Equal(t, "returned a non-zero code: 1", buildErr.Message)
	require.Contains(t, buildErr.Logs, "pip install")
}
