package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oremus-labs/ol-bot-manager/internal/datafiles"
	"github.com/oremus-labs/ol-bot-manager/internal/runtime"
	"github.com/oremus-labs/ol-bot-manager/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	mu    sync.Mutex
	calls []string

	stopErr    error
	restartErr error
	removeErr  error
	buildErr   error
	startErr   error
	buildLines []string
}

func (f *fakeController) call(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeController) Status(ctx context.Context) (*runtime.ContainerStatus, error) {
	return &runtime.ContainerStatus{ContainerName: "bot", Status: runtime.StateRunning}, nil
}

func (f *fakeController) Start(ctx context.Context) (*runtime.Result, error) {
	f.call("start")
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &runtime.Result{Status: runtime.ResultStartedAndRunning}, nil
}

func (f *fakeController) Stop(ctx context.Context) (*runtime.Result, error) {
	f.call("stop")
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	return &runtime.Result{Status: runtime.ResultStoppedAndVerified}, nil
}

func (f *fakeController) Restart(ctx context.Context) (*runtime.Result, error) {
	f.call("restart")
	if f.restartErr != nil {
		return nil, f.restartErr
	}
	return &runtime.Result{Status: runtime.ResultRestartedRunning}, nil
}

func (f *fakeController) Remove(ctx context.Context) (*runtime.Result, error) {
	f.call("remove")
	if f.removeErr != nil {
		return nil, f.removeErr
	}
	return &runtime.Result{Status: runtime.ResultRemoved}, nil
}

func (f *fakeController) Build(ctx context.Context, onLine func(string)) (string, error) {
	f.call("build")
	logs := ""
	for _, line := range f.buildLines {
		if onLine != nil {
			onLine(line)
		}
		logs += line + "\n"
	}
	if f.buildErr != nil {
		return logs, f.buildErr
	}
	return logs, nil
}

func (f *fakeController) Logs(ctx context.Context, tail int) (string, error) {
	return "", nil
}

func (f *fakeController) ContainerName() string { return "bot" }
func (f *fakeController) Image() string         { return "trading-bot" }

type failingFiles struct {
	*datafiles.Manager
}

func (f failingFiles) Write(name string, content []byte) (*datafiles.FileInfo, error) {
	return nil, errors.New("disk full")
}

type memHistory struct {
	mu      sync.Mutex
	entries []store.HistoryEntry
}

func (h *memHistory) AppendHistory(entry *store.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, *entry)
	return nil
}

func (h *memHistory) events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.entries))
	for _, e := range h.entries {
		out = append(out, e.Event)
	}
	return out
}

type memEvents struct {
	mu    sync.Mutex
	types []string
}

func (e *memEvents) Emit(ctx context.Context, eventType string, data interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, eventType)
}

func newFiles(t *testing.T) *datafiles.Manager {
	t.Helper()
	files, err := datafiles.New(datafiles.Options{Root: t.TempDir(), DSLFilename: "dsl.txt"})
	require.NoError(t, err)
	return files
}

func TestUpdateDataStopsWritesRestarts(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	files := newFiles(t)
	history := &memHistory{}
	evts := &memEvents{}
	m := New(Options{Controller: ctrl, Files: files, History: history, Events: evts})

	var stages []string
	res, err := m.UpdateData(context.Background(), "dsl.txt", []byte(`{"symbol":"BTC"}`), Hooks{
		OnStage: func(stage, message string, progress int) { stages = append(stages, stage) },
	})
	require.NoError(t, err)
	require.Equal(t, &UpdateResult{Status: StatusDataUpdated, Filename: "dsl.txt"}, res)
	require.Equal(t, []string{"stop", "restart"}, ctrl.calls)
	require.Equal(t, []string{StageValidating, StageStopping, StageWriting, StageRestarting}, stages)

	data, err := os.ReadFile(filepath.Join(files.Root(), "dsl.txt"))
	require.NoError(t, err)
	require.Equal(t, `{"symbol":"BTC"}`, string(data))
	require.Equal(t, []string{"data_updated"}, history.events())
	require.Contains(t, evts.types, "data.updated")
}

func TestUpdateDataRejectsInvalidContentWithoutTouchingContainer(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	m := New(Options{Controller: ctrl, Files: newFiles(t)})

	_, err := m.UpdateData(context.Background(), "dsl.txt", []byte("{oops"), Hooks{})
	var verr *datafiles.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Empty(t, ctrl.calls)

	_, err = m.UpdateData(context.Background(), "../../etc/passwd", []byte("x"), Hooks{})
	require.ErrorIs(t, err, datafiles.ErrInvalidName)
	require.Empty(t, ctrl.calls)
}

func TestUpdateDataRestartsEvenWhenWriteFails(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	files := newFiles(t)
	require.NoError(t, os.WriteFile(filepath.Join(files.Root(), "dsl.txt"), []byte(`{"v":1}`), 0o644))
	history := &memHistory{}
	m := New(Options{Controller: ctrl, Files: failingFiles{files}, History: history})

	_, err := m.UpdateData(context.Background(), "dsl.txt", []byte(`{"v":2}`), Hooks{})
	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	require.Contains(t, err.Error(), "disk full")
	require.Equal(t, []string{"stop", "restart"}, ctrl.calls)

	data, err := os.ReadFile(filepath.Join(files.Root(), "dsl.txt"))
	require.NoError(t, err)
	require.Equal(t, `{"v":1}`, string(data))
	require.Equal(t, []string{"container_update_data_failed"}, history.events())
}

func TestUpdateDataPropagatesRestartFailure(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{restartErr: runtime.ErrContainerNotFound}
	m := New(Options{Controller: ctrl, Files: newFiles(t)})

	_, err := m.UpdateData(context.Background(), "dsl.txt", []byte(`{}`), Hooks{})
	require.ErrorIs(t, err, runtime.ErrContainerNotFound)
}

func TestRebuildRemovesBuildsStarts(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{buildLines: []string{"Step 1/2 : FROM golang", "Successfully tagged trading-bot:latest"}}
	m := New(Options{Controller: ctrl, Files: newFiles(t)})

	var lines []string
	res, err := m.Rebuild(context.Background(), Hooks{OnBuildLine: func(line string) { lines = append(lines, line) }})
	require.NoError(t, err)
	require.Equal(t, []string{"remove", "build", "start"}, ctrl.calls)
	require.Equal(t, StatusRebuilt, res.Status)
	require.Equal(t, runtime.ResultStartedAndRunning, res.FinalContainerStatus.Status)
	require.Equal(t, "Step 1/2 : FROM golang\nSuccessfully tagged trading-bot:latest\n", res.BuildLogs)
	require.Len(t, lines, 2)
}

func TestRebuildBuildFailureDoesNotStart(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{buildErr: &runtime.BuildError{Message: "exit 1", Logs: "Step 1/2\n"}}
	history := &memHistory{}
	m := New(Options{Controller: ctrl, Files: newFiles(t), History: history})

	_, err := m.Rebuild(context.Background(), Hooks{})
	var buildErr *runtime.BuildError
	require.ErrorAs(t, err, &buildErr)
	require.Equal(t, []string{"remove", "build"}, ctrl.calls)
	require.Equal(t, []string{"container_rebuild_failed"}, history.events())
}

func TestRebuildWrapsRemoveFailure(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{removeErr: errors.New("device busy")}
	m := New(Options{Controller: ctrl, Files: newFiles(t)})

	_, err := m.Rebuild(context.Background(), Hooks{})
	var removeErr *RemoveError
	require.ErrorAs(t, err, &removeErr)
	require.Equal(t, []string{"remove"}, ctrl.calls)

	ctrl = &fakeController{removeErr: runtime.ErrDaemonUnavailable}
	m = New(Options{Controller: ctrl, Files: newFiles(t)})
	_, err = m.Rebuild(context.Background(), Hooks{})
	require.ErrorIs(t, err, runtime.ErrDaemonUnavailable)
	require.False(t, errors.As(err, &removeErr))
}

func TestActionsRecordHistory(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{stopErr: &runtime.TimeoutError{Op: "stop"}}
	history := &memHistory{}
	m := New(Options{Controller: ctrl, Files: newFiles(t), History: history})

	_, err := m.Start(context.Background())
	require.NoError(t, err)
	_, err = m.Stop(context.Background())
	require.ErrorIs(t, err, runtime.ErrTimeout)
	_, err = m.Restart(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"container_start", "container_stop_failed", "container_restart"}, history.events())
	require.Equal(t, "timeout", history.entries[1].Metadata["status"])
}

func TestOperationsAreSerialised(t *testing.T) {
	t.Parallel()

	ctrl := &blockingController{fakeController: &fakeController{}, release: make(chan struct{}), entered: make(chan struct{}, 2)}
	m := New(Options{Controller: ctrl, Files: newFiles(t)})

	done := make(chan struct{})
	go func() {
		_, _ = m.Start(context.Background())
		close(done)
	}()
	<-ctrl.entered

	second := make(chan struct{})
	go func() {
		_, _ = m.Stop(context.Background())
		close(second)
	}()

	select {
	case <-ctrl.entered:
		t.Fatal("stop ran while start held the lock")
	default:
	}
	close(ctrl.release)
	<-done
	<-second
	require.Equal(t, []string{"start", "stop"}, ctrl.calls)
}

type blockingController struct {
	*fakeController
	release chan struct{}
	entered chan struct{}
}

func (b *blockingController) Start(ctx context.Context) (*runtime.Result, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.fakeController.Start(ctx)
}

func (b *blockingController) Stop(ctx context.Context) (*runtime.Result, error) {
	b.entered <- struct{}{}
	return b.fakeController.Stop(ctx)
}

// processLock stands in for the Redis lock shared by server and worker.
type processLock struct {
	mu  sync.Mutex
	err error
}

func (l *processLock) Acquire(ctx context.Context) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	return l.mu.Unlock, nil
}

type buildBlockingController struct {
	*fakeController
	release chan struct{}
	entered chan struct{}
}

func (b *buildBlockingController) Build(ctx context.Context, onLine func(string)) (string, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.fakeController.Build(ctx, onLine)
}

func (f *fakeController) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestSharedLockSerialisesAcrossManagers(t *testing.T) {
	t.Parallel()

	ctrl := &buildBlockingController{fakeController: &fakeController{}, release: make(chan struct{}), entered: make(chan struct{}, 1)}
	lock := &processLock{}
	worker := New(Options{Controller: ctrl, Files: newFiles(t), Lock: lock})
	server := New(Options{Controller: ctrl, Files: newFiles(t), Lock: lock})

	rebuilt := make(chan error, 1)
	go func() {
		_, err := worker.Rebuild(context.Background(), Hooks{})
		rebuilt <- err
	}()
	<-ctrl.entered

	started := make(chan error, 1)
	go func() {
		_, err := server.Start(context.Background())
		started <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, []string{"remove"}, ctrl.snapshot())

	close(ctrl.release)
	require.NoError(t, <-rebuilt)
	require.NoError(t, <-started)
	require.Equal(t, []string{"remove", "build", "start", "start"}, ctrl.snapshot())
}

func TestLockFailureLeavesContainerAlone(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	history := &memHistory{}
	m := New(Options{Controller: ctrl, Files: newFiles(t), History: history, Lock: &processLock{err: errors.New("redis down")}})

	_, err := m.Start(context.Background())
	require.ErrorContains(t, err, "redis down")
	_, err = m.Rebuild(context.Background(), Hooks{})
	require.Error(t, err)
	require.Empty(t, ctrl.calls)
	require.Equal(t, []string{"container_start_failed", "container_rebuild_failed"}, history.events())
}

func TestUpdateDataRejectsSymlinkedTargetBeforeStopping(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	files := newFiles(t)
	require.NoError(t, os.Symlink(t.TempDir(), filepath.Join(files.Root(), "sub")))
	m := New(Options{Controller: ctrl, Files: files})

	_, err := m.UpdateData(context.Background(), "sub/dsl.txt", []byte(`{}`), Hooks{})
	require.ErrorIs(t, err, datafiles.ErrInvalidName)
	require.Empty(t, ctrl.calls)
}
