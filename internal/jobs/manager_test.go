package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/oremus-labs/ol-bot-manager/internal/datafiles"
	"github.com/oremus-labs/ol-bot-manager/internal/lifecycle"
	"github.com/oremus-labs/ol-bot-manager/internal/runtime"
	"github.com/oremus-labs/ol-bot-manager/internal/store"
)

type fakeLifecycle struct {
	mu         sync.Mutex
	rebuilds   int
	updates    int
	rebuildErr []error
	updateErr  error
}

func (f *fakeLifecycle) UpdateData(ctx context.Context, name string, content []byte, hooks lifecycle.Hooks) (*lifecycle.UpdateResult, error) {
	f.mu.Lock()
	f.updates++
	f.mu.Unlock()
	hooks.OnStage(lifecycle.StageWriting, "writing "+name, 50)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &lifecycle.UpdateResult{Status: lifecycle.StatusDataUpdated, Filename: name}, nil
}

func (f *fakeLifecycle) Rebuild(ctx context.Context, hooks lifecycle.Hooks) (*lifecycle.RebuildResult, error) {
	f.mu.Lock()
	attempt := f.rebuilds
	f.rebuilds++
	f.mu.Unlock()
	hooks.OnStage(lifecycle.StageBuilding, "building image", 15)
	hooks.OnBuildLine("Step 1/2 : FROM golang")
	if attempt < len(f.rebuildErr) && f.rebuildErr[attempt] != nil {
		return nil, f.rebuildErr[attempt]
	}
	return &lifecycle.RebuildResult{
		Status:               lifecycle.StatusRebuilt,
		FinalContainerStatus: &runtime.Result{Status: runtime.ResultStartedAndRunning},
		BuildLogs:            "Step 1/2 : FROM golang\n",
	}, nil
}

type fakeQueue struct {
	err  error
	jobs []string
}

func (q *fakeQueue) Enqueue(ctx context.Context, jobID string, req Request) error {
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, jobID)
	return nil
}

func TestSubmitRebuildSuccess(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	m := New(Options{Store: s, Lifecycle: &fakeLifecycle{}})

	job, err := m.Submit(context.Background(), Request{Type: TypeRebuild})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	done := waitForJobStatus(t, s, job.ID, store.JobDone)
	if done.Result["status"] != lifecycle.StatusRebuilt {
		t.Fatalf("unexpected result: %+v", done.Result)
	}
	if done.Progress != 100 || done.Attempt != 1 {
		t.Fatalf("unexpected progress/attempt: %+v", done)
	}

	logs, err := s.ListJobLogs(job.ID, 0)
	if err != nil {
		t.Fatalf("ListJobLogs: %v", err)
	}
	foundBuildLine := false
	for _, entry := range logs {
		if entry.Stage == lifecycle.StageBuilding && entry.Message == "Step 1/2 : FROM golang" {
			foundBuildLine = true
		}
	}
	if !foundBuildLine {
		t.Fatalf("expected build output in job log: %+v", logs)
	}

	expectHistory(t, s, "rebuild_job_completed")
}

func TestSubmitUpdateDataFailure(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	fake := &fakeLifecycle{updateErr: &datafiles.ValidationError{Name: "dsl.txt", Errors: []string{"content is not valid JSON"}}}
	m := New(Options{Store: s, Lifecycle: fake, MaxJobAttempts: 3})

	job, err := m.Submit(context.Background(), Request{Type: TypeUpdateData, Filename: "dsl.txt", Content: "{"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	failed := waitForJobStatus(t, s, job.ID, store.JobFailed)
	if failed.Error == "" {
		t.Fatalf("expected error to be recorded")
	}
	// Invalid content is not retried.
	if failed.Attempt != 1 || fake.updates != 1 {
		t.Fatalf("expected a single attempt, got attempt=%d updates=%d", failed.Attempt, fake.updates)
	}
	expectHistory(t, s, "update_data_job_failed")
}

func TestProcessJobRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	fake := &fakeLifecycle{rebuildErr: []error{&runtime.TimeoutError{Op: "start"}}}
	m := New(Options{Store: s, Lifecycle: fake, MaxJobAttempts: 2})
	m.retryDelay = time.Millisecond

	job, err := m.CreateJob(Request{Type: TypeRebuild})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	m.ProcessJob(job, Request{Type: TypeRebuild})

	stored, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != store.JobDone || stored.Attempt != 2 {
		t.Fatalf("expected success on second attempt, got %+v", stored)
	}
}

func TestBuildFailureKeepsLogsInResult(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	fake := &fakeLifecycle{rebuildErr: []error{&runtime.BuildError{Message: "exit 1", Logs: "Step 1/2\n"}}}
	m := New(Options{Store: s, Lifecycle: fake})

	job, err := m.CreateJob(Request{Type: TypeRebuild})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	m.ProcessJob(job, Request{Type: TypeRebuild})

	stored, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != store.JobFailed || stored.Result["logs"] != "Step 1/2\n" {
		t.Fatalf("unexpected job: %+v", stored)
	}
}

func TestSubmitUsesQueueWhenConfigured(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	q := &fakeQueue{}
	fake := &fakeLifecycle{}
	m := New(Options{Store: s, Lifecycle: fake, Queue: q})

	job, err := m.Submit(context.Background(), Request{Type: TypeRebuild})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(q.jobs) != 1 || q.jobs[0] != job.ID {
		t.Fatalf("expected job to be enqueued: %+v", q.jobs)
	}
	stored, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.Status != store.JobPending {
		t.Fatalf("queued job should stay pending, got %s", stored.Status)
	}

	if err := m.ProcessQueued(job.ID, Request{Type: TypeRebuild}); err != nil {
		t.Fatalf("ProcessQueued: %v", err)
	}
	if err := m.ProcessQueued(job.ID, Request{Type: TypeRebuild}); err != nil {
		t.Fatalf("ProcessQueued (redelivery): %v", err)
	}
	if fake.rebuilds != 1 {
		t.Fatalf("redelivered job should not run twice, got %d rebuilds", fake.rebuilds)
	}
}

func TestSubmitFallsBackWhenQueueFails(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	m := New(Options{Store: s, Lifecycle: &fakeLifecycle{}, Queue: &fakeQueue{err: errors.New("redis down")}})

	job, err := m.Submit(context.Background(), Request{Type: TypeRebuild})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForJobStatus(t, s, job.ID, store.JobDone)
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	m := New(Options{Store: openTestStore(t), Lifecycle: &fakeLifecycle{}})
	if _, err := m.Submit(context.Background(), Request{Type: "deploy"}); err == nil {
		t.Fatalf("expected unknown type to be rejected")
	}
	if _, err := m.Submit(context.Background(), Request{Type: TypeUpdateData}); err == nil {
		t.Fatalf("expected missing filename to be rejected")
	}

	if _, err := New(Options{}).Submit(context.Background(), Request{Type: TypeRebuild}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"), "sqlite")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func expectHistory(t *testing.T, s *store.Store, event string) {
	t.Helper()
	history, err := s.ListHistory(10)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	for _, entry := range history {
		if entry.Event == event {
			return
		}
	}
	t.Fatalf("expected %s in history: %+v", event, history)
}

func waitForJobStatus(t *testing.T, s *store.Store, id string, status store.JobStatus) *store.Job {
	t.Helper()
	timeout := time.After(2 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-timeout:
			t.Fatalf("timed out waiting for job %s to reach %s", id, status)
		case <-ticker.C:
			job, err := s.GetJob(id)
			if err != nil {
				continue
			}
			if job.Status == status {
				return job
			}
		}
	}
}
