package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oremus-labs/ol-bot-manager/internal/jobs"
	"github.com/oremus-labs/ol-bot-manager/internal/queue"
)

type fakeSource struct {
	mu       sync.Mutex
	messages []*queue.JobMessage
	errs     []error
	acked    []string
	next     int
}

func (f *fakeSource) EnsureGroup(ctx context.Context) error { return nil }

func (f *fakeSource) Next(ctx context.Context) (*queue.JobMessage, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.next >= len(f.messages) {
		f.mu.Unlock()
		<-ctx.Done()
		f.mu.Lock()
		return nil, "", ctx.Err()
	}
	i := f.next
	f.next++
	id := []string{"1-0", "2-0", "3-0", "4-0"}[i]
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.messages[i], id, err
}

func (f *fakeSource) Ack(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeSource) ackedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

type fakeProcessor struct {
	mu   sync.Mutex
	jobs []string
}

func (f *fakeProcessor) ProcessQueued(jobID string, req jobs.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, jobID)
	if jobID == "bad" {
		return errors.New("boom")
	}
	return nil
}

func TestRunnerProcessesAndAcks(t *testing.T) {
	t.Parallel()

	source := &fakeSource{
		messages: []*queue.JobMessage{
			{JobID: "a", Request: jobs.Request{Type: jobs.TypeRebuild}},
			nil,
			{JobID: "bad", Request: jobs.Request{Type: jobs.TypeRebuild}},
		},
		errs: []error{nil, errors.New("decode message 2-0: invalid"), nil},
	}
	processor := &fakeProcessor{}
	runner := New(Options{Source: source, Processor: processor, Backoff: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(source.ackedIDs()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	acked := source.ackedIDs()
	if len(acked) != 3 {
		t.Fatalf("expected every message acked, got %v", acked)
	}
	processor.mu.Lock()
	defer processor.mu.Unlock()
	if len(processor.jobs) != 2 || processor.jobs[0] != "a" || processor.jobs[1] != "bad" {
		t.Fatalf("unexpected processed jobs: %v", processor.jobs)
	}
}

func TestRunnerRequiresDependencies(t *testing.T) {
	t.Parallel()

	if err := New(Options{}).Run(context.Background()); err == nil {
		t.Fatalf("expected error without queue")
	}
}
