// Package worker runs queued lifecycle jobs outside the API server.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/oremus-labs/ol-bot-manager/internal/jobs"
	"github.com/oremus-labs/ol-bot-manager/internal/logutil"
	"github.com/oremus-labs/ol-bot-manager/internal/queue"
)

// Source yields queued job messages.
type Source interface {
	EnsureGroup(ctx context.Context) error
	Next(ctx context.Context) (*queue.JobMessage, string, error)
	Ack(ctx context.Context, id string) error
}

// Processor executes one queued job.
type Processor interface {
	ProcessQueued(jobID string, req jobs.Request) error
}

// Options configure the background worker process.
type Options struct {
	Source    Source
	Processor Processor
	// Backoff is the pause after a failed read.
	Backoff time.Duration
}

// Runner consumes the job stream one message at a time.
type Runner struct {
	source    Source
	processor Processor
	backoff   time.Duration
}

// New creates a new Runner.
func New(opts Options) *Runner {
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Runner{
		source:    opts.Source,
		processor: opts.Processor,
		backoff:   backoff,
	}
}

// Run consumes jobs until ctx is cancelled. Jobs are processed serially; the
// lifecycle manager only allows one container operation at a time anyway.
func (r *Runner) Run(ctx context.Context) error {
	if r.source == nil || r.processor == nil {
		return errors.New("worker requires a queue and a job processor")
	}
	if err := r.source.EnsureGroup(ctx); err != nil {
		return err
	}
	logutil.Info("worker_started", nil)

	for {
		if ctx.Err() != nil {
			logutil.Info("worker_stopping", nil)
			return ctx.Err()
		}
		msg, id, err := r.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logutil.Warn("worker_read_failed", map[string]interface{}{"error": err.Error(), "messageId": id})
			// A payload that cannot be decoded will never succeed.
			if id != "" {
				r.ack(ctx, id)
			}
			r.sleep(ctx)
			continue
		}
		if msg == nil {
			continue
		}

		logutil.Info("worker_job_received", map[string]interface{}{"jobId": msg.JobID, "type": msg.Request.Type})
		if err := r.processor.ProcessQueued(msg.JobID, msg.Request); err != nil {
			logutil.Error("worker_job_failed", err, map[string]interface{}{"jobId": msg.JobID})
		}
		r.ack(ctx, id)
	}
}

func (r *Runner) ack(ctx context.Context, id string) {
	if err := r.source.Ack(ctx, id); err != nil {
		logutil.Warn("worker_ack_failed", map[string]interface{}{"messageId": id, "error": err.Error()})
	}
}

func (r *Runner) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(r.backoff):
	}
}
