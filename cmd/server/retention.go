package main

import (
	"context"
	"time"

	"github.com/oremus-labs/ol-bot-manager/internal/logutil"
)

type pruner interface {
	PruneJobsBefore(before time.Time) (int64, error)
	PruneHistoryBefore(before time.Time) (int64, error)
}

type retentionOptions struct {
	Store      pruner
	Interval   time.Duration
	JobTTL     time.Duration
	HistoryTTL time.Duration
}

func startRetention(ctx context.Context, opts retentionOptions) {
	if opts.Store == nil || opts.Interval <= 0 || (opts.JobTTL <= 0 && opts.HistoryTTL <= 0) {
		return
	}
	logutil.Info("retention_started", map[string]interface{}{
		"interval":   opts.Interval.String(),
		"jobTTL":     opts.JobTTL.String(),
		"historyTTL": opts.HistoryTTL.String(),
	})
	ticker := time.NewTicker(opts.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runRetentionSweep(opts, time.Now().UTC())
			}
		}
	}()
}

func runRetentionSweep(opts retentionOptions, now time.Time) {
	if opts.JobTTL > 0 {
		removed, err := opts.Store.PruneJobsBefore(now.Add(-opts.JobTTL))
		switch {
		case err != nil:
			logutil.Warn("retention_jobs_failed", map[string]interface{}{"error": err.Error()})
		case removed > 0:
			logutil.Info("retention_jobs_pruned", map[string]interface{}{"removed": removed})
		}
	}
	if opts.HistoryTTL > 0 {
		removed, err := opts.Store.PruneHistoryBefore(now.Add(-opts.HistoryTTL))
		switch {
		case err != nil:
			logutil.Warn("retention_history_failed", map[string]interface{}{"error": err.Error()})
		case removed > 0:
			logutil.Info("retention_history_pruned", map[string]interface{}{"removed": removed})
		}
	}
}
