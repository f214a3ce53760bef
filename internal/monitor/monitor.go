// Package monitor watches the managed container and reports state changes.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/oremus-labs/ol-bot-manager/internal/events"
	"github.com/oremus-labs/ol-bot-manager/internal/logutil"
	"github.com/oremus-labs/ol-bot-manager/internal/metrics"
	"github.com/oremus-labs/ol-bot-manager/internal/runtime"
)

type statusSource interface {
	Status(ctx context.Context) (*runtime.ContainerStatus, error)
}

type eventPublisher interface {
	Emit(ctx context.Context, eventType string, data interface{})
}

// Options configure the Monitor.
type Options struct {
	Source   statusSource
	Events   eventPublisher
	Interval time.Duration
}

// Monitor periodically inspects the container.
type Monitor struct {
	source   statusSource
	events   eventPublisher
	interval time.Duration

	mu   sync.RWMutex
	last *runtime.ContainerStatus
}

// New creates a monitor.
func New(opts Options) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{source: opts.Source, events: opts.Events, interval: interval}
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	logutil.Info("container_monitor_started", map[string]interface{}{"interval": m.interval.String()})
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check inspects the container once, publishing an event when the state
// differs from the previous observation.
func (m *Monitor) Check(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	st, err := m.source.Status(checkCtx)
	if err != nil {
		if ctx.Err() == nil {
			logutil.Warn("container_monitor_check_failed", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	metrics.SetContainerState(st.Status)

	m.mu.Lock()
	prev := m.last
	m.last = st
	m.mu.Unlock()

	if prev != nil && prev.Status == st.Status && prev.ID == st.ID {
		return
	}
	fields := map[string]interface{}{"container": st.ContainerName, "status": st.Status}
	if prev != nil {
		fields["previous"] = prev.Status
	}
	logutil.Info("container_state_changed", fields)
	if m.events != nil {
		m.events.Emit(ctx, events.TypeContainerStatus, st)
	}
}

// Last returns the most recent observation, or nil before the first check.
func (m *Monitor) Last() *runtime.ContainerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}
