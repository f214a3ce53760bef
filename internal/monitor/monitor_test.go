package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/oremus-labs/ol-bot-manager/internal/runtime"
	"github.com/stretchr/testify/require"
)

type sequenceSource struct {
	states []string
	err    error
	i      int
}

func (s *sequenceSource) Status(ctx context.Context) (*runtime.ContainerStatus, error) {
	if s.err != nil {
		return nil, s.err
	}
	st := s.states[s.i]
	if s.i < len(s.states)-1 {
		s.i++
	}
	return &runtime.ContainerStatus{ContainerName: "bot", Status: st, ID: "abc"}, nil
}

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) Emit(ctx context.Context, eventType string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, data.(*runtime.ContainerStatus).Status)
}

func TestCheckEmitsOnlyOnChange(t *testing.T) {
	source := &sequenceSource{states: []string{"running", "running", "exited", "exited", "running"}}
	rec := &recorder{}
	m := New(Options{Source: source, Events: rec})

	for i := 0; i < 5; i++ {
		m.Check(context.Background())
	}
	require.Equal(t, []string{"running", "exited", "running"}, rec.states)
	require.Equal(t, "running", m.Last().Status)
}

func TestCheckKeepsLastOnError(t *testing.T) {
	source := &sequenceSource{states: []string{"running"}}
	rec := &recorder{}
	m := New(Options{Source: source, Events: rec})

	m.Check(context.Background())
	source.err = errors.New("daemon gone")
	m.Check(context.Background())

	require.Equal(t, "running", m.Last().Status)
	require.Len(t, rec.states, 1)
}
