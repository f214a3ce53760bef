package graphqlapi

import (
	"context"
	"testing"
	"time"

	"github.com/graphql-go/graphql"
	"github.com/oremus-labs/ol-bot-manager/internal/datafiles"
	"github.com/oremus-labs/ol-bot-manager/internal/runtime"
	"github.com/oremus-labs/ol-bot-manager/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeStatus struct{}

func (fakeStatus) Status(ctx context.Context) (*runtime.ContainerStatus, error) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &runtime.ContainerStatus{ContainerName: "bot", Status: "running", StartedAt: &started}, nil
}

type fakeFiles struct{}

func (fakeFiles) List() ([]datafiles.FileInfo, error) {
	return []datafiles.FileInfo{{Name: "dsl.txt", SizeBytes: 42, SizeHuman: "42 B"}}, nil
}

type fakeState struct {
	filter store.JobFilter
}

func (f *fakeState) ListJobs(filter store.JobFilter) ([]store.Job, error) {
	f.filter = filter
	return []store.Job{{ID: "job-1", Type: "rebuild", Status: store.JobDone}}, nil
}

func (f *fakeState) GetJob(id string) (*store.Job, error) {
	if id != "job-1" {
		return nil, store.ErrNotFound
	}
	return &store.Job{ID: "job-1", Type: "rebuild", Status: store.JobDone}, nil
}

func (f *fakeState) ListJobLogs(jobID string, limit int) ([]store.JobLogEntry, error) {
	return []store.JobLogEntry{{Level: "info", Stage: "building", Message: "Step 1/3"}}, nil
}

func (f *fakeState) ListHistory(limit int) ([]store.HistoryEntry, error) {
	return []store.HistoryEntry{{ID: "1", Event: "container_start", Metadata: map[string]interface{}{"status": "started_and_running"}}}, nil
}

func run(t *testing.T, cfg Config, query string) map[string]interface{} {
	t.Helper()
	schema, err := NewSchema(cfg)
	require.NoError(t, err)
	res := graphql.Do(graphql.Params{Schema: *schema, RequestString: query, Context: context.Background()})
	require.Empty(t, res.Errors)
	return res.Data.(map[string]interface{})
}

func TestQueryContainerAndFiles(t *testing.T) {
	data := run(t, Config{Status: fakeStatus{}, Files: fakeFiles{}}, `{ container { name status startedAt } dataFiles { name sizeBytes } }`)

	container := data["container"].(map[string]interface{})
	require.Equal(t, "running", container["status"])
	require.Equal(t, "2026-01-02T03:04:05Z", container["startedAt"])

	files := data["dataFiles"].([]interface{})
	require.Len(t, files, 1)
	require.Equal(t, "dsl.txt", files[0].(map[string]interface{})["name"])
}

func TestQueryJobsWithLogs(t *testing.T) {
	state := &fakeState{}
	data := run(t, Config{Store: state}, `{ jobs(status: "completed", limit: 5) { id status logs { stage message } } missing: job(id: "nope") { id } }`)

	require.Equal(t, store.JobDone, state.filter.Status)
	require.Equal(t, 5, state.filter.Limit)

	jobs := data["jobs"].([]interface{})
	require.Len(t, jobs, 1)
	logs := jobs[0].(map[string]interface{})["logs"].([]interface{})
	require.Equal(t, "Step 1/3", logs[0].(map[string]interface{})["message"])
	require.Nil(t, data["missing"])
}

func TestQueryWithoutProviders(t *testing.T) {
	data := run(t, Config{}, `{ container { name } jobs { id } history { id } }`)
	require.Nil(t, data["container"])
	require.Empty(t, data["jobs"])
	require.Empty(t, data["history"])
}
