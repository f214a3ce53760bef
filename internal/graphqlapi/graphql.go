// Package graphqlapi exposes a read-only GraphQL view over the container,
// data files, jobs and audit trail.
package graphqlapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/handler"
	"github.com/oremus-labs/ol-bot-manager/internal/datafiles"
	"github.com/oremus-labs/ol-bot-manager/internal/runtime"
	"github.com/oremus-labs/ol-bot-manager/internal/store"
)

// StatusProvider reports the managed container state.
type StatusProvider interface {
	Status(ctx context.Context) (*runtime.ContainerStatus, error)
}

// FileLister lists the data directory.
type FileLister interface {
	List() ([]datafiles.FileInfo, error)
}

// StateReader exposes the persisted jobs and history.
type StateReader interface {
	ListJobs(filter store.JobFilter) ([]store.Job, error)
	GetJob(id string) (*store.Job, error)
	ListJobLogs(jobID string, limit int) ([]store.JobLogEntry, error)
	ListHistory(limit int) ([]store.HistoryEntry, error)
}

// Config wires the GraphQL schema. Nil providers resolve to empty results.
type Config struct {
	Status StatusProvider
	Files  FileLister
	Store  StateReader
}

// NewHandler returns an http.Handler that serves /graphql requests.
func NewHandler(cfg Config) (http.Handler, error) {
	schema, err := NewSchema(cfg)
	if err != nil {
		return nil, err
	}

	return handler.New(&handler.Config{
		Schema:   schema,
		Pretty:   true,
		GraphiQL: true,
	}), nil
}

// NewSchema builds the query schema.
func NewSchema(cfg Config) (*graphql.Schema, error) {
	builder := schemaBuilder{cfg: cfg}
	return builder.buildSchema()
}

type schemaBuilder struct {
	cfg Config
}

func (b schemaBuilder) buildSchema() (*graphql.Schema, error) {
	jsonScalar := graphql.NewScalar(graphql.ScalarConfig{
		Name: "JSON",
		Serialize: func(value interface{}) interface{} {
			return value
		},
	})

	containerType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Container",
		Fields: graphql.Fields{
			"name":      {Type: graphql.NewNonNull(graphql.String)},
			"status":    {Type: graphql.NewNonNull(graphql.String)},
			"id":        {Type: graphql.String},
			"image":     {Type: graphql.String},
			"startedAt": {Type: graphql.String},
			"exitCode":  {Type: graphql.Int},
		},
	})

	fileType := graphql.NewObject(graphql.ObjectConfig{
		Name: "DataFile",
		Fields: graphql.Fields{
			"name":         {Type: graphql.NewNonNull(graphql.String)},
			"sizeBytes":    {Type: graphql.Int},
			"sizeHuman":    {Type: graphql.String},
			"modifiedTime": {Type: graphql.String},
		},
	})

	logType := graphql.NewObject(graphql.ObjectConfig{
		Name: "JobLog",
		Fields: graphql.Fields{
			"timestamp": {Type: graphql.String},
			"level":     {Type: graphql.String},
			"stage":     {Type: graphql.String},
			"message":   {Type: graphql.String},
		},
	})

	jobType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Job",
		Fields: graphql.Fields{
			"id":          {Type: graphql.NewNonNull(graphql.ID)},
			"type":        {Type: graphql.NewNonNull(graphql.String)},
			"status":      {Type: graphql.NewNonNull(graphql.String)},
			"stage":       {Type: graphql.String},
			"progress":    {Type: graphql.Int},
			"message":     {Type: graphql.String},
			"error":       {Type: graphql.String},
			"attempt":     {Type: graphql.Int},
			"maxAttempts": {Type: graphql.Int},
			"payload":     {Type: jsonScalar},
			"result":      {Type: jsonScalar},
			"createdAt":   {Type: graphql.String},
			"updatedAt":   {Type: graphql.String},
			"logs": {
				Type: graphql.NewList(logType),
				Args: graphql.FieldConfigArgument{
					"limit": {Type: graphql.Int},
				},
				Resolve: func(p graphql.ResolveParams) (interface{}, error) {
					job, ok := p.Source.(map[string]interface{})
					if !ok || b.cfg.Store == nil {
						return []interface{}{}, nil
					}
					id, _ := job["id"].(string)
					limit, _ := p.Args["limit"].(int)
					logs, err := b.cfg.Store.ListJobLogs(id, limit)
					if err != nil {
						return nil, err
					}
					return mapLogs(logs), nil
				},
			},
		},
	})

	historyType := graphql.NewObject(graphql.ObjectConfig{
		Name: "HistoryEntry",
		Fields: graphql.Fields{
			"id":        {Type: graphql.NewNonNull(graphql.ID)},
			"event":     {Type: graphql.NewNonNull(graphql.String)},
			"target":    {Type: graphql.String},
			"metadata":  {Type: jsonScalar},
			"createdAt": {Type: graphql.String},
		},
	})

	queryFields := graphql.Fields{
		"container": {
			Type: containerType,
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				if b.cfg.Status == nil {
					return nil, nil
				}
				st, err := b.cfg.Status.Status(p.Context)
				if err != nil {
					return nil, err
				}
				return mapContainer(st), nil
			},
		},
		"dataFiles": {
			Type: graphql.NewList(fileType),
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				if b.cfg.Files == nil {
					return []interface{}{}, nil
				}
				files, err := b.cfg.Files.List()
				if err != nil {
					return nil, err
				}
				return mapFiles(files), nil
			},
		},
		"jobs": {
			Type: graphql.NewList(jobType),
			Args: graphql.FieldConfigArgument{
				"limit":  {Type: graphql.Int},
				"status": {Type: graphql.String},
				"type":   {Type: graphql.String},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				if b.cfg.Store == nil {
					return []interface{}{}, nil
				}
				limit := 25
				if l, ok := p.Args["limit"].(int); ok && l > 0 {
					limit = l
				}
				status, _ := p.Args["status"].(string)
				kind, _ := p.Args["type"].(string)
				jobs, err := b.cfg.Store.ListJobs(store.JobFilter{
					Status: store.JobStatus(status),
					Type:   kind,
					Limit:  limit,
				})
				if err != nil {
					return nil, err
				}
				return mapJobs(jobs), nil
			},
		},
		"job": {
			Type: jobType,
			Args: graphql.FieldConfigArgument{
				"id": {Type: graphql.NewNonNull(graphql.ID)},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				if b.cfg.Store == nil {
					return nil, nil
				}
				id, _ := p.Args["id"].(string)
				job, err := b.cfg.Store.GetJob(id)
				if errors.Is(err, store.ErrNotFound) {
					return nil, nil
				}
				if err != nil {
					return nil, err
				}
				return mapJob(job), nil
			},
		},
		"history": {
			Type: graphql.NewList(historyType),
			Args: graphql.FieldConfigArgument{
				"limit": {Type: graphql.Int},
			},
			Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				if b.cfg.Store == nil {
					return []interface{}{}, nil
				}
				limit := 50
				if l, ok := p.Args["limit"].(int); ok && l > 0 {
					limit = l
				}
				entries, err := b.cfg.Store.ListHistory(limit)
				if err != nil {
					return nil, err
				}
				return mapHistory(entries), nil
			},
		},
	}

	schema, err := graphql.NewSchema(graphql.SchemaConfig{
		Query: graphql.NewObject(graphql.ObjectConfig{
			Name:   "Query",
			Fields: queryFields,
		}),
	})
	if err != nil {
		return nil, err
	}
	return &schema, nil
}

func mapContainer(st *runtime.ContainerStatus) map[string]interface{} {
	if st == nil {
		return nil
	}
	out := map[string]interface{}{
		"name":     st.ContainerName,
		"status":   st.Status,
		"id":       st.ID,
		"image":    st.Image,
		"exitCode": st.ExitCode,
	}
	if st.StartedAt != nil {
		out["startedAt"] = st.StartedAt.Format(time.RFC3339)
	}
	return out
}

func mapFiles(files []datafiles.FileInfo) []interface{} {
	out := make([]interface{}, 0, len(files))
	for _, f := range files {
		out = append(out, map[string]interface{}{
			"name":         f.Name,
			"sizeBytes":    f.SizeBytes,
			"sizeHuman":    f.SizeHuman,
			"modifiedTime": f.ModifiedTime.Format(time.RFC3339),
		})
	}
	return out
}

func mapJobs(jobs []store.Job) []interface{} {
	out := make([]interface{}, 0, len(jobs))
	for i := range jobs {
		out = append(out, mapJob(&jobs[i]))
	}
	return out
}

func mapJob(job *store.Job) map[string]interface{} {
	if job == nil {
		return nil
	}
	return map[string]interface{}{
		"id":          job.ID,
		"type":        job.Type,
		"status":      string(job.Status),
		"stage":       job.Stage,
		"progress":    job.Progress,
		"message":     job.Message,
		"error":       job.Error,
		"attempt":     job.Attempt,
		"maxAttempts": job.MaxAttempts,
		"payload":     job.Payload,
		"result":      job.Result,
		"createdAt":   job.CreatedAt.Format(time.RFC3339),
		"updatedAt":   job.UpdatedAt.Format(time.RFC3339),
	}
}

func mapLogs(entries []store.JobLogEntry) []interface{} {
	out := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"timestamp": e.Timestamp.Format(time.RFC3339Nano),
			"level":     e.Level,
			"stage":     e.Stage,
			"message":   e.Message,
		})
	}
	return out
}

func mapHistory(entries []store.HistoryEntry) []interface{} {
	out := make([]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"id":        e.ID,
			"event":     e.Event,
			"target":    e.Target,
			"metadata":  e.Metadata,
			"createdAt": e.CreatedAt.Format(time.RFC3339),
		})
	}
	return out
}
