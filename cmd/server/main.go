// Package main is the entry point for the bot manager API service.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/oremus-labs/ol-bot-manager/config"
	"github.com/oremus-labs/ol-bot-manager/internal/api"
	"github.com/oremus-labs/ol-bot-manager/internal/datafiles"
	"github.com/oremus-labs/ol-bot-manager/internal/events"
	"github.com/oremus-labs/ol-bot-manager/internal/graphqlapi"
	"github.com/oremus-labs/ol-bot-manager/internal/handlers"
	"github.com/oremus-labs/ol-bot-manager/internal/jobs"
	"github.com/oremus-labs/ol-bot-manager/internal/lifecycle"
	"github.com/oremus-labs/ol-bot-manager/internal/logutil"
	"github.com/oremus-labs/ol-bot-manager/internal/monitor"
	"github.com/oremus-labs/ol-bot-manager/internal/queue"
	"github.com/oremus-labs/ol-bot-manager/internal/redisx"
	"github.com/oremus-labs/ol-bot-manager/internal/runtime"
	"github.com/oremus-labs/ol-bot-manager/internal/store"
)

const (
	version         = "1.0.0-go"
	shutdownTimeout = 10 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logutil.SetLevel(cfg.LogLevel)
	logutil.Info("server_bootstrap", map[string]interface{}{
		"version":      version,
		"container":    cfg.ContainerName,
		"image":        cfg.ImageName,
		"hostDataPath": cfg.HostDataPath,
		"buildContext": cfg.BuildContextPath,
		"datastore":    cfg.DataStoreDriver,
		"redis":        cfg.RedisAddr != "",
		"authEnabled":  cfg.APIToken != "",
	})

	// The API stays up without a daemon; container routes answer 503.
	var engine runtime.Engine
	dockerClient, err := runtime.Connect(ctx)
	if err != nil {
		logutil.Error("docker_unavailable", err, nil)
	} else {
		engine = dockerClient
		defer dockerClient.Close()
	}
	controller := runtime.New(engine, runtime.Options{
		ContainerName:     cfg.ContainerName,
		Image:             cfg.ImageName,
		DataHostPath:      cfg.HostDataPath,
		DataContainerPath: cfg.ContainerDataPath,
		Env:               cfg.ContainerEnv(),
		BuildContext:      cfg.BuildContextPath,
		Dockerfile:        cfg.Dockerfile,
		PollInterval:      cfg.StatusPollInterval,
		PollAttempts:      cfg.StatusPollAttempts,
		StopTimeout:       cfg.StopTimeout,
		LogTail:           cfg.LogTail,
	})

	files, err := datafiles.New(datafiles.Options{
		Root:        cfg.HostDataPath,
		DSLFilename: cfg.DSLFilename,
		SchemaPath:  cfg.DSLSchemaPath,
	})
	if err != nil {
		logutil.Fatal("datafiles_init_failed", err, nil)
	}

	stateStore, err := store.Open(cfg.DataStoreDSN, cfg.DataStoreDriver)
	if err != nil {
		logutil.Fatal("datastore_open_failed", err, map[string]interface{}{"driver": cfg.DataStoreDriver})
	}
	defer stateStore.Close()

	redisClient, err := redisx.NewClient(ctx, redisx.FromConfig(cfg))
	if err != nil {
		logutil.Fatal("redis_connect_failed", err, map[string]interface{}{"addr": cfg.RedisAddr})
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	bus := events.NewBus(ctx, events.Options{
		Client:  redisClient,
		Channel: cfg.EventsChannel,
	})

	lcOpts := lifecycle.Options{
		Controller: controller,
		Files:      files,
		History:    stateStore,
		Events:     bus,
	}
	// Workers mutate the same container; share their lock.
	if redisClient != nil {
		lcOpts.Lock = redisx.NewLock(redisClient, redisx.LockOptions{Key: cfg.RedisLockKey, TTL: cfg.LockTTL})
	}
	lc := lifecycle.New(lcOpts)

	jobOpts := jobs.Options{
		Store:          stateStore,
		Lifecycle:      lc,
		EventPublisher: bus,
		MaxJobAttempts: cfg.MaxJobAttempts,
		Timeout:        cfg.BuildTimeout,
	}
	if redisClient != nil {
		jobOpts.Queue = queue.NewProducer(redisClient, cfg.RedisJobStream)
	}
	jobManager := jobs.New(jobOpts)

	mon := monitor.New(monitor.Options{
		Source:   lc,
		Events:   bus,
		Interval: cfg.MonitorInterval,
	})
	go func() {
		if err := mon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logutil.Error("container_monitor_stopped", err, nil)
		}
	}()

	startRetention(ctx, retentionOptions{
		Store:      stateStore,
		Interval:   cfg.RetentionInterval,
		JobTTL:     cfg.JobRetention,
		HistoryTTL: cfg.HistoryRetention,
	})

	h := handlers.New(handlers.Deps{
		Lifecycle: lc,
		Files:     files,
		Jobs:      jobManager,
		Store:     stateStore,
		Events:    bus,
	}, handlers.Options{
		Version:          version,
		ContainerName:    cfg.ContainerName,
		Image:            cfg.ImageName,
		HostDataPath:     cfg.HostDataPath,
		BuildContext:     cfg.BuildContextPath,
		DSLFilename:      cfg.DSLFilename,
		Datastore:        stateStore.Driver(),
		RedisEnabled:     redisClient != nil,
		QueueEnabled:     jobOpts.Queue != nil,
		OperationTimeout: cfg.BuildTimeout,
		LogTail:          cfg.LogTail,
	})

	gqlHandler, err := graphqlapi.NewHandler(graphqlapi.Config{
		Status: lc,
		Files:  files,
		Store:  stateStore,
	})
	if err != nil {
		logutil.Fatal("graphql_schema_failed", err, nil)
	}

	server := api.NewServer(h, api.Options{
		APIToken:       cfg.APIToken,
		GraphQLHandler: gqlHandler,
	})
	serveErr := make(chan error, 1)
	srv := server.Start(":"+cfg.ServerPort, serveErr)
	logutil.Info("server_listening", map[string]interface{}{"port": cfg.ServerPort})

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		logutil.Error("server_failed", err, nil)
		cancel()
	}

	logutil.Info("server_shutting_down", nil)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logutil.Warn("server_forced_shutdown", map[string]interface{}{"error": err.Error()})
	}
	logutil.Info("server_stopped", nil)
}
