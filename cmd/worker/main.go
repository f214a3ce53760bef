// Package main runs the background worker that executes queued rebuild and
// data update jobs against the local Docker daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oremus-labs/ol-bot-manager/config"
	"github.com/oremus-labs/ol-bot-manager/internal/datafiles"
	"github.com/oremus-labs/ol-bot-manager/internal/events"
	"github.com/oremus-labs/ol-bot-manager/internal/jobs"
	"github.com/oremus-labs/ol-bot-manager/internal/lifecycle"
	"github.com/oremus-labs/ol-bot-manager/internal/logutil"
	"github.com/oremus-labs/ol-bot-manager/internal/queue"
	"github.com/oremus-labs/ol-bot-manager/internal/redisx"
	"github.com/oremus-labs/ol-bot-manager/internal/runtime"
	"github.com/oremus-labs/ol-bot-manager/internal/store"
	"github.com/oremus-labs/ol-bot-manager/internal/worker"
)

const workerVersion = "1.0.0-go"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load()
	logutil.SetLevel(cfg.LogLevel)
	logutil.Info("worker_bootstrap", map[string]interface{}{
		"version":        workerVersion,
		"redisAddr":      cfg.RedisAddr,
		"redisJobStream": cfg.RedisJobStream,
		"redisJobGroup":  cfg.RedisJobGroup,
	})
	if cfg.RedisAddr == "" {
		logutil.Fatal("worker_requires_redis", errors.New("REDIS_ADDR is not set"), nil)
	}

	dockerClient, err := runtime.Connect(ctx)
	if err != nil {
		logutil.Fatal("docker_unavailable", err, nil)
	}
	defer dockerClient.Close()

	controller := runtime.New(dockerClient, runtime.Options{
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
	defer redisClient.Close()

	bus := events.NewBus(ctx, events.Options{
		Client:  redisClient,
		Channel: cfg.EventsChannel,
	})

	lc := lifecycle.New(lifecycle.Options{
		Controller: controller,
		Files:      files,
		History:    stateStore,
		Events:     bus,
		Lock:       redisx.NewLock(redisClient, redisx.LockOptions{Key: cfg.RedisLockKey, TTL: cfg.LockTTL}),
	})
	jobManager := jobs.New(jobs.Options{
		Store:          stateStore,
		Lifecycle:      lc,
		EventPublisher: bus,
		MaxJobAttempts: cfg.MaxJobAttempts,
		Timeout:        cfg.BuildTimeout,
	})

	host, _ := os.Hostname()
	consumerName := fmt.Sprintf("%s-%d", host, time.Now().UnixNano())
	runner := worker.New(worker.Options{
		Source:    queue.NewConsumer(redisClient, cfg.RedisJobStream, cfg.RedisJobGroup, consumerName),
		Processor: jobManager,
	})

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logutil.Error("worker_stopped", err, nil)
		os.Exit(1)
	}
	logutil.Info("worker_exited", nil)
}
