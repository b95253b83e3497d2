// Command sandboxd-worker runs one worker: a container pool, the session
// index, and the HTTP API a coordinator (or a client directly, in
// single-worker mode) talks to.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocx/sandboxd/internal/api"
	"github.com/ocx/sandboxd/internal/config"
	"github.com/ocx/sandboxd/internal/execsvc"
	"github.com/ocx/sandboxd/internal/fileops"
	"github.com/ocx/sandboxd/internal/localmode"
	"github.com/ocx/sandboxd/internal/metrics"
	"github.com/ocx/sandboxd/internal/pool"
	"github.com/ocx/sandboxd/internal/runtime"
	"github.com/ocx/sandboxd/internal/session"
	"github.com/ocx/sandboxd/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("SANDBOXD_CONFIG"))
	if err != nil {
		log.Fatalf("sandboxd-worker: config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := runtime.NewDockerRuntime()
	if err != nil {
		log.Fatalf("sandboxd-worker: docker: %v", err)
	}

	if localmode.IsStandalone(cfg) {
		slog.Info("sandboxd-worker: running standalone, no coordinator in front of this worker")
	}

	kv, sweepKeys := buildStore(ctx, cfg)

	m := metrics.New(cfg.WorkerID)

	p := pool.New(pool.Config{
		TargetSize:        cfg.PoolSize,
		MinSize:           cfg.MinPoolSize,
		MaxSize:           cfg.MaxPoolSize,
		AggressiveCleanup: cfg.AggressiveCleanup,
		RefillDelay:       time.Duration(cfg.PoolRefillDelaySeconds) * time.Second,
		Spec: runtime.Spec{
			Image:        cfg.ContainerImage,
			MemoryBytes:  cfg.MemoryLimitBytes,
			CPUQuota:     cfg.CPUQuota,
			NetworkMode:  cfg.NetworkMode,
			RuntimeClass: cfg.RuntimeClass,
			User:         cfg.SandboxUser,
			WorkingDir:   cfg.WorkspaceDir,
		},
		Metrics: m,
	}, rt)
	p.Initialize(ctx)

	sessions := session.New(session.Config{
		WorkerID:          cfg.WorkerID,
		SessionTimeout:    time.Duration(cfg.SessionTimeoutMinutes) * time.Minute,
		IdleTimeout:       time.Duration(cfg.ContainerIdleTimeoutMinutes) * time.Minute,
		AggressiveCleanup: cfg.AggressiveCleanup,
		Metrics:           m,
	}, kv, p)

	if sweepKeys != nil {
		go sessions.RunSweeper(ctx, time.Duration(cfg.CleanupIntervalSeconds)*time.Second, sweepKeys)
	}

	exec := execsvc.New(sessions, rt, cfg.SandboxUser, cfg.WorkspaceDir)
	files := fileops.New(sessions, rt, cfg.SandboxUser, cfg.WorkspaceDir, fileops.Limits{
		MaxFileSizeBytes:      cfg.MaxFileSizeBytes(),
		MaxTotalFiles:         cfg.MaxTotalFiles,
		MaxWorkspaceSizeBytes: cfg.MaxWorkspaceSizeBytes(),
	})

	server := api.NewWorkerServer(cfg, p, sessions, exec, files, m)

	go func() {
		if err := server.Start(); err != nil {
			slog.Error("sandboxd-worker: server stopped", "error", err)
		}
	}()

	waitForShutdown(cancel, func(shutdownCtx context.Context) {
		p.CleanupAll(shutdownCtx)
	})
}

// buildStore picks MemStore or RedisStore per configuration, and returns the
// candidate-listing function RunSweeper needs (nil when Redis owns TTLs).
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, func() []string) {
	if !cfg.RedisEnabled() {
		mem := store.NewMemStore()
		return mem, func() []string {
			var ids []string
			for _, k := range mem.Keys() {
				if sid, ok := session.SessionIDFromKey(k); ok {
					ids = append(ids, sid)
				}
			}
			return ids
		}
	}

	redisStore, err := store.NewRedisStore(ctx, cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("sandboxd-worker: redis: %v", err)
	}
	// Redis's own TTL expires stale keys; no local sweeper candidate list
	// is needed.
	return redisStore, nil
}

func waitForShutdown(cancel context.CancelFunc, onShutdown func(context.Context)) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	slog.Info("sandboxd-worker: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	onShutdown(shutdownCtx)
}
