// Command sandboxd-coordinator runs the optional routing tier in front of a
// fleet of sandboxd-worker processes: health-aware worker selection,
// session-affinity-preserving request forwarding, and fan-out thread lookup.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocx/sandboxd/internal/config"
	"github.com/ocx/sandboxd/internal/coordinator"
	"github.com/ocx/sandboxd/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("SANDBOXD_CONFIG"))
	if err != nil {
		log.Fatalf("sandboxd-coordinator: config: %v", err)
	}
	if len(cfg.Workers) == 0 {
		log.Fatal("sandboxd-coordinator: WORKERS must list at least one worker base URL")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("sandboxd-coordinator: store: %v", err)
	}

	sessionTimeout := time.Duration(cfg.SessionTimeoutMinutes) * time.Minute
	c := coordinator.New(cfg.Workers, kv, sessionTimeout)
	server := coordinator.NewServer(c)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 70 * time.Second,
	}

	go func() {
		slog.Info("coordinator: listening", "addr", addr, "workers", cfg.Workers)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("coordinator: server stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	slog.Info("coordinator: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

// buildStore requires Redis for the coordinator tier: the session/worker and
// thread/session affinity maps must be visible to every coordinator replica
// and to the workers themselves, which an in-process MemStore cannot provide.
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if !cfg.RedisEnabled() {
		return nil, fmt.Errorf("REDIS_HOST is required when running sandboxd-coordinator")
	}
	return store.NewRedisStore(ctx, cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword)
}
