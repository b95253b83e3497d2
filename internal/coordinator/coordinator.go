// Package coordinator implements the optional routing tier: health-aware
// worker selection for new sessions, session-affinity resolution for
// existing ones, and fan-out thread lookup when the affinity cache misses.
package coordinator

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/ocx/sandboxd/internal/circuitbreaker"
	"github.com/ocx/sandboxd/internal/sberrors"
	"github.com/ocx/sandboxd/internal/store"
)

const (
	sessionWorkerKeyPrefix = "session:"
	sessionWorkerKeySuffix = ":worker"
	threadSessionKeyPrefix = "thread:"
	threadSessionKeySuffix = ":session"
)

func sessionWorkerKey(sid string) string { return sessionWorkerKeyPrefix + sid + sessionWorkerKeySuffix }
func threadSessionKey(tid string) string { return threadSessionKeyPrefix + tid + threadSessionKeySuffix }

// Coordinator routes client requests to workers, preserving session
// affinity via the shared KV store.
type Coordinator struct {
	workers        []string
	store          store.Store
	sessionTimeout time.Duration
	httpClient     *http.Client
	breakers       *circuitbreaker.Manager

	// healthLimiters bounds how often any single worker is polled for
	// health, adapted from the teacher's token-bucket rate limiter idea
	// but backed by golang.org/x/time/rate per worker.
	healthLimiters map[string]*rate.Limiter
}

// New builds a Coordinator over the given worker base URLs and shared store.
func New(workers []string, st store.Store, sessionTimeout time.Duration) *Coordinator {
	limiters := make(map[string]*rate.Limiter, len(workers))
	for _, w := range workers {
		limiters[w] = rate.NewLimiter(rate.Every(500*time.Millisecond), 1)
	}
	return &Coordinator{
		workers:        workers,
		store:          st,
		sessionTimeout: sessionTimeout,
		httpClient:     &http.Client{},
		breakers:       circuitbreaker.NewManager(circuitbreaker.DefaultConfig("worker")),
		healthLimiters: limiters,
	}
}

// HealthyWorkers polls /health on every configured worker with a short
// timeout and returns those that responded 200. A worker whose circuit
// breaker is currently open is skipped without a network call, and a worker
// polled within the debounce window is not polled again: it counts as
// healthy when its last breaker-tracked request succeeded.
func (c *Coordinator) HealthyWorkers(ctx context.Context) []string {
	var healthy []string
	for _, w := range c.workers {
		breaker := c.breakers.GetOrCreate(w, circuitbreaker.DefaultConfig(w))
		if breaker.State() == circuitbreaker.StateOpen {
			continue
		}
		if lim, ok := c.healthLimiters[w]; ok && !lim.Allow() {
			// Recently polled; assume its last known state holds this round
			// rather than hammering it again within the debounce window.
			if breaker.Counts().ConsecutiveFailures == 0 {
				healthy = append(healthy, w)
			}
			continue
		}
		if c.pollHealth(ctx, w, breaker) {
			healthy = append(healthy, w)
		}
	}
	return healthy
}

func (c *Coordinator) pollHealth(ctx context.Context, worker string, breaker *circuitbreaker.CircuitBreaker) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := breaker.ExecuteContext(reqCtx, func(_ context.Context) (interface{}, error) {
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, worker+"/health", nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("worker %s health returned %d", worker, resp.StatusCode)
		}
		return nil, nil
	})
	return err == nil
}

// SelectWorker picks uniformly at random among the healthy worker set for a
// brand-new session. Returns sberrors.KindNoWorkers if none are healthy.
func (c *Coordinator) SelectWorker(ctx context.Context) (string, error) {
	healthy := c.HealthyWorkers(ctx)
	if len(healthy) == 0 {
		return "", sberrors.New(sberrors.KindNoWorkers, "no healthy workers available")
	}
	return healthy[rand.Intn(len(healthy))], nil
}

// WorkerForSession resolves the worker owning sid from the affinity cache.
func (c *Coordinator) WorkerForSession(ctx context.Context, sid string) (string, bool, error) {
	return c.store.Get(ctx, sessionWorkerKey(sid))
}

// BindSessionToWorker records session affinity with the configured TTL.
func (c *Coordinator) BindSessionToWorker(ctx context.Context, sid, worker string) error {
	return c.store.SetWithTTL(ctx, sessionWorkerKey(sid), worker, c.sessionTimeout)
}

// ForgetSession removes the affinity binding, called on successful cleanup.
func (c *Coordinator) ForgetSession(ctx context.Context, sid string) error {
	return c.store.Delete(ctx, sessionWorkerKey(sid))
}

// CachedSessionForThread consults the thread->session back-reference cache.
func (c *Coordinator) CachedSessionForThread(ctx context.Context, tid string) (string, bool, error) {
	return c.store.Get(ctx, threadSessionKey(tid))
}

// CacheThreadSession stores the thread->session back-reference.
func (c *Coordinator) CacheThreadSession(ctx context.Context, tid, sid string) error {
	return c.store.SetWithTTL(ctx, threadSessionKey(tid), sid, c.sessionTimeout)
}
