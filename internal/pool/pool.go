// Package pool implements the hybrid pre-warm + on-demand + bounded-capacity
// container allocator: a ready-to-use container in near-zero time for new
// sessions, an asynchronous debounced refill, reset-on-return, and adaptive
// destruction governed by the aggressive-cleanup placement table.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/sandboxd/internal/metrics"
	"github.com/ocx/sandboxd/internal/runtime"
	"github.com/ocx/sandboxd/internal/sberrors"
)

// Container is the pool-internal record for one live container. It is
// never held directly by a session — sessions keep only the ID.
type Container struct {
	ID          string
	AllocatedAt time.Time
}

// Config bundles the pool's sizing and container-attribute knobs, the
// enumerated configuration from spec.md §4.2.
type Config struct {
	TargetSize        int
	MinSize           int
	MaxSize           int
	AggressiveCleanup bool
	RefillDelay       time.Duration

	Spec runtime.Spec

	// Metrics is optional; when nil, container create/destroy events are
	// simply not recorded.
	Metrics *metrics.Metrics
}

// Stats is the snapshot returned by Stats() and the worker's /health route.
type Stats struct {
	Available int `json:"available"`
	Allocated int `json:"allocated"`
	Total     int `json:"total"`
	Max       int `json:"max"`
}

// Pool is the container allocator. A single mutex protects both the
// available stack and the allocated map; engine calls are issued outside
// the critical section wherever the invariants permit.
type Pool struct {
	cfg Config
	rt  runtime.Runtime

	mu        sync.Mutex
	available []*Container          // LIFO stack, warmest (most recently returned) first
	allocated map[string]*Container // container_id -> allocation record

	refillPending bool
	refillTimer   *time.Timer
}

// New constructs a pool bound to a container runtime. Call Initialize to
// populate it before serving traffic.
func New(cfg Config, rt runtime.Runtime) *Pool {
	return &Pool{
		cfg:       cfg,
		rt:        rt,
		allocated: make(map[string]*Container),
	}
}

// Initialize synchronously creates TargetSize containers. Per-container
// failures are logged and skipped — initialization is best-effort and the
// pool may come up smaller than TargetSize.
func (p *Pool) Initialize(ctx context.Context) {
	for i := 0; i < p.cfg.TargetSize; i++ {
		c, err := p.createContainer(ctx)
		if err != nil {
			slog.Warn("pool: initialize: container create failed", "error", err)
			continue
		}
		p.mu.Lock()
		p.available = append(p.available, c)
		p.mu.Unlock()
	}
	slog.Info("pool: initialized", "warm", len(p.available), "target", p.cfg.TargetSize)
}

// Acquire returns a warm container if one is available (fast path),
// synchronously creates one if headroom remains (slow path), or returns
// sberrors.KindCapacity if the pool is saturated.
func (p *Pool) Acquire(ctx context.Context) (*Container, error) {
	p.mu.Lock()
	if n := len(p.available); n > 0 {
		c := p.available[n-1]
		p.available = p.available[:n-1]
		c.AllocatedAt = time.Now()
		p.allocated[c.ID] = c
		p.mu.Unlock()
		p.scheduleRefill()
		return c, nil
	}

	if len(p.allocated) >= p.cfg.MaxSize {
		p.mu.Unlock()
		return nil, sberrors.New(sberrors.KindCapacity, "container pool saturated")
	}
	p.mu.Unlock()

	c, err := p.createContainer(ctx)
	if err != nil {
		return nil, sberrors.Newf(sberrors.KindExecutionError, "creating container: %v", err)
	}
	c.AllocatedAt = time.Now()

	p.mu.Lock()
	if len(p.allocated) >= p.cfg.MaxSize {
		p.mu.Unlock()
		// Lost the race against concurrent acquires; destroy the surplus.
		_ = p.rt.StopAndRemove(ctx, c.ID)
		p.recordDestroyed()
		return nil, sberrors.New(sberrors.KindCapacity, "container pool saturated")
	}
	p.allocated[c.ID] = c
	p.mu.Unlock()

	return c, nil
}

// Release resets the container's workspace and then either returns it to
// the pool or destroys it, per the aggressive-cleanup placement table. The
// removal from `allocated` happens unconditionally before any failable
// engine call, so a container never leaks from the allocated set.
func (p *Pool) Release(ctx context.Context, containerID string) {
	p.mu.Lock()
	c, ok := p.allocated[containerID]
	delete(p.allocated, containerID)
	p.mu.Unlock()
	if !ok {
		return
	}

	// Reset workspace as the non-root user, ignoring errors — a failed
	// reset still goes through the placement decision below.
	_, _ = p.rt.Exec(ctx, c.ID, []string{"bash", "-c", "rm -rf /workspace/* /workspace/.[!.]* 2>/dev/null"},
		p.cfg.Spec.User, p.cfg.Spec.WorkingDir)

	p.mu.Lock()
	destroy := p.shouldDestroyLocked()
	if !destroy {
		p.available = append(p.available, c)
	}
	p.mu.Unlock()

	if destroy {
		if err := p.rt.StopAndRemove(ctx, c.ID); err != nil {
			slog.Warn("pool: release: destroy failed", "container", c.ID, "error", err)
		}
		p.recordDestroyed()
	}
}

// shouldDestroyLocked evaluates the placement rule table. Caller must hold mu.
func (p *Pool) shouldDestroyLocked() bool {
	cur := len(p.available)
	tot := cur + len(p.allocated)

	if p.cfg.AggressiveCleanup {
		if cur < p.cfg.MinSize {
			return false
		}
		if cur < p.cfg.TargetSize && tot < p.cfg.MaxSize {
			return false
		}
		return true
	}

	return cur >= p.cfg.MaxSize
}

// scheduleRefill debounces the async refill task: after RefillDelay, if
// available is still below MinSize, top it up.
func (p *Pool) scheduleRefill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refillPending {
		return
	}
	p.refillPending = true
	p.refillTimer = time.AfterFunc(p.cfg.RefillDelay, p.runRefill)
}

func (p *Pool) runRefill() {
	p.mu.Lock()
	p.refillPending = false
	need := p.cfg.MinSize - len(p.available)
	p.mu.Unlock()

	if need <= 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for i := 0; i < need; i++ {
		c, err := p.createContainer(ctx)
		if err != nil {
			slog.Warn("pool: refill: container create failed", "error", err)
			continue
		}
		p.mu.Lock()
		p.available = append(p.available, c)
		p.mu.Unlock()
	}
}

func (p *Pool) createContainer(ctx context.Context) (*Container, error) {
	id, err := p.rt.CreateContainer(ctx, p.cfg.Spec)
	if err != nil {
		p.recordCreateFail()
		return nil, err
	}
	if err := p.rt.StartContainer(ctx, id); err != nil {
		_ = p.rt.StopAndRemove(ctx, id)
		p.recordCreateFail()
		return nil, err
	}
	p.recordCreated()
	return &Container{ID: id}, nil
}

func (p *Pool) recordCreated() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ContainersCreated.Inc()
	}
}

func (p *Pool) recordCreateFail() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ContainerCreateFail.Inc()
	}
}

func (p *Pool) recordDestroyed() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ContainersDestroyed.Inc()
	}
}

// Stats reports the current {available, allocated, total, max} snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Available: len(p.available),
		Allocated: len(p.allocated),
		Total:     len(p.available) + len(p.allocated),
		Max:       p.cfg.MaxSize,
	}
}

// CleanupAll destroys every container in both collections, used at shutdown.
func (p *Pool) CleanupAll(ctx context.Context) {
	p.mu.Lock()
	all := make([]*Container, 0, len(p.available)+len(p.allocated))
	all = append(all, p.available...)
	for _, c := range p.allocated {
		all = append(all, c)
	}
	p.available = nil
	p.allocated = make(map[string]*Container)
	p.mu.Unlock()

	for _, c := range all {
		if err := p.rt.StopAndRemove(ctx, c.ID); err != nil {
			slog.Warn("pool: cleanup_all: destroy failed", "container", c.ID, "error", err)
		}
		p.recordDestroyed()
	}
}
