package pool

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sandboxd/internal/metrics"
	"github.com/ocx/sandboxd/internal/runtime"
	"github.com/ocx/sandboxd/internal/sberrors"
)

type fakeRuntime struct {
	mu       sync.Mutex
	nextID   int
	created  map[string]bool
	removed  map[string]bool
	execCall int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{created: map[string]bool{}, removed: map[string]bool{}}
}

func (f *fakeRuntime) CreateContainer(_ context.Context, _ runtime.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("c%d", f.nextID)
	f.created[id] = true
	return id, nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, _ string) error { return nil }

func (f *fakeRuntime) StopAndRemove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[id] = true
	return nil
}

func (f *fakeRuntime) Exec(_ context.Context, _ string, _ []string, _, _ string) (runtime.ExecResult, error) {
	f.mu.Lock()
	f.execCall++
	f.mu.Unlock()
	return runtime.ExecResult{ExitCode: 0}, nil
}

func (f *fakeRuntime) CopyToContainer(_ context.Context, _, _ string, _ io.Reader) error { return nil }

func (f *fakeRuntime) CopyFromContainer(_ context.Context, _, _ string) (io.ReadCloser, error) {
	return io.NopCloser(nil), nil
}

func testConfig() Config {
	return Config{
		TargetSize:        2,
		MinSize:           1,
		MaxSize:           3,
		AggressiveCleanup: true,
		RefillDelay:       10 * time.Millisecond,
		Spec:              runtime.Spec{Image: "sandbox-secure:latest", User: "sandboxuser", WorkingDir: "/workspace"},
	}
}

func TestInitializeCreatesTargetSize(t *testing.T) {
	rt := newFakeRuntime()
	p := New(testConfig(), rt)
	p.Initialize(context.Background())

	stats := p.Stats()
	assert.Equal(t, 2, stats.Available)
	assert.Equal(t, 0, stats.Allocated)
}

func TestAcquireFastPathThenSlowPath(t *testing.T) {
	rt := newFakeRuntime()
	p := New(testConfig(), rt)
	p.Initialize(context.Background())

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, c1.ID)

	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	// Pool started with 2 warm containers; both consumed, next is slow path.
	c3, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c2.ID)
	assert.NotEqual(t, c2.ID, c3.ID)
}

func TestAcquireReturnsCapacityWhenSaturated(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	p := New(cfg, rt)
	p.Initialize(context.Background())

	for i := 0; i < cfg.MaxSize; i++ {
		_, err := p.Acquire(context.Background())
		require.NoError(t, err)
	}

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	se, ok := sberrors.As(err)
	require.True(t, ok)
	assert.Equal(t, sberrors.KindCapacity, se.Kind)
}

func TestReleaseReturnsToPoolUnderTargetSize(t *testing.T) {
	rt := newFakeRuntime()
	p := New(testConfig(), rt)
	p.Initialize(context.Background())

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Release(context.Background(), c.ID)

	stats := p.Stats()
	assert.Equal(t, 0, stats.Allocated)
	rt.mu.Lock()
	assert.False(t, rt.removed[c.ID])
	rt.mu.Unlock()
}

func TestReleaseDestroysWhenAboveTargetAndCapacity(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.TargetSize = 0
	cfg.MinSize = 0
	p := New(cfg, rt)
	p.Initialize(context.Background())

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Release(context.Background(), c.ID)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.True(t, rt.removed[c.ID])
}

func TestAllocatedNeverLeaksAcrossRelease(t *testing.T) {
	rt := newFakeRuntime()
	p := New(testConfig(), rt)
	p.Initialize(context.Background())

	c, _ := p.Acquire(context.Background())
	p.Release(context.Background(), c.ID)
	// Double release of the same id is a no-op, not a leak or a crash.
	p.Release(context.Background(), c.ID)

	stats := p.Stats()
	assert.LessOrEqual(t, stats.Available+stats.Allocated, cfgMaxSize(p))
}

func cfgMaxSize(p *Pool) int {
	return p.cfg.MaxSize
}

func TestMetricsRecordCreateAndDestroyWhenWired(t *testing.T) {
	rt := newFakeRuntime()
	cfg := testConfig()
	cfg.TargetSize = 0
	cfg.MinSize = 0
	cfg.Metrics = metrics.New("pool-metrics-test")
	p := New(cfg, rt)
	p.Initialize(context.Background())

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(cfg.Metrics.ContainersCreated))

	p.Release(context.Background(), c.ID)
	assert.Equal(t, float64(1), testutil.ToFloat64(cfg.Metrics.ContainersDestroyed))
}

func TestCleanupAllDestroysEverything(t *testing.T) {
	rt := newFakeRuntime()
	p := New(testConfig(), rt)
	p.Initialize(context.Background())
	_, _ = p.Acquire(context.Background())

	p.CleanupAll(context.Background())

	stats := p.Stats()
	assert.Equal(t, 0, stats.Available)
	assert.Equal(t, 0, stats.Allocated)
}
