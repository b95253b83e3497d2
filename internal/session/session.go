// Package session implements the thread<->session<->container index: the
// get_or_create/get/touch/destroy lifecycle, activity tracking, and the
// background sweeper that expires and idle-evicts sessions when no shared
// KV store's own TTL is doing that job.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/sandboxd/internal/metrics"
	"github.com/ocx/sandboxd/internal/pool"
	"github.com/ocx/sandboxd/internal/sberrors"
	"github.com/ocx/sandboxd/internal/store"
)

// Record is the session record persisted in the shared KV store (or held
// in-process), JSON-tagged for storage.
type Record struct {
	SessionID    string    `json:"session_id"`
	ThreadID     string    `json:"thread_id"`
	UserID       string    `json:"user_id"`
	ContainerID  string    `json:"container_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	WorkerID     string    `json:"worker_id"`
}

const (
	sessionKeyPrefix = "session:"
	threadKeyPrefix  = "thread:"
)

func sessionKey(sid string) string { return sessionKeyPrefix + sid }
func threadKey(tid string) string  { return threadKeyPrefix + tid }

// Manager owns the thread/session index, backed by a pluggable store.Store
// and a container pool.Pool. The same type serves both the in-process and
// the shared-KV-store-backed deployment — only the Store implementation
// passed to New differs.
type Manager struct {
	store    store.Store
	pool     *pool.Pool
	workerID string

	sessionTimeout    time.Duration
	idleTimeout       time.Duration
	aggressiveCleanup bool

	metrics     *metrics.Metrics
	activeCount int64
}

// Config bundles the manager's timeout knobs.
type Config struct {
	WorkerID          string
	SessionTimeout    time.Duration
	IdleTimeout       time.Duration
	AggressiveCleanup bool

	// Metrics is optional; when nil, session create/destroy events are
	// simply not recorded.
	Metrics *metrics.Metrics
}

// New constructs a session manager over the given store and pool.
func New(cfg Config, st store.Store, p *pool.Pool) *Manager {
	return &Manager{
		store:             st,
		pool:              p,
		workerID:          cfg.WorkerID,
		sessionTimeout:    cfg.SessionTimeout,
		idleTimeout:       cfg.IdleTimeout,
		aggressiveCleanup: cfg.AggressiveCleanup,
		metrics:           cfg.Metrics,
	}
}

// ActiveCount reports the number of sessions currently live on this
// manager, the value the /health route and the ActiveSessions gauge report.
func (m *Manager) ActiveCount() int {
	return int(atomic.LoadInt64(&m.activeCount))
}

func (m *Manager) recordSessionCreated() {
	n := atomic.AddInt64(&m.activeCount, 1)
	if m.metrics != nil {
		m.metrics.SessionsCreated.Inc()
		m.metrics.ActiveSessions.Set(float64(n))
	}
}

func (m *Manager) recordSessionDestroyed(reason string) {
	n := atomic.AddInt64(&m.activeCount, -1)
	if n < 0 {
		atomic.StoreInt64(&m.activeCount, 0)
		n = 0
	}
	if m.metrics != nil {
		m.metrics.RecordSessionDestroyed(reason)
		m.metrics.ActiveSessions.Set(float64(n))
	}
}

// GetOrCreate implements spec.md §4.3: reuse an existing thread binding if
// one is live, otherwise allocate a container and mint a new session. The
// returned status is "existing" or "created".
func (m *Manager) GetOrCreate(ctx context.Context, userID, threadID string) (*Record, string, error) {
	const maxRaceRetries = 3

	for attempt := 0; attempt < maxRaceRetries; attempt++ {
		sid, found, err := m.store.Get(ctx, threadKey(threadID))
		if err != nil {
			return nil, "", sberrors.Newf(sberrors.KindExecutionError, "reading thread mapping: %v", err)
		}
		if found {
			rec, exists, err := m.loadRecord(ctx, sid)
			if err != nil {
				return nil, "", err
			}
			if exists {
				m.touchRecord(ctx, rec)
				return rec, "existing", nil
			}
			// Dangling thread mapping: no matching session. Remove it,
			// treat it as a cache miss and fall through to create a fresh one.
			if err := m.store.Delete(ctx, threadKey(threadID)); err != nil {
				slog.Warn("session: get_or_create: delete dangling thread mapping failed", "thread_id", threadID, "error", err)
			}
		}

		c, err := m.pool.Acquire(ctx)
		if err != nil {
			return nil, "", err
		}

		newSid := uuid.New().String()
		claimed, err := m.store.SetNX(ctx, threadKey(threadID), newSid, m.sessionTimeout)
		if err != nil {
			m.pool.Release(ctx, c.ID)
			return nil, "", sberrors.Newf(sberrors.KindExecutionError, "claiming thread mapping: %v", err)
		}
		if !claimed {
			// Lost the race against a concurrent get_or_create for the
			// same thread_id; release the container we just allocated and
			// retry, which will observe the winner's mapping.
			m.pool.Release(ctx, c.ID)
			continue
		}

		now := time.Now()
		rec := &Record{
			SessionID:    newSid,
			ThreadID:     threadID,
			UserID:       userID,
			ContainerID:  c.ID,
			CreatedAt:    now,
			LastActivity: now,
			WorkerID:     m.workerID,
		}
		if err := m.persist(ctx, rec); err != nil {
			return nil, "", err
		}
		m.recordSessionCreated()
		return rec, "created", nil
	}

	return nil, "", sberrors.New(sberrors.KindExecutionError, "get_or_create: too much contention on thread_id")
}

// Get looks up a session by id. Returns (nil, false, nil) if absent.
func (m *Manager) Get(ctx context.Context, sid string) (*Record, bool, error) {
	return m.loadRecord(ctx, sid)
}

// GetByThread is a pure lookup of a thread's live session, with no
// side-effecting creation. A dangling thread mapping (no matching session)
// is treated as absent.
func (m *Manager) GetByThread(ctx context.Context, threadID string) (*Record, bool, error) {
	sid, found, err := m.store.Get(ctx, threadKey(threadID))
	if err != nil {
		return nil, false, sberrors.Newf(sberrors.KindExecutionError, "reading thread mapping: %v", err)
	}
	if !found {
		return nil, false, nil
	}
	return m.loadRecord(ctx, sid)
}

// Touch refreshes last_activity and re-writes the record with a full TTL.
func (m *Manager) Touch(ctx context.Context, sid string) error {
	rec, exists, err := m.loadRecord(ctx, sid)
	if err != nil {
		return err
	}
	if !exists {
		return sberrors.New(sberrors.KindSessionExpired, "session not found")
	}
	m.touchRecord(ctx, rec)
	return nil
}

func (m *Manager) touchRecord(ctx context.Context, rec *Record) {
	rec.LastActivity = time.Now()
	if err := m.persist(ctx, rec); err != nil {
		slog.Warn("session: touch: persist failed", "session_id", rec.SessionID, "error", err)
	}
}

// Destroy removes the thread and session mappings and returns the
// container to the pool. All steps are idempotent; errors are logged only.
func (m *Manager) Destroy(ctx context.Context, sid string) {
	m.destroy(ctx, sid, "explicit")
}

func (m *Manager) destroy(ctx context.Context, sid string, reason string) {
	rec, exists, err := m.loadRecord(ctx, sid)
	if err != nil {
		slog.Warn("session: destroy: read failed", "session_id", sid, "error", err)
		return
	}
	if !exists {
		return
	}

	if err := m.store.Delete(ctx, threadKey(rec.ThreadID)); err != nil {
		slog.Warn("session: destroy: delete thread mapping failed", "thread_id", rec.ThreadID, "error", err)
	}
	if err := m.store.Delete(ctx, sessionKey(sid)); err != nil {
		slog.Warn("session: destroy: delete session record failed", "session_id", sid, "error", err)
	}

	m.pool.Release(ctx, rec.ContainerID)
	m.recordSessionDestroyed(reason)
}

func (m *Manager) persist(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return sberrors.Newf(sberrors.KindExecutionError, "marshaling session record: %v", err)
	}
	if err := m.store.SetWithTTL(ctx, sessionKey(rec.SessionID), string(raw), m.sessionTimeout); err != nil {
		return sberrors.Newf(sberrors.KindExecutionError, "persisting session record: %v", err)
	}
	if err := m.store.SetWithTTL(ctx, threadKey(rec.ThreadID), rec.SessionID, m.sessionTimeout); err != nil {
		return sberrors.Newf(sberrors.KindExecutionError, "persisting thread mapping: %v", err)
	}
	return nil
}

func (m *Manager) loadRecord(ctx context.Context, sid string) (*Record, bool, error) {
	raw, found, err := m.store.Get(ctx, sessionKey(sid))
	if err != nil {
		return nil, false, sberrors.Newf(sberrors.KindExecutionError, "reading session record: %v", err)
	}
	if !found {
		return nil, false, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, sberrors.Newf(sberrors.KindExecutionError, "unmarshaling session record: %v", err)
	}
	return &rec, true, nil
}

// Sweep scans the given candidate session ids, destroying expired and
// (when aggressiveCleanup) idle ones. Only meaningful in in-process mode —
// a shared KV store's own TTL handles expiry there, per spec.md §4.3.
func (m *Manager) Sweep(ctx context.Context, candidateSessionIDs []string) {
	now := time.Now()
	for _, sid := range candidateSessionIDs {
		rec, exists, err := m.loadRecord(ctx, sid)
		if err != nil || !exists {
			continue
		}
		if now.Sub(rec.CreatedAt) > m.sessionTimeout {
			slog.Info("session: sweeper: expiring", "session_id", sid)
			m.destroy(ctx, sid, "expired")
			continue
		}
		if m.aggressiveCleanup && now.Sub(rec.LastActivity) > m.idleTimeout {
			slog.Info("session: sweeper: idle-evicting", "session_id", sid)
			m.destroy(ctx, sid, "idle")
		}
	}
}

// RunSweeper blocks, running Sweep every interval until ctx is done. list
// is called fresh on each tick to discover candidate session ids (the
// in-process store's Keys(), filtered to the session: prefix).
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration, list func() []string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx, list())
		}
	}
}

// SessionIDFromKey extracts a session id from a "session:<sid>" store key,
// used by callers building the sweeper's candidate list from MemStore.Keys().
func SessionIDFromKey(key string) (string, bool) {
	if len(key) <= len(sessionKeyPrefix) || key[:len(sessionKeyPrefix)] != sessionKeyPrefix {
		return "", false
	}
	return key[len(sessionKeyPrefix):], true
}
