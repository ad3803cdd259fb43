package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/scribe/pkg/errorsx"
	"github.com/harunnryd/scribe/pkg/logging"
	"github.com/harunnryd/scribe/pkg/metrics"
)

// ErrCapacityExceeded is returned by Create when the table is at its cap.
var ErrCapacityExceeded = errorsx.New("maximum concurrent sessions reached", errorsx.ReasonCapacityExceeded)

const defaultQueueSize = 256

// Registry owns the table of active sessions and enforces the concurrency
// cap. The mutex covers table mutation and lookup only; it is never held
// across anything that can block on I/O.
type Registry struct {
	mu        sync.Mutex
	sessions  map[uuid.UUID]*Session
	cap       int
	queueSize int
	now       func() time.Time
	obs       metrics.Observer
	logger    *slog.Logger
}

func NewRegistry(maxSessions int, obs metrics.Observer) *Registry {
	if maxSessions <= 0 {
		maxSessions = 10
	}
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	return &Registry{
		sessions:  make(map[uuid.UUID]*Session),
		cap:       maxSessions,
		queueSize: defaultQueueSize,
		now:       time.Now,
		obs:       obs,
		logger:    logging.NewComponentLogger(nil, "session_registry"),
	}
}

// Create allocates a fresh session, failing with ErrCapacityExceeded when
// the active count is already at the cap.
func (r *Registry) Create(participant map[string]any) (*Session, error) {
	r.mu.Lock()
	if len(r.sessions) >= r.cap {
		r.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	s := newSession(participant, r.queueSize, r.now())
	r.sessions[s.ID] = s
	count := len(r.sessions)
	r.mu.Unlock()

	r.logger.Info("session_created", slog.String("session_id", s.ID.String()), slog.Int("active", count))
	r.obs.RecordEvent(metrics.Event{Name: metrics.EventSessionCreated, Time: s.CreatedAt, Value: float64(count)})
	return s, nil
}

func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Touch refreshes the last-activity timestamp; absent sessions are a no-op.
func (r *Registry) Touch(id uuid.UUID) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	if ok {
		s.touch(r.now())
	}
}

// End tears a session down: marks it inactive, enqueues the audio sentinel
// and removes it from the table, all under the lock so a concurrent queue
// reader cannot miss the wakeup.
func (r *Registry) End(id uuid.UUID) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		s.end()
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.logger.Info("session_ended", slog.String("session_id", id.String()), slog.Int("active", count))
	r.obs.RecordEvent(metrics.Event{Name: metrics.EventSessionEnded, Time: r.now(), Value: float64(count)})
	return true
}

func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) Cap() int { return r.cap }

// ReclaimIdle tears down every session idle for longer than timeout and
// returns how many were removed. The caller runs this on a fixed interval.
func (r *Registry) ReclaimIdle(timeout time.Duration) int {
	now := r.now()
	var reaped []uuid.UUID

	r.mu.Lock()
	for id, s := range r.sessions {
		if now.Sub(s.LastActivity()) > timeout {
			s.end()
			delete(r.sessions, id)
			reaped = append(reaped, id)
		}
	}
	count := len(r.sessions)
	r.mu.Unlock()

	for _, id := range reaped {
		r.logger.Warn("session_reclaimed", slog.String("session_id", id.String()), slog.Duration("timeout", timeout))
		r.obs.RecordEvent(metrics.Event{Name: metrics.EventSessionReclaimed, Time: now, Value: float64(count)})
	}
	return len(reaped)
}

// EndAll drains the whole table, used on service shutdown.
func (r *Registry) EndAll() {
	r.mu.Lock()
	ids := make([]uuid.UUID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.End(id)
	}
}
