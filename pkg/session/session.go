package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session is the state for one live audio connection. It is owned by the
// Registry; other components hold a reference, never the lifecycle.
type Session struct {
	ID          uuid.UUID
	CreatedAt   time.Time
	Participant map[string]any

	audio        chan []byte
	done         chan struct{}
	active       atomic.Bool
	lastActivity atomic.Int64
	endOnce      sync.Once
}

func newSession(participant map[string]any, queueSize int, now time.Time) *Session {
	if participant == nil {
		participant = map[string]any{}
	}
	s := &Session{
		ID:          uuid.New(),
		CreatedAt:   now,
		Participant: participant,
		audio:       make(chan []byte, queueSize),
		done:        make(chan struct{}),
	}
	s.active.Store(true)
	s.lastActivity.Store(now.UnixNano())
	return s
}

// PushAudio enqueues an inbound audio chunk without blocking. A full queue
// drops the chunk and reports false; the consumer is behind, not gone.
func (s *Session) PushAudio(data []byte) bool {
	if len(data) == 0 || !s.active.Load() {
		return false
	}
	select {
	case s.audio <- data:
		return true
	default:
		return false
	}
}

// Audio is the inbound queue. A nil element is the end sentinel; consumers
// should also select on Done in case the sentinel could not be enqueued.
func (s *Session) Audio() <-chan []byte { return s.audio }

// Done is closed exactly once when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) IsActive() bool { return s.active.Load() }

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// end marks the session inactive and unblocks any consumer waiting on the
// audio queue. Safe to call more than once.
func (s *Session) end() {
	s.endOnce.Do(func() {
		s.active.Store(false)
		select {
		case s.audio <- nil:
		default:
		}
		close(s.done)
	})
}
