package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session one live dashboard viewer attached to the hub.
//
// The outbound queue is never closed. Writers watch Done() to learn the session was
// removed.
type Session struct {
	ID       string
	outbound chan []byte
	done     chan struct{}
	dead     atomic.Bool
	lastSeen atomic.Int64
	once     sync.Once
}

func newSession(bufferSize int, now time.Time) *Session {
	s := &Session{
		ID:       uuid.New().String(),
		outbound: make(chan []byte, bufferSize),
		done:     make(chan struct{}),
	}
	s.lastSeen.Store(now.UnixNano())
	return s
}

// Outbound queue of serialized messages waiting to be written to the viewer
func (s *Session) Outbound() <-chan []byte {
	return s.outbound
}

// Done closed once the session is dead
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Touch record inbound traffic from the viewer
func (s *Session) Touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

// LastSeen when inbound traffic was last observed
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

// MarkDead flag the session as no longer deliverable
func (s *Session) MarkDead() {
	s.once.Do(func() {
		s.dead.Store(true)
		close(s.done)
	})
}

// IsDead whether the session has been marked dead
func (s *Session) IsDead() bool {
	return s.dead.Load()
}

// enqueue non-blocking push onto the outbound queue
func (s *Session) enqueue(payload []byte) bool {
	if s.IsDead() {
		return false
	}
	select {
	case s.outbound <- payload:
		return true
	default:
		return false
	}
}
