package session

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a live session.
type State int32

const (
	StateConnecting State = iota
	StateBackfilling
	StateLive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateBackfilling:
		return "backfilling"
	case StateLive:
		return "live"
	default:
		return "closing"
	}
}

// Transport is one subscriber connection. Send is only ever called from the session goroutine.
// Inbound is closed when the subscriber disconnects.
type Transport interface {
	Send(msg []byte) error
	Inbound() <-chan []byte
}

// Session is the per-connection state tracked by the manager.
type Session struct {
	ID        uuid.UUID
	Address   string
	StartedAt time.Time
	state     atomic.Int32
}

func newSession(address string, now time.Time) *Session {
	s := &Session{ID: uuid.New(), Address: address, StartedAt: now}
	s.setState(StateConnecting)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}
