package chat

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// sessionState tracks where a live connection is in its lifecycle.
type sessionState int32

const (
	stateConnecting sessionState = iota
	stateJoined
	stateStreaming
	stateClosing
	stateClosed
)

// session is one live websocket attachment to a room. The send channel is
// bounded; a full channel marks the consumer too slow to keep.
type session struct {
	id     string
	chatID int64
	userID int64
	handle string

	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte

	state atomic.Int32

	// sendMu guards the shutdown handshake between trySend and close so the
	// send channel is never written after it is closed.
	sendMu    sync.RWMutex
	shutdown  bool
	closeOnce sync.Once
}

func (s *session) setState(state sessionState) {
	s.state.Store(int32(state))
}

func (s *session) currentState() sessionState {
	return sessionState(s.state.Load())
}

// trySend queues a payload without blocking. It reports false when the
// session is closed or its buffer is full; callers treat that as an eviction
// signal.
func (s *session) trySend(payload []byte) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.shutdown {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *session) writeLoop() {
	defer s.close()
	for payload := range s.send {
		if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

// close tears the session down exactly once: unregister, release the socket,
// drain the writer. Safe to call from the read loop, the write loop, and
// broadcast eviction concurrently.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.setState(stateClosing)
		s.sendMu.Lock()
		s.shutdown = true
		s.sendMu.Unlock()
		s.gateway.detach(s)
		close(s.send)
		_ = s.conn.Close()
		s.setState(stateClosed)
	})
}
