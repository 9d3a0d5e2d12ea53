package socks5

import (
	"io"
	"sync"
	"sync/atomic"
)

// connCloser combines io.Closer with comparable for map key usage, so either
// a *net.TCPConn or a WebSocket-backed net.Conn can be tracked under the
// same instantiation.
type connCloser interface {
	comparable
	io.Closer
}

// connTracker is the set of sessions a listener currently has open, so
// Server.Stop and WebSocketListener.Stop can sever every in-flight session
// at once instead of waiting for each to notice the listener went away.
type connTracker[T connCloser] struct {
	mu       sync.RWMutex
	sessions map[T]struct{}
	active   atomic.Int64
}

func newConnTracker[T connCloser]() *connTracker[T] {
	return &connTracker[T]{
		sessions: make(map[T]struct{}),
	}
}

func (t *connTracker[T]) add(conn T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[conn] = struct{}{}
	t.active.Add(1)
}

// remove is safe to call multiple times for the same connection.
func (t *connTracker[T]) remove(conn T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, tracked := t.sessions[conn]; tracked {
		delete(t.sessions, conn)
		t.active.Add(-1)
	}
}

// count reports the number of sessions currently tracked. It runs on every
// accept-loop admission check, so it reads the atomic counter without taking
// the mutex.
func (t *connTracker[T]) count() int64 {
	return t.active.Load()
}

// closeAll closes every tracked session and resets the tracker, so a
// subsequent Start on the same listener begins from an empty set.
func (t *connTracker[T]) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conn := range t.sessions {
		conn.Close()
	}
	t.sessions = make(map[T]struct{})
	t.active.Store(0)
}
