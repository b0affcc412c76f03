// Package reactive provides the two observable primitives the ORM binds to: a disposal
// scope that drives cache reference counting, and a shallow observable list.
package reactive

import "sync"

// Scope collects cleanup callbacks run together when the owner goes away.
type Scope struct {
	mu       sync.Mutex
	cleanups []func()
	disposed bool
}

// NewScope returns an active scope.
func NewScope() *Scope {
	return &Scope{}
}

// OnDispose registers fn. On an already disposed scope fn runs immediately.
func (s *Scope) OnDispose(fn func()) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		fn()
		return
	}
	s.cleanups = append(s.cleanups, fn)
	s.mu.Unlock()
}

// Dispose runs the registered callbacks, most recent first. Later calls are no-ops.
func (s *Scope) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	cleanups := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

// Disposed reports whether Dispose has been called.
func (s *Scope) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}
