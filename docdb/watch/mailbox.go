package watch

import "sync"

// mailbox runs queued callbacks in order on its own goroutine. Posting never blocks.
type mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.pending = append(m.pending, fn)
	m.cond.Signal()
}

// close drops pending callbacks and stops the goroutine after the current callback.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.pending = nil
	m.cond.Signal()
}

func (m *mailbox) run() {
	for {
		m.mu.Lock()
		for len(m.pending) == 0 && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		fn := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		fn()
	}
}
