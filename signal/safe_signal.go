package signal

import (
	"sync"
)

// Signal is a one-time event that many goroutines can wait on. The process
// stop handle is a Signal: the registry tripwire, the OS signal watcher, and
// tests all call Notify, and the supervisor tears everything down once.
type Signal struct {
	ch   chan struct{}
	once sync.Once
}

// New wraps a channel and turns it into a signal for a one-time event.
func New(ch chan struct{}) *Signal {
	return &Signal{
		ch:   ch,
		once: sync.Once{},
	}
}

// Notify alerts any goroutines waiting on this signal that the event has occurred.
// After the first call to Notify(), future calls are no-op.
func (s *Signal) Notify() {
	s.once.Do(func() {
		close(s.ch)
	})
}

// Wait returns a channel that is closed when Notify() is called for the
// first time.
func (s *Signal) Wait() <-chan struct{} {
	return s.ch
}

// Notified reports whether Notify has already been called.
func (s *Signal) Notified() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
