package quic

import (
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// SafeStream wraps a quic.Stream so that it can be piped against a TCP
// socket: CloseWrite half-closes the send direction (the peer reads EOF),
// and Close also cancels the receive direction so no goroutine is left
// blocked on a dead stream. Writes and closes are serialized.
type SafeStream struct {
	lock   sync.Mutex
	stream quic.Stream
}

func NewSafeStream(stream quic.Stream) *SafeStream {
	return &SafeStream{
		stream: stream,
	}
}

func (s *SafeStream) Read(p []byte) (n int, err error) {
	return s.stream.Read(p)
}

func (s *SafeStream) Write(p []byte) (n int, err error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stream.Write(p)
}

// CloseWrite prevents further writes, which surfaces as EOF on the peer's
// read side. The receive direction stays usable.
func (s *SafeStream) CloseWrite() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stream.Close()
}

// Close tears the whole stream down, receive direction included.
func (s *SafeStream) Close() error {
	// Unblock a writer stuck on a congested or dead stream so the lock can
	// be acquired.
	_ = s.stream.SetWriteDeadline(time.Now())

	s.lock.Lock()
	defer s.lock.Unlock()

	s.stream.CancelRead(0)
	return s.stream.Close()
}
