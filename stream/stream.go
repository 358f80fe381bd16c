// Package stream pairs two byte streams and copies both directions until one
// side finishes. It is the data plane between a public TCP socket and the
// QUIC stream that reaches the agent.
package stream

import (
	"io"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/stormgrok/stormgrokd/cfio"
)

// Stream is one side of a bidirectional pipe. CloseWrite propagates EOF to
// the peer without tearing down the read direction.
type Stream interface {
	io.Reader
	WriterCloser
}

type WriterCloser interface {
	io.Writer
	WriteCloser
}

type WriteCloser interface {
	CloseWrite() error
}

type nopCloseWriterAdapter struct {
	io.ReadWriter
}

// NopCloseWriterAdapter wraps a plain ReadWriter whose write side cannot be
// half-closed.
func NopCloseWriterAdapter(stream io.ReadWriter) *nopCloseWriterAdapter {
	return &nopCloseWriterAdapter{stream}
}

func (n *nopCloseWriterAdapter) CloseWrite() error {
	return nil
}

type bidirectionalStreamStatus struct {
	doneChan chan struct{}
	anyDone  uint32
}

func newBiStreamStatus() *bidirectionalStreamStatus {
	return &bidirectionalStreamStatus{
		doneChan: make(chan struct{}, 2),
		anyDone:  0,
	}
}

func (s *bidirectionalStreamStatus) markUniStreamDone() {
	atomic.StoreUint32(&s.anyDone, 1)
	s.doneChan <- struct{}{}
}

func (s *bidirectionalStreamStatus) isAnyDone() bool {
	return atomic.LoadUint32(&s.anyDone) > 0
}

// Pipe copies data between two plain ReadWriters until either direction
// finishes.
func Pipe(public, tunnel io.ReadWriter, log *zerolog.Logger) {
	PipeBidirectional(NopCloseWriterAdapter(public), NopCloseWriterAdapter(tunnel), log)
}

// PipeBidirectional runs two concurrent copies, public->tunnel and
// tunnel->public, and returns as soon as either direction reaches EOF or
// errors. EOF on a read is propagated to the destination by half-closing its
// write side. The caller remains responsible for closing both streams fully;
// the direction still running dies when its sockets close.
func PipeBidirectional(public, tunnel Stream, log *zerolog.Logger) {
	status := newBiStreamStatus()

	go unidirectionalStream(tunnel, public, "public->tunnel", status, log)
	go unidirectionalStream(public, tunnel, "tunnel->public", status, log)

	<-status.doneChan
}

func unidirectionalStream(dst WriterCloser, src io.Reader, dir string, status *bidirectionalStreamStatus, log *zerolog.Logger) {
	defer func() {
		// Once one direction finishes the caller starts closing sockets, so
		// the peer goroutine may read or write a stream in a torn-down state.
		// Contain the fallout instead of crashing the process.
		if err := recover(); err != nil {
			if status.isAnyDone() {
				log.Debug().Msgf("recovered from panic in stream.Pipe for %s, error %s, %s", dir, err, debug.Stack())
			} else {
				log.Warn().Msgf("recovered from panic in stream.Pipe for %s, error %s, %s", dir, err, debug.Stack())
				sentry.CurrentHub().Recover(err)
				sentry.Flush(time.Second * 5)
			}
		}
	}()

	defer dst.CloseWrite()

	if _, err := cfio.Copy(dst, src); err != nil {
		log.Debug().Msgf("%s copy: %v", dir, err)
	}
	status.markUniStreamDone()
}
