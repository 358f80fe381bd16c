// Package session owns one connected agent: its QUIC connection, its
// private loopback listener, and every in-flight forwarder between the two.
package session

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	sgquic "github.com/stormgrok/stormgrokd/quic"
	"github.com/stormgrok/stormgrokd/registry"
	"github.com/stormgrok/stormgrokd/stream"
)

var errStopped = errors.New("session stopped")

// tunnelConn is the slice of the QUIC connection API a session needs. The
// concrete quic.Connection satisfies it; tests substitute fakes.
type tunnelConn interface {
	OpenStreamSync(context.Context) (quic.Stream, error)
	OpenUniStream() (quic.SendStream, error)
	AcceptUniStream(context.Context) (quic.ReceiveStream, error)
	CloseWithError(quic.ApplicationErrorCode, string) error
}

// Session bridges one agent's loopback TCP listener onto its QUIC
// connection. It exclusively owns both; the registry only ever sees the
// loopback endpoint string and a Stop handle.
type Session struct {
	id       uuid.UUID
	mode     Mode
	conn     tunnelConn
	listener net.Listener
	registry *registry.Registry
	log      zerolog.Logger

	heartbeatEvery time.Duration

	stopOnce sync.Once
	stopC    chan struct{}
}

func New(
	id uuid.UUID,
	mode Mode,
	conn quic.Connection,
	listener net.Listener,
	reg *registry.Registry,
	log *zerolog.Logger,
) *Session {
	return newSession(id, mode, conn, listener, reg, log)
}

func newSession(
	id uuid.UUID,
	mode Mode,
	conn tunnelConn,
	listener net.Listener,
	reg *registry.Registry,
	log *zerolog.Logger,
) *Session {
	sessionLog := log.With().Str("client", id.String()).Logger()
	return &Session{
		id:             id,
		mode:           mode,
		conn:           conn,
		listener:       listener,
		registry:       reg,
		log:            sessionLog,
		heartbeatEvery: sgquic.HeartbeatInterval,
		stopC:          make(chan struct{}),
	}
}

func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) Mode() Mode { return s.mode }

// Endpoint is the loopback address the HTTP ingress proxies to.
func (s *Session) Endpoint() string { return s.listener.Addr().String() }

// Stop terminates the session from outside. Safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopC)
	})
}

// Serve runs the session until the heartbeat fails, the listener dies, the
// QUIC connection closes, or Stop is called. On the way out it removes the
// registry entry and releases the listener; in-flight forwarders die when
// their sockets close.
func (s *Session) Serve(ctx context.Context) error {
	defer func() {
		s.registry.Disconnect(s.id)
		_ = s.listener.Close()
		_ = s.conn.CloseWithError(0, "")
		s.log.Info().Msgf("Client %s is stopped", s.id)
	}()

	s.log.Info().Msgf("Serving %s tunnel on %s", s.mode, s.Endpoint())

	errGroup, gctx := errgroup.WithContext(ctx)
	errGroup.Go(func() error {
		return s.heartbeat(gctx)
	})
	errGroup.Go(func() error {
		return s.acceptLoop(gctx)
	})
	errGroup.Go(func() error {
		return s.drainUniStreams(gctx)
	})
	errGroup.Go(func() error {
		select {
		case <-s.stopC:
			return errStopped
		case <-gctx.Done():
			return nil
		}
	})
	return errGroup.Wait()
}

// heartbeat opens a fresh unidirectional stream at a fixed cadence, writes
// the ping payload and finishes the stream. Any failure means the agent is
// gone: the returned error cancels the whole session.
func (s *Session) heartbeat(ctx context.Context) error {
	s.log.Info().Msg("Started heartbeat")
	ticker := time.NewTicker(s.heartbeatEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return errors.Wrap(err, "encountered connection error in heartbeat stream")
			}
		}
	}
}

func (s *Session) ping() error {
	pipe, err := s.conn.OpenUniStream()
	if err != nil {
		return err
	}
	if _, err := pipe.Write(sgquic.HeartbeatPayload); err != nil {
		return err
	}
	return pipe.Close()
}

// acceptLoop turns every accepted public TCP socket into an independent
// forwarder. Forwarders do not coordinate; one failing leaves the rest
// untouched.
func (s *Session) acceptLoop(ctx context.Context) error {
	stopAccepting := context.AfterFunc(ctx, func() {
		_ = s.listener.Close()
	})
	defer stopAccepting()

	for {
		public, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "loopback listener terminated")
		}
		go s.forward(ctx, public)
	}
}

// forward pairs one public TCP socket with one fresh QUIC bidirectional
// stream and copies both directions until either side finishes.
func (s *Session) forward(ctx context.Context, public net.Conn) {
	defer public.Close()

	s.log.Info().Msgf("Forwarding to client %s", s.id)
	tunnelStream, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		// Opening a stream only fails when the connection itself is dead, so
		// take the whole session down rather than limp along.
		s.log.Error().Err(err).Msg("could not open stream to client")
		s.Stop()
		return
	}
	tunnel := sgquic.NewSafeStream(tunnelStream)
	defer tunnel.Close()

	stream.PipeBidirectional(asPipeStream(public), tunnel, &s.log)
}

// drainUniStreams consumes unidirectional streams the agent opens toward us.
// They carry no payload semantics; draining keeps the peer's flow control
// happy.
func (s *Session) drainUniStreams(ctx context.Context) error {
	for {
		uni, err := s.conn.AcceptUniStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "agent connection closed")
		}
		go func() {
			_, _ = io.Copy(io.Discard, uni)
		}()
	}
}

func asPipeStream(conn net.Conn) stream.Stream {
	if tcp, ok := conn.(*net.TCPConn); ok {
		return tcp
	}
	return stream.NopCloseWriterAdapter(conn)
}
