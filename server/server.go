// Package server accepts agent QUIC connections, runs the authentication
// handshake, and births one session per authorized agent.
package server

import (
	"context"
	"crypto/tls"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/stormgrok/stormgrokd/auth"
	"github.com/stormgrok/stormgrokd/keystore"
	sgquic "github.com/stormgrok/stormgrokd/quic"
	"github.com/stormgrok/stormgrokd/registry"
	"github.com/stormgrok/stormgrokd/session"
)

type Server struct {
	listener *quic.Listener
	registry *registry.Registry
	keys     *keystore.KeyStore
	policy   auth.Policy
	log      *zerolog.Logger
}

// New binds the agent endpoint. A bind failure is fatal for the process.
func New(
	addr string,
	tlsConf *tls.Config,
	reg *registry.Registry,
	keys *keystore.KeyStore,
	policy auth.Policy,
	log *zerolog.Logger,
) (*Server, error) {
	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "error binding QUIC listener on %s", addr)
	}
	log.Info().Msgf("Starting QUIC server on %s", addr)
	return &Server{
		listener: listener,
		registry: reg,
		keys:     keys,
		policy:   policy,
		log:      log,
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		// A blackholed agent stops acknowledging our heartbeats; the idle
		// timeout surfaces that as a dead connection within two beats.
		MaxIdleTimeout: sgquic.MaxIdleTimeout,
	}
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts agent connections until ctx is canceled. Each connection
// handshakes on its own goroutine; agents never wait on each other.
func (s *Server) Serve(ctx context.Context) error {
	defer s.listener.Close()

	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "QUIC listener terminated")
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn quic.Connection) {
	sess, err := s.handshake(ctx, conn)
	if err != nil {
		s.log.Error().Msgf("Encountered %q while handshaking client", err)
		_ = conn.CloseWithError(sgquic.CloseCodeHandshakeFailure, err.Error())
		return
	}
	if err := sess.Serve(ctx); err != nil {
		s.log.Debug().Err(err).Msgf("Session %s ended", sess.ID())
	}
}

// handshake runs the first-bidi-stream exchange: mode tag plus JWT in, 16
// raw id bytes out. The reply is written and the registry entry inserted
// before the session starts accepting public traffic, so the ingress can
// never resolve an id whose listener will not answer.
func (s *Server) handshake(ctx context.Context, conn quic.Connection) (*session.Session, error) {
	handshakeStream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "agent never opened a handshake stream")
	}

	payload, err := readHandshake(handshakeStream)
	if err != nil {
		return nil, err
	}
	mode := session.ParseMode(payload[0])

	claims, err := auth.VerifyToken(ctx, s.keys, payload[1:])
	if err != nil {
		return nil, err
	}
	if err := s.policy.Authorize(claims); err != nil {
		return nil, err
	}

	id := uuid.New()
	listener, err := session.ListenAvailablePort()
	if err != nil {
		return nil, err
	}

	if _, err := handshakeStream.Write(id[:]); err != nil {
		listener.Close()
		return nil, errors.Wrap(err, "could not send client id")
	}
	if err := handshakeStream.Close(); err != nil {
		listener.Close()
		return nil, errors.Wrap(err, "could not finish handshake stream")
	}

	sess := session.New(id, mode, conn, listener, s.registry, s.log)
	s.registry.Connect(id, sess, sess.Endpoint())
	s.log.Info().Msgf("Client %s connected as %s in %s mode", id, claims.Email, mode)
	return sess, nil
}

func readHandshake(handshakeStream quic.Stream) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(handshakeStream, sgquic.MaxHandshakeBytes+1))
	if err != nil {
		return nil, errors.Wrap(err, "error reading handshake stream")
	}
	if len(payload) == 0 {
		return nil, errors.New("empty handshake")
	}
	if len(payload) > sgquic.MaxHandshakeBytes {
		return nil, errors.Errorf("handshake larger than %d bytes", sgquic.MaxHandshakeBytes)
	}
	return payload, nil
}
