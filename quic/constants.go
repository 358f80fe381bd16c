package quic

import (
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol is the application protocol negotiated on every agent
	// connection.
	ALPNProtocol = "stormgrok"

	// MaxHandshakeBytes bounds the first bidirectional stream: one mode tag
	// byte plus the agent's JWT.
	MaxHandshakeBytes = 1000

	// HeartbeatInterval is how often a session proves the agent connection
	// is still alive.
	HeartbeatInterval = 4 * time.Second

	// MaxIdleTimeout is twice the heartbeat interval, so a silent agent is
	// detected within the liveness bound the ingress promises.
	MaxIdleTimeout = 2 * HeartbeatInterval

	// CloseCodeHandshakeFailure is the application error code carried on the
	// QUIC CONNECTION_CLOSE when a handshake is rejected.
	CloseCodeHandshakeFailure quic.ApplicationErrorCode = 1
)

// HeartbeatPayload is the body of every heartbeat unidirectional stream.
var HeartbeatPayload = []byte("ping")
