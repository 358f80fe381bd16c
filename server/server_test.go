package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormgrok/stormgrokd/auth"
	"github.com/stormgrok/stormgrokd/keystore"
	sgquic "github.com/stormgrok/stormgrokd/quic"
	"github.com/stormgrok/stormgrokd/registry"
	"github.com/stormgrok/stormgrokd/signal"
)

const testKid = "test-kid"

type fixture struct {
	server   *Server
	registry *registry.Registry
	shutdown *signal.Signal
	signing  jwk.Key
	cancel   context.CancelFunc
}

func newFixture(t *testing.T, policy auth.Policy) *fixture {
	t.Helper()
	log := zerolog.Nop()

	private, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signing, err := jwk.FromRaw(private)
	require.NoError(t, err)
	require.NoError(t, signing.Set(jwk.KeyIDKey, testKid))

	public, err := signing.PublicKey()
	require.NoError(t, err)
	jwks := jwk.NewSet()
	require.NoError(t, jwks.AddKey(public))
	jwksBody, err := json.Marshal(jwks)
	require.NoError(t, err)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=3600")
		_, _ = w.Write(jwksBody)
	}))
	t.Cleanup(upstream.Close)

	shutdown := signal.New(make(chan struct{}))
	reg := registry.New(shutdown, &log)
	keys := keystore.New(upstream.URL, &log)

	srv, err := New("127.0.0.1:0", generateTLSConfig(t), reg, keys, policy, &log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(cancel)

	return &fixture{server: srv, registry: reg, shutdown: shutdown, signing: signing, cancel: cancel}
}

func (f *fixture) signToken(t *testing.T, claims map[string]interface{}) []byte {
	t.Helper()
	builder := jwt.NewBuilder().
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour))
	for name, value := range claims {
		builder = builder.Claim(name, value)
	}
	token, err := builder.Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, f.signing))
	require.NoError(t, err)
	return signed
}

func (f *fixture) dial(t *testing.T, ctx context.Context) quic.Connection {
	t.Helper()
	conn, err := quic.DialAddr(ctx, f.server.Addr().String(), &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{sgquic.ALPNProtocol},
	}, nil)
	require.NoError(t, err)
	return conn
}

// handshake plays the agent side of the first-bidi-stream exchange and
// returns the assigned id.
func (f *fixture) handshake(t *testing.T, ctx context.Context, conn quic.Connection, modeTag byte, token []byte) (uuid.UUID, error) {
	t.Helper()
	handshakeStream, err := conn.OpenStreamSync(ctx)
	require.NoError(t, err)

	_, err = handshakeStream.Write(append([]byte{modeTag}, token...))
	require.NoError(t, err)
	require.NoError(t, handshakeStream.Close())

	reply := make([]byte, 16)
	if _, err := io.ReadFull(handshakeStream, reply); err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.FromBytes(reply)
	require.NoError(t, err)
	return id, nil
}

func allowAlice() auth.Policy {
	return auth.NewPolicy([]string{"alice@example.com"}, []string{"oda.com"})
}

func aliceClaims() map[string]interface{} {
	return map[string]interface{}{
		"email":          "alice@example.com",
		"email_verified": true,
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	f := newFixture(t, allowAlice())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)
	id, err := f.handshake(t, ctx, conn, 'h', f.signToken(t, aliceClaims()))
	require.NoError(t, err)

	// The 16 bytes written back name the same session the registry holds.
	endpoint, ok := f.registry.Resolve(id)
	require.True(t, ok)

	host, _, err := net.SplitHostPort(endpoint)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)

	// The server heartbeats the connection with "ping" uni streams.
	uni, err := conn.AcceptUniStream(ctx)
	require.NoError(t, err)
	beat, err := io.ReadAll(uni)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), beat)

	_ = conn.CloseWithError(0, "test over")
}

func TestPublicBytesReachTheAgent(t *testing.T) {
	f := newFixture(t, allowAlice())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)
	id, err := f.handshake(t, ctx, conn, 'h', f.signToken(t, aliceClaims()))
	require.NoError(t, err)

	// Agent side: echo every bidi stream the server opens.
	var streamsSeen atomic.Int64
	go func() {
		for {
			tunnelStream, err := conn.AcceptStream(ctx)
			if err != nil {
				return
			}
			streamsSeen.Add(1)
			go func() {
				_, _ = io.Copy(tunnelStream, tunnelStream)
				_ = tunnelStream.Close()
			}()
		}
	}()

	endpoint, ok := f.registry.Resolve(id)
	require.True(t, ok)

	const concurrent = 100
	var wg sync.WaitGroup
	for n := 0; n < concurrent; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			public, err := net.Dial("tcp", endpoint)
			if !assert.NoError(t, err) {
				return
			}
			defer public.Close()

			payload := []byte(fmt.Sprintf("request-%d", n))
			_, err = public.Write(payload)
			assert.NoError(t, err)

			echoed := make([]byte, len(payload))
			assert.NoError(t, public.SetReadDeadline(time.Now().Add(10*time.Second)))
			_, err = io.ReadFull(public, echoed)
			assert.NoError(t, err)
			assert.Equal(t, payload, echoed)
		}(n)
	}
	wg.Wait()

	// Every public connection rode its own fresh stream.
	assert.Eventually(t, func() bool {
		return streamsSeen.Load() == concurrent
	}, 5*time.Second, 50*time.Millisecond)

	_ = conn.CloseWithError(0, "test over")
}

func TestUnauthorizedTokenClosesConnection(t *testing.T) {
	f := newFixture(t, allowAlice())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)
	token := f.signToken(t, map[string]interface{}{
		"email":          "mallory@example.com",
		"email_verified": false,
		"hd":             "evil.com",
	})

	_, err := f.handshake(t, ctx, conn, 'h', token)
	require.Error(t, err)

	var appErr *quic.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, sgquic.CloseCodeHandshakeFailure, appErr.ErrorCode)
	assert.Contains(t, appErr.ErrorMessage, "not authorized")

	assert.Zero(t, f.registry.Len())
	assert.False(t, f.shutdown.Notified())
}

func TestGarbageTokenClosesConnection(t *testing.T) {
	f := newFixture(t, allowAlice())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)
	_, err := f.handshake(t, ctx, conn, 't', []byte("not-a-jwt"))
	require.Error(t, err)

	var appErr *quic.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, sgquic.CloseCodeHandshakeFailure, appErr.ErrorCode)

	assert.Zero(t, f.registry.Len())
}

func TestClosedAgentIsUnregistered(t *testing.T) {
	f := newFixture(t, allowAlice())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn := f.dial(t, ctx)
	id, err := f.handshake(t, ctx, conn, 'h', f.signToken(t, aliceClaims()))
	require.NoError(t, err)

	_, ok := f.registry.Resolve(id)
	require.True(t, ok)

	// The agent closes its connection; the session notices within two beats
	// and the registry entry disappears.
	_ = conn.CloseWithError(0, "vanishing")

	assert.Eventually(t, func() bool {
		_, ok := f.registry.Resolve(id)
		return !ok
	}, 2*sgquic.HeartbeatInterval+2*time.Second, 100*time.Millisecond)
	assert.False(t, f.shutdown.Notified())
}

// generateTLSConfig builds a throwaway self-signed server config.
func generateTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	require.NoError(t, err)
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{sgquic.ALPNProtocol},
	}
}
