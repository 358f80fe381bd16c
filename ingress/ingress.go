// Package ingress terminates public HTTP(S) traffic and reverse-proxies
// each request to the loopback endpoint of the agent named by the first
// host label.
package ingress

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stormgrok/stormgrokd/cfio"
	"github.com/stormgrok/stormgrokd/registry"
)

const shutdownTimeout = 15 * time.Second

type Ingress struct {
	registry  *registry.Registry
	transport http.RoundTripper
	log       *zerolog.Logger
}

func New(reg *registry.Registry, log *zerolog.Logger) *Ingress {
	return &Ingress{
		registry: reg,
		// Bodies pass through untouched in both directions; the transport
		// must not inject Accept-Encoding and transparently decompress.
		transport: &http.Transport{
			DisableCompression:  true,
			MaxIdleConnsPerHost: 16,
		},
		log: log,
	}
}

// Handler routes every method and path through the subdomain lookup.
func (i *Ingress) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(i.logRequests)
	router.HandleFunc("/*", i.route)
	return router
}

// Serve binds the public endpoint and serves until ctx is canceled. With a
// non-nil tlsConf the listener is TLS-wrapped (production mode).
func (i *Ingress) Serve(ctx context.Context, addr string, tlsConf *tls.Config) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "error binding HTTP listener on %s", addr)
	}
	scheme := "http"
	if tlsConf != nil {
		listener = tls.NewListener(listener, tlsConf)
		scheme = "https"
	}
	i.log.Info().Msgf("Starting public ingress on %s://%s", scheme, addr)

	server := &http.Server{
		Handler: i.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}

// route resolves the first host label to a live agent and proxies the
// request to its loopback endpoint. Anything that does not name a live
// agent is answered directly with a short 404.
func (i *Ingress) route(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if host == "" {
		host = r.URL.Host
	}
	if host == "" {
		respond(w, http.StatusNotFound, "Your request needs a host header!\n")
		return
	}

	label := host
	if dot := strings.IndexByte(host, '.'); dot >= 0 {
		label = host[:dot]
	}
	id, err := uuid.Parse(label)
	if err != nil {
		respond(w, http.StatusNotFound, "The first host label does not name a client\n")
		return
	}

	endpoint, ok := i.registry.Resolve(id)
	if !ok {
		respond(w, http.StatusNotFound, "No active client found\n")
		return
	}

	i.forward(w, r, endpoint)
}

// forward streams the request to the agent's loopback endpoint and the
// response back, rewriting nothing but the target and the hop headers.
//
// TODO: only the unofficial X-Forwarded-For header is handled, not the
// official Forwarded one.
func (i *Ingress) forward(w http.ResponseWriter, r *http.Request, endpoint string) {
	outreq := r.Clone(r.Context())
	outreq.URL.Scheme = "http"
	outreq.URL.Host = endpoint
	outreq.RequestURI = ""

	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		outreq.Header.Set("X-Forwarded-For", ip)
	}

	resp, err := i.transport.RoundTrip(outreq)
	if err != nil {
		i.log.Error().Err(err).Msgf("Forwarding to %s failed", endpoint)
		respond(w, http.StatusInternalServerError, "")
		return
	}
	defer resp.Body.Close()

	headers := w.Header()
	for name, values := range resp.Header {
		// Connection is hop-by-hop and must not travel back to the caller.
		if http.CanonicalHeaderKey(name) == "Connection" {
			continue
		}
		for _, value := range values {
			headers.Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := cfio.CopyAndFlush(w, resp.Body); err != nil {
		i.log.Debug().Err(err).Msg("response copy interrupted")
	}
}

func (i *Ingress) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		i.log.Debug().
			Str("method", r.Method).
			Str("host", r.Host).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("handled public request")
	})
}

func respond(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
