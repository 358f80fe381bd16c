// Package tlsconfig derives the TLS configurations for the two listeners
// from the operator-supplied certificate material. The QUIC endpoint always
// uses it; the HTTP ingress only wraps in production mode.
package tlsconfig

import (
	"crypto/tls"

	"github.com/pkg/errors"

	sgquic "github.com/stormgrok/stormgrokd/quic"
)

// LoadCertificate reads the certificate chain and private key pair used by
// both public endpoints.
func LoadCertificate(certPath, keyPath string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, errors.Wrapf(err, "error parsing X509 key pair from %s and %s", certPath, keyPath)
	}
	return cert, nil
}

// QUICServerConfig is the TLS configuration of the agent QUIC endpoint.
// quic-go enforces TLS 1.3 on its own; only the ALPN needs pinning.
func QUICServerConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{sgquic.ALPNProtocol},
	}
}

// HTTPServerConfig is the TLS configuration of the public ingress in
// production mode.
func HTTPServerConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.CurveP256,
		},
	}
}
