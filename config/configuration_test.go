package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFullConfig(t *testing.T) {
	raw := []byte(`
env: prod
server:
  host: 0.0.0.0
  http_port: 3000
  quic_port: 5000
auth:
  users:
    - alice@example.com
  host_domains:
    - example.com
tls:
  cert: /etc/stormgrok/cert.pem
  key: /etc/stormgrok/key.pem
logging:
  level: debug
`)
	config, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, Prod, config.Env)
	assert.Equal(t, "0.0.0.0:3000", config.HTTPAddr())
	assert.Equal(t, "0.0.0.0:5000", config.QUICAddr())
	assert.Equal(t, []string{"alice@example.com"}, config.Auth.Users)
	assert.Equal(t, []string{"example.com"}, config.Auth.HostDomains)
	assert.Equal(t, "debug", config.Logging.Level)
}

func TestParseDefaults(t *testing.T) {
	raw := []byte(`
server:
  host: 127.0.0.1
  http_port: 3000
  quic_port: 5000
auth:
  users: [alice@example.com]
tls:
  cert: cert.pem
  key: key.pem
`)
	config, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, Dev, config.Env)
	assert.Equal(t, "info", config.Logging.Level)
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	var tests = []struct {
		desc string
		raw  string
	}{
		{"unknown env", "env: staging\nserver: {host: a, http_port: 1, quic_port: 2}\nauth: {users: [a]}\ntls: {cert: c, key: k}"},
		{"missing host", "server: {http_port: 1, quic_port: 2}\nauth: {users: [a]}\ntls: {cert: c, key: k}"},
		{"missing http port", "server: {host: a, quic_port: 2}\nauth: {users: [a]}\ntls: {cert: c, key: k}"},
		{"missing quic port", "server: {host: a, http_port: 1}\nauth: {users: [a]}\ntls: {cert: c, key: k}"},
		{"colliding ports", "server: {host: a, http_port: 1, quic_port: 1}\nauth: {users: [a]}\ntls: {cert: c, key: k}"},
		{"missing tls", "server: {host: a, http_port: 1, quic_port: 2}\nauth: {users: [a]}"},
		{"empty allow lists", "server: {host: a, http_port: 1, quic_port: 2}\ntls: {cert: c, key: k}"},
		{"not yaml", "{{{"},
	}
	for _, test := range tests {
		_, err := Parse([]byte(test.raw))
		assert.Error(t, err, test.desc)
	}
}
