// Package config loads and validates the operator-facing YAML configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v3"
)

// DefaultConfigFiles lists the conventional config file names; the first one
// is the default value of the --config flag.
var DefaultConfigFiles = []string{"config.yml", "config.yaml"}

// Environment selects between local development and production behavior.
// In Prod the public HTTP listener is TLS-wrapped; in Dev it serves plain HTTP.
type Environment string

const (
	Dev  Environment = "dev"
	Prod Environment = "prod"
)

type Config struct {
	Env     Environment   `yaml:"env"`
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	TLS     TLSConfig     `yaml:"tls"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort uint16 `yaml:"http_port"`
	QUICPort uint16 `yaml:"quic_port"`
}

// AuthConfig carries the two allow-lists consulted during the agent
// handshake. Both are immutable for the process lifetime.
type AuthConfig struct {
	Users       []string `yaml:"users"`
	HostDomains []string `yaml:"host_domains"`
}

type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// HTTPAddr is the bind address of the public HTTP ingress.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(int(c.Server.HTTPPort)))
}

// QUICAddr is the bind address of the agent QUIC endpoint.
func (c *Config) QUICAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(int(c.Server.QUICPort)))
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading config file %s", path)
	}
	return Parse(raw)
}

// Parse decodes raw YAML and validates it.
func Parse(raw []byte) (*Config, error) {
	config := &Config{
		Env: Dev,
		Logging: LoggingConfig{
			Level: "info",
		},
	}
	if err := yaml.Unmarshal(raw, config); err != nil {
		return nil, errors.Wrap(err, "error parsing YAML in config file")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	switch c.Env {
	case Dev, Prod:
	default:
		return fmt.Errorf("env must be %q or %q, got %q", Dev, Prod, c.Env)
	}
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.HTTPPort == 0 {
		return errors.New("server.http_port is required")
	}
	if c.Server.QUICPort == 0 {
		return errors.New("server.quic_port is required")
	}
	if c.Server.HTTPPort == c.Server.QUICPort {
		// Legal at the socket level (TCP vs UDP) but always an operator mistake.
		return fmt.Errorf("server.http_port and server.quic_port are both %d", c.Server.HTTPPort)
	}
	if c.TLS.Cert == "" || c.TLS.Key == "" {
		return errors.New("tls.cert and tls.key are required; the QUIC endpoint cannot run without certificate material")
	}
	if len(c.Auth.Users) == 0 && len(c.Auth.HostDomains) == 0 {
		return errors.New("auth.users and auth.host_domains are both empty; no agent could ever connect")
	}
	return nil
}
