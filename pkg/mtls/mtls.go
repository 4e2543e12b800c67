// Package mtls builds mutual TLS configurations shared by the HTTP API, the
// gRPC health endpoint and outbound adapter clients.
//
// All configurations require TLS 1.3 and verify the peer against a CA bundle.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// Config holds PEM file paths. CAFile verifies the peer; CertFile/KeyFile are
// presented to it.
type Config struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	CAFile   string
}

// Validate returns nil when TLS is disabled; otherwise all three files must
// be set and readable.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertFile == "" {
		return errors.New("certificate file path cannot be empty")
	}
	if c.KeyFile == "" {
		return errors.New("key file path cannot be empty")
	}
	if c.CAFile == "" {
		return errors.New("CA certificate file path cannot be empty")
	}
	for _, path := range []string{c.CertFile, c.KeyFile, c.CAFile} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("tls file %q: %w", path, err)
		}
	}
	return nil
}

// ServerConfig returns a server configuration that presents CertFile and
// requires client certificates signed by CAFile.
func (c Config) ServerConfig() (*tls.Config, error) {
	cert, pool, err := c.load()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientConfig returns a client configuration that presents CertFile and
// verifies servers against CAFile.
func (c Config) ClientConfig() (*tls.Config, error) {
	cert, pool, err := c.load()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func (c Config) load() (tls.Certificate, *x509.CertPool, error) {
	probe := c
	probe.Enabled = true
	if err := probe.Validate(); err != nil {
		return tls.Certificate{}, nil, err
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("load key pair: %w", err)
	}

	caPEM, err := os.ReadFile(c.CAFile)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return tls.Certificate{}, nil, errors.New("failed to parse CA certificate")
	}
	return cert, pool, nil
}
