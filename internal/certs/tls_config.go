package certs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ClientTLS describes the client certificate used for mutating requests.
type ClientTLS struct {
	CertPath string
	// KeyPath may be empty when the private key is stored in the
	// certificate file itself.
	KeyPath string
	CAPath  string
	// Verify enables server certificate verification. The allocation
	// authority usually runs with a self-signed certificate.
	Verify bool
}

// LoadClientTLSConfig loads an mTLS client configuration.
func LoadClientTLSConfig(opts ClientTLS) (*tls.Config, error) {
	if opts.CertPath == "" {
		return nil, fmt.Errorf("client certificate path must be provided")
	}
	keyPath := opts.KeyPath
	if keyPath == "" {
		keyPath = opts.CertPath
	}

	certificate, err := tls.LoadX509KeyPair(opts.CertPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}

	tlsConfig, err := AnonymousTLSConfig(opts.Verify, opts.CAPath)
	if err != nil {
		return nil, err
	}
	tlsConfig.Certificates = []tls.Certificate{certificate}
	return tlsConfig, nil
}

// AnonymousTLSConfig returns the configuration used for read-only requests,
// which carry no client certificate.
func AnonymousTLSConfig(verify bool, caPath string) (*tls.Config, error) {
	var roots *x509.CertPool
	if caPath != "" {
		data, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("invalid CA bundle")
		}
	}

	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		RootCAs:            roots,
		InsecureSkipVerify: !verify,
	}, nil
}
