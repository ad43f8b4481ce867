// Package tlsutil builds client TLS configuration for the wss and https
// endpoints from the transport settings.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/dskow/rpclink/internal/config"
)

// ClientConfig builds a *tls.Config from the transport TLS settings. When no
// CA file is given the system root pool is used.
func ClientConfig(cfg config.TLSConfig) (*tls.Config, error) {
	tc := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in, warned at load time
	}

	switch cfg.MinVersion {
	case "", "1.2":
		tc.MinVersion = tls.VersionTLS12
	case "1.3":
		tc.MinVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("unsupported TLS min version %q", cfg.MinVersion)
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tc.RootCAs = pool
	}

	return tc, nil
}
