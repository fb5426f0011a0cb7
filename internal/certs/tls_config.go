package certs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ClientTLSConfig builds the TLS configuration used for all upstream probes.
// When verify is true and a CA bundle path is supplied, that bundle replaces
// the system trust store for chain validation.
func ClientTLSConfig(verify bool, caBundlePath string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !verify,
	}
	if !verify || caBundlePath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(caBundlePath)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle %q: %w", caBundlePath, err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("CA bundle %q contains no usable certificates", caBundlePath)
	}
	cfg.RootCAs = roots
	return cfg, nil
}
