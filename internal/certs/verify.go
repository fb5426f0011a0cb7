package certs

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"
)

// HandshakeInfo describes a completed TLS handshake with the upstream server.
type HandshakeInfo struct {
	Version          string
	CipherSuite      string
	PeerCertificates int
	Elapsed          time.Duration
}

// Handshake dials host:port and performs a TLS handshake, reporting the
// negotiated protocol parameters. It makes no HTTP request.
func Handshake(ctx context.Context, host string, port int, tlsConfig *tls.Config, timeout time.Duration) (HandshakeInfo, error) {
	var info HandshakeInfo
	if host == "" {
		return info, fmt.Errorf("host must be provided")
	}

	cfg := tlsConfig
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		cfg = cfg.Clone()
	}
	if cfg.ServerName == "" && net.ParseIP(host) == nil {
		cfg.ServerName = host
	}

	dialer := &net.Dialer{Timeout: timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	peer := net.JoinHostPort(host, strconv.Itoa(port))
	start := time.Now()
	conn, err := tls.DialWithDialer(dialer, "tcp", peer, cfg)
	if err != nil {
		return info, fmt.Errorf("tls dial %s: %w", peer, err)
	}
	defer conn.Close()

	state := conn.ConnectionState()
	if !state.HandshakeComplete {
		return info, fmt.Errorf("handshake incomplete")
	}

	info.Elapsed = time.Since(start)
	info.Version = tls.VersionName(state.Version)
	info.CipherSuite = tls.CipherSuiteName(state.CipherSuite)
	info.PeerCertificates = len(state.PeerCertificates)
	return info, nil
}
