package certs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestHandshakeReportsNegotiatedParameters(t *testing.T) {
	caCert, caKey := mustCreateCA(t)
	serverCert, serverKey := mustCreateServerCert(t, caCert, caKey)

	serverTLSCert, err := tls.X509KeyPair(serverCert, serverKey)
	if err != nil {
		t.Fatalf("load server keypair: %v", err)
	}

	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server.TLS = &tls.Config{Certificates: []tls.Certificate{serverTLSCert}}
	server.StartTLS()
	defer server.Close()

	host, port := splitServerURL(t, server.URL)

	caPath := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caPath, caCert, 0o600); err != nil {
		t.Fatalf("write CA bundle: %v", err)
	}
	tlsConfig, err := ClientTLSConfig(true, caPath)
	if err != nil {
		t.Fatalf("ClientTLSConfig: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := Handshake(ctx, host, port, tlsConfig, 5*time.Second)
	if err != nil {
		t.Fatalf("Handshake returned error: %v", err)
	}
	if info.Version == "" || info.CipherSuite == "" {
		t.Fatalf("expected negotiated parameters, got %+v", info)
	}
	if info.PeerCertificates == 0 {
		t.Fatalf("expected peer certificates, got %+v", info)
	}
	if info.Elapsed <= 0 {
		t.Fatalf("expected positive elapsed time, got %s", info.Elapsed)
	}
}

func TestHandshakeFailsForUntrustedChain(t *testing.T) {
	caCert, caKey := mustCreateCA(t)
	serverCert, serverKey := mustCreateServerCert(t, caCert, caKey)

	serverTLSCert, err := tls.X509KeyPair(serverCert, serverKey)
	if err != nil {
		t.Fatalf("load server keypair: %v", err)
	}

	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server.TLS = &tls.Config{Certificates: []tls.Certificate{serverTLSCert}}
	server.StartTLS()
	defer server.Close()

	host, port := splitServerURL(t, server.URL)

	// Verification enabled with no CA bundle falls back to the system store,
	// which does not trust the test CA.
	tlsConfig, err := ClientTLSConfig(true, "")
	if err != nil {
		t.Fatalf("ClientTLSConfig: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := Handshake(ctx, host, port, tlsConfig, 5*time.Second); err == nil {
		t.Fatalf("expected handshake failure against untrusted chain")
	}
}

func TestClientTLSConfig(t *testing.T) {
	cfg, err := ClientTLSConfig(false, "")
	if err != nil {
		t.Fatalf("ClientTLSConfig: %v", err)
	}
	if !cfg.InsecureSkipVerify {
		t.Fatalf("expected verification disabled")
	}

	if _, err := ClientTLSConfig(true, filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Fatalf("expected error for missing bundle")
	}

	junk := filepath.Join(t.TempDir(), "junk.pem")
	if err := os.WriteFile(junk, []byte("not a certificate"), 0o600); err != nil {
		t.Fatalf("write junk bundle: %v", err)
	}
	if _, err := ClientTLSConfig(true, junk); err == nil {
		t.Fatalf("expected error for unusable bundle")
	}
}

func splitServerURL(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil {
		t.Fatalf("parse server port: %v", err)
	}
	return parsed.Hostname(), port
}

func mustCreateCA(t *testing.T) ([]byte, *rsa.PrivateKey) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "ssodiag Test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create CA cert: %v", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), priv
}

func mustCreateServerCert(t *testing.T, caCertPEM []byte, caKey *rsa.PrivateKey) ([]byte, []byte) {
	caCert, err := parseCert(caCertPEM)
	if err != nil {
		t.Fatalf("parse CA cert: %v", err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate server key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &priv.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create server cert: %v", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
}

func parseCert(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("failed to decode pem")
	}
	return x509.ParseCertificate(block.Bytes)
}
