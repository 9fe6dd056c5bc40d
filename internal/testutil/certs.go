package testutil

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"net/url"
	"testing"
	"time"
)

// CertOptions controls NewSelfSignedCert
type CertOptions struct {
	CommonName   string
	Organization string
	NotBefore    time.Time // now - 1h when zero
	NotAfter     time.Time // now + 24h when zero
}

// TestCert is a generated client certificate
type TestCert struct {
	Cert *x509.Certificate
	DER  []byte
	Key  *ecdsa.PrivateKey
}

// NewSelfSignedCert creates a self-signed ECDSA client certificate
func NewSelfSignedCert(t testing.TB, opts CertOptions) *TestCert {
	t.Helper()

	key := NewECKey(t)
	notBefore := opts.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-time.Hour)
	}
	notAfter := opts.NotAfter
	if notAfter.IsZero() {
		notAfter = time.Now().Add(24 * time.Hour)
	}
	cn := opts.CommonName
	if cn == "" {
		cn = "client.example.com"
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		t.Fatalf("failed to generate serial: %v", err)
	}
	subject := pkix.Name{CommonName: cn}
	if opts.Organization != "" {
		subject.Organization = []string{opts.Organization}
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return &TestCert{Cert: cert, DER: der, Key: key}
}

// PEM returns the PEM encoding of the certificate
func (c *TestCert) PEM() string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.DER}))
}

// URLEncodedPEM returns the PEM in the URL-encoded form nginx uses for $ssl_client_escaped_cert
func (c *TestCert) URLEncodedPEM() string {
	return url.QueryEscape(c.PEM())
}

// XFCC returns an Envoy x-forwarded-client-cert value carrying the certificate
func (c *TestCert) XFCC() string {
	return `By=spiffe://cluster.local/ns/default/sa/server;Hash=` + c.ThumbprintHex() +
		`;Cert="` + url.QueryEscape(c.PEM()) + `";Subject="CN=` + c.Cert.Subject.CommonName + `"`
}

// Thumbprint returns the base64url SHA-256 thumbprint (x5t#S256)
func (c *TestCert) Thumbprint() string {
	sum := sha256.Sum256(c.DER)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ThumbprintHex returns the hex SHA-256 thumbprint
func (c *TestCert) ThumbprintHex() string {
	sum := sha256.Sum256(c.DER)
	return hex.EncodeToString(sum[:])
}
