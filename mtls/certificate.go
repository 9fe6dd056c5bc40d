package mtls

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	pemHeader = "-----BEGIN CERTIFICATE-----"
	pemFooter = "-----END CERTIFICATE-----"

	pemLineLength = 64

	// minThumbprintLength is the size of a SHA-256 digest
	minThumbprintLength = 32
)

// pemBlock matches a certificate body. Separators inside the markers may be
// spaces or '+' when the value was form-encoded.
var pemBlock = regexp.MustCompile(`-----BEGIN[ +]CERTIFICATE-----(?s)(.*?)-----END[ +]CERTIFICATE-----`)

// Certificate is a parsed client certificate. It is derived per request and
// never stored.
type Certificate struct {
	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time

	// Thumbprint is SHA-256 over the DER encoding
	Thumbprint []byte

	// ThumbprintS256 is the base64url Thumbprint, the cnf.x5t#S256 value
	ThumbprintS256 string

	DER []byte

	// Source is the header the certificate was read from, or "tls"
	Source string

	X509 *x509.Certificate
}

// ParseDER parses a DER-encoded certificate
func ParseDER(der []byte, source string) (*Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return fromX509(cert, source), nil
}

// ParsePEM normalizes and parses a PEM certificate as relayed by a proxy
func ParsePEM(raw, source string) (*Certificate, error) {
	normalized, err := NormalizePEM(raw)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode([]byte(normalized))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no certificate PEM block")
	}
	return ParseDER(block.Bytes, source)
}

func fromX509(cert *x509.Certificate, source string) *Certificate {
	sum := sha256.Sum256(cert.Raw)
	serial := ""
	if cert.SerialNumber != nil {
		serial = cert.SerialNumber.String()
	}
	return &Certificate{
		Subject:        cert.Subject.String(),
		Issuer:         cert.Issuer.String(),
		SerialNumber:   serial,
		NotBefore:      cert.NotBefore,
		NotAfter:       cert.NotAfter,
		Thumbprint:     sum[:],
		ThumbprintS256: base64.RawURLEncoding.EncodeToString(sum[:]),
		DER:            cert.Raw,
		Source:         source,
		X509:           cert,
	}
}

// NormalizePEM turns a proxy-relayed certificate into canonical PEM: the value
// is URL-decoded, manual "\n" escapes, tabs and spaces are removed from the
// body, and the base64 body is re-wrapped at 64 columns. BEGIN and END markers
// are required.
func NormalizePEM(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", errors.New("empty certificate")
	}
	if strings.Contains(value, "%") {
		decoded, err := url.PathUnescape(value)
		if err != nil {
			return "", fmt.Errorf("invalid URL encoding: %w", err)
		}
		value = decoded
	}
	value = strings.Trim(value, `"`)

	m := pemBlock.FindStringSubmatch(value)
	if m == nil {
		return "", errors.New("missing BEGIN/END CERTIFICATE markers")
	}

	body := m[1]
	body = strings.ReplaceAll(body, `\n`, "")
	body = strings.ReplaceAll(body, `\r`, "")
	body = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, body)
	if body == "" {
		return "", errors.New("empty certificate body")
	}
	if _, err := base64.StdEncoding.DecodeString(body); err != nil {
		return "", fmt.Errorf("invalid certificate body: %w", err)
	}

	var b strings.Builder
	b.WriteString(pemHeader)
	b.WriteByte('\n')
	for len(body) > pemLineLength {
		b.WriteString(body[:pemLineLength])
		b.WriteByte('\n')
		body = body[pemLineLength:]
	}
	b.WriteString(body)
	b.WriteByte('\n')
	b.WriteString(pemFooter)
	b.WriteByte('\n')
	return b.String(), nil
}

// checkValidity applies the well-formedness constraints in order: not
// expired, not used before its validity window, SHA-256 thumbprint present.
func checkValidity(cert *Certificate, now time.Time) *Error {
	if now.After(cert.NotAfter) {
		return clientError(ReasonExpired, fmt.Errorf("certificate expired at %s", cert.NotAfter.UTC().Format(time.RFC3339)))
	}
	if now.Before(cert.NotBefore) {
		return clientError(ReasonNotYetValid, fmt.Errorf("certificate not valid before %s", cert.NotBefore.UTC().Format(time.RFC3339)))
	}
	if len(cert.Thumbprint) < minThumbprintLength {
		return clientError(ReasonThumbprint, errors.New("certificate thumbprint is too short"))
	}
	return nil
}
