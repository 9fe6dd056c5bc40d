package mtls

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Certificate-carrying headers
const (
	HeaderClientCert            = "X-Client-Cert"
	HeaderSSLClientCert         = "X-SSL-Client-Cert"
	HeaderForwardedClientCert   = "X-Forwarded-Client-Cert"
	HeaderClientCertificate     = "X-Client-Certificate"
	HeaderSSLClientCertNoPrefix = "SSL-Client-Cert"
	HeaderClientCertDER         = "X-Client-Cert-DER"

	// SourceTLS marks a certificate taken from the TLS connection state
	SourceTLS = "tls"

	// MaxHeaderLength bounds a certificate header accepted for parsing
	MaxHeaderLength = 16 * 1024
)

// DefaultHeaders is the header priority order
var DefaultHeaders = []string{
	HeaderClientCert,
	HeaderSSLClientCert,
	HeaderForwardedClientCert,
	HeaderClientCertificate,
	HeaderSSLClientCertNoPrefix,
	HeaderClientCertDER,
}

// ErrNoCertificate is returned when a request carries no client certificate
var ErrNoCertificate = errors.New("no client certificate presented")

// ExtractFromHeaders returns the certificate carried by the first non-empty
// header of DefaultHeaders. It returns ErrNoCertificate when none is set.
func ExtractFromHeaders(header http.Header) (*Certificate, error) {
	return extract(header, DefaultHeaders)
}

func extract(header http.Header, names []string) (*Certificate, error) {
	for _, name := range names {
		value := header.Get(name)
		if value == "" {
			continue
		}
		if len(value) > MaxHeaderLength {
			return nil, fmt.Errorf("%s header too large", strings.ToLower(name))
		}

		source := strings.ToLower(name)
		switch http.CanonicalHeaderKey(name) {
		case http.CanonicalHeaderKey(HeaderClientCertDER):
			der, err := decodeBase64(value)
			if err != nil {
				return nil, fmt.Errorf("invalid %s header: %w", source, err)
			}
			return ParseDER(der, source)
		case http.CanonicalHeaderKey(HeaderForwardedClientCert):
			pemValue, err := xfccCertificate(value)
			if err != nil {
				return nil, fmt.Errorf("invalid %s header: %w", source, err)
			}
			return ParsePEM(pemValue, source)
		default:
			return ParsePEM(value, source)
		}
	}
	return nil, ErrNoCertificate
}

// ExtractFromTLS returns the leaf peer certificate of a TLS connection
func ExtractFromTLS(state *tls.ConnectionState) (*Certificate, error) {
	if state == nil || len(state.PeerCertificates) == 0 {
		return nil, ErrNoCertificate
	}
	return fromX509(state.PeerCertificates[0], SourceTLS), nil
}

func decodeBase64(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if der, err := enc.DecodeString(value); err == nil {
			return der, nil
		}
	}
	return nil, errors.New("not base64")
}

// xfccCertificate returns the Cert value of the first XFCC element carrying
// one. Elements are comma separated, key=value pairs semicolon separated, and
// values may be quoted.
func xfccCertificate(value string) (string, error) {
	for _, element := range splitQuoted(value, ',') {
		for _, pair := range splitQuoted(element, ';') {
			key, val, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || !strings.EqualFold(key, "Cert") {
				continue
			}
			val = strings.Trim(val, `"`)
			if val == "" {
				continue
			}
			return val, nil
		}
	}
	return "", errors.New("no Cert element")
}

// splitQuoted splits s on sep outside double quotes
func splitQuoted(s string, sep byte) []string {
	var (
		parts   []string
		start   int
		inQuote bool
	)
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '\\' && inQuote:
			i++
		case s[i] == '"':
			inQuote = !inQuote
		case s[i] == sep && !inQuote:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
