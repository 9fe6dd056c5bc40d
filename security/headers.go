package security

import (
	"net/http"
	"strings"
)

// SetSecurityHeaders sets security headers on responses of the OAuth endpoints.
// Token endpoint responses must never be cached (RFC 6749 section 5.1).
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if strings.HasPrefix(issuer, "https://") {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// SetDPoPNonce sets a fresh server nonce (RFC 9449 section 8) and exposes it to
// browser-based clients.
func SetDPoPNonce(w http.ResponseWriter, nonce string) {
	if nonce == "" {
		return
	}
	w.Header().Set("DPoP-Nonce", nonce)
	w.Header().Set("Access-Control-Expose-Headers", "DPoP-Nonce, WWW-Authenticate")
}
