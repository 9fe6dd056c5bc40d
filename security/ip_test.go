package security

import (
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name         string
		remoteAddr   string
		xff          string
		xRealIP      string
		trustProxy   bool
		trustedCount int
		want         string
	}{
		{"direct connection", "203.0.113.7:4242", "", "", false, 0, "203.0.113.7"},
		{"untrusted proxy headers ignored", "10.0.0.1:4242", "198.51.100.1", "", false, 0, "10.0.0.1"},
		{"single trusted proxy", "10.0.0.1:4242", "198.51.100.1, 10.0.0.9", "", true, 1, "198.51.100.1"},
		{"two trusted proxies", "10.0.0.1:4242", "198.51.100.1, 192.0.2.5, 10.0.0.9", "", true, 2, "198.51.100.1"},
		{"spoofed leftmost entry", "10.0.0.1:4242", "1.1.1.1, 198.51.100.1, 10.0.0.9", "", true, 1, "198.51.100.1"},
		{"short chain falls back to leftmost", "10.0.0.1:4242", "198.51.100.1", "", true, 3, "198.51.100.1"},
		{"x-real-ip", "10.0.0.1:4242", "", "198.51.100.2", true, 1, "198.51.100.2"},
		{"invalid xff falls back", "10.0.0.1:4242", "garbage, 10.0.0.9", "", true, 1, "10.0.0.1"},
		{"ipv6", "[2001:db8::1]:443", "", "", false, 0, "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/oauth/par", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := GetClientIP(r, tt.trustProxy, tt.trustedCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
