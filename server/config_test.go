package server

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestApplyTimeDefaults(t *testing.T) {
	tests := []struct {
		name                      string
		input                     *Config
		expectedAccessTokenTTL    int64
		expectedTrustedProxyCount int
		expectedCleanupInterval   time.Duration
	}{
		{
			name:                      "all zeros should get defaults",
			input:                     &Config{},
			expectedAccessTokenTTL:    3600,
			expectedTrustedProxyCount: 1,
			expectedCleanupInterval:   time.Minute,
		},
		{
			name: "custom values should be preserved",
			input: &Config{
				AccessTokenTTL:    900,
				TrustedProxyCount: 2,
				CleanupInterval:   5 * time.Minute,
			},
			expectedAccessTokenTTL:    900,
			expectedTrustedProxyCount: 2,
			expectedCleanupInterval:   5 * time.Minute,
		},
		{
			name: "negative cleanup interval is kept and disables the sweeper",
			input: &Config{
				CleanupInterval: -1,
			},
			expectedAccessTokenTTL:    3600,
			expectedTrustedProxyCount: 1,
			expectedCleanupInterval:   -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applyTimeDefaults(tt.input)

			if tt.input.AccessTokenTTL != tt.expectedAccessTokenTTL {
				t.Errorf("AccessTokenTTL = %d, want %d", tt.input.AccessTokenTTL, tt.expectedAccessTokenTTL)
			}
			if tt.input.TrustedProxyCount != tt.expectedTrustedProxyCount {
				t.Errorf("TrustedProxyCount = %d, want %d", tt.input.TrustedProxyCount, tt.expectedTrustedProxyCount)
			}
			if tt.input.CleanupInterval != tt.expectedCleanupInterval {
				t.Errorf("CleanupInterval = %v, want %v", tt.input.CleanupInterval, tt.expectedCleanupInterval)
			}
		})
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr string
	}{
		{
			name:   "https issuer",
			config: &Config{Issuer: "https://auth.example.com"},
		},
		{
			name:   "http on localhost",
			config: &Config{Issuer: "http://localhost:8080"},
		},
		{
			name:   "http on loopback IP",
			config: &Config{Issuer: "http://127.0.0.1:8080"},
		},
		{
			name:    "http on a remote host",
			config:  &Config{Issuer: "http://auth.example.com"},
			wantErr: "SECURITY ERROR",
		},
		{
			name:   "http on a remote host explicitly allowed",
			config: &Config{Issuer: "http://auth.example.com", AllowInsecureHTTP: true},
		},
		{
			name:    "missing issuer",
			config:  &Config{},
			wantErr: "issuer is required",
		},
		{
			name:    "unsupported scheme",
			config:  &Config{Issuer: "ftp://auth.example.com"},
			wantErr: "scheme",
		},
		{
			name:    "missing host",
			config:  &Config{Issuer: "https://"},
			wantErr: "missing host",
		},
		{
			name:    "negative access token TTL",
			config:  &Config{Issuer: "https://auth.example.com", AccessTokenTTL: -1},
			wantErr: "access token TTL",
		},
		{
			name: "short nonce secret",
			config: &Config{
				Issuer: "https://auth.example.com",
				DPoP:   DPoPConfig{RequireNonce: true, NonceSecret: []byte("short")},
			},
			wantErr: "at least 32 bytes",
		},
		{
			name: "short nonce secret ignored without nonces",
			config: &Config{
				Issuer: "https://auth.example.com",
				DPoP:   DPoPConfig{NonceSecret: []byte("short")},
			},
		},
	}

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.config, logger)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validateConfig() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("validateConfig() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validateConfig() error = %q, want it to contain %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateHTTPSEnforcement_LocalhostWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	if err := validateHTTPSEnforcement(&Config{Issuer: "http://localhost:8080"}, logger); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "DEVELOPMENT WARNING") {
		t.Errorf("expected development warning, got %q", buf.String())
	}

	buf.Reset()
	if err := validateHTTPSEnforcement(&Config{Issuer: "http://localhost:8080", AllowInsecureHTTP: true}, logger); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no warning when HTTP is allowed, got %q", buf.String())
	}
}

func TestLogSecurityWarnings(t *testing.T) {
	tests := []struct {
		name                string
		config              *Config
		expectedWarnings    []string
		notExpectedWarnings []string
	}{
		{
			name:   "plain PKCE allowed warning",
			config: &Config{PAR: PARConfig{AllowPKCEPlain: true}},
			expectedWarnings: []string{
				"SECURITY WARNING: Plain PKCE method is ALLOWED",
			},
		},
		{
			name:   "trust proxy warning",
			config: &Config{TrustProxy: true},
			expectedWarnings: []string{
				"SECURITY NOTICE: Trusting proxy headers",
			},
		},
		{
			name:   "trusted certificate headers warning",
			config: &Config{MTLS: MTLSConfig{TrustCertificateHeaders: true}},
			expectedWarnings: []string{
				"SECURITY NOTICE: Trusting forwarded client certificate headers",
			},
		},
		{
			name:   "insecure HTTP error",
			config: &Config{AllowInsecureHTTP: true},
			expectedWarnings: []string{
				"CRITICAL SECURITY WARNING: HTTP is explicitly allowed",
			},
		},
		{
			name:   "token exchange disabled notice",
			config: &Config{TokenExchange: TokenExchangeConfig{Disabled: true}},
			expectedWarnings: []string{
				"Token exchange grant is disabled",
			},
		},
		{
			name:   "no warnings for secure config",
			config: &Config{},
			notExpectedWarnings: []string{
				"SECURITY WARNING",
				"SECURITY NOTICE",
				"CRITICAL",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			logSecurityWarnings(tt.config, logger)

			output := buf.String()
			for _, expected := range tt.expectedWarnings {
				if !strings.Contains(output, expected) {
					t.Errorf("expected warning %q not found in output: %s", expected, output)
				}
			}
			for _, notExpected := range tt.notExpectedWarnings {
				if strings.Contains(output, notExpected) {
					t.Errorf("unexpected warning %q found in output: %s", notExpected, output)
				}
			}
		})
	}
}

func TestConfig_Endpoints(t *testing.T) {
	config := &Config{Issuer: "https://auth.example.com/"}

	if got := config.TokenEndpoint(); got != "https://auth.example.com/oauth/token" {
		t.Errorf("TokenEndpoint() = %q", got)
	}
	if got := config.PushedAuthorizationEndpoint(); got != "https://auth.example.com/oauth/par" {
		t.Errorf("PushedAuthorizationEndpoint() = %q", got)
	}
	if got := config.BackchannelAuthenticationEndpoint(); got != "https://auth.example.com/oauth/bc-authorize" {
		t.Errorf("BackchannelAuthenticationEndpoint() = %q", got)
	}
}

func TestConfig_AccessTokenTTL(t *testing.T) {
	if got := (&Config{AccessTokenTTL: 900}).accessTokenTTL(); got != 15*time.Minute {
		t.Errorf("accessTokenTTL() = %v, want 15m", got)
	}
}
