package oauthext

import (
	"log/slog"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oauth-ext/instrumentation"
	"github.com/giantswarm/oauth-ext/scopepolicy"
	"github.com/giantswarm/oauth-ext/server"
)

// Config holds the extension server configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// Issuer is the authorization server's issuer identifier (HTTPS base URL)
	Issuer string

	// AllowInsecureHTTP permits an http:// issuer outside localhost.
	// WARNING: Only for development behind a TLS-terminating proxy.
	AllowInsecureHTTP bool

	// SigningKeys verifies id_token_hint, login_hint_token and JWT subject
	// tokens issued by this authorization server
	SigningKeys jose.JSONWebKeySet

	// Policy is the scope policy. Nil uses scopepolicy.DefaultPolicy().
	Policy *scopepolicy.Policy

	// Protocol settings
	DPoP          DPoPConfig
	MTLS          MTLSConfig
	PAR           PARConfig
	CIBA          CIBAConfig
	TokenExchange TokenExchangeConfig
	Token         TokenConfig

	// Rate limiting configuration
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Instrumentation configures OpenTelemetry. Disabled by default.
	Instrumentation instrumentation.Config

	// CleanupInterval is how often expired pushed and backchannel requests
	// are swept. Default: 1 minute. Negative disables the sweeper.
	CleanupInterval time.Duration

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// Protocol configuration types are shared with the server package
type (
	DPoPConfig          = server.DPoPConfig
	MTLSConfig          = server.MTLSConfig
	PARConfig           = server.PARConfig
	CIBAConfig          = server.CIBAConfig
	TokenExchangeConfig = server.TokenExchangeConfig
)

// TokenConfig holds access token settings
type TokenConfig struct {
	// AccessTokenTTL is how long issued access tokens are valid.
	// Default: 1 hour.
	AccessTokenTTL time.Duration
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// ClientRate is requests per second allowed per authenticated client on
	// the PAR, backchannel and token endpoints. Zero disables.
	ClientRate int

	// ClientBurst is the maximum burst size per client.
	ClientBurst int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of the
	// server. Default: 1.
	TrustedProxyCount int
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// EncryptionKey is the AES-256 key (32 bytes) encrypting sensitive pushed
	// request parameters at rest. Nil disables encryption.
	EncryptionKey []byte

	// EnableAuditLogging enables security audit logging.
	// Logs authentication failures, proof and certificate rejections, scope
	// decisions and token issuance (sensitive data hashed).
	EnableAuditLogging bool
}

// serverConfig translates the public configuration into the server's
func (c *Config) serverConfig() *server.Config {
	return &server.Config{
		Issuer:            c.Issuer,
		AllowInsecureHTTP: c.AllowInsecureHTTP,
		TrustProxy:        c.RateLimit.TrustProxy,
		TrustedProxyCount: c.RateLimit.TrustedProxyCount,
		AccessTokenTTL:    int64(c.Token.AccessTokenTTL / time.Second),
		SigningKeys:       c.SigningKeys,
		Policy:            c.Policy,
		DPoP:              c.DPoP,
		MTLS:              c.MTLS,
		PAR:               c.PAR,
		CIBA:              c.CIBA,
		TokenExchange:     c.TokenExchange,
		CleanupInterval:   c.CleanupInterval,
	}
}
