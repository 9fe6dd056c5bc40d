package server

import (
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oauth-ext/ciba"
	"github.com/giantswarm/oauth-ext/mtls"
	"github.com/giantswarm/oauth-ext/par"
	"github.com/giantswarm/oauth-ext/scopepolicy"
)

// Endpoint paths relative to the issuer
const (
	PushedAuthorizationPath       = "/oauth/par"
	BackchannelAuthenticationPath = "/oauth/bc-authorize"
	TokenPath                     = "/oauth/token"
)

// Config holds the extension server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AllowInsecureHTTP permits an http issuer outside localhost.
	// WARNING: Tokens, proofs and client secrets travel in clear text.
	// Default: false
	AllowInsecureHTTP bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// SigningKeys is the server's public key set. It verifies id_token_hint
	// values and JWT subject tokens in token exchange.
	SigningKeys jose.JSONWebKeySet

	// Policy is the scope policy. Nil uses scopepolicy.DefaultPolicy().
	Policy *scopepolicy.Policy

	DPoP          DPoPConfig
	MTLS          MTLSConfig
	PAR           PARConfig
	CIBA          CIBAConfig
	TokenExchange TokenExchangeConfig

	// CleanupInterval is how often expired pushed and backchannel requests
	// are swept. Default: 1 minute. Negative disables the sweeper.
	CleanupInterval time.Duration
}

// DPoPConfig configures proof-of-possession validation
type DPoPConfig struct {
	// MaxProofAge is the maximum age of a proof (default: 60s)
	MaxProofAge time.Duration

	// ClockSkew is the allowance for client clocks (default: 5s)
	ClockSkew time.Duration

	// Algorithms restricts the accepted proof algorithms (default: all supported)
	Algorithms []jose.SignatureAlgorithm

	// RequireNonce makes the token endpoint issue DPoP nonces and require them
	// in proofs. Instances sharing NonceSecret accept each other's nonces.
	RequireNonce bool

	// NonceSecret keys the nonce HMAC. Generated when empty.
	NonceSecret []byte

	// NonceWindow is how long a nonce stays current (default: 5m)
	NonceWindow time.Duration
}

// MTLSConfig configures certificate client authentication
type MTLSConfig struct {
	// TrustCertificateHeaders accepts client certificates forwarded by a
	// TLS-terminating proxy in request headers.
	// WARNING: Only enable when the proxy strips these headers from clients.
	// Default: false
	TrustCertificateHeaders bool

	// Headers overrides the forwarded certificate header priority order
	Headers []string

	// EndpointAliases lists the mTLS endpoint aliases. When set, certificate
	// authentication is only accepted on these URLs.
	EndpointAliases []string

	ChainVerifier     mtls.ChainVerifier
	RevocationChecker mtls.RevocationChecker

	// RequireChainVerification fails startup when no ChainVerifier is set
	RequireChainVerification bool
}

// PARConfig configures pushed authorization requests
type PARConfig struct {
	// TTL is the lifetime of a pushed request (default: 10 minutes)
	TTL time.Duration

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// Default: false
	AllowPKCEPlain bool

	// RequestObjectVerifier verifies signed request objects
	// (default: par.ClientJWKSVerifier)
	RequestObjectVerifier par.RequestObjectVerifier
}

// CIBAConfig configures backchannel authentication
type CIBAConfig struct {
	// DefaultExpiry is the request lifetime when none is requested (default: 5m)
	DefaultExpiry time.Duration

	// MaxExpiry bounds requested_expiry (default: 30m)
	MaxExpiry time.Duration

	// Interval is the minimum polling interval (default: 5s)
	Interval time.Duration

	// UserCodeSupported accepts the user_code hint
	UserCodeSupported bool

	// NotificationTimeout bounds each ping or push delivery (default: 10s)
	NotificationTimeout time.Duration

	// Notifier delivers ping and push notifications
	// (default: ciba.HTTPNotifier with http.DefaultClient)
	Notifier ciba.Notifier

	// IDTokenHintMaxAge is how long after its exp an id_token_hint is accepted
	// (default: 24h)
	IDTokenHintMaxAge time.Duration
}

// TokenExchangeConfig configures RFC 8693 token exchange
type TokenExchangeConfig struct {
	// Disabled turns the token exchange grant off
	Disabled bool
}

// TokenEndpoint returns the full token endpoint URL
func (c *Config) TokenEndpoint() string {
	return c.endpoint(TokenPath)
}

// PushedAuthorizationEndpoint returns the full pushed authorization request endpoint URL
func (c *Config) PushedAuthorizationEndpoint() string {
	return c.endpoint(PushedAuthorizationPath)
}

// BackchannelAuthenticationEndpoint returns the full backchannel authentication endpoint URL
func (c *Config) BackchannelAuthenticationEndpoint() string {
	return c.endpoint(BackchannelAuthenticationPath)
}

func (c *Config) endpoint(path string) string {
	return strings.TrimSuffix(c.Issuer, "/") + path
}

// accessTokenTTL returns AccessTokenTTL as a duration
func (c *Config) accessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}
