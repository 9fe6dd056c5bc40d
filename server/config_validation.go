package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/giantswarm/oauth-ext/internal/util"
)

// oauth21SecurityURL is referenced by transport security warnings
const oauth21SecurityURL = "https://datatracker.ietf.org/doc/html/draft-ietf-oauth-v2-1-10#section-1.5"

// applySecureDefaults applies secure-by-default configuration values.
// This follows the principle: secure by default, opt-in for less secure options.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration.
// Component packages apply their own defaults to zero durations.
func applyTimeDefaults(config *Config) {
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Minute
	}
}

// validateConfig rejects configurations the server cannot run with safely
func validateConfig(config *Config, logger *slog.Logger) error {
	if config.Issuer == "" {
		return errors.New("issuer is required")
	}
	if config.AccessTokenTTL < 0 {
		return fmt.Errorf("access token TTL must not be negative (got %d)", config.AccessTokenTTL)
	}
	if config.TrustedProxyCount < 0 {
		return fmt.Errorf("trusted proxy count must not be negative (got %d)", config.TrustedProxyCount)
	}
	if config.DPoP.RequireNonce && len(config.DPoP.NonceSecret) > 0 && len(config.DPoP.NonceSecret) < 32 {
		return fmt.Errorf("DPoP nonce secret must be at least 32 bytes (got %d)", len(config.DPoP.NonceSecret))
	}
	return validateHTTPSEnforcement(config, logger)
}

// validateHTTPSEnforcement ensures that the issuer uses HTTPS outside of
// localhost development. HTTP on localhost is allowed with a warning; HTTP
// anywhere else requires AllowInsecureHTTP.
func validateHTTPSEnforcement(config *Config, logger *slog.Logger) error {
	issuerURL, err := url.Parse(config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if issuerURL.Host == "" {
		return fmt.Errorf("invalid issuer URL %q: missing host", config.Issuer)
	}

	switch issuerURL.Scheme {
	case "https":
		return nil
	case "http":
	default:
		return fmt.Errorf("invalid issuer URL scheme %q", issuerURL.Scheme)
	}

	hostname := issuerURL.Hostname()
	if util.IsLoopbackHost(hostname) {
		if !config.AllowInsecureHTTP {
			logger.Warn("DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", config.Issuer,
				"risk", "Credentials exposed on local network",
				"to_suppress", "Set AllowInsecureHTTP=true in Config",
				"learn_more", oauth21SecurityURL)
		}
		return nil
	}

	if !config.AllowInsecureHTTP {
		return fmt.Errorf(
			"SECURITY ERROR: Issuer must use HTTPS in production (got %s://%s). "+
				"To run on localhost for development, set AllowInsecureHTTP=true",
			issuerURL.Scheme,
			hostname,
		)
	}
	return nil
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.PAR.AllowPKCEPlain {
		logger.Warn("SECURITY WARNING: Plain PKCE method is ALLOWED for pushed requests",
			"risk", "Weak code challenge protection",
			"recommendation", "Set PAR.AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if config.MTLS.TrustCertificateHeaders {
		logger.Warn("SECURITY NOTICE: Trusting forwarded client certificate headers",
			"risk", "Client impersonation if the proxy forwards client-supplied headers",
			"recommendation", "Strip certificate headers from incoming requests at the proxy")
	}
	if config.AllowInsecureHTTP {
		logger.Error("CRITICAL SECURITY WARNING: HTTP is explicitly allowed",
			"risk", "Tokens, DPoP proofs and client credentials exposed to network interception",
			"recommendation", "Use HTTPS in all environments",
			"learn_more", oauth21SecurityURL)
	}
	if config.TokenExchange.Disabled {
		logger.Info("Token exchange grant is disabled")
	}
}
