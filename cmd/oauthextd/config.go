package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
)

// Options holds the daemon configuration. Every option can be set from the
// command line or the environment.
type Options struct {
	Listen      string `long:"listen" env:"OAUTHEXT_LISTEN" default:":8443" description:"Address the OAuth endpoints listen on"`
	AdminListen string `long:"admin-listen" env:"OAUTHEXT_ADMIN_LISTEN" default:"127.0.0.1:8444" description:"Loopback address for the backchannel approval endpoint (empty disables it)"`
	Issuer      string `long:"issuer" env:"OAUTHEXT_ISSUER" required:"true" description:"Issuer identifier (https base URL)"`

	TLSCert       string `long:"tls-cert" env:"OAUTHEXT_TLS_CERT" description:"TLS certificate file; enables HTTPS and client certificates"`
	TLSKey        string `long:"tls-key" env:"OAUTHEXT_TLS_KEY" description:"TLS private key file"`
	AllowInsecure bool   `long:"allow-insecure-http" env:"OAUTHEXT_ALLOW_INSECURE_HTTP" description:"Allow an http issuer outside localhost"`

	PolicyFile   string `long:"policy-file" env:"OAUTHEXT_POLICY_FILE" description:"YAML scope policy document"`
	RegistryFile string `long:"registry-file" env:"OAUTHEXT_REGISTRY_FILE" description:"YAML file of scopes, users and clients to register at startup"`
	SigningKeys  string `long:"signing-keys" env:"OAUTHEXT_SIGNING_KEYS" description:"JWKS file verifying id_token_hint and JWT subject tokens"`

	Storage string `long:"storage" env:"OAUTHEXT_STORAGE" default:"memory" choice:"memory" choice:"valkey" description:"Storage backend"`

	Valkey struct {
		Address   string `long:"valkey-address" env:"OAUTHEXT_VALKEY_ADDRESS" default:"localhost:6379" description:"Valkey address"`
		Password  string `long:"valkey-password" env:"OAUTHEXT_VALKEY_PASSWORD" description:"Valkey password"`
		DB        int    `long:"valkey-db" env:"OAUTHEXT_VALKEY_DB" default:"0" description:"Valkey database number"`
		KeyPrefix string `long:"valkey-key-prefix" env:"OAUTHEXT_VALKEY_KEY_PREFIX" description:"Prefix for every Valkey key"`
	} `group:"Valkey Options"`

	Security struct {
		EncryptionKey string `long:"encryption-key" env:"OAUTHEXT_ENCRYPTION_KEY" description:"Base64 AES-256 key encrypting pushed requests at rest"`
		Audit         bool   `long:"audit" env:"OAUTHEXT_AUDIT" description:"Enable security audit logging"`
		RateLimit     int    `long:"rate-limit" env:"OAUTHEXT_RATE_LIMIT" default:"10" description:"Requests per second per IP (0 disables)"`
		ClientLimit   int    `long:"client-rate-limit" env:"OAUTHEXT_CLIENT_RATE_LIMIT" default:"5" description:"Requests per second per client (0 disables)"`
		TrustProxy    bool   `long:"trust-proxy" env:"OAUTHEXT_TRUST_PROXY" description:"Trust X-Forwarded-* headers and forwarded client certificates"`
		ProxyCount    int    `long:"trusted-proxy-count" env:"OAUTHEXT_TRUSTED_PROXY_COUNT" default:"1" description:"Number of trusted proxies"`
		RequireNonce  bool   `long:"dpop-nonce" env:"OAUTHEXT_DPOP_NONCE" description:"Require server-issued DPoP nonces"`
	} `group:"Security Options"`

	MTLSAliases []string `long:"mtls-alias" env:"OAUTHEXT_MTLS_ALIASES" env-delim:"," description:"mTLS endpoint alias URL (repeatable)"`

	AccessTokenTTL      time.Duration `long:"access-token-ttl" env:"OAUTHEXT_ACCESS_TOKEN_TTL" default:"1h" description:"Access token lifetime"`
	DisableExchange     bool          `long:"disable-token-exchange" env:"OAUTHEXT_DISABLE_TOKEN_EXCHANGE" description:"Turn off the token exchange grant"`
	CIBAUserCode        bool          `long:"ciba-user-code" env:"OAUTHEXT_CIBA_USER_CODE" description:"Accept the user_code backchannel hint"`
	NotificationTimeout time.Duration `long:"notification-timeout" env:"OAUTHEXT_NOTIFICATION_TIMEOUT" default:"10s" description:"Timeout for ping and push deliveries"`
	CIBARetention       time.Duration `long:"ciba-retention" env:"OAUTHEXT_CIBA_RETENTION" default:"10m" description:"How long finished backchannel requests are kept after expiry"`

	Telemetry bool   `long:"telemetry" env:"OAUTHEXT_TELEMETRY" description:"Enable OpenTelemetry instrumentation"`
	LogLevel  string `long:"log-level" env:"OAUTHEXT_LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
	LogJSON   bool   `long:"log-json" env:"OAUTHEXT_LOG_JSON" description:"Log in JSON"`
}

// LoadOptions parses options from the command line and the environment
func LoadOptions(args []string) (*Options, error) {
	var opts Options

	parser := flags.NewParser(&opts, flags.Default)
	parser.Usage = "[OPTIONS]"

	if _, err := parser.ParseArgs(args); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		return nil, fmt.Errorf("failed to parse options: %w", err)
	}

	if (opts.TLSCert == "") != (opts.TLSKey == "") {
		return nil, fmt.Errorf("--tls-cert and --tls-key must be set together")
	}
	return &opts, nil
}
