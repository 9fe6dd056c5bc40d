package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/giantswarm/oauth-ext/ciba"
	"github.com/giantswarm/oauth-ext/dpop"
	"github.com/giantswarm/oauth-ext/identity"
	"github.com/giantswarm/oauth-ext/instrumentation"
	"github.com/giantswarm/oauth-ext/mtls"
	"github.com/giantswarm/oauth-ext/par"
	"github.com/giantswarm/oauth-ext/scopepolicy"
	"github.com/giantswarm/oauth-ext/security"
	"github.com/giantswarm/oauth-ext/storage"
	"github.com/giantswarm/oauth-ext/token"
	"github.com/giantswarm/oauth-ext/tokenexchange"
)

// Stores groups the storage backends the server needs
type Stores struct {
	PushedRequests storage.PushedRequestStore
	Backchannel    storage.BackchannelStore
	Replay         storage.ReplayStore
	AccessTokens   storage.AccessTokenStore
	Clients        storage.ClientStore
	Scopes         storage.ScopeStore
	Users          storage.UserStore
}

// Backend is a single store implementing every storage interface, such as
// memory.Store or valkey.Store
type Backend interface {
	storage.PushedRequestStore
	storage.BackchannelStore
	storage.ReplayStore
	storage.AccessTokenStore
	storage.ClientStore
	storage.ScopeStore
	storage.UserStore
}

// NewStores returns Stores backed entirely by b
func NewStores(b Backend) Stores {
	return Stores{
		PushedRequests: b,
		Backchannel:    b,
		Replay:         b,
		AccessTokens:   b,
		Clients:        b,
		Scopes:         b,
		Users:          b,
	}
}

// distinct returns each configured store once
func (s Stores) distinct() []any {
	var out []any
	seen := make(map[any]bool)
	for _, store := range []any{s.PushedRequests, s.Backchannel, s.Replay, s.AccessTokens, s.Clients, s.Scopes, s.Users} {
		if store == nil || seen[store] {
			continue
		}
		seen[store] = true
		out = append(out, store)
	}
	return out
}

func (s Stores) validate() error {
	switch {
	case s.PushedRequests == nil:
		return fmt.Errorf("pushed request store is required")
	case s.Backchannel == nil:
		return fmt.Errorf("backchannel store is required")
	case s.Replay == nil:
		return fmt.Errorf("replay store is required")
	case s.AccessTokens == nil:
		return fmt.Errorf("access token store is required")
	case s.Clients == nil:
		return fmt.Errorf("client store is required")
	case s.Scopes == nil:
		return fmt.Errorf("scope store is required")
	case s.Users == nil:
		return fmt.Errorf("user store is required")
	}
	return nil
}

// Server coordinates the extension protocols: it authenticates clients,
// binds tokens to proofs and certificates, and dispatches to the PAR,
// backchannel and token exchange services.
type Server struct {
	stores Stores

	proofs    *dpop.Validator
	certs     *mtls.Authenticator
	pushed    *par.Service
	resolver  *identity.Resolver
	policy    *scopepolicy.Engine
	issuer    *token.Issuer
	tokens    *token.Validator
	ciba      *ciba.Service
	exchanger *tokenexchange.Engine

	Encryptor         *security.Encryptor
	Auditor           *security.Auditor
	RateLimiter       *security.RateLimiter // IP-based rate limiter
	ClientRateLimiter *security.RateLimiter // Client-based rate limiter (authenticated requests)
	Instrumentation   *instrumentation.Instrumentation
	Logger            *slog.Logger
	Config            *Config

	stopSweeper chan struct{}
	sweeperDone chan struct{}
	stopOnce    sync.Once
}

// New creates a new extension server and starts the expiry sweeper
func New(stores Stores, config *Config, logger *slog.Logger) (*Server, error) {
	if err := stores.validate(); err != nil {
		return nil, err
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := validateConfig(config, logger); err != nil {
		return nil, err
	}

	for _, store := range stores.distinct() {
		if setter, ok := store.(interface{ SetLogger(*slog.Logger) }); ok {
			setter.SetLogger(logger)
		}
	}

	srv := &Server{
		stores: stores,
		Config: config,
		Logger: logger,
	}
	if err := srv.initComponents(); err != nil {
		return nil, err
	}

	if config.CleanupInterval > 0 {
		srv.startSweeper(config.CleanupInterval)
	}

	logger.Info("Extension server initialized",
		"issuer", config.Issuer,
		"dpop_nonces", config.DPoP.RequireNonce,
		"mtls_headers_trusted", config.MTLS.TrustCertificateHeaders,
		"token_exchange", !config.TokenExchange.Disabled)
	return srv, nil
}

func (s *Server) initComponents() error {
	cfg := s.Config
	var err error

	var nonces *dpop.NonceIssuer
	if cfg.DPoP.RequireNonce {
		if len(cfg.DPoP.NonceSecret) == 0 {
			s.Logger.Warn("No DPoP nonce secret configured; nonces are not shared between instances")
		}
		if nonces, err = dpop.NewNonceIssuer(cfg.DPoP.NonceSecret, cfg.DPoP.NonceWindow); err != nil {
			return fmt.Errorf("failed to create DPoP nonce issuer: %w", err)
		}
	}

	s.proofs, err = dpop.NewValidator(dpop.Config{
		MaxAge:     cfg.DPoP.MaxProofAge,
		ClockSkew:  cfg.DPoP.ClockSkew,
		Algorithms: cfg.DPoP.Algorithms,
	}, s.stores.Replay, nonces, s.Logger)
	if err != nil {
		return fmt.Errorf("failed to create DPoP validator: %w", err)
	}

	s.certs, err = mtls.NewAuthenticator(mtls.Config{
		Endpoints:                cfg.MTLS.EndpointAliases,
		Headers:                  cfg.MTLS.Headers,
		ChainVerifier:            cfg.MTLS.ChainVerifier,
		RevocationChecker:        cfg.MTLS.RevocationChecker,
		RequireChainVerification: cfg.MTLS.RequireChainVerification,
	}, s.stores.Clients, s.Logger)
	if err != nil {
		return fmt.Errorf("failed to create certificate authenticator: %w", err)
	}

	verifier := cfg.PAR.RequestObjectVerifier
	if verifier == nil {
		verifier = par.ClientJWKSVerifier{}
	}
	s.pushed, err = par.NewService(par.Config{
		TTL:                   cfg.PAR.TTL,
		RequireS256:           !cfg.PAR.AllowPKCEPlain,
		RequestObjectVerifier: verifier,
	}, s.stores.PushedRequests, s.stores.Clients, s.Logger)
	if err != nil {
		return fmt.Errorf("failed to create pushed request service: %w", err)
	}

	s.resolver, err = identity.NewResolver(identity.Config{
		Issuer:            cfg.Issuer,
		Keys:              cfg.SigningKeys,
		IDTokenHintMaxAge: cfg.CIBA.IDTokenHintMaxAge,
	}, s.stores.Users, s.Logger)
	if err != nil {
		return fmt.Errorf("failed to create identity resolver: %w", err)
	}

	s.policy = scopepolicy.NewEngine(s.stores.Scopes, cfg.Policy, s.Logger)

	s.issuer, err = token.NewIssuer(token.Config{AccessTokenTTL: cfg.accessTokenTTL()}, s.stores.AccessTokens, s.Logger)
	if err != nil {
		return fmt.Errorf("failed to create token issuer: %w", err)
	}

	s.tokens, err = token.NewValidator(s.stores.AccessTokens, s.proofs, s.Logger)
	if err != nil {
		return fmt.Errorf("failed to create token validator: %w", err)
	}

	notifier := cfg.CIBA.Notifier
	if notifier == nil {
		notifier = ciba.NewHTTPNotifier(http.DefaultClient, s.Logger)
	}
	s.ciba, err = ciba.NewService(ciba.Config{
		DefaultExpiry:       cfg.CIBA.DefaultExpiry,
		MaxExpiry:           cfg.CIBA.MaxExpiry,
		Interval:            cfg.CIBA.Interval,
		UserCodeSupported:   cfg.CIBA.UserCodeSupported,
		NotificationTimeout: cfg.CIBA.NotificationTimeout,
	}, s.stores.Backchannel, s.resolver, s.policy, s.issuer, notifier, s.Logger)
	if err != nil {
		return fmt.Errorf("failed to create backchannel service: %w", err)
	}

	if !cfg.TokenExchange.Disabled {
		s.exchanger, err = tokenexchange.NewEngine(tokenexchange.Config{
			Issuer: cfg.Issuer,
			Keys:   cfg.SigningKeys,
		}, s.stores.AccessTokens, s.stores.Clients, s.policy, s.issuer, s.Logger)
		if err != nil {
			return fmt.Errorf("failed to create token exchange engine: %w", err)
		}
	}
	return nil
}

// SetEncryptor sets the encryptor for pushed request parameters at rest
func (s *Server) SetEncryptor(enc *security.Encryptor) {
	s.Encryptor = enc

	type encryptorSetter interface {
		SetEncryptor(*security.Encryptor)
	}
	if setter, ok := s.stores.PushedRequests.(encryptorSetter); ok {
		setter.SetEncryptor(enc)
	}
}

// SetAuditor sets the security auditor on the server and every component
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	s.proofs.SetAuditor(aud)
	s.certs.SetAuditor(aud)
	s.pushed.SetAuditor(aud)
	s.policy.SetAuditor(aud)
	s.issuer.SetAuditor(aud)
	s.tokens.SetAuditor(aud)
	s.ciba.SetAuditor(aud)
	if s.exchanger != nil {
		s.exchanger.SetAuditor(aud)
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation on the server and
// every component
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	s.proofs.SetInstrumentation(inst)
	s.certs.SetInstrumentation(inst)
	s.pushed.SetInstrumentation(inst)
	s.policy.SetInstrumentation(inst)
	s.issuer.SetInstrumentation(inst)
	s.ciba.SetInstrumentation(inst)
	if s.exchanger != nil {
		s.exchanger.SetInstrumentation(inst)
	}

	type instrumentationSetter interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	for _, store := range s.stores.distinct() {
		if setter, ok := store.(instrumentationSetter); ok {
			setter.SetInstrumentation(inst)
		}
	}
}

// SetRateLimiter sets the IP-based rate limiter
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetClientRateLimiter sets the client-based rate limiter for authenticated requests
func (s *Server) SetClientRateLimiter(rl *security.RateLimiter) {
	s.ClientRateLimiter = rl
}

// TokenExchangeEnabled reports whether the token exchange grant is served
func (s *Server) TokenExchangeEnabled() bool {
	return s.exchanger != nil
}

// DPoPNonce returns a fresh DPoP nonce, or "" when nonces are disabled
func (s *Server) DPoPNonce() string {
	if nonces := s.proofs.Nonces(); nonces != nil {
		return nonces.Issue()
	}
	return ""
}

// Shutdown stops the sweeper and the rate limiters, waits for in-flight
// backchannel notifications until ctx is done and flushes instrumentation
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		if s.stopSweeper != nil {
			close(s.stopSweeper)
			<-s.sweeperDone
		}
		if s.RateLimiter != nil {
			s.RateLimiter.Stop()
		}
		if s.ClientRateLimiter != nil {
			s.ClientRateLimiter.Stop()
		}
	})

	err := s.ciba.Wait(ctx)
	if s.Instrumentation != nil {
		if shutdownErr := s.Instrumentation.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = shutdownErr
		}
	}
	return err
}
