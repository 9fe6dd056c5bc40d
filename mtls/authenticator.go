package mtls

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-ext/instrumentation"
	"github.com/giantswarm/oauth-ext/internal/util"
	"github.com/giantswarm/oauth-ext/security"
	"github.com/giantswarm/oauth-ext/storage"
)

// ChainVerifier verifies a client certificate against a trust anchor set
type ChainVerifier interface {
	VerifyChain(ctx context.Context, cert *x509.Certificate) error
}

// RevocationChecker checks a client certificate's revocation status (CRL, OCSP)
type RevocationChecker interface {
	CheckRevocation(ctx context.Context, cert *x509.Certificate) error
}

// PoolVerifier is a ChainVerifier backed by an x509.CertPool
type PoolVerifier struct {
	Roots         *x509.CertPool
	Intermediates *x509.CertPool
}

// VerifyChain implements ChainVerifier
func (p *PoolVerifier) VerifyChain(_ context.Context, cert *x509.Certificate) error {
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:         p.Roots,
		Intermediates: p.Intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	return err
}

// Config configures the authenticator
type Config struct {
	// Endpoints lists the absolute URLs of the mTLS endpoint aliases
	// (RFC 8705 section 5). CheckEndpoint rejects any other URL.
	Endpoints []string

	// Headers overrides the certificate header priority order (default: DefaultHeaders)
	Headers []string

	ChainVerifier     ChainVerifier
	RevocationChecker RevocationChecker

	// RequireChainVerification fails NewAuthenticator when no ChainVerifier is set
	RequireChainVerification bool
}

// Verdict is the outcome of a certificate authentication
type Verdict struct {
	Authenticated bool
	Client        *storage.Client
	Certificate   *Certificate

	// Method is tls_client_auth or self_signed_tls_client_auth
	Method string
}

// Authenticator authenticates clients by certificate. It holds no mutable
// state and is safe for concurrent use.
type Authenticator struct {
	clients    storage.ClientStore
	endpoints  map[string]struct{}
	headers    []string
	chain      ChainVerifier
	revocation RevocationChecker
	logger     *slog.Logger
	auditor    *security.Auditor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	now func() time.Time
}

// NewAuthenticator creates an authenticator
func NewAuthenticator(cfg Config, clients storage.ClientStore, logger *slog.Logger) (*Authenticator, error) {
	if clients == nil {
		return nil, errors.New("mtls: client store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequireChainVerification && cfg.ChainVerifier == nil {
		return nil, errors.New("mtls: chain verification is required but no ChainVerifier is configured")
	}

	endpoints := make(map[string]struct{}, len(cfg.Endpoints))
	for _, e := range cfg.Endpoints {
		normalized, err := util.NormalizeHTU(e)
		if err != nil {
			return nil, fmt.Errorf("mtls: invalid endpoint %q: %w", e, err)
		}
		endpoints[normalized] = struct{}{}
	}

	headers := cfg.Headers
	if len(headers) == 0 {
		headers = DefaultHeaders
	}

	if cfg.ChainVerifier == nil {
		logger.Info("mTLS chain-of-trust verification is delegated to the TLS-terminating proxy")
	}
	if cfg.RevocationChecker == nil {
		logger.Info("mTLS certificate revocation checking is delegated to the TLS-terminating proxy")
	}

	return &Authenticator{
		clients:    clients,
		endpoints:  endpoints,
		headers:    headers,
		chain:      cfg.ChainVerifier,
		revocation: cfg.RevocationChecker,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// SetAuditor sets the security auditor for rejected certificates
func (a *Authenticator) SetAuditor(auditor *security.Auditor) {
	a.auditor = auditor
}

// SetInstrumentation sets the instrumentation for metrics and tracing
func (a *Authenticator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	a.instrumentation = inst
	if inst != nil {
		a.tracer = inst.Tracer("mtls")
	}
}

// Extract returns the certificate carried by header, ErrNoCertificate when
// there is none, or a malformed-certificate *Error.
func (a *Authenticator) Extract(header http.Header) (*Certificate, error) {
	cert, err := extract(header, a.headers)
	if err != nil {
		if errors.Is(err, ErrNoCertificate) {
			return nil, err
		}
		return nil, clientError(ReasonMalformed, err)
	}
	return cert, nil
}

// Authenticate extracts the certificate from header and authenticates clientID
// with it. The verdict is returned together with any *Error so the
// certificate can be audited.
func (a *Authenticator) Authenticate(ctx context.Context, header http.Header, clientID string) (*Verdict, error) {
	cert, err := a.Extract(header)
	if err != nil {
		if errors.Is(err, ErrNoCertificate) {
			err = clientError(ReasonMissingCertificate, err)
		}
		a.recordFailure(ctx, clientID, "", err)
		return &Verdict{}, err
	}
	return a.AuthenticateCertificate(ctx, cert, clientID)
}

// AuthenticateCertificate authenticates clientID with an already extracted certificate
func (a *Authenticator) AuthenticateCertificate(ctx context.Context, cert *Certificate, clientID string) (*Verdict, error) {
	if a.tracer != nil {
		var span trace.Span
		ctx, span = a.tracer.Start(ctx, "mtls.authenticate")
		defer span.End()
		span.SetAttributes(attribute.String(instrumentation.AttrClientID, clientID))
	}

	verdict := &Verdict{Certificate: cert}
	if cert == nil {
		err := clientError(ReasonMissingCertificate, ErrNoCertificate)
		a.recordFailure(ctx, clientID, "", err)
		return verdict, err
	}

	if err := checkValidity(cert, a.now()); err != nil {
		a.recordFailure(ctx, clientID, "", err)
		return verdict, err
	}

	if err := a.checkTrust(ctx, cert); err != nil {
		a.recordFailure(ctx, clientID, "", err)
		return verdict, err
	}

	client, err := a.clients.GetClient(ctx, clientID)
	if err != nil {
		if storage.IsNotFound(err) {
			err = clientError(ReasonUnknownClient, err)
		} else {
			err = fmt.Errorf("failed to load client: %w", err)
		}
		a.recordFailure(ctx, clientID, "", err)
		return verdict, err
	}
	verdict.Client = client

	if !client.SupportsMTLS() {
		err := clientError(ReasonNotEnabled, errors.New("client does not support mTLS"))
		a.recordFailure(ctx, clientID, "", err)
		return verdict, err
	}

	method, err := matchRegistration(client, cert)
	if err != nil {
		a.recordFailure(ctx, clientID, method, err)
		return verdict, err
	}

	verdict.Authenticated = true
	verdict.Method = method

	a.logger.Debug("Client authenticated by certificate",
		"client_id", clientID,
		"method", method,
		"source", cert.Source)
	if a.instrumentation != nil {
		a.instrumentation.Metrics().RecordMTLSAuthentication(ctx, method, "success")
	}
	instrumentation.SetSpanSuccess(trace.SpanFromContext(ctx))
	return verdict, nil
}

func (a *Authenticator) checkTrust(ctx context.Context, cert *Certificate) error {
	if a.chain != nil {
		if err := a.chain.VerifyChain(ctx, cert.X509); err != nil {
			return clientError(ReasonChain, err)
		}
	}
	if a.revocation != nil {
		if err := a.revocation.CheckRevocation(ctx, cert.X509); err != nil {
			return clientError(ReasonRevoked, err)
		}
	}
	return nil
}

// matchRegistration checks the certificate against the client's registered
// binding and returns the authentication method
func matchRegistration(client *storage.Client, cert *Certificate) (string, error) {
	thumbprintMatch := func() bool {
		for _, registered := range client.CertificateThumbprints {
			if util.ConstantTimeEqual(registered, cert.ThumbprintS256) {
				return true
			}
		}
		return false
	}
	subjectMatch := func() bool {
		return client.TLSClientAuthSubjectDN != "" &&
			equalDN(client.TLSClientAuthSubjectDN, cert.Subject)
	}

	switch client.TokenEndpointAuthMethod {
	case storage.AuthMethodSelfSignedTLSClientAuth:
		if thumbprintMatch() {
			return storage.AuthMethodSelfSignedTLSClientAuth, nil
		}
		return storage.AuthMethodSelfSignedTLSClientAuth, clientError(ReasonNotRegistered, errors.New("certificate thumbprint is not registered"))
	case storage.AuthMethodTLSClientAuth:
		if subjectMatch() {
			return storage.AuthMethodTLSClientAuth, nil
		}
		return storage.AuthMethodTLSClientAuth, clientError(ReasonNotRegistered, errors.New("certificate subject does not match registration"))
	}

	// mTLS declared by flag only: either registration form is accepted
	switch {
	case thumbprintMatch():
		return storage.AuthMethodSelfSignedTLSClientAuth, nil
	case subjectMatch():
		return storage.AuthMethodTLSClientAuth, nil
	}
	return "", clientError(ReasonNotRegistered, errors.New("certificate is not registered for client"))
}

// equalDN compares distinguished names ignoring case and spacing around separators
func equalDN(a, b string) bool {
	return strings.EqualFold(normalizeDN(a), normalizeDN(b))
}

func normalizeDN(dn string) string {
	parts := strings.Split(dn, ",")
	for i, p := range parts {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok {
			parts[i] = strings.TrimSpace(p)
			continue
		}
		parts[i] = strings.TrimSpace(k) + "=" + strings.TrimSpace(v)
	}
	return strings.Join(parts, ",")
}

// VerifyBoundToken requires the presented certificate's thumbprint to equal
// the token's cnf.x5t#S256 value
func VerifyBoundToken(cert *Certificate, thumbprint string) error {
	if thumbprint == "" {
		return tokenError(ReasonBindingMismatch, errors.New("token is not certificate-bound"))
	}
	if cert == nil {
		return tokenError(ReasonMissingCertificate, ErrNoCertificate)
	}
	if !util.ConstantTimeEqual(cert.ThumbprintS256, thumbprint) {
		return tokenError(ReasonBindingMismatch, errors.New("certificate thumbprint does not match token"))
	}
	return nil
}

// CheckEndpoint enforces the endpoint constraint: a certificate must be
// present and endpointURL must be a registered mTLS endpoint alias
func (a *Authenticator) CheckEndpoint(cert *Certificate, endpointURL string) error {
	if cert == nil {
		return clientError(ReasonMissingCertificate, ErrNoCertificate)
	}
	normalized, err := util.NormalizeHTU(endpointURL)
	if err != nil {
		return clientError(ReasonEndpoint, err)
	}
	if _, ok := a.endpoints[normalized]; !ok {
		return clientError(ReasonEndpoint, fmt.Errorf("%s is not an mTLS endpoint", normalized))
	}
	return nil
}

func (a *Authenticator) recordFailure(ctx context.Context, clientID, method string, err error) {
	instrumentation.RecordError(trace.SpanFromContext(ctx), err)

	var me *Error
	if !errors.As(err, &me) {
		a.logger.Error("Certificate authentication failed", "client_id", clientID, "error", err)
		if a.instrumentation != nil {
			a.instrumentation.Metrics().RecordMTLSAuthentication(ctx, method, "error")
		}
		return
	}

	a.logger.Warn("Client certificate rejected",
		"client_id", clientID,
		"reason", me.Reason,
		"error", me.Err)
	a.auditor.LogCertificateRejected(ctx, clientID, "", string(me.Reason))
	if a.instrumentation != nil {
		a.instrumentation.Metrics().RecordMTLSAuthentication(ctx, method, string(me.Reason))
	}
}
