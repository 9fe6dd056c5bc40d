package par

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-ext/instrumentation"
	"github.com/giantswarm/oauth-ext/internal/util"
	"github.com/giantswarm/oauth-ext/security"
	"github.com/giantswarm/oauth-ext/storage"
)

const (
	// RequestURIPrefix prefixes every request_uri
	RequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

	// RequestURILength is the length of the random part of a request_uri
	RequestURILength = 32

	// DefaultTTL is the lifetime of a pushed request
	DefaultTTL = 10 * time.Minute

	// PKCE methods
	MethodS256  = "S256"
	MethodPlain = "plain"

	// MaxRequestObjectLength bounds the size of an attached request object
	MaxRequestObjectLength = 32 * 1024

	requestURIAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	idLogLength        = 8
)

var (
	requestURIPattern = regexp.MustCompile(`^` + regexp.QuoteMeta(RequestURIPrefix) + `[A-Za-z0-9]{32}$`)
	s256Challenge     = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)
	plainChallenge    = regexp.MustCompile(`^[A-Za-z0-9._~-]{43,128}$`)
	jktPattern        = regexp.MustCompile(`^[A-Za-z0-9_-]{43}$`)
)

// Params are the pushed authorization parameters
type Params = storage.PushedParams

// PushResponse is the PAR endpoint response
type PushResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

// RequestObjectVerifier verifies the signature of a request object attached to
// a pushed request
type RequestObjectVerifier interface {
	VerifyRequestObject(ctx context.Context, client *storage.Client, requestObject string) error
}

// Config configures the service
type Config struct {
	// TTL is the lifetime of a pushed request (default: 10 minutes)
	TTL time.Duration

	// RequireS256 rejects the plain PKCE method
	RequireS256 bool

	// RequestObjectVerifier verifies signed request objects. Without it only
	// the structure of a request object is checked.
	RequestObjectVerifier RequestObjectVerifier
}

// Service creates and consumes pushed requests
type Service struct {
	store    storage.PushedRequestStore
	clients  storage.ClientStore
	ttl      time.Duration
	s256Only bool
	verifier RequestObjectVerifier
	logger   *slog.Logger
	auditor  *security.Auditor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	now func() time.Time
}

// NewService creates a pushed request service
func NewService(cfg Config, store storage.PushedRequestStore, clients storage.ClientStore, logger *slog.Logger) (*Service, error) {
	if store == nil || clients == nil {
		return nil, errors.New("par: pushed request store and client store are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Service{
		store:    store,
		clients:  clients,
		ttl:      cfg.TTL,
		s256Only: cfg.RequireS256,
		verifier: cfg.RequestObjectVerifier,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Service) SetAuditor(auditor *security.Auditor) {
	s.auditor = auditor
}

// SetInstrumentation sets the instrumentation for metrics and tracing
func (s *Service) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("par")
	}
}

// Create validates params pushed by the authenticated client clientID and
// stores them. Nothing is stored when validation fails.
func (s *Service) Create(ctx context.Context, clientID string, params Params) (*PushResponse, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "par.create")
		defer span.End()
		instrumentation.AddOAuthFlowAttributes(span, clientID, "", params.Scope)
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, invalidRequest("unknown client")
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	if err := s.validate(ctx, client, &params); err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			s.logger.Info("Rejected pushed authorization request",
				"client_id", clientID,
				"error_description", pe.Description)
		}
		instrumentation.RecordError(trace.SpanFromContext(ctx), err)
		return nil, err
	}

	now := s.now()
	requestURI, err := NewRequestURI()
	if err != nil {
		return nil, err
	}
	req := &storage.PushedRequest{
		ID:         storage.NewID(now),
		RequestURI: requestURI,
		ClientID:   clientID,
		Params:     params,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
	}
	if err := s.store.SavePushedRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to store pushed request: %w", err)
	}

	s.logger.Debug("Stored pushed authorization request",
		"pushed_request_id", util.SafeTruncate(req.ID, idLogLength),
		"client_id", clientID)
	s.auditor.LogEvent(ctx, security.Event{
		Type:     security.EventPushedRequestCreated,
		ClientID: clientID,
		Details:  map[string]any{"scope": params.Scope},
	})
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordPushedRequestCreated(ctx, clientID)
	}
	instrumentation.SetSpanSuccess(trace.SpanFromContext(ctx))

	return &PushResponse{
		RequestURI: requestURI,
		ExpiresIn:  int(s.ttl.Seconds()),
	}, nil
}

// Consume exchanges requestURI for its parameters exactly once. Unknown, used,
// expired and foreign references all return the same *Error.
func (s *Service) Consume(ctx context.Context, requestURI, clientID string) (*Params, error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "par.consume")
		defer span.End()
		span.SetAttributes(attribute.String(instrumentation.AttrClientID, clientID))
	}

	if !IsRequestURI(requestURI) {
		s.recordConsume(ctx, clientID, "rejected")
		return nil, invalidRequestURI(errors.New("malformed request_uri"))
	}

	req, err := s.store.ConsumePushedRequest(ctx, requestURI, clientID)
	if err != nil {
		if storage.IsNotFound(err) {
			s.recordConsume(ctx, clientID, "rejected")
			return nil, invalidRequestURI(err)
		}
		s.recordConsume(ctx, clientID, "error")
		return nil, fmt.Errorf("failed to consume pushed request: %w", err)
	}

	s.recordConsume(ctx, clientID, "success")
	params := req.Params
	return &params, nil
}

func (s *Service) recordConsume(ctx context.Context, clientID, result string) {
	if result == "rejected" {
		s.auditor.LogEvent(ctx, security.Event{
			Type:     security.EventPushedRequestRejected,
			ClientID: clientID,
		})
	}
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordPushedRequestConsumed(ctx, result)
	}
}

// validate checks params in place, defaulting the PKCE method and client_id
func (s *Service) validate(ctx context.Context, client *storage.Client, p *Params) error {
	if p.ClientID != "" && p.ClientID != client.ClientID {
		return invalidRequest("client_id does not match the authenticated client")
	}
	p.ClientID = client.ClientID

	if p.ResponseType != "code" {
		return invalidRequest("response_type must be code")
	}

	if p.RedirectURI == "" {
		return invalidRequest("redirect_uri is required")
	}
	if err := validateRedirectURI(p.RedirectURI); err != nil {
		return invalidRequest(err.Error())
	}
	if len(client.RedirectURIs) > 0 && !slices.Contains(client.RedirectURIs, p.RedirectURI) {
		return invalidRequest("redirect_uri is not registered for the client")
	}

	if p.CodeChallenge == "" {
		return invalidRequest("code_challenge is required")
	}
	if p.CodeChallengeMethod == "" {
		p.CodeChallengeMethod = MethodPlain
	}
	switch p.CodeChallengeMethod {
	case MethodS256:
		if !s256Challenge.MatchString(p.CodeChallenge) {
			return invalidRequest("code_challenge must be 43 base64url characters")
		}
	case MethodPlain:
		if s.s256Only {
			return invalidRequest("code_challenge_method must be S256")
		}
		if !plainChallenge.MatchString(p.CodeChallenge) {
			return invalidRequest("code_challenge must be 43-128 unreserved characters")
		}
	default:
		return invalidRequest("code_challenge_method must be S256 or plain")
	}

	if p.DPoPJKT != "" && !jktPattern.MatchString(p.DPoPJKT) {
		return invalidRequest("dpop_jkt must be a base64url SHA-256 thumbprint")
	}

	if p.Request != "" {
		if len(p.Request) > MaxRequestObjectLength {
			return invalidRequest("request object is too large")
		}
		if err := checkRequestObjectStructure(p.Request); err != nil {
			return invalidRequest("request object is malformed")
		}
		if s.verifier != nil {
			if err := s.verifier.VerifyRequestObject(ctx, client, p.Request); err != nil {
				s.logger.Info("Request object verification failed", "client_id", client.ClientID, "error", err)
				return invalidRequest("request object signature is invalid")
			}
		}
	}
	return nil
}

// validateRedirectURI requires https, or http on a loopback host, and no fragment
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return errors.New("redirect_uri must be an absolute URL")
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return errors.New("redirect_uri must not contain a fragment")
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return nil
	case "http":
		if util.IsLoopbackHost(u.Hostname()) {
			return nil
		}
		return errors.New("redirect_uri must use https unless it targets a loopback host")
	}
	return errors.New("redirect_uri must use https")
}

// NewRequestURI returns a request_uri with a 32-character alphanumeric random part
func NewRequestURI() (string, error) {
	var b strings.Builder
	b.Grow(len(RequestURIPrefix) + RequestURILength)
	b.WriteString(RequestURIPrefix)
	alphabetSize := big.NewInt(int64(len(requestURIAlphabet)))
	for range RequestURILength {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("failed to generate request_uri: %w", err)
		}
		b.WriteByte(requestURIAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// IsRequestURI reports whether s has the request_uri format
func IsRequestURI(s string) bool {
	return requestURIPattern.MatchString(s)
}
