package tokenexchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-ext/instrumentation"
	"github.com/giantswarm/oauth-ext/internal/util"
	"github.com/giantswarm/oauth-ext/scopepolicy"
	"github.com/giantswarm/oauth-ext/security"
	"github.com/giantswarm/oauth-ext/storage"
	"github.com/giantswarm/oauth-ext/token"
)

// GrantType is the token exchange grant type
const GrantType = "urn:ietf:params:oauth:grant-type:token-exchange"

// Token type identifiers
//
//nolint:gosec // G101: token type URNs, not credentials
const (
	TokenTypeAccessToken  = "urn:ietf:params:oauth:token-type:access_token"
	TokenTypeRefreshToken = "urn:ietf:params:oauth:token-type:refresh_token"
	TokenTypeIDToken      = "urn:ietf:params:oauth:token-type:id_token"
	TokenTypeJWT          = "urn:ietf:params:oauth:token-type:jwt"
)

// SupportedTokenTypes is the allow-list for subject and actor token types
var SupportedTokenTypes = []string{
	TokenTypeAccessToken,
	TokenTypeRefreshToken,
	TokenTypeIDToken,
	TokenTypeJWT,
}

// JWTAlgorithms are accepted for id_token and jwt subject or actor tokens
var JWTAlgorithms = []jose.SignatureAlgorithm{
	jose.ES256, jose.ES384, jose.ES512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// Request is a token exchange request from an authenticated client
type Request struct {
	GrantType          string
	SubjectToken       string
	SubjectTokenType   string
	ActorToken         string
	ActorTokenType     string
	RequestedTokenType string
	Resource           string
	Audience           string
	Scope              string

	// DPoPJKT and CertThumbprint bind the issued token when set
	DPoPJKT        string
	CertThumbprint string
}

// Response is a successful exchange
type Response struct {
	Token           *oauth2.Token
	IssuedTokenType string
	Scenario        scopepolicy.Scenario
	Warnings        []string
}

// Config configures the engine
type Config struct {
	// Issuer is the expected iss of JWT subject and actor tokens. Empty skips
	// the check.
	Issuer string

	// Keys verifies id_token and jwt subject and actor tokens. JWT token types
	// are rejected when it is empty.
	Keys jose.JSONWebKeySet
}

// Engine exchanges tokens
type Engine struct {
	tokens  storage.AccessTokenStore
	clients storage.ClientStore
	policy  *scopepolicy.Engine
	issuer  *token.Issuer
	config  Config
	logger  *slog.Logger
	auditor *security.Auditor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	now func() time.Time
}

// NewEngine creates a token exchange engine
func NewEngine(cfg Config, tokens storage.AccessTokenStore, clients storage.ClientStore, policy *scopepolicy.Engine, issuer *token.Issuer, logger *slog.Logger) (*Engine, error) {
	if tokens == nil || clients == nil || policy == nil || issuer == nil {
		return nil, errors.New("tokenexchange: token store, client store, policy engine and issuer are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		tokens:  tokens,
		clients: clients,
		policy:  policy,
		issuer:  issuer,
		config:  cfg,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (e *Engine) SetAuditor(auditor *security.Auditor) {
	e.auditor = auditor
}

// SetInstrumentation sets the instrumentation for metrics and tracing
func (e *Engine) SetInstrumentation(inst *instrumentation.Instrumentation) {
	e.instrumentation = inst
	if inst != nil {
		e.tracer = inst.Tracer("tokenexchange")
	}
}

// principal is a resolved subject or actor token
type principal struct {
	userID    string
	clientID  string
	scopes    []string
	expiresAt time.Time
}

// Exchange validates req from client and issues the exchanged access token
func (e *Engine) Exchange(ctx context.Context, client *storage.Client, req Request) (*Response, error) {
	if client == nil {
		return nil, errors.New("tokenexchange: client is required")
	}
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "tokenexchange.exchange")
		defer span.End()
		instrumentation.AddOAuthFlowAttributes(span, client.ClientID, GrantType, req.Scope)
	}

	resp, scenario, err := e.exchange(ctx, client, req)
	if err != nil {
		e.rejected(ctx, client.ClientID, scenario, err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(trace.SpanFromContext(ctx))
	return resp, nil
}

func (e *Engine) exchange(ctx context.Context, client *storage.Client, req Request) (*Response, scopepolicy.Scenario, error) {
	if err := validateRequest(req); err != nil {
		return nil, 0, err
	}

	subject, err := e.resolve(ctx, req.SubjectToken, req.SubjectTokenType)
	if err != nil {
		return nil, 0, resolveFailure("subject_token", err)
	}

	var actor *principal
	var actorClient *storage.Client
	if req.ActorToken != "" {
		actor, err = e.resolve(ctx, req.ActorToken, req.ActorTokenType)
		if err != nil {
			return nil, 0, resolveFailure("actor_token", err)
		}
		if actor.clientID == "" {
			return nil, 0, newError(ErrorCodeInvalidGrant, "actor_token does not identify a client")
		}
		actorClient, err = e.clients.GetClient(ctx, actor.clientID)
		if err != nil {
			if storage.IsNotFound(err) {
				return nil, 0, wrapError(ErrorCodeInvalidGrant, "actor_token does not identify a client", err)
			}
			return nil, 0, fmt.Errorf("failed to load actor client: %w", err)
		}
	}

	requested := util.ParseScopes(req.Scope)
	if len(requested) == 0 {
		requested = subject.scopes
	}
	scenario := classify(subject, actor, requested)
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.String("oauth.token_exchange.scenario", scenario.String()))
	}

	audience := req.Audience
	if audience == "" {
		audience = req.Resource
	}
	decision, err := e.policy.Validate(ctx, scopepolicy.ExchangeContext{
		Scenario:        scenario,
		Subject:         client,
		Actor:           actorClient,
		Resource:        req.Resource,
		Audience:        audience,
		SubjectScopes:   subject.scopes,
		RequestedScopes: requested,
	})
	if err != nil {
		return nil, scenario, fmt.Errorf("failed to evaluate scope policy: %w", err)
	}
	if !decision.Valid {
		return nil, scenario, wrapError(ErrorCodeInvalidScope, "requested scope is not allowed",
			fmt.Errorf("denied %v", decision.DeniedScopes()))
	}

	now := e.now()
	lifetime := decision.Policy.MaxLifetime
	if !subject.expiresAt.IsZero() {
		remaining := subject.expiresAt.Sub(now)
		if remaining <= 0 {
			return nil, scenario, newError(ErrorCodeInvalidGrant, "subject_token is expired")
		}
		if lifetime <= 0 || remaining < lifetime {
			lifetime = remaining
		}
	}

	grant := token.Grant{
		ClientID:       client.ClientID,
		UserID:         subject.userID,
		Scopes:         decision.Granted,
		GrantType:      GrantType,
		Audience:       req.Audience,
		Resource:       req.Resource,
		JKT:            req.DPoPJKT,
		CertThumbprint: req.CertThumbprint,
		Lifetime:       lifetime,
	}
	if actorClient != nil {
		grant.ActorClientID = actorClient.ClientID
	}

	tok, _, err := e.issuer.Issue(ctx, grant)
	if err != nil {
		return nil, scenario, fmt.Errorf("failed to issue token: %w", err)
	}

	e.logger.Info("Exchanged token",
		"client_id", client.ClientID,
		"actor_client_id", grant.ActorClientID,
		"scenario", scenario.String(),
		"granted", len(decision.Granted),
		"denied", len(decision.Denied))
	e.auditor.LogTokenExchange(ctx, subject.userID, client.ClientID, grant.ActorClientID, scenario.String(), "success")
	e.recordMetric(ctx, scenario, "success")

	return &Response{
		Token:           tok,
		IssuedTokenType: TokenTypeAccessToken,
		Scenario:        scenario,
		Warnings:        decision.Warnings,
	}, scenario, nil
}

func validateRequest(req Request) *Error {
	switch {
	case req.GrantType != GrantType:
		return newError(ErrorCodeUnsupportedGrantType, "grant_type must be "+GrantType)
	case req.SubjectToken == "" || req.SubjectTokenType == "":
		return newError(ErrorCodeInvalidRequest, "subject_token and subject_token_type are required")
	case !slices.Contains(SupportedTokenTypes, req.SubjectTokenType):
		return newError(ErrorCodeInvalidRequest, "unsupported subject_token_type")
	case (req.ActorToken == "") != (req.ActorTokenType == ""):
		return newError(ErrorCodeInvalidRequest, "actor_token and actor_token_type must be given together")
	case req.ActorTokenType != "" && !slices.Contains(SupportedTokenTypes, req.ActorTokenType):
		return newError(ErrorCodeInvalidRequest, "unsupported actor_token_type")
	case req.RequestedTokenType != "" && req.RequestedTokenType != TokenTypeAccessToken:
		return newError(ErrorCodeInvalidRequest, "requested_token_type must be "+TokenTypeAccessToken)
	}
	for _, target := range []string{req.Resource, req.Audience} {
		if target == "" {
			continue
		}
		u, err := url.Parse(target)
		if err != nil || !u.IsAbs() || u.Fragment != "" {
			return newError(ErrorCodeInvalidTarget, "resource and audience must be absolute URIs")
		}
	}
	return nil
}

// classify maps the resolved tokens to a scope policy scenario
func classify(subject, actor *principal, requested []string) scopepolicy.Scenario {
	switch {
	case subject.userID == "":
		return scopepolicy.ScenarioServiceToService
	case actor != nil:
		return scopepolicy.ScenarioDelegation
	}
	for _, scope := range requested {
		if !slices.Contains(subject.scopes, scope) {
			return scopepolicy.ScenarioStepUp
		}
	}
	return scopepolicy.ScenarioImpersonation
}

func (e *Engine) resolve(ctx context.Context, raw, tokenType string) (*principal, error) {
	switch tokenType {
	case TokenTypeAccessToken, TokenTypeRefreshToken:
		return e.resolveStored(ctx, raw, tokenType)
	case TokenTypeIDToken, TokenTypeJWT:
		return e.resolveJWT(raw)
	}
	return nil, fmt.Errorf("unsupported token type %q", tokenType)
}

func (e *Engine) resolveStored(ctx context.Context, raw, tokenType string) (*principal, error) {
	var (
		record *storage.AccessToken
		err    error
	)
	if tokenType == TokenTypeRefreshToken {
		record, err = e.tokens.GetAccessTokenByRefreshHash(ctx, token.Hash(raw))
	} else {
		record, err = e.tokens.GetAccessTokenByHash(ctx, token.Hash(raw))
	}
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, err
		}
		return nil, &lookupError{err: err}
	}
	now := e.now()
	if !record.Active(now) {
		return nil, errors.New("token is revoked or expired")
	}
	p := &principal{
		userID:   record.UserID,
		clientID: record.ClientID,
		scopes:   record.Scopes,
	}
	// Refresh tokens outlive their access token; only the access token
	// lifetime bounds the exchange
	if tokenType == TokenTypeAccessToken {
		p.expiresAt = record.ExpiresAt
	}
	return p, nil
}

// lookupError marks a store failure while resolving a token
type lookupError struct {
	err error
}

func (e *lookupError) Error() string { return e.err.Error() }

func (e *lookupError) Unwrap() error { return e.err }

// resolveFailure maps a resolve error for param to the exchange error
func resolveFailure(param string, err error) error {
	var lerr *lookupError
	if errors.As(err, &lerr) {
		return fmt.Errorf("failed to look up %s: %w", param, lerr.err)
	}
	return wrapError(ErrorCodeInvalidGrant, param+" is invalid", err)
}

// jwtClaims are the claims read from id_token and jwt tokens
type jwtClaims struct {
	Scope           string `json:"scope,omitempty"`
	ClientID        string `json:"client_id,omitempty"`
	AuthorizedParty string `json:"azp,omitempty"`
}

func (e *Engine) resolveJWT(raw string) (*principal, error) {
	if len(e.config.Keys.Keys) == 0 {
		return nil, errors.New("no key set configured for JWT tokens")
	}
	parsed, err := jwt.ParseSigned(raw, JWTAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}
	if len(parsed.Headers) == 0 {
		return nil, errors.New("JWT has no header")
	}

	candidates := e.config.Keys.Keys
	if kid := parsed.Headers[0].KeyID; kid != "" {
		candidates = e.config.Keys.Key(kid)
	}
	var (
		std    jwt.Claims
		extra  jwtClaims
		verErr = errors.New("no matching key")
	)
	for _, key := range candidates {
		if verErr = parsed.Claims(key.Public(), &std, &extra); verErr == nil {
			break
		}
	}
	if verErr != nil {
		return nil, fmt.Errorf("failed to verify JWT: %w", verErr)
	}

	if err := std.ValidateWithLeeway(jwt.Expected{Issuer: e.config.Issuer, Time: e.now()}, jwt.DefaultLeeway); err != nil {
		return nil, fmt.Errorf("invalid JWT claims: %w", err)
	}
	if std.Expiry == nil {
		return nil, errors.New("JWT has no exp")
	}

	clientID := extra.ClientID
	if clientID == "" {
		clientID = extra.AuthorizedParty
	}
	if clientID == "" && len(std.Audience) == 1 {
		clientID = std.Audience[0]
	}

	p := &principal{
		clientID:  clientID,
		scopes:    util.ParseScopes(extra.Scope),
		expiresAt: std.Expiry.Time(),
	}
	// A token whose subject is its own client is a machine token
	if std.Subject != clientID {
		p.userID = std.Subject
	}
	return p, nil
}

func (e *Engine) rejected(ctx context.Context, clientID string, scenario scopepolicy.Scenario, err error) {
	instrumentation.RecordError(trace.SpanFromContext(ctx), err)

	scenarioName := "unclassified"
	if scenario != 0 {
		scenarioName = scenario.String()
	}

	var xerr *Error
	if !errors.As(err, &xerr) {
		e.logger.Error("Token exchange failed",
			"client_id", clientID,
			"scenario", scenarioName,
			"error", err)
		e.recordMetric(ctx, scenario, "error")
		return
	}

	e.logger.Info("Rejected token exchange",
		"client_id", clientID,
		"scenario", scenarioName,
		"error", xerr.Code,
		"reason", xerr.Err)
	e.auditor.LogTokenExchange(ctx, "", clientID, "", scenarioName, xerr.Code)
	e.recordMetric(ctx, scenario, xerr.Code)
}

func (e *Engine) recordMetric(ctx context.Context, scenario scopepolicy.Scenario, result string) {
	if e.instrumentation == nil {
		return
	}
	name := "unclassified"
	if scenario != 0 {
		name = scenario.String()
	}
	e.instrumentation.Metrics().RecordTokenExchange(ctx, name, result)
}
