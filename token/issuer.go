package token

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-ext/instrumentation"
	"github.com/giantswarm/oauth-ext/internal/util"
	"github.com/giantswarm/oauth-ext/security"
	"github.com/giantswarm/oauth-ext/storage"
)

// Token types returned in token responses
const (
	TypeBearer = "Bearer"
	TypeDPoP   = "DPoP"
)

// DefaultAccessTokenTTL is the lifetime of an access token when neither the
// grant nor the configuration sets one
const DefaultAccessTokenTTL = time.Hour

const idLogLength = 8

// Grant describes a token to mint
type Grant struct {
	ClientID string
	UserID   string // empty for machine tokens
	Scopes   []string

	// GrantType is used for metrics and audit records only
	GrantType string

	Audience      string
	Resource      string
	ActorClientID string

	// JKT binds the token to a DPoP key; the token is returned as type DPoP
	JKT string

	// CertThumbprint binds the token to a client certificate
	CertThumbprint string

	// Lifetime overrides the configured access token lifetime; it never
	// extends it
	Lifetime time.Duration

	// RefreshToken requests a refresh token alongside the access token
	RefreshToken bool
}

// Binding returns the binding of the grant for audit records
func (g Grant) Binding() string {
	switch {
	case g.JKT != "" && g.CertThumbprint != "":
		return "dpop+mtls"
	case g.JKT != "":
		return "dpop"
	case g.CertThumbprint != "":
		return "mtls"
	}
	return "none"
}

// Config configures the issuer
type Config struct {
	// AccessTokenTTL is the access token lifetime (default: 1 hour)
	AccessTokenTTL time.Duration
}

// Issuer mints tokens
type Issuer struct {
	store   storage.AccessTokenStore
	ttl     time.Duration
	logger  *slog.Logger
	auditor *security.Auditor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	now func() time.Time
}

// NewIssuer creates an issuer storing tokens in store
func NewIssuer(cfg Config, store storage.AccessTokenStore, logger *slog.Logger) (*Issuer, error) {
	if store == nil {
		return nil, errors.New("token: access token store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = DefaultAccessTokenTTL
	}
	return &Issuer{
		store:  store,
		ttl:    cfg.AccessTokenTTL,
		logger: logger,
		now:    time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (i *Issuer) SetAuditor(auditor *security.Auditor) {
	i.auditor = auditor
}

// SetInstrumentation sets the instrumentation for metrics and tracing
func (i *Issuer) SetInstrumentation(inst *instrumentation.Instrumentation) {
	i.instrumentation = inst
	if inst != nil {
		i.tracer = inst.Tracer("token")
	}
}

// TTL returns the configured access token lifetime
func (i *Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue mints an access token (and optionally a refresh token) for g and
// stores its record. The returned oauth2.Token carries the clear-text values;
// the record only their hashes.
func (i *Issuer) Issue(ctx context.Context, g Grant) (*oauth2.Token, *storage.AccessToken, error) {
	if i.tracer != nil {
		var span trace.Span
		ctx, span = i.tracer.Start(ctx, "token.issue")
		defer span.End()
		instrumentation.AddOAuthFlowAttributes(span, g.ClientID, g.GrantType, util.JoinScopes(g.Scopes))
		instrumentation.AddBindingAttributes(span, g.JKT != "", g.CertThumbprint != "")
	}

	if g.ClientID == "" {
		return nil, nil, errors.New("token: grant has no client")
	}

	lifetime := i.ttl
	if g.Lifetime > 0 && g.Lifetime < lifetime {
		lifetime = g.Lifetime
	}

	tokenType := TypeBearer
	if g.JKT != "" {
		tokenType = TypeDPoP
	}

	now := i.now()
	accessToken := oauth2.GenerateVerifier()
	record := &storage.AccessToken{
		ID:            storage.NewID(now),
		TokenHash:     Hash(accessToken),
		ClientID:      g.ClientID,
		UserID:        g.UserID,
		Scopes:        g.Scopes,
		Audience:      g.Audience,
		Resource:      g.Resource,
		ActorClientID: g.ActorClientID,
		TokenType:     tokenType,
		JKT:           g.JKT,
		X5TS256:       g.CertThumbprint,
		IssuedAt:      now,
		ExpiresAt:     now.Add(lifetime),
	}

	var refreshToken string
	if g.RefreshToken {
		refreshToken = oauth2.GenerateVerifier()
		record.RefreshTokenHash = Hash(refreshToken)
	}

	if err := i.store.SaveAccessToken(ctx, record); err != nil {
		instrumentation.RecordError(trace.SpanFromContext(ctx), err)
		return nil, nil, fmt.Errorf("failed to store access token: %w", err)
	}

	tok := (&oauth2.Token{
		AccessToken:  accessToken,
		TokenType:    tokenType,
		RefreshToken: refreshToken,
		Expiry:       record.ExpiresAt,
		ExpiresIn:    int64(lifetime.Seconds()),
	}).WithExtra(map[string]any{"scope": util.JoinScopes(g.Scopes)})

	i.logger.Debug("Issued access token",
		"token_id", util.SafeTruncate(record.ID, idLogLength),
		"client_id", g.ClientID,
		"grant_type", g.GrantType,
		"token_type", tokenType)
	i.auditor.LogTokenIssued(ctx, g.UserID, g.ClientID, g.GrantType, g.Binding(), g.Scopes)
	if i.instrumentation != nil {
		i.instrumentation.Metrics().RecordTokenIssued(ctx, tokenType, g.GrantType)
	}
	instrumentation.SetSpanSuccess(trace.SpanFromContext(ctx))

	return tok, record, nil
}

// Revoke flags the token record id as revoked
func (i *Issuer) Revoke(ctx context.Context, id string) error {
	if err := i.store.RevokeAccessToken(ctx, id); err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	return nil
}

// Hash returns the base64url SHA-256 of a token value, the form tokens are
// stored and looked up by
func Hash(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
