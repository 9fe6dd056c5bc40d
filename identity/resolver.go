package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/giantswarm/oauth-ext/storage"
)

// Confidence is how strongly a resolution identifies the user
type Confidence string

// Confidence levels
const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
	ConfidenceNone   Confidence = "none"
)

// Method is the hint that resolved the user
type Method string

// Resolution methods
const (
	MethodIDTokenHint       Method = "id_token_hint"
	MethodLoginHintToken    Method = "login_hint_token"
	MethodLoginHintEmail    Method = "login_hint_email"
	MethodLoginHintPhone    Method = "login_hint_phone"
	MethodLoginHintHandle   Method = "login_hint_handle"
	MethodLoginHintUsername Method = "login_hint_username"
	MethodUserCode          Method = "user_code"
)

// DefaultIDTokenHintMaxAge is how long after expiry an id_token_hint is still accepted
const DefaultIDTokenHintMaxAge = 24 * time.Hour

// ErrInvalidHint is returned when a signed hint fails verification
var ErrInvalidHint = errors.New("invalid hint")

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 ().-]{5,22}[0-9]$`)
)

// Algorithms accepted for signed hints
var hintAlgorithms = []jose.SignatureAlgorithm{
	jose.ES256, jose.ES384, jose.ES512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// unverifiedAlgorithms additionally lets symmetric login hint tokens be decoded
var unverifiedAlgorithms = append([]jose.SignatureAlgorithm{jose.HS256, jose.HS384, jose.HS512}, hintAlgorithms...)

// Hints are the identity hints of a backchannel request
type Hints struct {
	IDTokenHint    string
	LoginHintToken string
	LoginHint      string
	UserCode       string

	// Client is the requesting client; its JWKS verifies login_hint_token
	Client *storage.Client
}

// Resolution is the outcome of Resolve
type Resolution struct {
	User       *storage.User
	Method     Method
	Confidence Confidence

	// RequiresInteraction is set when no hint identified a user
	RequiresInteraction bool
}

// UserID returns the resolved user id, or "" when unresolved
func (r *Resolution) UserID() string {
	if r == nil || r.User == nil {
		return ""
	}
	return r.User.ID
}

// Config configures the resolver
type Config struct {
	// Issuer is the expected iss of id_token_hint
	Issuer string

	// Keys is the server's public signing key set, used for id_token_hint
	Keys jose.JSONWebKeySet

	// IDTokenHintMaxAge is how long after its exp an id_token_hint is accepted
	// (default: 24h)
	IDTokenHintMaxAge time.Duration
}

// Resolver resolves users from hints
type Resolver struct {
	users  storage.UserStore
	issuer string
	keys   jose.JSONWebKeySet
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewResolver creates a resolver
func NewResolver(cfg Config, users storage.UserStore, logger *slog.Logger) (*Resolver, error) {
	if users == nil {
		return nil, errors.New("identity: user store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IDTokenHintMaxAge <= 0 {
		cfg.IDTokenHintMaxAge = DefaultIDTokenHintMaxAge
	}
	return &Resolver{
		users:  users,
		issuer: cfg.Issuer,
		keys:   cfg.Keys,
		maxAge: cfg.IDTokenHintMaxAge,
		logger: logger,
		now:    time.Now,
	}, nil
}

type resolveFunc func(ctx context.Context, hints Hints) (*Resolution, error)

// Resolve resolves the user named by hints. Errors wrap ErrInvalidHint for
// hints failing verification; other errors are store failures.
func (r *Resolver) Resolve(ctx context.Context, hints Hints) (*Resolution, error) {
	steps := []struct {
		present bool
		fn      resolveFunc
	}{
		{hints.IDTokenHint != "", r.fromIDTokenHint},
		{hints.LoginHintToken != "", r.fromLoginHintToken},
		{hints.LoginHint != "", r.fromLoginHint},
		{hints.UserCode != "", r.fromUserCode},
	}

	for _, step := range steps {
		if !step.present {
			continue
		}
		res, err := step.fn(ctx, hints)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	return &Resolution{Confidence: ConfidenceNone, RequiresInteraction: true}, nil
}

func (r *Resolver) fromIDTokenHint(ctx context.Context, hints Hints) (*Resolution, error) {
	token, err := jwt.ParseSigned(hints.IDTokenHint, hintAlgorithms)
	if err != nil {
		return nil, fmt.Errorf("%w: id_token_hint: %v", ErrInvalidHint, err)
	}

	var claims jwt.Claims
	if err := verifyWithKeySet(token, r.keys, &claims); err != nil {
		return nil, fmt.Errorf("%w: id_token_hint: %v", ErrInvalidHint, err)
	}
	// Only exp gets the grace period; iat and nbf use the normal leeway
	now := r.now()
	timing := claims
	timing.Expiry = nil
	if err := timing.ValidateWithLeeway(jwt.Expected{Issuer: r.issuer, Time: now}, jwt.DefaultLeeway); err != nil {
		return nil, fmt.Errorf("%w: id_token_hint: %v", ErrInvalidHint, err)
	}
	if claims.Expiry != nil && now.After(claims.Expiry.Time().Add(r.maxAge)) {
		return nil, fmt.Errorf("%w: id_token_hint: %v", ErrInvalidHint, jwt.ErrExpired)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: id_token_hint has no sub", ErrInvalidHint)
	}

	return r.lookup(MethodIDTokenHint, ConfidenceHigh, func() (*storage.User, error) {
		return r.users.GetUser(ctx, claims.Subject)
	})
}

// subjectIdentifier is an RFC 9493 subject identifier
type subjectIdentifier struct {
	Format      string `json:"format"`
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Issuer      string `json:"iss,omitempty"`
	Subject     string `json:"sub,omitempty"`
	ID          string `json:"id,omitempty"`
}

type loginHintClaims struct {
	SubID *subjectIdentifier `json:"sub_id"`
}

func (r *Resolver) fromLoginHintToken(ctx context.Context, hints Hints) (*Resolution, error) {
	confidence := ConfidenceLow
	var (
		claims loginHintClaims
		std    jwt.Claims
	)

	if hints.Client != nil && hints.Client.JWKS != "" {
		var keys jose.JSONWebKeySet
		if err := json.Unmarshal([]byte(hints.Client.JWKS), &keys); err != nil {
			return nil, fmt.Errorf("%w: client JWKS: %v", ErrInvalidHint, err)
		}
		token, err := jwt.ParseSigned(hints.LoginHintToken, hintAlgorithms)
		if err != nil {
			return nil, fmt.Errorf("%w: login_hint_token: %v", ErrInvalidHint, err)
		}
		if err := verifyWithKeySet(token, keys, &claims, &std); err != nil {
			return nil, fmt.Errorf("%w: login_hint_token: %v", ErrInvalidHint, err)
		}
		if err := std.ValidateWithLeeway(jwt.Expected{Time: r.now()}, jwt.DefaultLeeway); err != nil {
			return nil, fmt.Errorf("%w: login_hint_token: %v", ErrInvalidHint, err)
		}
		confidence = ConfidenceMedium
	} else {
		token, err := jwt.ParseSigned(hints.LoginHintToken, unverifiedAlgorithms)
		if err != nil {
			return nil, fmt.Errorf("%w: login_hint_token: %v", ErrInvalidHint, err)
		}
		if err := token.UnsafeClaimsWithoutVerification(&claims); err != nil {
			return nil, fmt.Errorf("%w: login_hint_token: %v", ErrInvalidHint, err)
		}
	}

	sub := claims.SubID
	if sub == nil {
		return nil, fmt.Errorf("%w: login_hint_token has no sub_id", ErrInvalidHint)
	}

	var find func() (*storage.User, error)
	switch sub.Format {
	case "email":
		find = func() (*storage.User, error) { return r.users.FindUserByEmail(ctx, sub.Email) }
	case "phone_number":
		find = func() (*storage.User, error) { return r.users.FindUserByPhone(ctx, normalizePhone(sub.PhoneNumber)) }
	case "iss_sub":
		if sub.Issuer != r.issuer {
			return nil, nil
		}
		find = func() (*storage.User, error) { return r.users.GetUser(ctx, sub.Subject) }
	case "opaque":
		find = func() (*storage.User, error) { return r.users.GetUser(ctx, sub.ID) }
	default:
		return nil, fmt.Errorf("%w: unsupported sub_id format %q", ErrInvalidHint, sub.Format)
	}

	return r.lookup(MethodLoginHintToken, confidence, find)
}

func (r *Resolver) fromLoginHint(ctx context.Context, hints Hints) (*Resolution, error) {
	hint := strings.TrimSpace(hints.LoginHint)
	switch {
	case strings.HasPrefix(hint, "@") && len(hint) > 1:
		handle := strings.TrimPrefix(hint, "@")
		return r.lookup(MethodLoginHintHandle, ConfidenceMedium, func() (*storage.User, error) {
			return r.users.FindUserByUsername(ctx, handle)
		})
	case emailPattern.MatchString(hint):
		return r.lookup(MethodLoginHintEmail, ConfidenceMedium, func() (*storage.User, error) {
			return r.users.FindUserByEmail(ctx, hint)
		})
	case phonePattern.MatchString(hint):
		return r.lookup(MethodLoginHintPhone, ConfidenceMedium, func() (*storage.User, error) {
			return r.users.FindUserByPhone(ctx, normalizePhone(hint))
		})
	case hint != "":
		return r.lookup(MethodLoginHintUsername, ConfidenceMedium, func() (*storage.User, error) {
			return r.users.FindUserByUsername(ctx, hint)
		})
	}
	return nil, nil
}

func (r *Resolver) fromUserCode(ctx context.Context, hints Hints) (*Resolution, error) {
	return r.lookup(MethodUserCode, ConfidenceLow, func() (*storage.User, error) {
		return r.users.FindUserByDeviceCode(ctx, hints.UserCode)
	})
}

// lookup runs find and maps not-found to a nil resolution so the next hint is tried
func (r *Resolver) lookup(method Method, confidence Confidence, find func() (*storage.User, error)) (*Resolution, error) {
	user, err := find()
	if err != nil {
		if storage.IsNotFound(err) {
			r.logger.Debug("Identity hint did not match a user", "method", method)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}
	return &Resolution{User: user, Method: method, Confidence: confidence}, nil
}

// verifyWithKeySet verifies token with the key named by its kid, or with any
// key of the set when it has none
func verifyWithKeySet(token *jwt.JSONWebToken, keys jose.JSONWebKeySet, out ...any) error {
	if len(token.Headers) == 0 {
		return errors.New("token has no header")
	}
	candidates := keys.Keys
	if kid := token.Headers[0].KeyID; kid != "" {
		candidates = keys.Key(kid)
	}
	if len(candidates) == 0 {
		return errors.New("no matching key")
	}
	var lastErr error
	for _, key := range candidates {
		if err := token.Claims(key.Public(), out...); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// normalizePhone keeps a leading '+' and the digits
func normalizePhone(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		if (r == '+' && i == 0) || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
