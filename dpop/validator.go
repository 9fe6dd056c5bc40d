package dpop

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-ext/instrumentation"
	"github.com/giantswarm/oauth-ext/internal/util"
	"github.com/giantswarm/oauth-ext/security"
	"github.com/giantswarm/oauth-ext/storage"
)

const (
	// ProofType is the required typ header of a DPoP proof
	ProofType = "dpop+jwt"

	// DefaultMaxAge is the maximum age of a proof's iat
	DefaultMaxAge = 60 * time.Second

	// DefaultClockSkew is the tolerance for client clocks running ahead or behind
	DefaultClockSkew = 5 * time.Second

	// MaxProofLength bounds the size of a proof accepted for parsing
	MaxProofLength = 8192

	replayKeyPrefix = "dpop:"
	maxJTILength    = 200
)

// SupportedAlgorithms is the algorithm allow-list. Symmetric algorithms and
// "none" are never accepted.
var SupportedAlgorithms = []jose.SignatureAlgorithm{
	jose.ES256,
	jose.ES384,
	jose.RS256,
	jose.RS384,
	jose.RS512,
}

// Config configures proof validation
type Config struct {
	// MaxAge is the maximum age of iat (default: 60s)
	MaxAge time.Duration

	// ClockSkew is the allowance for client clock differences (default: 5s)
	ClockSkew time.Duration

	// Algorithms restricts the accepted algorithms to a subset of
	// SupportedAlgorithms (default: all of them)
	Algorithms []jose.SignatureAlgorithm
}

// Request is a proof presented with an HTTP request
type Request struct {
	// Proof is the DPoP header value
	Proof string

	// Method and URL of the request the proof must be bound to
	Method string
	URL    string

	// AccessToken is the token presented with the proof; when set, the proof
	// must carry a matching ath claim
	AccessToken string

	// Nonce is an explicitly expected nonce. When empty and the validator has
	// a NonceIssuer, the proof must carry a nonce the issuer accepts.
	Nonce string

	// TokenExpiry extends the replay window to the bound token's lifetime
	TokenExpiry time.Time

	// ClientID and ClientIP are used for audit logging only
	ClientID string
	ClientIP string
}

// Claims are the verified claims of a proof
type Claims struct {
	JTI      string
	HTM      string
	HTU      string
	ATH      string
	Nonce    string
	IssuedAt time.Time
}

// Result is a validated proof
type Result struct {
	// JKT is the base64url RFC 7638 SHA-256 thumbprint of the proof key
	JKT       string
	Claims    Claims
	Algorithm jose.SignatureAlgorithm
	Key       *jose.JSONWebKey
}

type proofHeader struct {
	Type      string          `json:"typ"`
	Algorithm string          `json:"alg"`
	JWK       json.RawMessage `json:"jwk"`
}

type proofClaims struct {
	JTI      string           `json:"jti"`
	HTM      string           `json:"htm"`
	HTU      string           `json:"htu"`
	ATH      string           `json:"ath,omitempty"`
	Nonce    string           `json:"nonce,omitempty"`
	IssuedAt *jwt.NumericDate `json:"iat"`
}

// Validator validates DPoP proofs. It is safe for concurrent use; replay state
// lives in the ReplayStore.
type Validator struct {
	maxAge     time.Duration
	skew       time.Duration
	algorithms []jose.SignatureAlgorithm
	replay     storage.ReplayStore
	nonces     *NonceIssuer
	logger     *slog.Logger
	auditor    *security.Auditor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	now func() time.Time
}

// NewValidator creates a validator. replay is required; nonces is optional and
// turns on server-issued nonces.
func NewValidator(cfg Config, replay storage.ReplayStore, nonces *NonceIssuer, logger *slog.Logger) (*Validator, error) {
	if replay == nil {
		return nil, errors.New("dpop: replay store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.ClockSkew < 0 {
		return nil, fmt.Errorf("dpop: clock skew must not be negative")
	}
	if cfg.ClockSkew == 0 {
		cfg.ClockSkew = DefaultClockSkew
	}

	algorithms := cfg.Algorithms
	if len(algorithms) == 0 {
		algorithms = SupportedAlgorithms
	}
	for _, alg := range algorithms {
		if !slices.Contains(SupportedAlgorithms, alg) {
			return nil, fmt.Errorf("dpop: unsupported algorithm %q", alg)
		}
	}

	return &Validator{
		maxAge:     cfg.MaxAge,
		skew:       cfg.ClockSkew,
		algorithms: slices.Clone(algorithms),
		replay:     replay,
		nonces:     nonces,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// SetAuditor sets the security auditor for rejected proofs
func (v *Validator) SetAuditor(auditor *security.Auditor) {
	v.auditor = auditor
}

// SetInstrumentation sets the instrumentation for metrics and tracing
func (v *Validator) SetInstrumentation(inst *instrumentation.Instrumentation) {
	v.instrumentation = inst
	if inst != nil {
		v.tracer = inst.Tracer("dpop")
	}
}

// Nonces returns the nonce issuer, or nil when nonces are disabled
func (v *Validator) Nonces() *NonceIssuer {
	return v.nonces
}

// Validate verifies a proof and records its jti. The proof key is not
// compared with any binding; see ValidateBound.
func (v *Validator) Validate(ctx context.Context, req Request) (*Result, error) {
	return v.validate(ctx, req, "")
}

// ValidateBound verifies a proof presented with a DPoP-bound access token and
// requires the proof key thumbprint to equal expectedJKT.
func (v *Validator) ValidateBound(ctx context.Context, req Request, expectedJKT string) (*Result, error) {
	if expectedJKT == "" {
		return nil, reject(ReasonThumbprint, errors.New("token is not DPoP-bound"))
	}
	return v.validate(ctx, req, expectedJKT)
}

func (v *Validator) validate(ctx context.Context, req Request, expectedJKT string) (*Result, error) {
	if v.tracer != nil {
		var span trace.Span
		ctx, span = v.tracer.Start(ctx, "dpop.validate")
		defer span.End()
		span.SetAttributes(
			attribute.String(instrumentation.AttrHTTPMethod, req.Method),
			attribute.Bool(instrumentation.AttrDPoPBound, expectedJKT != ""),
		)
	}

	result, err := v.check(ctx, req, expectedJKT)
	if err != nil {
		v.recordFailure(ctx, req, err)
		return nil, err
	}

	if v.instrumentation != nil {
		v.instrumentation.Metrics().RecordDPoPValidation(ctx, "success", "")
	}
	instrumentation.SetSpanSuccess(trace.SpanFromContext(ctx))
	return result, nil
}

func (v *Validator) check(ctx context.Context, req Request, expectedJKT string) (*Result, error) {
	if req.Proof == "" {
		return nil, reject(ReasonMalformed, errors.New("missing DPoP proof"))
	}
	if len(req.Proof) > MaxProofLength {
		return nil, reject(ReasonMalformed, errors.New("proof too large"))
	}

	header, err := decodeHeader(req.Proof)
	if err != nil {
		return nil, reject(ReasonMalformed, err)
	}
	if header.Type != ProofType {
		return nil, reject(ReasonMalformed, fmt.Errorf("unexpected typ %q", header.Type))
	}
	alg := jose.SignatureAlgorithm(header.Algorithm)
	if !slices.Contains(v.algorithms, alg) {
		return nil, reject(ReasonAlgorithm, fmt.Errorf("algorithm %q not allowed", header.Algorithm))
	}
	if len(header.JWK) == 0 {
		return nil, reject(ReasonMalformed, errors.New("missing jwk header"))
	}

	jws, err := jose.ParseSigned(req.Proof, v.algorithms)
	if err != nil {
		return nil, reject(ReasonMalformed, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, reject(ReasonMalformed, errors.New("proof must carry exactly one signature"))
	}

	jwk := jws.Signatures[0].Protected.JSONWebKey
	if jwk == nil {
		return nil, reject(ReasonMalformed, errors.New("missing jwk header"))
	}
	if !jwk.IsPublic() {
		return nil, reject(ReasonMalformed, errors.New("jwk contains private key material"))
	}
	if !jwk.Valid() {
		return nil, reject(ReasonMalformed, errors.New("invalid jwk"))
	}

	payload, err := jws.Verify(jwk)
	if err != nil {
		return nil, reject(ReasonSignature, err)
	}

	var pc proofClaims
	if err := json.Unmarshal(payload, &pc); err != nil {
		return nil, reject(ReasonMalformed, fmt.Errorf("invalid claims: %w", err))
	}
	if pc.JTI == "" || pc.HTM == "" || pc.HTU == "" || pc.IssuedAt == nil {
		return nil, reject(ReasonMalformed, errors.New("missing required claim"))
	}
	if len(pc.JTI) > maxJTILength {
		return nil, reject(ReasonMalformed, errors.New("jti too long"))
	}

	now := v.now()
	iat := pc.IssuedAt.Time()
	switch security.CheckIssuedAt(iat, now, v.maxAge, v.skew) {
	case security.IssuedAtStale:
		return nil, reject(ReasonStale, fmt.Errorf("proof issued at %s is too old", iat.UTC().Format(time.RFC3339)))
	case security.IssuedAtFuture:
		return nil, reject(ReasonFuture, fmt.Errorf("proof issued at %s is in the future", iat.UTC().Format(time.RFC3339)))
	}

	if pc.HTM != req.Method {
		return nil, reject(ReasonMethod, fmt.Errorf("htm %q does not match %q", pc.HTM, req.Method))
	}
	if err := matchHTU(pc.HTU, req.URL); err != nil {
		return nil, reject(ReasonURL, err)
	}

	if req.AccessToken != "" {
		if pc.ATH == "" {
			return nil, reject(ReasonATH, errors.New("missing ath claim"))
		}
		if !util.ConstantTimeEqual(pc.ATH, AccessTokenHash(req.AccessToken)) {
			return nil, reject(ReasonATH, errors.New("ath does not match access token"))
		}
	}

	if err := v.checkNonce(pc.Nonce, req.Nonce); err != nil {
		return nil, err
	}

	jkt, err := Thumbprint(jwk)
	if err != nil {
		return nil, reject(ReasonMalformed, err)
	}
	if expectedJKT != "" && !util.ConstantTimeEqual(jkt, expectedJKT) {
		return nil, reject(ReasonThumbprint, errors.New("proof key does not match token binding"))
	}

	// Replay is checked last so that proofs failing any other check leave no state behind.
	replayUntil := iat.Add(v.maxAge + v.skew)
	if req.TokenExpiry.After(replayUntil) {
		replayUntil = req.TokenExpiry
	}
	if err := v.replay.MarkUsed(ctx, replayKeyPrefix+pc.JTI, replayUntil); err != nil {
		if errors.Is(err, storage.ErrReplayDetected) {
			return nil, reject(ReasonReplay, err)
		}
		return nil, fmt.Errorf("failed to record proof jti: %w", err)
	}

	return &Result{
		JKT: jkt,
		Claims: Claims{
			JTI:      pc.JTI,
			HTM:      pc.HTM,
			HTU:      pc.HTU,
			ATH:      pc.ATH,
			Nonce:    pc.Nonce,
			IssuedAt: iat,
		},
		Algorithm: alg,
		Key:       jwk,
	}, nil
}

func (v *Validator) checkNonce(got, expected string) error {
	switch {
	case expected != "":
		if !util.ConstantTimeEqual(got, expected) {
			return nonceRequired(errors.New("nonce does not match"))
		}
	case v.nonces != nil:
		if got == "" {
			return nonceRequired(errors.New("missing nonce"))
		}
		if !v.nonces.Valid(got) {
			return nonceRequired(errors.New("nonce is stale or unknown"))
		}
	}
	return nil
}

func (v *Validator) recordFailure(ctx context.Context, req Request, err error) {
	span := trace.SpanFromContext(ctx)
	instrumentation.RecordError(span, err)

	var pe *ProofError
	if !errors.As(err, &pe) {
		v.logger.Error("DPoP proof validation failed", "client_id", req.ClientID, "error", err)
		if v.instrumentation != nil {
			v.instrumentation.Metrics().RecordDPoPValidation(ctx, "error", "")
		}
		return
	}

	span.SetAttributes(attribute.String(instrumentation.AttrReason, string(pe.Reason)))
	v.logger.Warn("DPoP proof rejected",
		"client_id", req.ClientID,
		"reason", pe.Reason,
		"error", pe.Err)
	v.auditor.LogProofRejected(ctx, req.ClientID, req.ClientIP, string(pe.Reason))
	if v.instrumentation != nil {
		v.instrumentation.Metrics().RecordDPoPValidation(ctx, "failure", string(pe.Reason))
	}
}

// Thumbprint returns the base64url RFC 7638 SHA-256 thumbprint of a public JWK
func Thumbprint(jwk *jose.JSONWebKey) (string, error) {
	if jwk == nil {
		return "", errors.New("nil jwk")
	}
	tp, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// AccessTokenHash returns base64url(SHA-256(token)), the expected ath value
func AccessTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func decodeHeader(proof string) (*proofHeader, error) {
	parts := strings.Split(proof, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil, errors.New("proof is not a compact JWS")
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid header encoding: %w", err)
	}
	var h proofHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	return &h, nil
}

func matchHTU(claimed, actual string) error {
	want, err := util.NormalizeHTU(actual)
	if err != nil {
		return fmt.Errorf("invalid request URL: %w", err)
	}
	got, err := util.NormalizeHTU(claimed)
	if err != nil {
		return fmt.Errorf("invalid htu: %w", err)
	}
	if got != want {
		return fmt.Errorf("htu %q does not match %q", got, want)
	}
	return nil
}
