package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/giantswarm/oauth-ext/dpop"
	"github.com/giantswarm/oauth-ext/mtls"
	"github.com/giantswarm/oauth-ext/security"
	"github.com/giantswarm/oauth-ext/storage"
)

// Authorization schemes
const (
	SchemeBearer = "Bearer"
	SchemeDPoP   = "DPoP"
)

// ResourceRequest is a request to a protected resource
type ResourceRequest struct {
	// Authorization is the Authorization header value
	Authorization string

	// DPoPProof is the DPoP header value
	DPoPProof string

	// Method and URL are used to check the DPoP proof
	Method string
	URL    string

	// Certificate is the client certificate presented with the request, if any
	Certificate *mtls.Certificate

	ClientIP string
}

// Validator validates access tokens presented to protected resources
type Validator struct {
	store   storage.AccessTokenStore
	proofs  *dpop.Validator
	logger  *slog.Logger
	auditor *security.Auditor
	now     func() time.Time
}

// NewValidator creates a validator. proofs may be nil when DPoP is disabled;
// DPoP-bound tokens are then always rejected.
func NewValidator(store storage.AccessTokenStore, proofs *dpop.Validator, logger *slog.Logger) (*Validator, error) {
	if store == nil {
		return nil, errors.New("token: access token store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		store:  store,
		proofs: proofs,
		logger: logger,
		now:    time.Now,
	}, nil
}

// SetAuditor sets the security auditor for binding mismatches
func (v *Validator) SetAuditor(auditor *security.Auditor) {
	v.auditor = auditor
}

// ParseAuthorization splits an Authorization header into scheme and token.
// The scheme is matched case-insensitively and returned in canonical form.
func ParseAuthorization(header string) (scheme, token string, ok bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found {
		return "", "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "", false
	}
	switch {
	case strings.EqualFold(scheme, SchemeBearer):
		return SchemeBearer, token, true
	case strings.EqualFold(scheme, SchemeDPoP):
		return SchemeDPoP, token, true
	}
	return "", "", false
}

// ValidateResourceRequest returns the record of the presented token when it is
// active and its binding holds. Rejections are *Error, *dpop.ProofError or
// *mtls.Error; other errors are store failures.
func (v *Validator) ValidateResourceRequest(ctx context.Context, req ResourceRequest) (*storage.AccessToken, error) {
	scheme, raw, ok := ParseAuthorization(req.Authorization)
	if !ok {
		return nil, invalidToken("Missing or malformed access token", nil)
	}

	tok, err := v.store.GetAccessTokenByHash(ctx, Hash(raw))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, invalidToken("Access token is invalid", err)
		}
		return nil, fmt.Errorf("failed to look up access token: %w", err)
	}
	if !tok.Active(v.now()) {
		return nil, invalidToken("Access token is invalid", errors.New("token is revoked or expired"))
	}

	if err := v.checkDPoP(ctx, req, scheme, raw, tok); err != nil {
		return nil, err
	}

	if tok.X5TS256 != "" {
		if err := mtls.VerifyBoundToken(req.Certificate, tok.X5TS256); err != nil {
			v.bindingMismatch(ctx, tok, "mtls", err)
			return nil, err
		}
	}

	return tok, nil
}

func (v *Validator) checkDPoP(ctx context.Context, req ResourceRequest, scheme, raw string, tok *storage.AccessToken) error {
	if tok.JKT == "" {
		if scheme == SchemeDPoP {
			return invalidToken("Access token is not DPoP-bound", nil)
		}
		return nil
	}

	if scheme != SchemeDPoP {
		err := invalidToken("DPoP-bound access token must use the DPoP scheme", nil)
		v.bindingMismatch(ctx, tok, "dpop", err)
		return err
	}
	if v.proofs == nil {
		return invalidToken("DPoP is not supported", nil)
	}
	if req.DPoPProof == "" {
		return invalidToken("DPoP proof is required", nil)
	}

	_, err := v.proofs.ValidateBound(ctx, dpop.Request{
		Proof:       req.DPoPProof,
		Method:      req.Method,
		URL:         req.URL,
		AccessToken: raw,
		TokenExpiry: tok.ExpiresAt,
		ClientID:    tok.ClientID,
		ClientIP:    req.ClientIP,
	}, tok.JKT)
	if err != nil {
		var pe *dpop.ProofError
		if errors.As(err, &pe) && pe.Reason == dpop.ReasonThumbprint {
			v.bindingMismatch(ctx, tok, "dpop", err)
		}
		return err
	}
	return nil
}

func (v *Validator) bindingMismatch(ctx context.Context, tok *storage.AccessToken, binding string, err error) {
	v.logger.WarnContext(ctx, "Bound access token presented without its key",
		"client_id", tok.ClientID,
		"binding", binding,
		"error", err)
	v.auditor.LogBindingMismatch(ctx, tok.UserID, tok.ClientID, binding)
}
