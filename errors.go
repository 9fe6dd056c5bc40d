package oauthext

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/giantswarm/oauth-ext/ciba"
	"github.com/giantswarm/oauth-ext/dpop"
	"github.com/giantswarm/oauth-ext/mtls"
	"github.com/giantswarm/oauth-ext/par"
	"github.com/giantswarm/oauth-ext/server"
	"github.com/giantswarm/oauth-ext/token"
	"github.com/giantswarm/oauth-ext/tokenexchange"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest        = "invalid_request"
	ErrorCodeInvalidGrant          = "invalid_grant"
	ErrorCodeInvalidClient         = "invalid_client"
	ErrorCodeInvalidScope          = "invalid_scope"
	ErrorCodeInvalidTarget         = "invalid_target"
	ErrorCodeInvalidToken          = "invalid_token"
	ErrorCodeInvalidDPoPProof      = "invalid_dpop_proof"
	ErrorCodeUseDPoPNonce          = "use_dpop_nonce"
	ErrorCodeUnauthorizedClient    = "unauthorized_client"
	ErrorCodeUnsupportedGrantType  = "unsupported_grant_type"
	ErrorCodeAuthorizationPending  = "authorization_pending"
	ErrorCodeSlowDown              = "slow_down"
	ErrorCodeExpiredToken          = "expired_token"
	ErrorCodeInvalidBindingMessage = "invalid_binding_message"
	ErrorCodeServerError           = "server_error"
	ErrorCodeAccessDenied          = "access_denied"
	ErrorCodeRateLimitExceeded     = "rate_limit_exceeded"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable instances
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred. Clients may retry.
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// toOAuthError maps an error from the protocol components to the response
// of an authorization server endpoint. Rejections keep their code and
// caller-safe description; anything else is an infrastructure failure and
// becomes server_error.
func toOAuthError(err error) *OAuthError {
	var (
		oauthErr *OAuthError
		proofErr *dpop.ProofError
		certErr  *mtls.Error
		parErr   *par.Error
		cibaErr  *ciba.Error
		xchgErr  *tokenexchange.Error
		tokenErr *token.Error
	)

	switch {
	case errors.As(err, &oauthErr):
		return oauthErr
	case errors.Is(err, server.ErrMissingClientID):
		return ErrInvalidRequest("client_id is required")
	case errors.Is(err, server.ErrClientAuthentication):
		return ErrInvalidClient("Client authentication failed")
	case errors.Is(err, server.ErrTokenExchangeDisabled):
		return ErrUnsupportedGrantType("Grant type " + tokenexchange.GrantType + " not supported")
	case errors.As(err, &proofErr):
		return NewOAuthError(proofErr.Code, proofErr.Description, http.StatusBadRequest)
	case errors.As(err, &certErr):
		return NewOAuthError(certErr.Code, certErr.Description, http.StatusUnauthorized)
	case errors.As(err, &parErr):
		return NewOAuthError(parErr.Code, parErr.Description, http.StatusBadRequest)
	case errors.As(err, &cibaErr):
		return NewOAuthError(cibaErr.Code, cibaErr.Description, http.StatusBadRequest)
	case errors.As(err, &xchgErr):
		return NewOAuthError(xchgErr.Code, xchgErr.Description, http.StatusBadRequest)
	case errors.As(err, &tokenErr):
		return NewOAuthError(tokenErr.Code, tokenErr.Description, http.StatusUnauthorized)
	}
	return ErrServerError("The server encountered an error. Please retry the request.")
}
