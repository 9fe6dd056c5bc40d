package oauthext

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/giantswarm/oauth-ext/ciba"
	"github.com/giantswarm/oauth-ext/dpop"
	"github.com/giantswarm/oauth-ext/mtls"
	"github.com/giantswarm/oauth-ext/par"
	"github.com/giantswarm/oauth-ext/server"
	"github.com/giantswarm/oauth-ext/token"
	"github.com/giantswarm/oauth-ext/tokenexchange"
)

func TestOAuthError_Error(t *testing.T) {
	tests := []struct {
		name        string
		code        string
		description string
		want        string
	}{
		{
			name:        "simple error",
			code:        "invalid_request",
			description: "Missing required parameter",
			want:        "invalid_request: Missing required parameter",
		},
		{
			name:        "error with empty description",
			code:        "server_error",
			description: "",
			want:        "server_error: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &OAuthError{
				Code:        tt.code,
				Description: tt.description,
			}
			if got := e.Error(); got != tt.want {
				t.Errorf("OAuthError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *OAuthError
		wantCode   string
		wantStatus int
	}{
		{"invalid request", ErrInvalidRequest("x"), ErrorCodeInvalidRequest, http.StatusBadRequest},
		{"invalid client", ErrInvalidClient("x"), ErrorCodeInvalidClient, http.StatusUnauthorized},
		{"invalid token", ErrInvalidToken("x"), ErrorCodeInvalidToken, http.StatusUnauthorized},
		{"unsupported grant", ErrUnsupportedGrantType("x"), ErrorCodeUnsupportedGrantType, http.StatusBadRequest},
		{"server error", ErrServerError("x"), ErrorCodeServerError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", tt.err.Status, tt.wantStatus)
			}
			if tt.err.Description != "x" {
				t.Errorf("Description = %q, want %q", tt.err.Description, "x")
			}
		})
	}
}

func TestToOAuthError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{
			name:       "oauth error passes through",
			err:        NewOAuthError(ErrorCodeAccessDenied, "no", http.StatusForbidden),
			wantCode:   ErrorCodeAccessDenied,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "missing client id",
			err:        server.ErrMissingClientID,
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "client authentication",
			err:        fmt.Errorf("basic: %w", server.ErrClientAuthentication),
			wantCode:   ErrorCodeInvalidClient,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "token exchange disabled",
			err:        server.ErrTokenExchangeDisabled,
			wantCode:   ErrorCodeUnsupportedGrantType,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "dpop nonce",
			err:        &dpop.ProofError{Code: dpop.ErrorCodeUseNonce, Description: "nonce required"},
			wantCode:   ErrorCodeUseDPoPNonce,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "certificate",
			err:        &mtls.Error{Code: ErrorCodeInvalidClient, Description: "Client certificate authentication failed"},
			wantCode:   ErrorCodeInvalidClient,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "pushed request",
			err:        &par.Error{Code: par.ErrorCodeInvalidRequest, Description: "bad"},
			wantCode:   ErrorCodeInvalidRequest,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "backchannel pending",
			err:        &ciba.Error{Code: ciba.ErrorCodeAuthorizationPending, Description: "pending"},
			wantCode:   ErrorCodeAuthorizationPending,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "wrapped exchange error",
			err:        fmt.Errorf("exchange: %w", &tokenexchange.Error{Code: tokenexchange.ErrorCodeInvalidTarget, Description: "bad audience"}),
			wantCode:   ErrorCodeInvalidTarget,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "token",
			err:        &token.Error{Code: token.ErrorCodeInvalidToken, Description: "expired"},
			wantCode:   ErrorCodeInvalidToken,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "infrastructure failure",
			err:        errors.New("connection refused"),
			wantCode:   ErrorCodeServerError,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toOAuthError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", got.Status, tt.wantStatus)
			}
		})
	}
}

func TestToOAuthError_HidesInternalDetail(t *testing.T) {
	got := toOAuthError(errors.New("valkey: dial tcp 10.0.0.1:6379: connection refused"))
	if got.Description != "The server encountered an error. Please retry the request." {
		t.Errorf("Description leaks detail: %q", got.Description)
	}
}
