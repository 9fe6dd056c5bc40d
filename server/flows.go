package server

import (
	"context"
	"errors"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-ext/ciba"
	"github.com/giantswarm/oauth-ext/dpop"
	"github.com/giantswarm/oauth-ext/internal/util"
	"github.com/giantswarm/oauth-ext/par"
	"github.com/giantswarm/oauth-ext/storage"
	"github.com/giantswarm/oauth-ext/token"
	"github.com/giantswarm/oauth-ext/tokenexchange"
)

// ErrTokenExchangeDisabled is returned when the token exchange grant is turned off
var ErrTokenExchangeDisabled = errors.New("token exchange is disabled")

// Binding is the proof-of-possession material presented with a request
type Binding struct {
	// DPoPProof is the DPoP header value
	DPoPProof string

	// Method and URL of the request the proof must be bound to
	Method string
	URL    string
}

// PushAuthorizationRequest validates and stores a pushed authorization
// request. A DPoP proof presented with it sets dpop_jkt when the parameters
// carry none and must match it otherwise.
func (s *Server) PushAuthorizationRequest(ctx context.Context, auth *ClientAuthentication, params par.Params, b Binding) (*par.PushResponse, error) {
	if b.DPoPProof != "" {
		result, err := s.proofs.Validate(ctx, s.proofRequest(auth, b))
		if err != nil {
			return nil, err
		}
		switch {
		case params.DPoPJKT == "":
			params.DPoPJKT = result.JKT
		case !util.ConstantTimeEqual(params.DPoPJKT, result.JKT):
			return nil, &dpop.ProofError{
				Code:        dpop.ErrorCodeInvalidProof,
				Description: "dpop_jkt does not match the DPoP proof key",
				Reason:      dpop.ReasonThumbprint,
			}
		}
	}
	return s.pushed.Create(ctx, auth.Client.ClientID, params)
}

// ConsumePushedRequest redeems a request_uri at the authorization endpoint.
// It succeeds once; every failure is the same invalid_request error.
func (s *Server) ConsumePushedRequest(ctx context.Context, requestURI, clientID string) (*par.Params, error) {
	return s.pushed.Consume(ctx, requestURI, clientID)
}

// BackchannelAuthorize starts a backchannel authentication request
func (s *Server) BackchannelAuthorize(ctx context.Context, auth *ClientAuthentication, req ciba.Request) (*ciba.Response, error) {
	return s.ciba.CreateRequest(ctx, auth.Client, req)
}

// LookupBackchannelRequest returns a backchannel request for the
// authentication device
func (s *Server) LookupBackchannelRequest(ctx context.Context, authReqID string) (*storage.BackchannelRequest, error) {
	return s.ciba.Lookup(ctx, authReqID)
}

// CompleteBackchannelAuthentication records the user's decision on a
// pending backchannel request. It is called by the authentication device
// integration once the user approved or denied.
func (s *Server) CompleteBackchannelAuthentication(ctx context.Context, authReqID, userID string, approved bool) error {
	return s.ciba.CompleteAuthentication(ctx, authReqID, userID, approved)
}

// ExchangeBackchannelGrant redeems an auth_req_id at the token endpoint
func (s *Server) ExchangeBackchannelGrant(ctx context.Context, auth *ClientAuthentication, authReqID string, b Binding) (*oauth2.Token, error) {
	jkt, thumbprint, err := s.bind(ctx, auth, b)
	if err != nil {
		return nil, err
	}
	return s.ciba.ExchangeForTokens(ctx, auth.Client.ClientID, authReqID, jkt, thumbprint)
}

// ExchangeToken performs an RFC 8693 token exchange
func (s *Server) ExchangeToken(ctx context.Context, auth *ClientAuthentication, req tokenexchange.Request, b Binding) (*tokenexchange.Response, error) {
	if s.exchanger == nil {
		return nil, ErrTokenExchangeDisabled
	}
	jkt, thumbprint, err := s.bind(ctx, auth, b)
	if err != nil {
		return nil, err
	}
	req.DPoPJKT = jkt
	req.CertThumbprint = thumbprint
	return s.exchanger.Exchange(ctx, auth.Client, req)
}

// ValidateResourceRequest validates an access token presented to a protected
// resource, including its DPoP or certificate binding
func (s *Server) ValidateResourceRequest(ctx context.Context, req token.ResourceRequest) (*storage.AccessToken, error) {
	return s.tokens.ValidateResourceRequest(ctx, req)
}

// bind returns the DPoP key thumbprint and certificate thumbprint a new token
// must be bound to. A valid proof always binds; clients registered for
// DPoP-bound or certificate-bound tokens must present the material.
func (s *Server) bind(ctx context.Context, auth *ClientAuthentication, b Binding) (jkt, certThumbprint string, err error) {
	client := auth.Client

	if b.DPoPProof != "" {
		result, err := s.proofs.Validate(ctx, s.proofRequest(auth, b))
		if err != nil {
			return "", "", err
		}
		jkt = result.JKT
	} else if client.DPoPBoundAccessTokens {
		return "", "", &dpop.ProofError{
			Code:        dpop.ErrorCodeInvalidProof,
			Description: "DPoP proof is required",
			Reason:      dpop.ReasonMalformed,
		}
	}

	if client.TLSClientCertificateBoundAccessTokens {
		if !auth.CertificateVerified {
			if _, err := s.certs.AuthenticateCertificate(ctx, auth.Certificate, client.ClientID); err != nil {
				return "", "", err
			}
			auth.CertificateVerified = true
		}
		certThumbprint = auth.Certificate.ThumbprintS256
	}

	return jkt, certThumbprint, nil
}

func (s *Server) proofRequest(auth *ClientAuthentication, b Binding) dpop.Request {
	return dpop.Request{
		Proof:    b.DPoPProof,
		Method:   b.Method,
		URL:      b.URL,
		ClientID: auth.Client.ClientID,
		ClientIP: auth.ClientIP,
	}
}
