package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-ext/mtls"
	"github.com/giantswarm/oauth-ext/storage"
)

// Client authentication errors. Both are reported to clients without detail.
var (
	// ErrMissingClientID is returned when a request names no client
	ErrMissingClientID = errors.New("client_id is required")

	// ErrClientAuthentication is returned for unknown clients and wrong or
	// missing credentials
	ErrClientAuthentication = errors.New("client authentication failed")
)

// ClientCredentials are the credentials presented with a request
type ClientCredentials struct {
	// ClientID is the client_id form parameter
	ClientID string

	// BasicID and BasicSecret come from HTTP Basic authentication
	BasicID     string
	BasicSecret string

	// PostSecret is the client_secret form parameter
	PostSecret string

	// Certificate is the client certificate presented with the request, if any
	Certificate *mtls.Certificate

	// EndpointURL is the URL the request was sent to; mTLS endpoint aliases
	// are enforced against it
	EndpointURL string

	ClientIP string
}

// ClientAuthentication is an authenticated client
type ClientAuthentication struct {
	Client *storage.Client

	// Method is the token endpoint authentication method that succeeded
	Method string

	// Certificate is the certificate presented with the request, if any
	Certificate *mtls.Certificate

	// CertificateVerified is set when Certificate was matched against the
	// client's registration
	CertificateVerified bool

	ClientIP string
}

// ExtractCertificate returns the client certificate of r: the TLS peer
// certificate when the server terminates TLS, otherwise the forwarded
// certificate headers when they are trusted. It returns nil without error
// when no certificate is presented.
func (s *Server) ExtractCertificate(r *http.Request) (*mtls.Certificate, error) {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return mtls.ExtractFromTLS(r.TLS)
	}
	if !s.Config.MTLS.TrustCertificateHeaders {
		return nil, nil
	}
	cert, err := s.certs.Extract(r.Header)
	if errors.Is(err, mtls.ErrNoCertificate) {
		return nil, nil
	}
	return cert, err
}

// AuthenticateClient authenticates the client of a request with its
// registered token endpoint authentication method: a bcrypt-hashed secret
// (client_secret_basic or client_secret_post), a certificate
// (tls_client_auth or self_signed_tls_client_auth) or none for public clients.
func (s *Server) AuthenticateClient(ctx context.Context, creds ClientCredentials) (*ClientAuthentication, error) {
	clientID := creds.ClientID
	if creds.BasicID != "" {
		if clientID != "" && clientID != creds.BasicID {
			s.logAuthFailure(ctx, clientID, creds.ClientIP, "client_id_mismatch", "Client ID in form does not match Basic credentials")
			return nil, ErrClientAuthentication
		}
		clientID = creds.BasicID
	}
	if clientID == "" {
		return nil, ErrMissingClientID
	}

	client, err := s.stores.Clients.GetClient(ctx, clientID)
	if err != nil {
		if storage.IsNotFound(err) {
			s.logAuthFailure(ctx, clientID, creds.ClientIP, "unknown_client", "Unknown client")
			return nil, ErrClientAuthentication
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	auth := &ClientAuthentication{
		Client:      client,
		Certificate: creds.Certificate,
		ClientIP:    creds.ClientIP,
	}

	switch authMethod(client) {
	case storage.AuthMethodTLSClientAuth, storage.AuthMethodSelfSignedTLSClientAuth:
		if len(s.Config.MTLS.EndpointAliases) > 0 {
			if err := s.certs.CheckEndpoint(creds.Certificate, creds.EndpointURL); err != nil {
				s.logAuthFailure(ctx, clientID, creds.ClientIP, "mtls_endpoint", "Certificate authentication outside an mTLS endpoint alias")
				return nil, err
			}
		}
		verdict, err := s.certs.AuthenticateCertificate(ctx, creds.Certificate, clientID)
		if err != nil {
			return nil, err
		}
		auth.Method = verdict.Method
		auth.CertificateVerified = true

	case storage.AuthMethodNone:
		if client.ClientType == storage.ClientTypeConfidential {
			s.logAuthFailure(ctx, clientID, creds.ClientIP, "confidential_client_auth_required", "Confidential client registered without authentication")
			return nil, ErrClientAuthentication
		}
		auth.Method = storage.AuthMethodNone

	default:
		secret, method := creds.BasicSecret, storage.AuthMethodClientSecretBasic
		if creds.BasicID == "" {
			secret, method = creds.PostSecret, storage.AuthMethodClientSecretPost
		}
		if secret == "" || client.ClientSecretHash == "" {
			s.logAuthFailure(ctx, clientID, creds.ClientIP, "confidential_client_auth_required", "Confidential client missing credentials")
			return nil, ErrClientAuthentication
		}
		if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(secret)); err != nil {
			s.logAuthFailure(ctx, clientID, creds.ClientIP, "client_authentication_failed", "Client authentication failed")
			return nil, ErrClientAuthentication
		}
		auth.Method = method
	}

	s.Logger.Debug("Client authenticated",
		"client_id", clientID,
		"method", auth.Method)
	return auth, nil
}

// authMethod returns the registered method, defaulting by client type
func authMethod(client *storage.Client) string {
	if client.TokenEndpointAuthMethod != "" {
		return client.TokenEndpointAuthMethod
	}
	if client.ClientType == storage.ClientTypePublic {
		return storage.AuthMethodNone
	}
	return storage.AuthMethodClientSecretBasic
}

// logAuthFailure logs authentication failures with optional auditing.
func (s *Server) logAuthFailure(ctx context.Context, clientID, clientIP, reason, message string) {
	s.Logger.WarnContext(ctx, message, "client_id", clientID, "ip", clientIP, "reason", reason)
	s.Auditor.LogAuthFailure(ctx, clientID, clientIP, reason)
}
