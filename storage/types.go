package storage

import "time"

// Client token endpoint authentication methods
const (
	AuthMethodNone                    = "none"
	AuthMethodClientSecretBasic       = "client_secret_basic"
	AuthMethodClientSecretPost        = "client_secret_post"
	AuthMethodTLSClientAuth           = "tls_client_auth"
	AuthMethodSelfSignedTLSClientAuth = "self_signed_tls_client_auth"
)

// Client types
const (
	ClientTypePublic       = "public"
	ClientTypeConfidential = "confidential"
)

const defaultPolicyMaxLifetime = time.Hour

// DeliveryMode is the CIBA token delivery mode registered for a client
type DeliveryMode string

// CIBA delivery modes
const (
	DeliveryPoll DeliveryMode = "poll"
	DeliveryPing DeliveryMode = "ping"
	DeliveryPush DeliveryMode = "push"
)

// Valid reports whether m is a known delivery mode
func (m DeliveryMode) Valid() bool {
	switch m {
	case DeliveryPoll, DeliveryPing, DeliveryPush:
		return true
	}
	return false
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	ClientName              string
	OrganizationID          string
	RedirectURIs            []string
	Scopes                  []string
	TokenEndpointAuthMethod string

	// mTLS (RFC 8705)
	MTLSEnabled                           bool
	TLSClientCertificateBoundAccessTokens bool
	TLSClientAuthSubjectDN                string
	CertificateThumbprints                []string // base64url SHA-256 of registered self-signed certificates

	// DPoPBoundAccessTokens requires every token issued to this client to be DPoP-bound
	DPoPBoundAccessTokens bool

	// CIBA registration
	BackchannelDeliveryMode         DeliveryMode
	BackchannelNotificationEndpoint string

	// JWKS is the client's public key set (JSON), used to verify login_hint_token
	JWKS string

	// PersonalAccess marks first-party personal access clients (no consent prompt)
	PersonalAccess bool

	Policy    ClientPolicy
	CreatedAt time.Time
}

// SupportsMTLS reports whether the client declared any form of mTLS support
func (c *Client) SupportsMTLS() bool {
	return c.MTLSEnabled ||
		c.TLSClientCertificateBoundAccessTokens ||
		c.TokenEndpointAuthMethod == AuthMethodTLSClientAuth ||
		c.TokenEndpointAuthMethod == AuthMethodSelfSignedTLSClientAuth
}

// ClientPolicy is the typed scope policy declared in client metadata.
// Nil pointer fields mean "not declared" and fall back to engine defaults.
type ClientPolicy struct {
	Name                   string        `json:"name,omitempty" yaml:"name,omitempty"`
	AllowScopeEscalation   *bool         `json:"allow_scope_escalation,omitempty" yaml:"allow_scope_escalation,omitempty"`
	AllowCrossClientScopes *bool         `json:"allow_cross_client_scopes,omitempty" yaml:"allow_cross_client_scopes,omitempty"`
	RequireExplicitConsent *bool         `json:"require_explicit_consent,omitempty" yaml:"require_explicit_consent,omitempty"`
	MaxScopeLifetime       time.Duration `json:"max_scope_lifetime,omitempty" yaml:"max_scope_lifetime,omitempty"`

	// StepUpGrants lists scopes (exact or "prefix.*") the client may step up to
	StepUpGrants []string `json:"step_up_grants,omitempty" yaml:"step_up_grants,omitempty"`

	// ImpersonationScopes lists sensitive scopes the client may obtain by impersonation
	ImpersonationScopes []string `json:"impersonation_scopes,omitempty" yaml:"impersonation_scopes,omitempty"`

	// DelegationActors restricts which actor clients may act on behalf of this client.
	// Empty means any authenticated actor.
	DelegationActors []string `json:"delegation_actors,omitempty" yaml:"delegation_actors,omitempty"`
}

// DefaultMaxLifetime returns MaxScopeLifetime or the default when unset
func (p ClientPolicy) DefaultMaxLifetime() time.Duration {
	if p.MaxScopeLifetime <= 0 {
		return defaultPolicyMaxLifetime
	}
	return p.MaxScopeLifetime
}

// Scope is an entry of the scope catalog
type Scope struct {
	Name          string
	Description   string
	Default       bool
	OwnerClientID string // empty for scopes shared by every client
	Sensitive     bool
}

// User is the subset of user data needed for identity resolution
type User struct {
	ID          string
	Email       string
	Phone       string
	Username    string
	DeviceCodes []string
}

// AccessToken is an issued access token. Token values are never stored, only hashes.
type AccessToken struct {
	ID               string
	TokenHash        string
	RefreshTokenHash string
	ClientID         string
	UserID           string // empty for machine (client) tokens
	Scopes           []string
	Audience         string
	Resource         string
	ActorClientID    string
	TokenType        string // "Bearer" or "DPoP"
	JKT              string // DPoP key thumbprint (cnf.jkt)
	X5TS256          string // certificate thumbprint (cnf.x5t#S256)
	IssuedAt         time.Time
	ExpiresAt        time.Time
	Revoked          bool
}

// Active reports whether the token is neither revoked nor expired at now
func (t *AccessToken) Active(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// PushedParams holds the authorization parameters of a pushed request
type PushedParams struct {
	ResponseType         string `json:"response_type"`
	ClientID             string `json:"client_id"`
	RedirectURI          string `json:"redirect_uri"`
	Scope                string `json:"scope,omitempty"`
	State                string `json:"state,omitempty"`
	CodeChallenge        string `json:"code_challenge"`
	CodeChallengeMethod  string `json:"code_challenge_method"`
	Nonce                string `json:"nonce,omitempty"`
	Request              string `json:"request,omitempty"`
	Prompt               string `json:"prompt,omitempty"`
	MaxAge               string `json:"max_age,omitempty"`
	ACRValues            string `json:"acr_values,omitempty"`
	Claims               string `json:"claims,omitempty"`
	LoginHint            string `json:"login_hint,omitempty"`
	UILocales            string `json:"ui_locales,omitempty"`
	Resource             string `json:"resource,omitempty"`
	AuthorizationDetails string `json:"authorization_details,omitempty"`
	DPoPJKT              string `json:"dpop_jkt,omitempty"`
}

// PushedRequest is a stored pushed authorization request
type PushedRequest struct {
	ID         string
	RequestURI string
	ClientID   string
	Params     PushedParams
	CreatedAt  time.Time
	ExpiresAt  time.Time
	Used       bool
}

// BackchannelStatus is the state of a backchannel authentication request
type BackchannelStatus string

// Backchannel request states
const (
	BackchannelPending    BackchannelStatus = "pending"
	BackchannelAuthorized BackchannelStatus = "authorized"
	BackchannelDenied     BackchannelStatus = "denied"
	BackchannelExpired    BackchannelStatus = "expired"
	BackchannelConsumed   BackchannelStatus = "consumed"
)

// BackchannelRequest is a stored CIBA authentication request
type BackchannelRequest struct {
	ID                      string
	AuthReqID               string
	ClientID                string
	Scopes                  []string // requested
	GrantedScopes           []string // admitted by the scope policy engine
	BindingMessage          string
	ACRValues               string
	DeliveryMode            DeliveryMode
	ClientNotificationToken string
	NotificationEndpoint    string
	IDTokenHint             string
	LoginHintToken          string
	LoginHint               string
	UserCode                string
	UserID                  string // resolved user
	ResolutionMethod        string
	ResolutionConfidence    string
	RequiresInteraction     bool
	Status                  BackchannelStatus
	Interval                time.Duration
	RequestedExpiry         time.Duration
	LastPolledAt            time.Time
	CreatedAt               time.Time
	ExpiresAt               time.Time
	CompletedAt             time.Time
}

// EffectiveStatus returns the status taking expiry into account: a pending
// request past its expiry is reported as expired.
func (r *BackchannelRequest) EffectiveStatus(now time.Time) BackchannelStatus {
	if r.Status == BackchannelPending && !now.Before(r.ExpiresAt) {
		return BackchannelExpired
	}
	return r.Status
}
