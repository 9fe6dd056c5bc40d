package oauthext

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationServerMetadata is the subset of RFC 8414 Authorization Server
// Metadata describing the extension endpoints
type AuthorizationServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL
	Issuer string `json:"issuer"`

	// TokenEndpoint is the URL of the token endpoint
	TokenEndpoint string `json:"token_endpoint"`

	// PushedAuthorizationRequestEndpoint is the RFC 9126 PAR endpoint
	PushedAuthorizationRequestEndpoint string `json:"pushed_authorization_request_endpoint"`

	// RequirePushedAuthorizationRequests is always false: PAR is offered, not mandated
	RequirePushedAuthorizationRequests bool `json:"require_pushed_authorization_requests"`

	// BackchannelAuthenticationEndpoint is the CIBA endpoint
	BackchannelAuthenticationEndpoint string `json:"backchannel_authentication_endpoint"`

	// BackchannelTokenDeliveryModesSupported lists poll, ping and push
	BackchannelTokenDeliveryModesSupported []string `json:"backchannel_token_delivery_modes_supported"`

	// BackchannelUserCodeParameterSupported reports user_code support
	BackchannelUserCodeParameterSupported bool `json:"backchannel_user_code_parameter_supported"`

	// GrantTypesSupported lists the extension grant types served by the token endpoint
	GrantTypesSupported []string `json:"grant_types_supported"`

	// TokenEndpointAuthMethodsSupported lists the client authentication methods supported at the token endpoint
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`

	// CodeChallengeMethodsSupported lists the PKCE methods accepted in pushed requests
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`

	// DPoPSigningAlgValuesSupported lists the accepted DPoP proof algorithms (RFC 9449)
	DPoPSigningAlgValuesSupported []string `json:"dpop_signing_alg_values_supported"`

	// TLSClientCertificateBoundAccessTokens reports RFC 8705 support
	TLSClientCertificateBoundAccessTokens bool `json:"tls_client_certificate_bound_access_tokens"`

	// MTLSEndpointAliases maps endpoint names to their mTLS aliases (RFC 8705 section 5)
	MTLSEndpointAliases map[string]string `json:"mtls_endpoint_aliases,omitempty"`
}

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// IssuedTokenType is set for token exchange responses (RFC 8693)
	IssuedTokenType string `json:"issued_token_type,omitempty"`

	// TokenType is "Bearer" or "DPoP"
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in"`

	// RefreshToken is the refresh token (optional)
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the scope of the access token
	Scope string `json:"scope,omitempty"`
}
