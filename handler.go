// Package oauthext serves the OAuth 2.1 extension protocols over HTTP:
// pushed authorization requests (RFC 9126), client-initiated backchannel
// authentication (OpenID CIBA Core), token exchange (RFC 8693), and DPoP
// (RFC 9449) and mTLS (RFC 8705) sender-constrained tokens.
package oauthext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-ext/ciba"
	"github.com/giantswarm/oauth-ext/dpop"
	"github.com/giantswarm/oauth-ext/instrumentation"
	"github.com/giantswarm/oauth-ext/internal/util"
	"github.com/giantswarm/oauth-ext/par"
	"github.com/giantswarm/oauth-ext/security"
	"github.com/giantswarm/oauth-ext/server"
	"github.com/giantswarm/oauth-ext/storage"
	"github.com/giantswarm/oauth-ext/token"
	"github.com/giantswarm/oauth-ext/tokenexchange"
)

// MetadataPath is the RFC 8414 authorization server metadata path
const MetadataPath = "/.well-known/oauth-authorization-server"

// HeaderDPoP carries the DPoP proof
const HeaderDPoP = "DPoP"

// Handler is a thin HTTP adapter for the extension Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer // OpenTelemetry tracer for HTTP layer
}

// NewHandler creates a new HTTP handler
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: server,
		logger: logger,
	}

	// Initialize tracer if instrumentation is enabled
	if server.Instrumentation != nil {
		h.tracer = server.Instrumentation.Tracer("http")
	}

	return h
}

// RegisterRoutes registers the extension endpoints and the authorization
// server metadata on mux. Endpoint paths are prefixed with the issuer path;
// the metadata path uses RFC 8414 path insertion.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	issuerPath := h.extractIssuerPath()

	mux.HandleFunc(issuerPath+server.PushedAuthorizationPath, h.ServePushedAuthorization)
	mux.HandleFunc(issuerPath+server.BackchannelAuthenticationPath, h.ServeBackchannelAuthentication)
	mux.HandleFunc(issuerPath+server.TokenPath, h.ServeToken)
	mux.HandleFunc(MetadataPath+issuerPath, h.ServeAuthorizationServerMetadata)

	h.logger.Info("Registered extension endpoints",
		"issuer_path", issuerPath,
		"metadata_endpoint", MetadataPath+issuerPath)
}

// extractIssuerPath extracts the path component from the issuer URL.
// Returns empty string if the issuer has no path or only "/".
func (h *Handler) extractIssuerPath() string {
	parsed, err := url.Parse(h.server.Config.Issuer)
	if err != nil {
		return ""
	}
	cleanedPath := path.Clean(parsed.Path)
	if cleanedPath == "" || cleanedPath == "/" || cleanedPath == "." {
		return ""
	}
	return cleanedPath
}

// ServePushedAuthorization handles the RFC 9126 pushed authorization request endpoint
func (h *Handler) ServePushedAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	startTime := time.Now()
	status := http.StatusCreated
	defer func() { h.recordHTTPMetrics("par", r.Method, status, startTime) }()

	ctx := r.Context()
	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.par")
		defer span.End()
	}

	clientIP := h.clientIP(r)
	h.addClientIPAttribute(span, clientIP)
	if h.checkIPRateLimit(w, r, clientIP) {
		status = http.StatusTooManyRequests
		return
	}

	if err := r.ParseForm(); err != nil {
		status = h.fail(w, r, span, ErrInvalidRequest("Failed to parse request"))
		return
	}
	// RFC 9126 section 2.1: request_uri is not allowed in a pushed request
	if r.PostForm.Has("request_uri") {
		status = h.fail(w, r, span, ErrInvalidRequest("request_uri must not be pushed"))
		return
	}

	endpointURL := h.endpointURL(r, h.server.Config.PushedAuthorizationEndpoint())
	auth, err := h.authenticateClient(ctx, r, endpointURL, clientIP)
	if err != nil {
		status = h.fail(w, r, span, err)
		return
	}
	if h.checkClientRateLimit(w, r, auth.Client.ClientID, clientIP) {
		status = http.StatusTooManyRequests
		return
	}

	binding, err := h.binding(r, endpointURL)
	if err != nil {
		status = h.fail(w, r, span, err)
		return
	}

	resp, err := h.server.PushAuthorizationRequest(ctx, auth, pushedParams(r), binding)
	if err != nil {
		h.requestLogger(r).Info("Pushed authorization request rejected",
			"client_id", auth.Client.ClientID,
			"ip", clientIP,
			"error", err)
		status = h.fail(w, r, span, err)
		return
	}

	instrumentation.AddOAuthFlowAttributes(span, auth.Client.ClientID, "", r.PostForm.Get("scope"))
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetDPoPNonce(w, h.server.DPoPNonce())
	h.writeJSON(w, http.StatusCreated, resp)
}

// pushedParams reads the authorization parameters of a pushed request
func pushedParams(r *http.Request) par.Params {
	f := r.PostForm
	return par.Params{
		ResponseType:         f.Get("response_type"),
		ClientID:             f.Get("client_id"),
		RedirectURI:          f.Get("redirect_uri"),
		Scope:                f.Get("scope"),
		State:                f.Get("state"),
		CodeChallenge:        f.Get("code_challenge"),
		CodeChallengeMethod:  f.Get("code_challenge_method"),
		Nonce:                f.Get("nonce"),
		Request:              f.Get("request"),
		Prompt:               f.Get("prompt"),
		MaxAge:               f.Get("max_age"),
		ACRValues:            f.Get("acr_values"),
		Claims:               f.Get("claims"),
		LoginHint:            f.Get("login_hint"),
		UILocales:            f.Get("ui_locales"),
		Resource:             f.Get("resource"),
		AuthorizationDetails: f.Get("authorization_details"),
		DPoPJKT:              f.Get("dpop_jkt"),
	}
}

// ServeBackchannelAuthentication handles the CIBA backchannel authentication endpoint
func (h *Handler) ServeBackchannelAuthentication(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	startTime := time.Now()
	status := http.StatusOK
	defer func() { h.recordHTTPMetrics("bc_authorize", r.Method, status, startTime) }()

	ctx := r.Context()
	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.backchannel_authentication")
		defer span.End()
	}

	clientIP := h.clientIP(r)
	h.addClientIPAttribute(span, clientIP)
	if h.checkIPRateLimit(w, r, clientIP) {
		status = http.StatusTooManyRequests
		return
	}

	if err := r.ParseForm(); err != nil {
		status = h.fail(w, r, span, ErrInvalidRequest("Failed to parse request"))
		return
	}

	endpointURL := h.endpointURL(r, h.server.Config.BackchannelAuthenticationEndpoint())
	auth, err := h.authenticateClient(ctx, r, endpointURL, clientIP)
	if err != nil {
		status = h.fail(w, r, span, err)
		return
	}
	if h.checkClientRateLimit(w, r, auth.Client.ClientID, clientIP) {
		status = http.StatusTooManyRequests
		return
	}

	req, err := backchannelRequest(r)
	if err != nil {
		status = h.fail(w, r, span, err)
		return
	}

	resp, err := h.server.BackchannelAuthorize(ctx, auth, req)
	if err != nil {
		oauthErr := toOAuthError(err)
		// CIBA Core section 13: access_denied is a 403 at this endpoint
		if oauthErr.Code == ErrorCodeAccessDenied {
			oauthErr = NewOAuthError(oauthErr.Code, oauthErr.Description, http.StatusForbidden)
		}
		h.requestLogger(r).Info("Backchannel authentication request rejected",
			"client_id", auth.Client.ClientID,
			"ip", clientIP,
			"error", err)
		status = h.fail(w, r, span, oauthErr)
		return
	}

	instrumentation.AddOAuthFlowAttributes(span, auth.Client.ClientID, ciba.GrantType, req.Scope)
	instrumentation.SetSpanSuccess(span)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusOK, resp)
}

// backchannelRequest reads the parameters of a backchannel authentication request
func backchannelRequest(r *http.Request) (ciba.Request, error) {
	f := r.PostForm
	req := ciba.Request{
		Scope:                   f.Get("scope"),
		ClientNotificationToken: f.Get("client_notification_token"),
		ACRValues:               f.Get("acr_values"),
		BindingMessage:          f.Get("binding_message"),
		IDTokenHint:             f.Get("id_token_hint"),
		LoginHintToken:          f.Get("login_hint_token"),
		LoginHint:               f.Get("login_hint"),
		UserCode:                f.Get("user_code"),
	}
	if raw := f.Get("requested_expiry"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return req, ErrInvalidRequest("requested_expiry must be a positive integer")
		}
		req.RequestedExpiry = time.Duration(seconds) * time.Second
	}
	return req, nil
}

// ServeToken handles the token endpoint for the extension grants
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	grantType := r.PostForm.Get("grant_type")

	switch {
	case ciba.IsGrantType(grantType):
		h.handleBackchannelGrant(w, r, clientIP)
	case grantType == tokenexchange.GrantType && h.server.TokenExchangeEnabled():
		h.handleTokenExchangeGrant(w, r, clientIP)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, fmt.Sprintf("Grant type %s not supported", grantType), http.StatusBadRequest)
	}
}

func (h *Handler) handleBackchannelGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	status := http.StatusOK
	defer func() { h.recordHTTPMetrics("token", r.Method, status, startTime) }()

	ctx := r.Context()
	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.backchannel_grant")
		defer span.End()
	}
	h.addClientIPAttribute(span, clientIP)

	authReqID := r.PostForm.Get("auth_req_id")
	if authReqID == "" {
		status = h.fail(w, r, span, ErrInvalidRequest("Required parameter 'auth_req_id' missing"))
		return
	}

	auth, binding, ok := h.prepareGrant(ctx, w, r, span, clientIP, &status)
	if !ok {
		return
	}

	tok, err := h.server.ExchangeBackchannelGrant(ctx, auth, authReqID, binding)
	if err != nil {
		status = h.fail(w, r, span, err)
		return
	}

	instrumentation.AddOAuthFlowAttributes(span, auth.Client.ClientID, ciba.GrantType, scopeOf(tok))
	instrumentation.AddBindingAttributes(span, tok.TokenType == token.TypeDPoP, auth.CertificateVerified && auth.Client.TLSClientCertificateBoundAccessTokens)
	instrumentation.SetSpanSuccess(span)

	h.requestLogger(r).Info("Backchannel grant redeemed", "client_id", auth.Client.ClientID, "ip", clientIP)
	h.writeTokenResponse(w, tok, "")
}

func (h *Handler) handleTokenExchangeGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	startTime := time.Now()
	status := http.StatusOK
	defer func() { h.recordHTTPMetrics("token", r.Method, status, startTime) }()

	ctx := r.Context()
	var span trace.Span
	if h.tracer != nil {
		ctx, span = h.tracer.Start(ctx, "oauth.http.token_exchange")
		defer span.End()
	}
	h.addClientIPAttribute(span, clientIP)

	auth, binding, ok := h.prepareGrant(ctx, w, r, span, clientIP, &status)
	if !ok {
		return
	}

	f := r.PostForm
	resp, err := h.server.ExchangeToken(ctx, auth, tokenexchange.Request{
		GrantType:          f.Get("grant_type"),
		SubjectToken:       f.Get("subject_token"),
		SubjectTokenType:   f.Get("subject_token_type"),
		ActorToken:         f.Get("actor_token"),
		ActorTokenType:     f.Get("actor_token_type"),
		RequestedTokenType: f.Get("requested_token_type"),
		Resource:           f.Get("resource"),
		Audience:           f.Get("audience"),
		Scope:              f.Get("scope"),
	}, binding)
	if err != nil {
		status = h.fail(w, r, span, err)
		return
	}

	instrumentation.AddOAuthFlowAttributes(span, auth.Client.ClientID, tokenexchange.GrantType, scopeOf(resp.Token))
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrScenario, resp.Scenario.String()))
	instrumentation.SetSpanSuccess(span)

	for _, warning := range resp.Warnings {
		h.requestLogger(r).Info("Token exchange warning", "client_id", auth.Client.ClientID, "warning", warning)
	}
	h.writeTokenResponse(w, resp.Token, resp.IssuedTokenType)
}

// prepareGrant authenticates the client of a token request, applies the
// client rate limit and reads the DPoP proof. On failure it writes the
// response, stores its status and returns false.
func (h *Handler) prepareGrant(ctx context.Context, w http.ResponseWriter, r *http.Request, span trace.Span, clientIP string, status *int) (*server.ClientAuthentication, server.Binding, bool) {
	endpointURL := h.endpointURL(r, h.server.Config.TokenEndpoint())

	auth, err := h.authenticateClient(ctx, r, endpointURL, clientIP)
	if err != nil {
		*status = h.fail(w, r, span, err)
		return nil, server.Binding{}, false
	}
	if h.checkClientRateLimit(w, r, auth.Client.ClientID, clientIP) {
		*status = http.StatusTooManyRequests
		return nil, server.Binding{}, false
	}

	binding, err := h.binding(r, endpointURL)
	if err != nil {
		*status = h.fail(w, r, span, err)
		return nil, server.Binding{}, false
	}
	return auth, binding, true
}

// ValidateToken is middleware that validates access tokens presented to a
// protected resource, including their DPoP or certificate binding. The
// validated token is available to next through AccessTokenFromContext.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.clientIP(r)

		if h.checkIPRateLimit(w, r, clientIP) {
			return
		}

		cert, err := h.server.ExtractCertificate(r)
		if err != nil {
			h.requestLogger(r).Warn("Malformed client certificate", "ip", clientIP, "error", err)
			h.writeUnauthorizedError(w, r, ErrorCodeInvalidToken, "Client certificate is malformed")
			return
		}

		tok, err := h.server.ValidateResourceRequest(r.Context(), token.ResourceRequest{
			Authorization: r.Header.Get("Authorization"),
			DPoPProof:     r.Header.Get(HeaderDPoP),
			Method:        r.Method,
			URL:           h.requestURL(r),
			Certificate:   cert,
			ClientIP:      clientIP,
		})
		if err != nil {
			h.writeResourceError(w, r, clientIP, err)
			return
		}

		if h.checkClientRateLimit(w, r, tok.ClientID, clientIP) {
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithAccessToken(r.Context(), tok)))
	})
}

// writeResourceError writes the response for a rejected resource request.
// Store failures are server errors; rejections are 401 with a challenge.
func (h *Handler) writeResourceError(w http.ResponseWriter, r *http.Request, clientIP string, err error) {
	var proofErr *dpop.ProofError
	switch {
	case errors.As(err, &proofErr):
		h.requestLogger(r).Warn("DPoP proof rejected at resource", "ip", clientIP, "reason", proofErr.Reason)
		if proofErr.Code == dpop.ErrorCodeUseNonce {
			security.SetDPoPNonce(w, h.server.DPoPNonce())
		}
		h.writeUnauthorizedError(w, r, proofErr.Code, proofErr.Description)
	case toOAuthError(err).Code == ErrorCodeServerError:
		h.requestLogger(r).Error("Token validation failed", "ip", clientIP, "error", err)
		h.writeError(w, ErrorCodeServerError, "The server encountered an error. Please retry the request.", http.StatusInternalServerError)
	default:
		h.requestLogger(r).Warn("Token validation failed", "ip", clientIP, "error", err)
		h.writeUnauthorizedError(w, r, ErrorCodeInvalidToken, "Token validation failed")
	}
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server
// Metadata for the extension endpoints
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	h.writeJSON(w, http.StatusOK, h.buildAuthServerMetadata())
}

// buildAuthServerMetadata builds the RFC 8414 authorization server metadata.
func (h *Handler) buildAuthServerMetadata() AuthorizationServerMetadata {
	cfg := h.server.Config

	grantTypes := []string{ciba.GrantType, ciba.GrantTypeAlias}
	if h.server.TokenExchangeEnabled() {
		grantTypes = append(grantTypes, tokenexchange.GrantType)
	}

	challengeMethods := []string{par.MethodS256}
	if cfg.PAR.AllowPKCEPlain {
		challengeMethods = append(challengeMethods, par.MethodPlain)
	}

	algorithms := cfg.DPoP.Algorithms
	if len(algorithms) == 0 {
		algorithms = dpop.SupportedAlgorithms
	}
	algs := make([]string, 0, len(algorithms))
	for _, alg := range algorithms {
		algs = append(algs, string(alg))
	}

	return AuthorizationServerMetadata{
		Issuer:                                 cfg.Issuer,
		TokenEndpoint:                          cfg.TokenEndpoint(),
		PushedAuthorizationRequestEndpoint:     cfg.PushedAuthorizationEndpoint(),
		BackchannelAuthenticationEndpoint:      cfg.BackchannelAuthenticationEndpoint(),
		BackchannelTokenDeliveryModesSupported: []string{string(storage.DeliveryPoll), string(storage.DeliveryPing), string(storage.DeliveryPush)},
		BackchannelUserCodeParameterSupported:  cfg.CIBA.UserCodeSupported,
		GrantTypesSupported:                    grantTypes,
		TokenEndpointAuthMethodsSupported: []string{
			storage.AuthMethodClientSecretBasic,
			storage.AuthMethodClientSecretPost,
			storage.AuthMethodTLSClientAuth,
			storage.AuthMethodSelfSignedTLSClientAuth,
			storage.AuthMethodNone,
		},
		CodeChallengeMethodsSupported:         challengeMethods,
		DPoPSigningAlgValuesSupported:         algs,
		TLSClientCertificateBoundAccessTokens: true,
		MTLSEndpointAliases:                   h.mtlsEndpointAliases(),
	}
}

// mtlsEndpointAliases names each configured alias by the endpoint it serves
func (h *Handler) mtlsEndpointAliases() map[string]string {
	aliases := make(map[string]string)
	for _, alias := range h.server.Config.MTLS.EndpointAliases {
		parsed, err := url.Parse(alias)
		if err != nil {
			continue
		}
		switch {
		case strings.HasSuffix(parsed.Path, server.TokenPath):
			aliases["token_endpoint"] = alias
		case strings.HasSuffix(parsed.Path, server.PushedAuthorizationPath):
			aliases["pushed_authorization_request_endpoint"] = alias
		case strings.HasSuffix(parsed.Path, server.BackchannelAuthenticationPath):
			aliases["backchannel_authentication_endpoint"] = alias
		}
	}
	if len(aliases) == 0 {
		return nil
	}
	return aliases
}

// authenticateClient authenticates the client of r with its registered method
func (h *Handler) authenticateClient(ctx context.Context, r *http.Request, endpointURL, clientIP string) (*server.ClientAuthentication, error) {
	cert, err := h.server.ExtractCertificate(r)
	if err != nil {
		h.requestLogger(r).Warn("Malformed client certificate", "ip", clientIP, "error", err)
		return nil, err
	}

	basicID, basicSecret, _ := r.BasicAuth()
	return h.server.AuthenticateClient(ctx, server.ClientCredentials{
		ClientID:    r.PostForm.Get("client_id"),
		BasicID:     basicID,
		BasicSecret: basicSecret,
		PostSecret:  r.PostForm.Get("client_secret"),
		Certificate: cert,
		EndpointURL: endpointURL,
		ClientIP:    clientIP,
	})
}

// binding reads the DPoP proof of r. RFC 9449 section 4.3 allows exactly one.
func (h *Handler) binding(r *http.Request, endpointURL string) (server.Binding, error) {
	proofs := r.Header.Values(HeaderDPoP)
	if len(proofs) > 1 {
		return server.Binding{}, &dpop.ProofError{
			Code:        dpop.ErrorCodeInvalidProof,
			Description: "Exactly one DPoP proof is allowed",
			Reason:      dpop.ReasonMalformed,
		}
	}
	b := server.Binding{Method: r.Method, URL: endpointURL}
	if len(proofs) == 1 {
		b.DPoPProof = proofs[0]
	}
	return b, nil
}

// endpointURL returns the URL a DPoP proof sent to r must name: the mTLS
// alias r was sent to, or the advertised endpoint
func (h *Handler) endpointURL(r *http.Request, advertised string) string {
	if len(h.server.Config.MTLS.EndpointAliases) == 0 {
		return advertised
	}
	actual, err := util.NormalizeHTU(h.requestURL(r))
	if err != nil {
		return advertised
	}
	for _, alias := range h.server.Config.MTLS.EndpointAliases {
		if normalized, err := util.NormalizeHTU(alias); err == nil && normalized == actual {
			return alias
		}
	}
	return advertised
}

// requestURL reconstructs the external URL of r without query or fragment.
// Forwarded scheme and host are honored only when proxies are trusted.
func (h *Handler) requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host

	if h.server.Config.TrustProxy {
		if proto := firstHeaderValue(r.Header.Get("X-Forwarded-Proto")); proto != "" {
			scheme = proto
		}
		if fwdHost := firstHeaderValue(r.Header.Get("X-Forwarded-Host")); fwdHost != "" {
			host = fwdHost
		}
	}
	return scheme + "://" + host + r.URL.EscapedPath()
}

func firstHeaderValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	if h.server.RateLimiter == nil || h.server.RateLimiter.Allow(clientIP) {
		return false
	}

	h.requestLogger(r).Warn("Rate limit exceeded", "ip", clientIP)
	h.recordRateLimitExceeded(r.Context(), "ip", "", clientIP, r.URL.Path)
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// checkClientRateLimit checks if the client is rate limited. Returns true if limited.
func (h *Handler) checkClientRateLimit(w http.ResponseWriter, r *http.Request, clientID, clientIP string) bool {
	if h.server.ClientRateLimiter == nil {
		return false
	}
	ok, retryAfter := h.server.ClientRateLimiter.Reserve(clientID)
	if ok {
		return false
	}

	h.requestLogger(r).Warn("Client rate limit exceeded", "client_id", clientID, "ip", clientIP)
	h.recordRateLimitExceeded(r.Context(), "client", clientID, clientIP, r.URL.Path)
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded for client. Please try again later.", http.StatusTooManyRequests)
	return true
}

// requestLogger returns the handler logger carrying the request id of r, if any
func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	if id := security.GetRequestID(r.Context()); id != "" {
		return h.logger.With("request_id", id)
	}
	return h.logger
}

// addClientIPAttribute records the client IP on span when instrumentation allows it
func (h *Handler) addClientIPAttribute(span trace.Span, clientIP string) {
	if h.server.Instrumentation == nil || !h.server.Instrumentation.ShouldLogClientIPs() {
		return
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientIP, clientIP))
}

// recordRateLimitExceeded records rate limit metrics and audit events.
func (h *Handler) recordRateLimitExceeded(ctx context.Context, limitType, clientID, clientIP, endpoint string) {
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordRateLimitExceeded(ctx, limitType)
	}
	h.server.Auditor.LogRateLimitExceeded(ctx, clientID, clientIP, endpoint)
}

// fail writes the error response for err and returns its status. Errors
// that are not protocol rejections are logged and reported as server_error.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, span trace.Span, err error) int {
	instrumentation.RecordError(span, err)

	oauthErr := toOAuthError(err)
	if oauthErr.Code == ErrorCodeServerError {
		h.requestLogger(r).Error("Request failed", "error", err)
	}
	if oauthErr.Code == ErrorCodeUseDPoPNonce {
		security.SetDPoPNonce(w, h.server.DPoPNonce())
	}
	h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
	return oauthErr.Status
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, tok *oauth2.Token, issuedTokenType string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetDPoPNonce(w, h.server.DPoPNonce())

	expiresIn := int64(time.Until(tok.Expiry).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = token.TypeBearer
	}

	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:     tok.AccessToken,
		IssuedTokenType: issuedTokenType,
		TokenType:       tokenType,
		ExpiresIn:       expiresIn,
		RefreshToken:    tok.RefreshToken,
		Scope:           scopeOf(tok),
	})
}

// scopeOf returns the granted scope carried in the token's extra fields
func scopeOf(tok *oauth2.Token) string {
	scope, _ := tok.Extra("scope").(string)
	return scope
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	// RFC 6749 section 5.2: failed client authentication carries a challenge
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q`, h.server.Config.Issuer))
	}

	h.writeJSON(w, status, ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeUnauthorizedError writes a 401 response from a protected resource.
// The challenge names the DPoP scheme when the request used it or the
// error concerns a proof, and Bearer otherwise.
func (h *Handler) writeUnauthorizedError(w http.ResponseWriter, r *http.Request, code, description string) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	scheme := token.SchemeBearer
	if requestScheme, _, ok := token.ParseAuthorization(r.Header.Get("Authorization")); (ok && requestScheme == token.SchemeDPoP) ||
		code == ErrorCodeInvalidDPoPProof || code == ErrorCodeUseDPoPNonce {
		scheme = token.SchemeDPoP
	}
	w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(scheme, code, description))

	h.writeJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// formatWWWAuthenticate formats the WWW-Authenticate header value per RFC 6750
// and RFC 9449 section 7.1. The DPoP challenge lists the accepted algorithms.
func (h *Handler) formatWWWAuthenticate(scheme, errCode, errorDesc string) string {
	var params []string

	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, quoteEscape(errCode)))
	}
	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteEscape(errorDesc)))
	}
	if scheme == token.SchemeDPoP {
		algs := strings.Join(h.buildAuthServerMetadata().DPoPSigningAlgValuesSupported, " ")
		params = append(params, fmt.Sprintf(`algs="%s"`, algs))
	}

	if len(params) == 0 {
		return scheme
	}
	return scheme + " " + strings.Join(params, ", ")
}

// quoteEscape escapes backslashes, then quotes, for a quoted-string header value
func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type contextKey string

const accessTokenKey contextKey = "access_token"

// AccessTokenFromContext returns the access token validated by ValidateToken
func AccessTokenFromContext(ctx context.Context) (*storage.AccessToken, bool) {
	tok, ok := ctx.Value(accessTokenKey).(*storage.AccessToken)
	return tok, ok
}

// ContextWithAccessToken returns a context carrying a validated access token.
// Useful for testing handlers behind ValidateToken.
func ContextWithAccessToken(ctx context.Context, tok *storage.AccessToken) context.Context {
	return context.WithValue(ctx, accessTokenKey, tok)
}

// recordHTTPMetrics records HTTP request metrics (total count and duration)
func (h *Handler) recordHTTPMetrics(endpoint, method string, status int, startTime time.Time) {
	if h.server.Instrumentation == nil {
		return
	}

	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.server.Instrumentation.Metrics().RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}
