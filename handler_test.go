package oauthext

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-ext/ciba"
	"github.com/giantswarm/oauth-ext/internal/testutil"
	"github.com/giantswarm/oauth-ext/par"
	"github.com/giantswarm/oauth-ext/security"
	"github.com/giantswarm/oauth-ext/server"
	"github.com/giantswarm/oauth-ext/storage"
	"github.com/giantswarm/oauth-ext/storage/memory"
	"github.com/giantswarm/oauth-ext/token"
	"github.com/giantswarm/oauth-ext/tokenexchange"
)

const (
	testIssuer  = "https://auth.example.com"
	resourceURL = "https://api.example.com/v1/items"
)

func setupTestHandler(t *testing.T, mutate func(*Config)) (*Handler, *Server) {
	t.Helper()
	return newTestHandler(t, NewStores(seedStore(t)), mutate)
}

// seedStore returns a memory store holding the scopes, alice and client-1
func seedStore(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	t.Cleanup(store.Stop)

	for _, name := range []string{"openid", "profile.read", "email", "api.read", "api.write"} {
		require.NoError(t, store.SaveScope(ctx, &storage.Scope{Name: name}))
	}
	require.NoError(t, store.SaveUser(ctx, testutil.NewTestUser("alice")))
	require.NoError(t, store.SaveClient(ctx, testutil.NewTestClient("client-1")))
	return store
}

func newTestHandler(t *testing.T, stores Stores, mutate func(*Config)) (*Handler, *Server) {
	t.Helper()

	config := &Config{
		Issuer:          testIssuer,
		CleanupInterval: -1,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(config)
	}

	srv, err := NewServer(stores, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return NewHandler(srv, config.Logger), srv
}

func formRequest(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, testIssuer+target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("client-1", testutil.TestClientSecret)
	return req
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func pushedForm() url.Values {
	challenge, _ := testutil.GeneratePKCEPair()
	return url.Values{
		"response_type":         {"code"},
		"client_id":             {"client-1"},
		"redirect_uri":          {"https://client.example.com/callback"},
		"scope":                 {"openid api.read"},
		"state":                 {"xyz"},
		"code_challenge":        {challenge},
		"code_challenge_method": {par.MethodS256},
	}
}

// redeemBackchannelGrant runs the CIBA flow over HTTP for alice and returns
// the token endpoint response
func redeemBackchannelGrant(t *testing.T, handler *Handler, srv *Server, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	w := httptest.NewRecorder()
	handler.ServeBackchannelAuthentication(w, formRequest(server.BackchannelAuthenticationPath, url.Values{
		"scope":           {"openid api.read"},
		"login_hint":      {"alice@example.com"},
		"binding_message": {"W4SCT"},
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var started ciba.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&started))
	require.NotEmpty(t, started.AuthReqID)
	require.NoError(t, srv.CompleteBackchannelAuthentication(context.Background(), started.AuthReqID, "alice", true))

	req := formRequest(server.TokenPath, url.Values{
		"grant_type":  {ciba.GrantType},
		"auth_req_id": {started.AuthReqID},
	})
	for k, v := range header {
		req.Header[k] = v
	}
	w = httptest.NewRecorder()
	handler.ServeToken(w, req)
	return w
}

func TestNewHandler(t *testing.T) {
	handler, _ := setupTestHandler(t, nil)

	if handler.logger == nil {
		t.Error("logger should not be nil")
	}
	if handler.tracer != nil {
		t.Error("tracer should be nil without instrumentation")
	}
}

func TestHandler_ServePushedAuthorization(t *testing.T) {
	handler, srv := setupTestHandler(t, nil)

	w := httptest.NewRecorder()
	handler.ServePushedAuthorization(w, formRequest(server.PushedAuthorizationPath, pushedForm()))

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var resp par.PushResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, strings.HasPrefix(resp.RequestURI, par.RequestURIPrefix))
	assert.Equal(t, int(par.DefaultTTL.Seconds()), resp.ExpiresIn)

	params, err := srv.ConsumePushedRequest(context.Background(), resp.RequestURI, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "xyz", params.State)
}

func TestHandler_ServePushedAuthorization_Errors(t *testing.T) {
	handler, _ := setupTestHandler(t, nil)

	tests := []struct {
		name       string
		method     string
		mutate     func(*http.Request, url.Values)
		wantStatus int
		wantCode   string
	}{
		{
			name:       "wrong method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "request_uri pushed",
			mutate:     func(_ *http.Request, f url.Values) { f.Set("request_uri", par.RequestURIPrefix+"abc") },
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name:       "wrong secret",
			mutate:     func(r *http.Request, _ url.Values) { r.SetBasicAuth("client-1", "wrong") },
			wantStatus: http.StatusUnauthorized,
			wantCode:   ErrorCodeInvalidClient,
		},
		{
			name:       "missing PKCE",
			mutate:     func(_ *http.Request, f url.Values) { f.Del("code_challenge") },
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name: "two DPoP proofs",
			mutate: func(r *http.Request, _ url.Values) {
				r.Header.Add(HeaderDPoP, "a")
				r.Header.Add(HeaderDPoP, "b")
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidDPoPProof,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			form := pushedForm()
			req := formRequest(server.PushedAuthorizationPath, nil)
			if tt.mutate != nil {
				tt.mutate(req, form)
			}
			body := form.Encode()
			req.Body = io.NopCloser(strings.NewReader(body))
			req.ContentLength = int64(len(body))
			if tt.method != "" {
				req.Method = tt.method
			}

			w := httptest.NewRecorder()
			handler.ServePushedAuthorization(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantCode == "" {
				return
			}
			if got := decodeError(t, w).Error; got != tt.wantCode {
				t.Errorf("error = %q, want %q", got, tt.wantCode)
			}
			if tt.wantStatus == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
				t.Error("expected WWW-Authenticate on invalid_client")
			}
		})
	}
}

func TestHandler_BackchannelFlow(t *testing.T) {
	handler, srv := setupTestHandler(t, nil)

	w := redeemBackchannelGrant(t, handler, srv, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	var resp TokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotEmpty(t, resp.AccessToken)
	assert.Equal(t, token.TypeBearer, resp.TokenType)
	assert.Equal(t, "openid api.read", resp.Scope)
	assert.InDelta(t, time.Hour.Seconds(), float64(resp.ExpiresIn), 5)
	assert.Empty(t, resp.IssuedTokenType)
}

func TestHandler_BackchannelFlow_DPoP(t *testing.T) {
	handler, srv := setupTestHandler(t, nil)
	key := testutil.NewECKey(t)

	header := http.Header{}
	header.Set(HeaderDPoP, testutil.NewDPoPProof(t, key, testutil.ProofOptions{
		Method: http.MethodPost,
		URL:    srv.Config.TokenEndpoint(),
	}))

	w := redeemBackchannelGrant(t, handler, srv, header)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp TokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, token.TypeDPoP, resp.TokenType)
}

func TestHandler_BackchannelAuthentication_Errors(t *testing.T) {
	handler, _ := setupTestHandler(t, nil)

	tests := []struct {
		name     string
		form     url.Values
		wantCode string
	}{
		{
			name:     "no hint",
			form:     url.Values{"scope": {"openid"}},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "bad requested_expiry",
			form:     url.Values{"scope": {"openid"}, "login_hint": {"alice@example.com"}, "requested_expiry": {"soon"}},
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "negative requested_expiry",
			form:     url.Values{"scope": {"openid"}, "login_hint": {"alice@example.com"}, "requested_expiry": {"-5"}},
			wantCode: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler.ServeBackchannelAuthentication(w, formRequest(server.BackchannelAuthenticationPath, tt.form))

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
			}
			if got := decodeError(t, w).Error; got != tt.wantCode {
				t.Errorf("error = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestHandler_ServeToken_Pending(t *testing.T) {
	handler, _ := setupTestHandler(t, nil)

	w := httptest.NewRecorder()
	handler.ServeBackchannelAuthentication(w, formRequest(server.BackchannelAuthenticationPath, url.Values{
		"scope":      {"openid"},
		"login_hint": {"alice@example.com"},
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var started ciba.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&started))
	assert.Equal(t, int(ciba.DefaultExpiry.Seconds()), started.ExpiresIn)
	assert.Positive(t, started.Interval)

	w = httptest.NewRecorder()
	handler.ServeToken(w, formRequest(server.TokenPath, url.Values{
		"grant_type":  {ciba.GrantTypeAlias},
		"auth_req_id": {started.AuthReqID},
	}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorCodeAuthorizationPending, decodeError(t, w).Error)
}

func TestHandler_ServeToken_Errors(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Config)
		form       url.Values
		wantStatus int
		wantCode   string
	}{
		{
			name:       "unsupported grant",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {"abc"}},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeUnsupportedGrantType,
		},
		{
			name:       "missing auth_req_id",
			form:       url.Values{"grant_type": {ciba.GrantType}},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidRequest,
		},
		{
			name:       "unknown auth_req_id",
			form:       url.Values{"grant_type": {ciba.GrantType}, "auth_req_id": {"nope"}},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidGrant,
		},
		{
			name:   "token exchange disabled",
			mutate: func(c *Config) { c.TokenExchange.Disabled = true },
			form: url.Values{
				"grant_type":         {tokenexchange.GrantType},
				"subject_token":      {"abc"},
				"subject_token_type": {tokenexchange.TokenTypeAccessToken},
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeUnsupportedGrantType,
		},
		{
			name: "unknown subject token",
			form: url.Values{
				"grant_type":         {tokenexchange.GrantType},
				"subject_token":      {"abc"},
				"subject_token_type": {tokenexchange.TokenTypeAccessToken},
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   ErrorCodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler, _ := setupTestHandler(t, tt.mutate)

			w := httptest.NewRecorder()
			handler.ServeToken(w, formRequest(server.TokenPath, tt.form))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if got := decodeError(t, w).Error; got != tt.wantCode {
				t.Errorf("error = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestHandler_TokenExchange(t *testing.T) {
	handler, srv := setupTestHandler(t, nil)

	w := redeemBackchannelGrant(t, handler, srv, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var subject TokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&subject))

	w = httptest.NewRecorder()
	handler.ServeToken(w, formRequest(server.TokenPath, url.Values{
		"grant_type":         {tokenexchange.GrantType},
		"subject_token":      {subject.AccessToken},
		"subject_token_type": {tokenexchange.TokenTypeAccessToken},
		"scope":              {"api.read"},
	}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp TokenResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, tokenexchange.TokenTypeAccessToken, resp.IssuedTokenType)
	assert.Equal(t, "api.read", resp.Scope)
	assert.NotEqual(t, subject.AccessToken, resp.AccessToken)
}

var errStoreDown = fmt.Errorf("valkey: %w", storage.ErrUnavailable)

// unavailableStore fails the selected operations as an unreachable Valkey would
type unavailableStore struct {
	*memory.Store
	tokenLookups       bool
	pushedConsume      bool
	backchannelConsume bool
}

func (u *unavailableStore) GetAccessTokenByHash(ctx context.Context, hash string) (*storage.AccessToken, error) {
	if u.tokenLookups {
		return nil, errStoreDown
	}
	return u.Store.GetAccessTokenByHash(ctx, hash)
}

func (u *unavailableStore) ConsumePushedRequest(ctx context.Context, requestURI, clientID string) (*storage.PushedRequest, error) {
	if u.pushedConsume {
		return nil, errStoreDown
	}
	return u.Store.ConsumePushedRequest(ctx, requestURI, clientID)
}

func (u *unavailableStore) ConsumeBackchannelRequest(ctx context.Context, authReqID, clientID string, now time.Time) (*storage.BackchannelRequest, error) {
	if u.backchannelConsume {
		return nil, errStoreDown
	}
	return u.Store.ConsumeBackchannelRequest(ctx, authReqID, clientID, now)
}

func TestHandler_StoreUnavailable(t *testing.T) {
	requireServerError := func(t *testing.T, w *httptest.ResponseRecorder) {
		t.Helper()
		require.Equal(t, http.StatusInternalServerError, w.Code, w.Body.String())
		resp := decodeError(t, w)
		assert.Equal(t, ErrorCodeServerError, resp.Error)
		assert.NotContains(t, resp.ErrorDescription, "valkey")
	}

	t.Run("token exchange subject lookup", func(t *testing.T) {
		backend := &unavailableStore{Store: seedStore(t)}
		handler, srv := newTestHandler(t, NewStores(backend), nil)

		w := redeemBackchannelGrant(t, handler, srv, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var subject TokenResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&subject))

		backend.tokenLookups = true
		w = httptest.NewRecorder()
		handler.ServeToken(w, formRequest(server.TokenPath, url.Values{
			"grant_type":         {tokenexchange.GrantType},
			"subject_token":      {subject.AccessToken},
			"subject_token_type": {tokenexchange.TokenTypeAccessToken},
		}))
		requireServerError(t, w)
	})

	t.Run("backchannel grant", func(t *testing.T) {
		backend := &unavailableStore{Store: seedStore(t), backchannelConsume: true}
		handler, srv := newTestHandler(t, NewStores(backend), nil)

		requireServerError(t, redeemBackchannelGrant(t, handler, srv, nil))
	})

	t.Run("pushed request consume", func(t *testing.T) {
		backend := &unavailableStore{Store: seedStore(t)}
		handler, srv := newTestHandler(t, NewStores(backend), nil)

		w := httptest.NewRecorder()
		handler.ServePushedAuthorization(w, formRequest(server.PushedAuthorizationPath, pushedForm()))
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		var pushed par.PushResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&pushed))

		backend.pushedConsume = true
		_, err := srv.ConsumePushedRequest(context.Background(), pushed.RequestURI, "client-1")
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrUnavailable)

		oauthErr := toOAuthError(err)
		assert.Equal(t, ErrorCodeServerError, oauthErr.Code)
		assert.Equal(t, http.StatusInternalServerError, oauthErr.Status)
	})
}

func TestHandler_ValidateToken(t *testing.T) {
	handler, srv := setupTestHandler(t, nil)
	key := testutil.NewECKey(t)

	bearer := redeemBackchannelGrant(t, handler, srv, nil)
	require.Equal(t, http.StatusOK, bearer.Code, bearer.Body.String())
	var bearerTok TokenResponse
	require.NoError(t, json.NewDecoder(bearer.Body).Decode(&bearerTok))

	dpopHeader := http.Header{}
	dpopHeader.Set(HeaderDPoP, testutil.NewDPoPProof(t, key, testutil.ProofOptions{
		Method: http.MethodPost,
		URL:    srv.Config.TokenEndpoint(),
	}))
	bound := redeemBackchannelGrant(t, handler, srv, dpopHeader)
	require.Equal(t, http.StatusOK, bound.Code, bound.Body.String())
	var dpopTok TokenResponse
	require.NoError(t, json.NewDecoder(bound.Body).Decode(&dpopTok))

	var seen *storage.AccessToken
	protected := handler.ValidateToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = AccessTokenFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name          string
		authorization string
		proof         func() string
		wantStatus    int
		wantChallenge string
	}{
		{
			name:          "bearer",
			authorization: "Bearer " + bearerTok.AccessToken,
			wantStatus:    http.StatusNoContent,
		},
		{
			name:          "dpop",
			authorization: "DPoP " + dpopTok.AccessToken,
			proof: func() string {
				return testutil.NewDPoPProof(t, key, testutil.ProofOptions{
					Method:      http.MethodGet,
					URL:         resourceURL,
					AccessToken: dpopTok.AccessToken,
				})
			},
			wantStatus: http.StatusNoContent,
		},
		{
			name:          "dpop token as bearer",
			authorization: "Bearer " + dpopTok.AccessToken,
			wantStatus:    http.StatusUnauthorized,
			wantChallenge: token.SchemeBearer,
		},
		{
			name:          "dpop without proof",
			authorization: "DPoP " + dpopTok.AccessToken,
			wantStatus:    http.StatusUnauthorized,
			wantChallenge: token.SchemeDPoP,
		},
		{
			name:          "missing",
			wantStatus:    http.StatusUnauthorized,
			wantChallenge: token.SchemeBearer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, resourceURL, nil)
			if tt.authorization != "" {
				req.Header.Set("Authorization", tt.authorization)
			}
			if tt.proof != nil {
				req.Header.Set(HeaderDPoP, tt.proof())
			}

			w := httptest.NewRecorder()
			protected.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus == http.StatusNoContent {
				require.NotNil(t, seen)
				assert.Equal(t, "client-1", seen.ClientID)
				return
			}
			assert.Nil(t, seen)
			challenge := w.Header().Get("WWW-Authenticate")
			assert.True(t, strings.HasPrefix(challenge, tt.wantChallenge+" "), "challenge %q", challenge)
		})
	}
}

func TestHandler_ClientRateLimit(t *testing.T) {
	handler, _ := setupTestHandler(t, func(c *Config) {
		c.RateLimit.ClientRate = 1
		c.RateLimit.ClientBurst = 1
	})

	w := httptest.NewRecorder()
	handler.ServePushedAuthorization(w, formRequest(server.PushedAuthorizationPath, pushedForm()))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	handler.ServePushedAuthorization(w, formRequest(server.PushedAuthorizationPath, pushedForm()))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, ErrorCodeRateLimitExceeded, decodeError(t, w).Error)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHandler_IPRateLimit(t *testing.T) {
	handler, _ := setupTestHandler(t, func(c *Config) {
		c.RateLimit.Rate = 1
		c.RateLimit.Burst = 1
	})

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		w := httptest.NewRecorder()
		handler.ServeAuthorizationServerMetadata(w, httptest.NewRequest(http.MethodGet, MetadataPath, nil))
		if w.Code != want {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, want)
		}
	}
}

func TestHandler_RequestIDInLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	handler, _ := setupTestHandler(t, func(c *Config) {
		c.Logger = logger
		c.RateLimit.Rate = 1
		c.RateLimit.Burst = 1
		c.Security.EnableAuditLogging = true
	})

	var last *httptest.ResponseRecorder
	security.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for range 2 {
			last = httptest.NewRecorder()
			handler.ServeAuthorizationServerMetadata(last, r)
		}
	})).ServeHTTP(httptest.NewRecorder(), func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, MetadataPath, nil)
		req.Header.Set(security.RequestIDHeader, "req-7")
		return req
	}())

	require.Equal(t, http.StatusTooManyRequests, last.Code)
	out := buf.String()
	assert.Contains(t, out, `msg="Rate limit exceeded" request_id=req-7`)
	assert.Contains(t, out, "event_type="+security.EventRateLimitExceeded+" request_id=req-7")
}

func TestHandler_ServeAuthorizationServerMetadata(t *testing.T) {
	handler, _ := setupTestHandler(t, func(c *Config) {
		c.MTLS.EndpointAliases = []string{"https://mtls.auth.example.com/oauth/token"}
	})

	w := httptest.NewRecorder()
	handler.ServeAuthorizationServerMetadata(w, httptest.NewRequest(http.MethodGet, MetadataPath, nil))
	require.Equal(t, http.StatusOK, w.Code)

	var meta AuthorizationServerMetadata
	require.NoError(t, json.NewDecoder(w.Body).Decode(&meta))

	assert.Equal(t, testIssuer, meta.Issuer)
	assert.Equal(t, testIssuer+server.TokenPath, meta.TokenEndpoint)
	assert.Equal(t, testIssuer+server.PushedAuthorizationPath, meta.PushedAuthorizationRequestEndpoint)
	assert.Equal(t, testIssuer+server.BackchannelAuthenticationPath, meta.BackchannelAuthenticationEndpoint)
	assert.Contains(t, meta.GrantTypesSupported, ciba.GrantType)
	assert.Contains(t, meta.GrantTypesSupported, tokenexchange.GrantType)
	assert.Equal(t, []string{par.MethodS256}, meta.CodeChallengeMethodsSupported)
	assert.Contains(t, meta.DPoPSigningAlgValuesSupported, "ES256")
	assert.True(t, meta.TLSClientCertificateBoundAccessTokens)
	assert.Equal(t, map[string]string{"token_endpoint": "https://mtls.auth.example.com/oauth/token"}, meta.MTLSEndpointAliases)
}

func TestHandler_RegisterRoutes(t *testing.T) {
	handler, _ := setupTestHandler(t, func(c *Config) { c.Issuer = testIssuer + "/tenant" })

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{method: http.MethodGet, path: MetadataPath + "/tenant", want: http.StatusOK},
		{method: http.MethodGet, path: "/tenant" + server.TokenPath, want: http.StatusMethodNotAllowed},
		{method: http.MethodGet, path: server.TokenPath, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
		if w.Code != tt.want {
			t.Errorf("%s %s: status = %d, want %d", tt.method, tt.path, w.Code, tt.want)
		}
	}
}

func TestFormatWWWAuthenticate(t *testing.T) {
	handler, _ := setupTestHandler(t, nil)

	tests := []struct {
		name   string
		scheme string
		code   string
		desc   string
		want   string
	}{
		{
			name:   "bare",
			scheme: token.SchemeBearer,
			want:   "Bearer",
		},
		{
			name:   "escaped description",
			scheme: token.SchemeBearer,
			code:   ErrorCodeInvalidToken,
			desc:   `bad "token" \ here`,
			want:   `Bearer error="invalid_token", error_description="bad \"token\" \\ here"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := handler.formatWWWAuthenticate(tt.scheme, tt.code, tt.desc); got != tt.want {
				t.Errorf("formatWWWAuthenticate() = %q, want %q", got, tt.want)
			}
		})
	}

	dpopChallenge := handler.formatWWWAuthenticate(token.SchemeDPoP, ErrorCodeUseDPoPNonce, "nonce required")
	assert.Contains(t, dpopChallenge, `algs="`)
}

func TestAccessTokenContext(t *testing.T) {
	if _, ok := AccessTokenFromContext(context.Background()); ok {
		t.Fatal("empty context should carry no token")
	}
	tok := &storage.AccessToken{ClientID: "client-1"}
	got, ok := AccessTokenFromContext(ContextWithAccessToken(context.Background(), tok))
	if !ok || got != tok {
		t.Errorf("AccessTokenFromContext() = %v, %v", got, ok)
	}
}
