package par

import (
	"context"
	"crypto"
	"errors"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-ext/internal/testutil"
	"github.com/giantswarm/oauth-ext/storage"
	"github.com/giantswarm/oauth-ext/storage/memory"
)

// countingStore counts saved pushed requests
type countingStore struct {
	*memory.Store
	saves atomic.Int32
}

func (c *countingStore) SavePushedRequest(ctx context.Context, req *storage.PushedRequest) error {
	c.saves.Add(1)
	return c.Store.SavePushedRequest(ctx, req)
}

type unavailableStore struct {
	*memory.Store
}

func (unavailableStore) ConsumePushedRequest(context.Context, string, string) (*storage.PushedRequest, error) {
	return nil, storage.ErrUnavailable
}

func newTestService(t *testing.T, cfg Config) (*Service, *countingStore) {
	t.Helper()
	mem := memory.New()
	t.Cleanup(mem.Stop)
	require.NoError(t, mem.SaveClient(context.Background(), testutil.NewTestClient("client-1")))
	require.NoError(t, mem.SaveClient(context.Background(), testutil.NewTestClient("client-2")))

	store := &countingStore{Store: mem}
	svc, err := NewService(cfg, store, mem, nil)
	require.NoError(t, err)
	return svc, store
}

func validParams() Params {
	challenge, _ := testutil.GeneratePKCEPair()
	return Params{
		ResponseType:        "code",
		ClientID:            "client-1",
		RedirectURI:         "https://client.example.com/callback",
		Scope:               "openid api.read",
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: MethodS256,
		LoginHint:           "alice@example.com",
	}
}

func requireInvalidRequest(t *testing.T, err error) *Error {
	t.Helper()
	var pe *Error
	require.True(t, errors.As(err, &pe), "expected *Error, got %v", err)
	assert.Equal(t, ErrorCodeInvalidRequest, pe.Code)
	return pe
}

func TestService_Create(t *testing.T) {
	svc, store := newTestService(t, Config{})

	resp, err := svc.Create(context.Background(), "client-1", validParams())
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^urn:ietf:params:oauth:request_uri:[A-Za-z0-9]{32}$`), resp.RequestURI)
	assert.Equal(t, 600, resp.ExpiresIn)
	assert.EqualValues(t, 1, store.saves.Load())

	stored, err := store.GetPushedRequest(context.Background(), resp.RequestURI)
	require.NoError(t, err)
	assert.Equal(t, "client-1", stored.ClientID)
	assert.Equal(t, "alice@example.com", stored.Params.LoginHint)
	assert.WithinDuration(t, stored.CreatedAt.Add(DefaultTTL), stored.ExpiresAt, time.Second)
	assert.Len(t, stored.ID, 26)
}

func TestService_Create_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		mutate func(*Params)
	}{
		{name: "response_type token", mutate: func(p *Params) { p.ResponseType = "token" }},
		{name: "missing response_type", mutate: func(p *Params) { p.ResponseType = "" }},
		{name: "foreign client_id", mutate: func(p *Params) { p.ClientID = "client-2" }},
		{name: "missing redirect_uri", mutate: func(p *Params) { p.RedirectURI = "" }},
		{name: "http redirect_uri", mutate: func(p *Params) { p.RedirectURI = "http://client.example.com/callback" }},
		{name: "relative redirect_uri", mutate: func(p *Params) { p.RedirectURI = "/callback" }},
		{name: "redirect_uri with fragment", mutate: func(p *Params) { p.RedirectURI = "https://client.example.com/callback#x" }},
		{name: "unregistered redirect_uri", mutate: func(p *Params) { p.RedirectURI = "https://evil.example.com/callback" }},
		{name: "missing code_challenge", mutate: func(p *Params) { p.CodeChallenge = "" }},
		{name: "short S256 challenge", mutate: func(p *Params) { p.CodeChallenge = "abc" }},
		{name: "unknown method", mutate: func(p *Params) { p.CodeChallengeMethod = "S512" }},
		{
			name: "plain rejected by config",
			cfg:  Config{RequireS256: true},
			mutate: func(p *Params) {
				p.CodeChallengeMethod = MethodPlain
				p.CodeChallenge = strings.Repeat("a", 43)
			},
		},
		{
			name: "omitted method means plain",
			cfg:  Config{RequireS256: true},
			mutate: func(p *Params) {
				p.CodeChallengeMethod = ""
				p.CodeChallenge = strings.Repeat("a", 43)
			},
		},
		{name: "malformed dpop_jkt", mutate: func(p *Params) { p.DPoPJKT = "not-a-thumbprint" }},
		{name: "request object with two segments", mutate: func(p *Params) { p.Request = "a.b" }},
		{name: "request object with empty segment", mutate: func(p *Params) { p.Request = "eyJhbGciOiJSUzI1NiJ9..sig" }},
		{name: "request object with bad header", mutate: func(p *Params) { p.Request = "!!!.payload.sig" }},
		{name: "request object too large", mutate: func(p *Params) { p.Request = strings.Repeat("a", MaxRequestObjectLength+1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := newTestService(t, tt.cfg)
			params := validParams()
			tt.mutate(&params)

			_, err := svc.Create(context.Background(), "client-1", params)
			requireInvalidRequest(t, err)
			assert.Zero(t, store.saves.Load(), "nothing is stored for invalid requests")
		})
	}
}

func TestService_Create_Defaults(t *testing.T) {
	svc, store := newTestService(t, Config{})

	params := validParams()
	params.ClientID = ""
	params.CodeChallengeMethod = ""
	params.CodeChallenge = strings.Repeat("b", 64)

	resp, err := svc.Create(context.Background(), "client-1", params)
	require.NoError(t, err)

	stored, err := store.GetPushedRequest(context.Background(), resp.RequestURI)
	require.NoError(t, err)
	assert.Equal(t, "client-1", stored.Params.ClientID)
	assert.Equal(t, MethodPlain, stored.Params.CodeChallengeMethod)
}

func TestService_Create_LoopbackRedirect(t *testing.T) {
	mem := memory.New()
	defer mem.Stop()
	client := testutil.NewTestClient("native")
	client.RedirectURIs = nil
	require.NoError(t, mem.SaveClient(context.Background(), client))
	svc, err := NewService(Config{}, mem, mem, nil)
	require.NoError(t, err)

	for _, uri := range []string{"http://127.0.0.1:8080/cb", "http://localhost/cb", "http://[::1]:9000/cb"} {
		params := validParams()
		params.ClientID = "native"
		params.RedirectURI = uri
		_, err := svc.Create(context.Background(), "native", params)
		assert.NoError(t, err, uri)
	}
}

func TestService_Create_UnknownClient(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	_, err := svc.Create(context.Background(), "nobody", validParams())
	requireInvalidRequest(t, err)
}

func TestService_Consume(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	resp, err := svc.Create(context.Background(), "client-1", validParams())
	require.NoError(t, err)

	// wrong client does not burn the reference
	_, err = svc.Consume(context.Background(), resp.RequestURI, "client-2")
	pe := requireInvalidRequest(t, err)
	assert.Equal(t, "request_uri is invalid or expired", pe.Description)

	params, err := svc.Consume(context.Background(), resp.RequestURI, "client-1")
	require.NoError(t, err)
	assert.Equal(t, "openid api.read", params.Scope)
	assert.Equal(t, "xyz", params.State)

	_, err = svc.Consume(context.Background(), resp.RequestURI, "client-1")
	pe = requireInvalidRequest(t, err)
	assert.Equal(t, "request_uri is invalid or expired", pe.Description)
}

func TestService_Consume_Indistinguishable(t *testing.T) {
	svc, _ := newTestService(t, Config{})

	resp, err := svc.Create(context.Background(), "client-1", validParams())
	require.NoError(t, err)

	used, err := svc.Create(context.Background(), "client-1", validParams())
	require.NoError(t, err)
	_, err = svc.Consume(context.Background(), used.RequestURI, "client-1")
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := svc.Create(context.Background(), "client-1", validParams())
	require.NoError(t, err)
	svc.now = time.Now

	attempts := []struct {
		uri      string
		clientID string
	}{
		{uri: RequestURIPrefix + strings.Repeat("x", 32), clientID: "client-1"}, // unknown
		{uri: used.RequestURI, clientID: "client-1"},
		{uri: expired.RequestURI, clientID: "client-1"},
		{uri: resp.RequestURI, clientID: "client-2"}, // foreign
		{uri: "garbage", clientID: "client-1"},
	}

	var descriptions []string
	for _, a := range attempts {
		_, err := svc.Consume(context.Background(), a.uri, a.clientID)
		descriptions = append(descriptions, requireInvalidRequest(t, err).Description)
	}
	for _, d := range descriptions {
		assert.Equal(t, descriptionInvalidRequestURI, d)
	}
}

func TestService_Consume_Expired(t *testing.T) {
	mem := memory.New()
	defer mem.Stop()
	require.NoError(t, mem.SaveClient(context.Background(), testutil.NewTestClient("client-1")))
	svc, err := NewService(Config{}, mem, mem, nil)
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Now().Add(-time.Hour) }

	resp, err := svc.Create(context.Background(), "client-1", validParams())
	require.NoError(t, err)

	_, err = svc.Consume(context.Background(), resp.RequestURI, "client-1")
	requireInvalidRequest(t, err)
}

func TestService_Consume_Concurrent(t *testing.T) {
	svc, _ := newTestService(t, Config{})
	resp, err := svc.Create(context.Background(), "client-1", validParams())
	require.NoError(t, err)

	const workers = 50
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Consume(context.Background(), resp.RequestURI, "client-1"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestService_Consume_StoreFailure(t *testing.T) {
	mem := memory.New()
	defer mem.Stop()
	svc, err := NewService(Config{}, unavailableStore{mem}, mem, nil)
	require.NoError(t, err)

	_, err = svc.Consume(context.Background(), RequestURIPrefix+strings.Repeat("a", 32), "client-1")
	require.Error(t, err)
	var pe *Error
	assert.False(t, errors.As(err, &pe), "infrastructure failures are not reported as an invalid request_uri")
	assert.ErrorIs(t, err, storage.ErrUnavailable)
}

func TestService_RequestObjectVerifier(t *testing.T) {
	key := testutil.NewECKey(t)
	other := testutil.NewECKey(t)

	mem := memory.New()
	defer mem.Stop()
	client := testutil.NewTestClient("client-1")
	client.JWKS = testutil.JWKS(t, map[string]crypto.Signer{"k1": key})
	require.NoError(t, mem.SaveClient(context.Background(), client))

	svc, err := NewService(Config{RequestObjectVerifier: ClientJWKSVerifier{}}, mem, mem, nil)
	require.NoError(t, err)

	params := validParams()
	params.Request = testutil.SignJWT(t, key, "k1", map[string]any{"iss": "client-1", "client_id": "client-1", "aud": "https://as.example.com"})
	_, err = svc.Create(context.Background(), "client-1", params)
	require.NoError(t, err)

	params.Request = testutil.SignJWT(t, other, "k1", map[string]any{"iss": "client-1"})
	_, err = svc.Create(context.Background(), "client-1", params)
	requireInvalidRequest(t, err)

	params.Request = testutil.SignJWT(t, key, "", map[string]any{"iss": "client-2"})
	_, err = svc.Create(context.Background(), "client-1", params)
	requireInvalidRequest(t, err)
}

func TestNewRequestURI(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		uri, err := NewRequestURI()
		require.NoError(t, err)
		assert.True(t, IsRequestURI(uri))
		assert.False(t, seen[uri])
		seen[uri] = true
	}
	assert.False(t, IsRequestURI(RequestURIPrefix+"short"))
	assert.False(t, IsRequestURI(RequestURIPrefix+strings.Repeat("-", 32)))
}
