package dpop

import (
	"context"
	"crypto"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-ext/internal/testutil"
	"github.com/giantswarm/oauth-ext/storage"
	"github.com/giantswarm/oauth-ext/storage/memory"
)

const testTokenURL = "https://as.example.com/oauth/token"

func newTestValidator(t *testing.T, nonces *NonceIssuer) *Validator {
	t.Helper()
	store := memory.New()
	t.Cleanup(store.Stop)
	v, err := NewValidator(Config{}, store, nonces, nil)
	require.NoError(t, err)
	return v
}

func requireReason(t *testing.T, err error, reason Reason) {
	t.Helper()
	var pe *ProofError
	require.True(t, errors.As(err, &pe), "expected *ProofError, got %v", err)
	assert.Equal(t, reason, pe.Reason)
	if reason == ReasonNonce {
		assert.Equal(t, ErrorCodeUseNonce, pe.Code)
	} else {
		assert.Equal(t, ErrorCodeInvalidProof, pe.Code)
		assert.Equal(t, "DPoP proof is invalid", pe.Description)
	}
}

// recordingReplayStore captures MarkUsed calls
type recordingReplayStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	err   error
	calls int
}

func (s *recordingReplayStore) MarkUsed(_ context.Context, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return s.err
	}
	if s.seen == nil {
		s.seen = make(map[string]time.Time)
	}
	if _, ok := s.seen[id]; ok {
		return storage.ErrReplayDetected
	}
	s.seen[id] = expiresAt
	return nil
}

func TestNewValidator(t *testing.T) {
	store := &recordingReplayStore{}

	_, err := NewValidator(Config{}, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewValidator(Config{Algorithms: []jose.SignatureAlgorithm{jose.HS256}}, store, nil, nil)
	assert.Error(t, err)

	_, err = NewValidator(Config{ClockSkew: -time.Second}, store, nil, nil)
	assert.Error(t, err)

	v, err := NewValidator(Config{}, store, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAge, v.maxAge)
	assert.Equal(t, DefaultClockSkew, v.skew)
	assert.Equal(t, SupportedAlgorithms, v.algorithms)
}

func TestValidator_Validate(t *testing.T) {
	ec := testutil.NewECKey(t)
	rsaKey := testutil.NewRSAKey(t)

	tests := []struct {
		name string
		key  crypto.Signer
		alg  jose.SignatureAlgorithm
	}{
		{name: "ES256", key: ec, alg: jose.ES256},
		{name: "RS256", key: rsaKey, alg: jose.RS256},
		{name: "RS512", key: rsaKey, alg: jose.RS512},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(t, nil)
			proof := testutil.NewDPoPProof(t, tt.key, testutil.ProofOptions{Method: "POST", URL: testTokenURL, Algorithm: tt.alg})

			result, err := v.Validate(context.Background(), Request{Proof: proof, Method: "POST", URL: testTokenURL})
			require.NoError(t, err)
			assert.Equal(t, tt.alg, result.Algorithm)
			assert.Equal(t, "POST", result.Claims.HTM)
			assert.NotEmpty(t, result.Claims.JTI)
			assert.Equal(t, testutil.Thumbprint(t, tt.key), result.JKT)
		})
	}
}

func TestValidator_Replay(t *testing.T) {
	v := newTestValidator(t, nil)
	key := testutil.NewECKey(t)
	proof := testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "POST", URL: testTokenURL})
	req := Request{Proof: proof, Method: "POST", URL: testTokenURL}

	_, err := v.Validate(context.Background(), req)
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), req)
	requireReason(t, err, ReasonReplay)
}

func TestValidator_ConcurrentReplay(t *testing.T) {
	v := newTestValidator(t, nil)
	key := testutil.NewECKey(t)
	proof := testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "POST", URL: testTokenURL})
	req := Request{Proof: proof, Method: "POST", URL: testTokenURL}

	const workers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.Validate(context.Background(), req); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
}

func TestValidator_MethodMismatch(t *testing.T) {
	v := newTestValidator(t, nil)
	key := testutil.NewECKey(t)
	proof := testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "POST", URL: testTokenURL})

	_, err := v.Validate(context.Background(), Request{Proof: proof, Method: "GET", URL: testTokenURL})
	requireReason(t, err, ReasonMethod)

	// htm is compared exactly
	proof = testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "post", URL: testTokenURL})
	_, err = v.Validate(context.Background(), Request{Proof: proof, Method: "POST", URL: testTokenURL})
	requireReason(t, err, ReasonMethod)
}

func TestValidator_URL(t *testing.T) {
	key := testutil.NewECKey(t)

	tests := []struct {
		name    string
		htu     string
		url     string
		wantErr bool
	}{
		{name: "exact", htu: testTokenURL, url: testTokenURL},
		{name: "query and fragment stripped", htu: testTokenURL + "?a=b#frag", url: testTokenURL + "?c=d"},
		{name: "case and default port", htu: "HTTPS://AS.Example.COM:443/oauth/token", url: testTokenURL},
		{name: "different path", htu: "https://as.example.com/oauth/par", url: testTokenURL, wantErr: true},
		{name: "different host", htu: "https://evil.example.com/oauth/token", url: testTokenURL, wantErr: true},
		{name: "different scheme", htu: "http://as.example.com/oauth/token", url: testTokenURL, wantErr: true},
		{name: "non-default port", htu: "https://as.example.com:8443/oauth/token", url: testTokenURL, wantErr: true},
		{name: "relative htu", htu: "/oauth/token", url: testTokenURL, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(t, nil)
			proof := testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "POST", URL: tt.htu})
			_, err := v.Validate(context.Background(), Request{Proof: proof, Method: "POST", URL: tt.url})
			if tt.wantErr {
				requireReason(t, err, ReasonURL)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidator_IssuedAt(t *testing.T) {
	key := testutil.NewECKey(t)
	now := time.Now()

	tests := []struct {
		name   string
		iat    time.Time
		reason Reason
	}{
		{name: "fresh", iat: now.Add(-30 * time.Second)},
		{name: "within skew", iat: now.Add(3 * time.Second)},
		{name: "stale", iat: now.Add(-2 * time.Minute), reason: ReasonStale},
		{name: "future", iat: now.Add(time.Minute), reason: ReasonFuture},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(t, nil)
			v.now = func() time.Time { return now }
			proof := testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "POST", URL: testTokenURL, IssuedAt: tt.iat})
			_, err := v.Validate(context.Background(), Request{Proof: proof, Method: "POST", URL: testTokenURL})
			if tt.reason == "" {
				require.NoError(t, err)
				return
			}
			requireReason(t, err, tt.reason)
		})
	}
}

func TestValidator_Header(t *testing.T) {
	key := testutil.NewECKey(t)
	claims := map[string]any{"jti": "abc", "htm": "POST", "htu": testTokenURL, "iat": time.Now().Unix()}
	publicJWK := map[string]any{"kty": "EC", "crv": "P-256", "x": "f83OJ3D2xF1Bg8vub9tLe1gHMzV76e8Tus9uPHvRVEU", "y": "x_FEzRu9m36HLN_tue659LNpXW6pCyStikYjKIWI5a0"}

	tests := []struct {
		name   string
		proof  string
		reason Reason
	}{
		{name: "empty", proof: "", reason: ReasonMalformed},
		{name: "not a JWS", proof: "not-a-jwt", reason: ReasonMalformed},
		{name: "oversized", proof: strings.Repeat("a", MaxProofLength+1), reason: ReasonMalformed},
		{
			name:   "wrong typ",
			proof:  testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "POST", URL: testTokenURL, Type: "JWT"}),
			reason: ReasonMalformed,
		},
		{
			name:   "missing jwk",
			proof:  testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "POST", URL: testTokenURL, OmitJWK: true}),
			reason: ReasonMalformed,
		},
		{
			name:   "missing jti",
			proof:  testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "POST", URL: testTokenURL, OmitJTI: true}),
			reason: ReasonMalformed,
		},
		{
			name:   "symmetric algorithm",
			proof:  testutil.UnsignedJWT(t, map[string]any{"typ": ProofType, "alg": "HS256", "jwk": publicJWK}, claims),
			reason: ReasonAlgorithm,
		},
		{
			name:   "none algorithm",
			proof:  testutil.UnsignedJWT(t, map[string]any{"typ": ProofType, "alg": "none", "jwk": publicJWK}, claims),
			reason: ReasonAlgorithm,
		},
		{
			name:   "PS256 not in allow-list",
			proof:  testutil.UnsignedJWT(t, map[string]any{"typ": ProofType, "alg": "PS256", "jwk": publicJWK}, claims),
			reason: ReasonAlgorithm,
		},
		{
			name: "private key in jwk",
			proof: testutil.UnsignedJWT(t, map[string]any{"typ": ProofType, "alg": "ES256", "jwk": map[string]any{
				"kty": "EC", "crv": "P-256",
				"x": "f83OJ3D2xF1Bg8vub9tLe1gHMzV76e8Tus9uPHvRVEU",
				"y": "x_FEzRu9m36HLN_tue659LNpXW6pCyStikYjKIWI5a0",
				"d": "jpsQnnGQmL-YBIffH1136cspYG6-0iY7X1fCE9-E9LI",
			}}, claims),
			reason: ReasonMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestValidator(t, nil)
			_, err := v.Validate(context.Background(), Request{Proof: tt.proof, Method: "POST", URL: testTokenURL})
			requireReason(t, err, tt.reason)
		})
	}
}

func TestValidator_Signature(t *testing.T) {
	v := newTestValidator(t, nil)
	keyA := testutil.NewECKey(t)
	keyB := testutil.NewECKey(t)
	opts := testutil.ProofOptions{Method: "POST", URL: testTokenURL, JTI: "same-jti"}

	partsA := strings.Split(testutil.NewDPoPProof(t, keyA, opts), ".")
	partsB := strings.Split(testutil.NewDPoPProof(t, keyB, opts), ".")

	// header (and jwk) of B with the signature of A
	spliced := partsB[0] + "." + partsA[1] + "." + partsA[2]
	_, err := v.Validate(context.Background(), Request{Proof: spliced, Method: "POST", URL: testTokenURL})
	requireReason(t, err, ReasonSignature)
}

func TestValidator_AccessTokenHash(t *testing.T) {
	key := testutil.NewECKey(t)
	const token = "access-token-value"

	t.Run("matching ath", func(t *testing.T) {
		v := newTestValidator(t, nil)
		proof := testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "GET", URL: "https://api.example.com/data", AccessToken: token})
		result, err := v.Validate(context.Background(), Request{Proof: proof, Method: "GET", URL: "https://api.example.com/data", AccessToken: token})
		require.NoError(t, err)
		assert.Equal(t, AccessTokenHash(token), result.Claims.ATH)
	})

	t.Run("missing ath", func(t *testing.T) {
		v := newTestValidator(t, nil)
		proof := testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "GET", URL: "https://api.example.com/data"})
		_, err := v.Validate(context.Background(), Request{Proof: proof, Method: "GET", URL: "https://api.example.com/data", AccessToken: token})
		requireReason(t, err, ReasonATH)
	})

	t.Run("ath for another token", func(t *testing.T) {
		v := newTestValidator(t, nil)
		proof := testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "GET", URL: "https://api.example.com/data", AccessToken: "other"})
		_, err := v.Validate(context.Background(), Request{Proof: proof, Method: "GET", URL: "https://api.example.com/data", AccessToken: token})
		requireReason(t, err, ReasonATH)
	})
}

func TestValidator_ValidateBound(t *testing.T) {
	key := testutil.NewECKey(t)
	other := testutil.NewECKey(t)
	const token = "bound-token"
	url := "https://api.example.com/data"

	t.Run("same key", func(t *testing.T) {
		v := newTestValidator(t, nil)
		proof := testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "GET", URL: url, AccessToken: token})
		result, err := v.ValidateBound(context.Background(), Request{Proof: proof, Method: "GET", URL: url, AccessToken: token}, testutil.Thumbprint(t, key))
		require.NoError(t, err)
		assert.Equal(t, testutil.Thumbprint(t, key), result.JKT)
	})

	t.Run("different key", func(t *testing.T) {
		store := &recordingReplayStore{}
		v, err := NewValidator(Config{}, store, nil, nil)
		require.NoError(t, err)

		proof := testutil.NewDPoPProof(t, other, testutil.ProofOptions{Method: "GET", URL: url, AccessToken: token})
		_, err = v.ValidateBound(context.Background(), Request{Proof: proof, Method: "GET", URL: url, AccessToken: token}, testutil.Thumbprint(t, key))
		requireReason(t, err, ReasonThumbprint)
		assert.Zero(t, store.calls, "a rejected proof must not consume its jti")
	})

	t.Run("unbound token", func(t *testing.T) {
		v := newTestValidator(t, nil)
		proof := testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "GET", URL: url, AccessToken: token})
		_, err := v.ValidateBound(context.Background(), Request{Proof: proof, Method: "GET", URL: url, AccessToken: token}, "")
		requireReason(t, err, ReasonThumbprint)
	})
}

func TestValidator_ReplayWindow(t *testing.T) {
	key := testutil.NewECKey(t)
	now := time.Now().Truncate(time.Second)

	t.Run("proof lifetime", func(t *testing.T) {
		store := &recordingReplayStore{}
		v, err := NewValidator(Config{}, store, nil, nil)
		require.NoError(t, err)

		proof := testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "POST", URL: testTokenURL, JTI: "jti-1", IssuedAt: now})
		_, err = v.Validate(context.Background(), Request{Proof: proof, Method: "POST", URL: testTokenURL})
		require.NoError(t, err)
		assert.Equal(t, now.Add(DefaultMaxAge+DefaultClockSkew).Unix(), store.seen["dpop:jti-1"].Unix())
	})

	t.Run("token lifetime", func(t *testing.T) {
		store := &recordingReplayStore{}
		v, err := NewValidator(Config{}, store, nil, nil)
		require.NoError(t, err)

		expiry := now.Add(time.Hour)
		proof := testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "POST", URL: testTokenURL, JTI: "jti-2", IssuedAt: now})
		_, err = v.Validate(context.Background(), Request{Proof: proof, Method: "POST", URL: testTokenURL, TokenExpiry: expiry})
		require.NoError(t, err)
		assert.Equal(t, expiry, store.seen["dpop:jti-2"])
	})

	t.Run("store failure is not a proof error", func(t *testing.T) {
		store := &recordingReplayStore{err: storage.ErrUnavailable}
		v, err := NewValidator(Config{}, store, nil, nil)
		require.NoError(t, err)

		proof := testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "POST", URL: testTokenURL})
		_, err = v.Validate(context.Background(), Request{Proof: proof, Method: "POST", URL: testTokenURL})
		require.Error(t, err)
		var pe *ProofError
		assert.False(t, errors.As(err, &pe))
		assert.ErrorIs(t, err, storage.ErrUnavailable)
	})
}

func TestValidator_Nonce(t *testing.T) {
	key := testutil.NewECKey(t)
	issuer, err := NewNonceIssuer(nil, time.Minute)
	require.NoError(t, err)

	t.Run("missing nonce", func(t *testing.T) {
		v := newTestValidator(t, issuer)
		proof := testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "POST", URL: testTokenURL})
		_, err := v.Validate(context.Background(), Request{Proof: proof, Method: "POST", URL: testTokenURL})
		requireReason(t, err, ReasonNonce)
	})

	t.Run("unknown nonce", func(t *testing.T) {
		v := newTestValidator(t, issuer)
		proof := testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "POST", URL: testTokenURL, Nonce: "made-up"})
		_, err := v.Validate(context.Background(), Request{Proof: proof, Method: "POST", URL: testTokenURL})
		requireReason(t, err, ReasonNonce)
	})

	t.Run("issued nonce", func(t *testing.T) {
		v := newTestValidator(t, issuer)
		nonce := issuer.Issue()
		proof := testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "POST", URL: testTokenURL, Nonce: nonce})
		result, err := v.Validate(context.Background(), Request{Proof: proof, Method: "POST", URL: testTokenURL})
		require.NoError(t, err)
		assert.Equal(t, nonce, result.Claims.Nonce)
	})

	t.Run("explicit expected nonce", func(t *testing.T) {
		v := newTestValidator(t, nil)
		proof := testutil.NewDPoPProof(t, key, testutil.ProofOptions{Method: "POST", URL: testTokenURL, Nonce: "n-1"})
		_, err := v.Validate(context.Background(), Request{Proof: proof, Method: "POST", URL: testTokenURL, Nonce: "n-2"})
		requireReason(t, err, ReasonNonce)
	})
}

func TestThumbprint(t *testing.T) {
	key := testutil.NewECKey(t)
	jkt, err := Thumbprint(&jose.JSONWebKey{Key: key.Public()})
	require.NoError(t, err)
	assert.Equal(t, testutil.Thumbprint(t, key), jkt)
	assert.Len(t, jkt, 43)

	_, err = Thumbprint(nil)
	assert.Error(t, err)
}

func TestAccessTokenHash(t *testing.T) {
	assert.Equal(t, testutil.AccessTokenHash("token"), AccessTokenHash("token"))
	assert.NotContains(t, AccessTokenHash("token"), "=")
}
