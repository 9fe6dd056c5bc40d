package testutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

// NewECKey generates a P-256 key
func NewECKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate EC key: %v", err)
	}
	return key
}

// NewRSAKey generates a 2048-bit RSA key
func NewRSAKey(t testing.TB) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate RSA key: %v", err)
	}
	return key
}

// algorithmFor picks the default JWS algorithm for a key
func algorithmFor(key crypto.Signer) jose.SignatureAlgorithm {
	if ec, ok := key.(*ecdsa.PrivateKey); ok && ec.Curve == elliptic.P384() {
		return jose.ES384
	}
	if _, ok := key.(*rsa.PrivateKey); ok {
		return jose.RS256
	}
	return jose.ES256
}

// Thumbprint returns the RFC 7638 SHA-256 thumbprint of the key's public part, base64url encoded
func Thumbprint(t testing.TB, key crypto.Signer) string {
	t.Helper()
	tp, err := (&jose.JSONWebKey{Key: key.Public()}).Thumbprint(crypto.SHA256)
	if err != nil {
		t.Fatalf("failed to compute thumbprint: %v", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp)
}

// ProofOptions controls the content of a DPoP proof built by NewDPoPProof
type ProofOptions struct {
	Method      string
	URL         string
	AccessToken string // sets ath when non-empty
	Nonce       string
	JTI         string    // random UUID when empty
	IssuedAt    time.Time // now when zero
	Type        string    // "dpop+jwt" when empty
	Algorithm   jose.SignatureAlgorithm
	OmitJWK     bool
	OmitJTI     bool
	ATH         string // overrides the computed ath
}

// NewDPoPProof signs a DPoP proof with key, embedding its public JWK
func NewDPoPProof(t testing.TB, key crypto.Signer, opts ProofOptions) string {
	t.Helper()

	alg := opts.Algorithm
	if alg == "" {
		alg = algorithmFor(key)
	}
	typ := opts.Type
	if typ == "" {
		typ = "dpop+jwt"
	}

	signerOpts := (&jose.SignerOptions{EmbedJWK: !opts.OmitJWK}).WithType(jose.ContentType(typ))
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, signerOpts)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	iat := opts.IssuedAt
	if iat.IsZero() {
		iat = time.Now()
	}
	claims := map[string]any{
		"htm": opts.Method,
		"htu": opts.URL,
		"iat": iat.Unix(),
	}
	if !opts.OmitJTI {
		jti := opts.JTI
		if jti == "" {
			jti = uuid.NewString()
		}
		claims["jti"] = jti
	}
	switch {
	case opts.ATH != "":
		claims["ath"] = opts.ATH
	case opts.AccessToken != "":
		claims["ath"] = AccessTokenHash(opts.AccessToken)
	}
	if opts.Nonce != "" {
		claims["nonce"] = opts.Nonce
	}

	proof, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatalf("failed to sign proof: %v", err)
	}
	return proof
}

// UnsignedJWT assembles a compact JWS with an arbitrary header and claims and a
// dummy signature. It is used to build tokens no real signer would produce.
func UnsignedJWT(t testing.TB, header, claims map[string]any) string {
	t.Helper()
	h, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("failed to marshal header: %v", err)
	}
	c, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("failed to marshal claims: %v", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(h) + "." + enc.EncodeToString(c) + "." + enc.EncodeToString([]byte("signature"))
}

// SignJWT signs claims with key as a regular JWT carrying kid in its header
func SignJWT(t testing.TB, key crypto.Signer, kid string, claims any) string {
	t.Helper()
	signerOpts := (&jose.SignerOptions{}).WithType("JWT")
	if kid != "" {
		signerOpts = signerOpts.WithHeader(jose.HeaderKey("kid"), kid)
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: algorithmFor(key), Key: key}, signerOpts)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatalf("failed to sign JWT: %v", err)
	}
	return token
}

// JWKS returns the JSON public key set for the given kid to key mapping
func JWKS(t testing.TB, keys map[string]crypto.Signer) string {
	t.Helper()
	set := jose.JSONWebKeySet{}
	for kid, key := range keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       key.Public(),
			KeyID:     kid,
			Algorithm: string(algorithmFor(key)),
			Use:       "sig",
		})
	}
	out, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("failed to marshal JWKS: %v", err)
	}
	return string(out)
}

// AccessTokenHash returns base64url(SHA-256(token)), the DPoP ath value
func AccessTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
