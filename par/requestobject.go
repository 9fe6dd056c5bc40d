package par

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oauth-ext/storage"
)

// RequestObjectAlgorithms are the signature algorithms accepted for request objects
var RequestObjectAlgorithms = []jose.SignatureAlgorithm{
	jose.ES256, jose.ES384, jose.ES512,
	jose.RS256, jose.RS384, jose.RS512,
	jose.PS256, jose.PS384, jose.PS512,
	jose.EdDSA,
}

// checkRequestObjectStructure requires three non-empty dot-separated segments
// and a header that decodes to a JSON object with an alg
func checkRequestObjectStructure(requestObject string) error {
	parts := strings.Split(requestObject, ".")
	if len(parts) != 3 {
		return errors.New("request object must have three segments")
	}
	for _, part := range parts {
		if part == "" {
			return errors.New("request object has an empty segment")
		}
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return fmt.Errorf("invalid header encoding: %w", err)
	}
	var header struct {
		Algorithm string `json:"alg"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}
	if header.Algorithm == "" {
		return errors.New("request object header has no alg")
	}
	return nil
}

// ClientJWKSVerifier verifies request objects against the JWKS registered by
// the client. The iss and client_id claims, when present, must name the client.
type ClientJWKSVerifier struct{}

// VerifyRequestObject implements RequestObjectVerifier
func (ClientJWKSVerifier) VerifyRequestObject(_ context.Context, client *storage.Client, requestObject string) error {
	if client.JWKS == "" {
		return errors.New("client has no registered JWKS")
	}
	var keys jose.JSONWebKeySet
	if err := json.Unmarshal([]byte(client.JWKS), &keys); err != nil {
		return fmt.Errorf("invalid client JWKS: %w", err)
	}

	jws, err := jose.ParseSigned(requestObject, RequestObjectAlgorithms)
	if err != nil {
		return fmt.Errorf("failed to parse request object: %w", err)
	}
	if len(jws.Signatures) != 1 {
		return errors.New("request object must carry exactly one signature")
	}

	candidates := keys.Keys
	if kid := jws.Signatures[0].Header.KeyID; kid != "" {
		candidates = keys.Key(kid)
	}

	for _, key := range candidates {
		payload, err := jws.Verify(key.Public())
		if err != nil {
			continue
		}
		var claims struct {
			Issuer   string `json:"iss"`
			ClientID string `json:"client_id"`
		}
		if err := json.Unmarshal(payload, &claims); err != nil {
			return fmt.Errorf("invalid request object claims: %w", err)
		}
		if claims.Issuer != "" && claims.Issuer != client.ClientID {
			return errors.New("request object iss does not match client")
		}
		if claims.ClientID != "" && claims.ClientID != client.ClientID {
			return errors.New("request object client_id does not match client")
		}
		return nil
	}
	return errors.New("no registered key verifies the request object")
}
