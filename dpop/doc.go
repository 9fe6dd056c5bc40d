// Package dpop validates DPoP proofs (RFC 9449).
//
// A proof is a compact JWS with typ "dpop+jwt" whose header embeds the public
// JWK that signed it. Validator checks, in order:
//
//  1. the header: typ, an allow-listed algorithm (ES256, ES384, RS256, RS384,
//     RS512) and a public, well-formed embedded JWK
//  2. the signature, using the embedded key only
//  3. the claims: jti present, iat fresh, htm and htu equal to the request,
//     ath equal to the presented access token hash, nonce when required
//  4. for bound requests, the RFC 7638 thumbprint against the token's jkt
//  5. replay: the jti is recorded atomically in a storage.ReplayStore
//
// Every failure is a *ProofError with code "invalid_dpop_proof" (or
// "use_dpop_nonce" for a missing or stale server nonce) and a generic
// description. The precise Reason is for logs and metrics only.
//
//	validator, err := dpop.NewValidator(dpop.Config{}, store, nil, logger)
//	result, err := validator.Validate(ctx, dpop.Request{
//	    Proof:  r.Header.Get("DPoP"),
//	    Method: r.Method,
//	    URL:    "https://as.example.com/oauth/token",
//	})
//	// result.JKT is stored on the issued token as cnf.jkt
package dpop
