// Package token mints opaque access and refresh tokens and validates them on
// resource requests.
//
// Token values are random (oauth2.GenerateVerifier) and only their SHA-256
// hashes are stored. A token minted with a validated DPoP proof records the
// proof key thumbprint (cnf.jkt) and is returned with token_type DPoP; a token
// minted over mTLS for a client requesting certificate-bound tokens records
// the certificate thumbprint (cnf.x5t#S256).
//
// On resource requests the Validator looks the token up by hash, rejects
// revoked and expired tokens, and enforces whichever binding the token carries:
//
//   - DPoP-bound tokens must be presented with the DPoP scheme and a proof
//     signed by the bound key whose ath matches the token
//   - certificate-bound tokens must be presented over a connection carrying
//     the bound certificate
package token
